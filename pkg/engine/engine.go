// Package engine holds the static catalogue of computation engines
// yascheduler knows how to spawn, deploy, and check the liveness of,
// loaded from the [engine.<name>] sections of the config file.
package engine

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/ini.v1"

	"github.com/tilde-lab/yascheduler/pkg/config"
)

// Deployable is one way of getting engine binaries onto a remote host
// before first use.
type Deployable interface{ isDeployable() }

// LocalFilesDeploy copies individual files from the local engines dir.
type LocalFilesDeploy struct{ Files []string }

func (LocalFilesDeploy) isDeployable() {}

// LocalArchiveDeploy copies and extracts a local archive.
type LocalArchiveDeploy struct{ File string }

func (LocalArchiveDeploy) isDeployable() {}

// RemoteArchiveDeploy downloads and extracts an archive from a URL.
type RemoteArchiveDeploy struct{ URL string }

func (RemoteArchiveDeploy) isDeployable() {}

// Engine describes one computation engine: how to start it, how to tell
// it is still alive, and what files it needs.
type Engine struct {
	Name             string
	Spawn            string
	CheckCmd         string
	CheckCmdCode     int
	CheckPname       string
	Deployable       []Deployable
	InputFiles       []string
	OutputFiles      []string
	Platforms        []string
	PlatformPackages []string
	SleepInterval    int // seconds
}

func splitFields(s string) []string {
	return strings.Fields(s)
}

func fromSection(sec *ini.Section, enginesDir string) (Engine, error) {
	name := strings.TrimPrefix(sec.Name(), "engine.")
	engineDir := path.Join(enginesDir, name)

	var deployable []Deployable
	if files := splitFields(sec.Key("deploy_local_files").String()); len(files) > 0 {
		full := lo.Map(files, func(f string, _ int) string { return path.Join(engineDir, strings.TrimSpace(f)) })
		deployable = append(deployable, LocalFilesDeploy{Files: full})
	}
	if archive := sec.Key("deploy_local_archive").String(); archive != "" {
		deployable = append(deployable, LocalArchiveDeploy{File: path.Join(engineDir, archive)})
	}
	if url := sec.Key("deploy_remote_archive").String(); url != "" {
		deployable = append(deployable, RemoteArchiveDeploy{URL: url})
	}

	e := Engine{
		Name:             name,
		Spawn:            sec.Key("spawn").String(),
		CheckCmd:         sec.Key("check_cmd").String(),
		CheckCmdCode:     sec.Key("check_cmd_code").MustInt(0),
		CheckPname:       sec.Key("check_pname").String(),
		Deployable:       deployable,
		InputFiles:       splitFields(sec.Key("input_files").String()),
		OutputFiles:      splitFields(sec.Key("output_files").String()),
		Platforms:        splitFields(sec.Key("platforms").String()),
		PlatformPackages: splitFields(sec.Key("platform_packages").String()),
		SleepInterval:    sec.Key("sleep_interval").MustInt(10),
	}
	if err := e.validate(); err != nil {
		return Engine{}, err
	}
	return e, nil
}

func (e Engine) validate() error {
	if err := config.ValidateSpawnTemplate(e.Name, e.Spawn); err != nil {
		return err
	}
	if e.CheckCmd == "" && e.CheckPname == "" {
		return fmt.Errorf("engine %s has no check_cmd or check_pname set", e.Name)
	}
	if len(e.InputFiles) < 1 {
		return fmt.Errorf("engine %s has no input_files configured", e.Name)
	}
	if len(e.OutputFiles) < 1 {
		return fmt.Errorf("engine %s has no output_files configured", e.Name)
	}
	return nil
}

// RenderSpawn substitutes the three placeholders a spawn template may
// reference.
func (e Engine) RenderSpawn(taskPath, enginePath string, ncpus int) string {
	r := strings.NewReplacer(
		"{task_path}", taskPath,
		"{engine_path}", enginePath,
		"{ncpus}", strconv.Itoa(ncpus),
	)
	return r.Replace(e.Spawn)
}

// Registry is the immutable set of configured engines, keyed by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry parses every [engine.<name>] section of cfg.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	data := map[string]Engine{}
	for _, sec := range cfg.EngineSections() {
		e, err := fromSection(sec, cfg.Local.EnginesDir)
		if err != nil {
			return nil, err
		}
		data[e.Name] = e
	}
	return &Registry{engines: data}, nil
}

// Get looks up an engine by name.
func (r *Registry) Get(name string) (Engine, bool) {
	e, ok := r.engines[name]
	return e, ok
}

// All returns every configured engine, in no particular order.
func (r *Registry) All() []Engine {
	return lo.Values(r.engines)
}

// Filter returns a new Registry containing only engines matching pred.
func (r *Registry) Filter(pred func(Engine) bool) *Registry {
	filtered := lo.PickBy(r.engines, func(_ string, e Engine) bool { return pred(e) })
	return &Registry{engines: filtered}
}

// FilterPlatforms returns a new Registry of engines whose Platforms
// intersects tags, or that declare no platform restriction at all.
func (r *Registry) FilterPlatforms(tags []string) *Registry {
	return r.Filter(func(e Engine) bool {
		if len(e.Platforms) == 0 {
			return true
		}
		return len(lo.Intersect(e.Platforms, tags)) > 0
	})
}

// PlatformPackages returns the deduplicated union of every engine's
// platform package requirements, used to build a cloud-init package list.
func (r *Registry) PlatformPackages() []string {
	var all []string
	for _, e := range r.engines {
		all = append(all, e.PlatformPackages...)
	}
	return lo.Uniq(all)
}
