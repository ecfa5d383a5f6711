package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

func mustSection(t *testing.T, body string) *ini.Section {
	t.Helper()
	f, err := ini.Load([]byte(body))
	require.NoError(t, err)
	secs := f.Sections()
	for _, s := range secs {
		if s.Name() != ini.DefaultSection {
			return s
		}
	}
	t.Fatal("no non-default section found")
	return nil
}

func TestFromSectionValid(t *testing.T) {
	sec := mustSection(t, `
[engine.pcrystal]
spawn = mpirun -np {ncpus} pcrystal < {task_path}/INPUT > {task_path}/OUTPUT
check_pname = pcrystal
input_files = INPUT
output_files = OUTPUT
platforms = debian debian-10
platform_packages = libmpich-dev
`)
	e, err := fromSection(sec, "/data/engines")
	require.NoError(t, err)
	assert.Equal(t, "pcrystal", e.Name)
	assert.Equal(t, []string{"INPUT"}, e.InputFiles)
	assert.Equal(t, []string{"OUTPUT"}, e.OutputFiles)
	assert.Equal(t, []string{"debian", "debian-10"}, e.Platforms)
	assert.Equal(t, 10, e.SleepInterval)
}

func TestFromSectionMissingCheck(t *testing.T) {
	sec := mustSection(t, `
[engine.bad]
spawn = run {task_path}
input_files = INPUT
output_files = OUTPUT
`)
	_, err := fromSection(sec, "/data/engines")
	assert.ErrorContains(t, err, "check_cmd or check_pname")
}

func TestFromSectionUnknownPlaceholder(t *testing.T) {
	sec := mustSection(t, `
[engine.bad]
spawn = run {bogus}
check_pname = run
input_files = INPUT
output_files = OUTPUT
`)
	_, err := fromSection(sec, "/data/engines")
	assert.ErrorContains(t, err, "unknown spawn placeholder")
}

func TestRegistryFilterPlatforms(t *testing.T) {
	r := &Registry{engines: map[string]Engine{
		"any":      {Name: "any"},
		"debian10": {Name: "debian10", Platforms: []string{"debian-10"}},
		"windows":  {Name: "windows", Platforms: []string{"windows-10"}},
	}}
	filtered := r.FilterPlatforms([]string{"debian-10", "debian-like"})
	_, hasAny := filtered.Get("any")
	_, hasDebian := filtered.Get("debian10")
	_, hasWindows := filtered.Get("windows")
	assert.True(t, hasAny, "engine with no platform restriction matches everything")
	assert.True(t, hasDebian)
	assert.False(t, hasWindows)
}

func TestRegistryPlatformPackages(t *testing.T) {
	r := &Registry{engines: map[string]Engine{
		"a": {PlatformPackages: []string{"libmpich-dev", "gfortran"}},
		"b": {PlatformPackages: []string{"gfortran"}},
	}}
	pkgs := r.PlatformPackages()
	assert.ElementsMatch(t, []string{"libmpich-dev", "gfortran"}, pkgs)
}

func TestEngineRenderSpawn(t *testing.T) {
	e := Engine{Spawn: "mpirun -np {ncpus} x < {task_path}/in > {engine_path}/out"}
	got := e.RenderSpawn("/data/tasks/1", "/data/engines/x", 4)
	assert.Equal(t, "mpirun -np 4 x < /data/tasks/1/in > /data/engines/x/out", got)
}
