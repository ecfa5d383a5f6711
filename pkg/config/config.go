// Package config parses the yascheduler INI configuration file into the
// typed sections consumed by the rest of the daemon: db, local, remote,
// clouds and engine.<name>.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/tilde-lab/yascheduler/pkg/log"
)

// DB holds PostgreSQL connection settings, [db] section.
type DB struct {
	User     string
	Password string
	Database string
	Host     string
	Port     int
}

// Local holds settings for this host's own filesystem layout and pipeline
// tuning, [local] section.
type Local struct {
	DataDir            string
	TasksDir           string
	EnginesDir         string
	KeysDir            string
	WebhookURL         string
	WebhookReqsLimit   int
	ConnMachineLimit   int
	ConnMachinePending int
	AllocateLimit      int
	AllocatePending    int
	ConsumeLimit       int
	ConsumePending     int
	DeallocateLimit    int
	DeallocatePending  int
}

// PrivateKeys lists every regular file under KeysDir, candidates for SSH
// client authentication.
func (l Local) PrivateKeys() ([]string, error) {
	entries, err := os.ReadDir(l.KeysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading keys dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(l.KeysDir, e.Name()))
		}
	}
	return out, nil
}

// Remote holds settings describing how to reach worker hosts over SSH,
// [remote] section.
type Remote struct {
	DataDir      string
	TasksDir     string
	EnginesDir   string
	Username     string
	JumpUsername string
	JumpHost     string
}

// CloudProvider names the three supported cloud backends.
type CloudProvider string

const (
	CloudAzure   CloudProvider = "az"
	CloudHetzner CloudProvider = "hetzner"
	CloudUpcloud CloudProvider = "upcloud"
)

// AzureImage is Azure's `publisher:offer:sku:version` image reference.
type AzureImage struct {
	Publisher, Offer, Sku, Version string
}

// ParseAzureImageURN parses a `publisher:offer:sku:version` string.
func ParseAzureImageURN(urn string) (AzureImage, error) {
	parts := strings.SplitN(urn, ":", 4)
	if len(parts) < 4 {
		return AzureImage{}, fmt.Errorf("image urn %q: want publisher:offer:sku:version", urn)
	}
	return AzureImage{parts[0], parts[1], parts[2], parts[3]}, nil
}

func defaultAzureImage() AzureImage {
	return AzureImage{"Debian", "debian-11-daily", "11-backports-gen2", "latest"}
}

// Cloud holds one [clouds] provider's settings. Only the fields relevant
// to Provider are populated; the rest carry their zero value.
type Cloud struct {
	Provider       CloudProvider
	MaxNodes       int
	Username       string
	Priority       int
	IdleTolerance  int // seconds
	JumpUsername   string
	JumpHost       string

	// Azure
	TenantID, ClientID, ClientSecret, SubscriptionID string
	ResourceGroup, Location, VNet, Subnet, NSG       string
	VMImage                                          AzureImage
	VMSize                                           string

	// Hetzner
	Token      string
	ServerType string
	ImageName  string

	// UpCloud
	Login, Password string
}

// Config is the fully parsed yascheduler configuration.
type Config struct {
	DB     DB
	Local  Local
	Remote Remote
	Clouds []Cloud
	file   *ini.File
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: false}, path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return fromINI(f)
}

func fromINI(f *ini.File) (*Config, error) {
	cfg := &Config{file: f}

	dbSec := f.Section("db")
	warnUnknown(dbSec, []string{"user", "password", "database", "host", "port"})
	cfg.DB = DB{
		User:     dbSec.Key("user").MustString("yascheduler"),
		Password: dbSec.Key("password").MustString("password"),
		Database: dbSec.Key("database").MustString("database"),
		Host:     dbSec.Key("host").MustString("localhost"),
		Port:     dbSec.Key("port").MustInt(5432),
	}

	localSec := f.Section("local")
	dataDir, err := filepath.Abs(localSec.Key("data_dir").MustString("./data"))
	if err != nil {
		return nil, fmt.Errorf("resolving data_dir: %w", err)
	}
	tasksDir, _ := filepath.Abs(localSec.Key("tasks_dir").MustString(filepath.Join(dataDir, "tasks")))
	enginesDir, _ := filepath.Abs(localSec.Key("engines_dir").MustString(filepath.Join(dataDir, "engines")))
	keysDir, _ := filepath.Abs(localSec.Key("keys_dir").MustString(filepath.Join(dataDir, "keys")))
	cfg.Local = Local{
		DataDir:            dataDir,
		TasksDir:           tasksDir,
		EnginesDir:         enginesDir,
		KeysDir:            keysDir,
		WebhookURL:         localSec.Key("webhook_url").String(),
		WebhookReqsLimit:   localSec.Key("webhook_reqs_limit").MustInt(5),
		ConnMachineLimit:   localSec.Key("conn_machine_limit").MustInt(10),
		ConnMachinePending: localSec.Key("conn_machine_pending").MustInt(10),
		AllocateLimit:      localSec.Key("allocate_limit").MustInt(20),
		AllocatePending:    localSec.Key("allocate_pending").MustInt(1),
		ConsumeLimit:       localSec.Key("consume_limit").MustInt(20),
		ConsumePending:     localSec.Key("consume_pending").MustInt(1),
		DeallocateLimit:    localSec.Key("deallocate_limit").MustInt(5),
		DeallocatePending:  localSec.Key("deallocate_pending").MustInt(1),
	}

	remoteSec := f.Section("remote")
	remoteDataDir := remoteSec.Key("data_dir").MustString("./data")
	cfg.Remote = Remote{
		DataDir:      remoteDataDir,
		TasksDir:     remoteSec.Key("tasks_dir").MustString(remoteDataDir + "/tasks"),
		EnginesDir:   remoteSec.Key("engines_dir").MustString(remoteDataDir + "/engines"),
		Username:     remoteSec.Key("user").MustString("root"),
		JumpUsername: remoteSec.Key("jump_user").String(),
		JumpHost:     remoteSec.Key("jump_host").String(),
	}

	clouds, err := parseClouds(f.Section("clouds"), cfg.Remote.Username)
	if err != nil {
		return nil, err
	}
	cfg.Clouds = clouds

	return cfg, nil
}

func parseClouds(sec *ini.Section, defaultUsername string) ([]Cloud, error) {
	prefixes := map[string]bool{}
	for _, k := range sec.Keys() {
		if i := strings.IndexByte(k.Name(), '_'); i > 0 {
			prefixes[k.Name()[:i]] = true
		}
	}

	get := func(prefix, name string) string { return sec.Key(prefix + "_" + name).String() }
	getInt := func(prefix, name string, def int) int { return sec.Key(prefix + "_" + name).MustInt(def) }
	getOr := func(prefix, name, def string) string {
		v := get(prefix, name)
		if v == "" {
			return def
		}
		return v
	}
	getUser := func(prefix string) string {
		if v := get(prefix, "user"); v != "" {
			return v
		}
		return defaultUsername
	}

	var out []Cloud
	if prefixes["az"] {
		image := defaultAzureImage()
		if urn := get("az", "image"); urn != "" {
			parsed, err := ParseAzureImageURN(urn)
			if err != nil {
				return nil, err
			}
			image = parsed
		}
		user := getOr("az", "user", "yascheduler")
		if user == "root" {
			return nil, fmt.Errorf("az_user: root user is forbidden on Azure")
		}
		out = append(out, Cloud{
			Provider:       CloudAzure,
			TenantID:       get("az", "tenant_id"),
			ClientID:       get("az", "client_id"),
			ClientSecret:   get("az", "client_secret"),
			SubscriptionID: get("az", "subscription_id"),
			ResourceGroup:  getOr("az", "resource_group", "yascheduler-rg"),
			Location:       getOr("az", "location", "westeurope"),
			VNet:           getOr("az", "vnet", "yascheduler-vnet"),
			Subnet:         getOr("az", "subnet", "yascheduler-subnet"),
			NSG:            getOr("az", "nsg", "yascheduler-nsg"),
			VMImage:        image,
			VMSize:         getOr("az", "size", "Standard_B1s"),
			MaxNodes:       getInt("az", "max_nodes", 10),
			Username:       user,
			Priority:       getInt("az", "priority", 0),
			IdleTolerance:  getInt("az", "idle_tolerance", 300),
			JumpUsername:   get("az", "jump_user"),
			JumpHost:       get("az", "jump_host"),
		})
	}
	if prefixes["hetzner"] {
		out = append(out, Cloud{
			Provider:      CloudHetzner,
			Token:         get("hetzner", "token"),
			ServerType:    getOr("hetzner", "server_type", "cx51"),
			ImageName:     getOr("hetzner", "image_name", "debian-10"),
			MaxNodes:      getInt("hetzner", "max_nodes", 10),
			Username:      getUser("hetzner"),
			Priority:      getInt("hetzner", "priority", 0),
			IdleTolerance: getInt("hetzner", "idle_tolerance", 120),
			JumpUsername:  get("hetzner", "jump_user"),
			JumpHost:      get("hetzner", "jump_host"),
		})
	}
	if prefixes["upcloud"] {
		out = append(out, Cloud{
			Provider:      CloudUpcloud,
			Login:         get("upcloud", "login"),
			Password:      get("upcloud", "password"),
			MaxNodes:      getInt("upcloud", "max_nodes", 10),
			Username:      getUser("upcloud"),
			Priority:      getInt("upcloud", "priority", 0),
			IdleTolerance: getInt("upcloud", "idle_tolerance", 120),
			JumpUsername:  get("upcloud", "jump_user"),
			JumpHost:      get("upcloud", "jump_host"),
		})
	}
	return out, nil
}

// EngineSections returns the raw [engine.<name>] sections for pkg/engine
// to parse, keeping this package ignorant of engine.Engine's shape.
func (c *Config) EngineSections() []*ini.Section {
	var out []*ini.Section
	for _, sec := range c.file.Sections() {
		if strings.HasPrefix(sec.Name(), "engine.") {
			out = append(out, sec)
		}
	}
	return out
}

// ValidateSpawnTemplate checks that a spawn command string only references
// the three placeholders yascheduler substitutes: task_path, engine_path,
// ncpus.
func ValidateSpawnTemplate(name, spawn string) error {
	for _, m := range placeholderRe.FindAllStringSubmatch(spawn, -1) {
		switch m[1] {
		case "task_path", "engine_path", "ncpus":
		default:
			return fmt.Errorf("engine %s: unknown spawn placeholder {%s}", name, m[1])
		}
	}
	return nil
}

func warnUnknown(sec *ini.Section, known []string) {
	knownSet := map[string]bool{}
	for _, k := range known {
		knownSet[k] = true
	}
	logger := log.WithComponent("config")
	for _, k := range sec.Keys() {
		if !knownSet[k.Name()] {
			logger.Warn().Str("section", sec.Name()).Str("key", k.Name()).Msg("unknown config key")
		}
	}
}
