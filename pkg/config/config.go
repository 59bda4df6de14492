package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables honored on top of the config file
const (
	EnvHome      = "CASPARIAN_HOME"
	EnvDBBackend = "CASPARIAN_DB_BACKEND"
	EnvAuthMode  = "AUTH_MODE"
)

// Duration is a time.Duration that unmarshals from yaml strings like
// "30s" or "5m"
type Duration time.Duration

// UnmarshalYAML parses the "30s" notation
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DispatchMode selects how workers acquire jobs. Pull is authoritative;
// push must be enabled explicitly per cluster. A worker runs exactly one
// mode per process.
type DispatchMode string

const (
	DispatchPull DispatchMode = "pull"
	DispatchPush DispatchMode = "push"
)

// DatabaseConfig selects and locates the metadata store backend
type DatabaseConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=sqlite"`
	Path    string `yaml:"path" validate:"required"`
}

// ScanConfig tunes the scout
type ScanConfig struct {
	Workers        int      `yaml:"workers" validate:"gte=1,lte=1024"`
	IgnoreRules    []string `yaml:"ignore" validate:"-"`
	FollowSymlinks bool     `yaml:"follow_symlinks"`
}

// ClusterConfig covers the broker and lease parameters shared by all
// nodes of a cluster
type ClusterConfig struct {
	DispatchMode      DispatchMode `yaml:"dispatch_mode" validate:"oneof=pull push"`
	BrokerAddr        string       `yaml:"broker_addr" validate:"required,hostname_port"`
	HeartbeatInterval Duration     `yaml:"heartbeat_interval" validate:"-"`
	LeaseMultiplier   int          `yaml:"lease_multiplier" validate:"gte=2,lte=10"`
}

// LeaseTimeout is the heartbeat age after which claims are reclaimed
func (c ClusterConfig) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseMultiplier) * c.HeartbeatInterval.Std()
}

// WorkerConfig tunes a worker host process
type WorkerConfig struct {
	EnvCacheDir  string   `yaml:"env_cache_dir" validate:"required"`
	ParquetRoot  string   `yaml:"parquet_root" validate:"required"`
	SinkDatabase string   `yaml:"sink_database" validate:"required"`
	PollInterval Duration `yaml:"poll_interval" validate:"-"`
	JobTimeout   Duration `yaml:"job_timeout"` // zero means no limit
	MaxRetries   int      `yaml:"max_retries" validate:"gte=0,lte=20"`
	MetricsAddr  string   `yaml:"metrics_addr"`
	Python       string   `yaml:"python" validate:"required"`
}

// AuthConfig selects the identity provider
type AuthConfig struct {
	Mode          string `yaml:"mode" validate:"oneof=local enterprise"`
	KeysDir       string `yaml:"keys_dir" validate:"required"`
	PublicKeyPath string `yaml:"public_key_path"`
}

// Config is the full process configuration
type Config struct {
	Home     string         `yaml:"home" validate:"required"`
	LogLevel string         `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool           `yaml:"log_json"`
	Database DatabaseConfig `yaml:"database"`
	Scan     ScanConfig     `yaml:"scan"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Worker   WorkerConfig   `yaml:"worker"`
	Auth     AuthConfig     `yaml:"auth"`
}

// Default returns the built-in configuration rooted at home
func Default(home string) Config {
	return Config{
		Home:     home,
		LogLevel: "info",
		Database: DatabaseConfig{
			Backend: "sqlite",
			Path:    filepath.Join(home, "metadata.db"),
		},
		Scan: ScanConfig{
			Workers: 32,
		},
		Cluster: ClusterConfig{
			DispatchMode:      DispatchPull,
			BrokerAddr:        "127.0.0.1:7646",
			HeartbeatInterval: Duration(30 * time.Second),
			LeaseMultiplier:   3,
		},
		Worker: WorkerConfig{
			EnvCacheDir:  filepath.Join(home, "envs"),
			ParquetRoot:  filepath.Join(home, "parquet"),
			SinkDatabase: filepath.Join(home, "sinks.db"),
			PollInterval: Duration(time.Second),
			MaxRetries:   3,
			Python:       "python3",
		},
		Auth: AuthConfig{
			Mode:    "local",
			KeysDir: filepath.Join(home, "keys"),
		},
	}
}

// Load builds a Config from defaults, an optional yaml file, and
// environment overrides, then validates it. A missing file at the
// default path is not an error; an explicitly given path must exist.
func Load(path string) (Config, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".casparian")
	}

	cfg := Default(home)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(home, "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvHome); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv(EnvDBBackend); v != "" {
		cfg.Database.Backend = v
	}
	if v := os.Getenv(EnvAuthMode); v != "" {
		cfg.Auth.Mode = v
	}
}

// Validate checks structural constraints on a Config
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Cluster.HeartbeatInterval.Std() < time.Second {
		return fmt.Errorf("invalid configuration: cluster.heartbeat_interval must be at least 1s")
	}
	if cfg.Worker.PollInterval.Std() < 100*time.Millisecond {
		return fmt.Errorf("invalid configuration: worker.poll_interval must be at least 100ms")
	}
	return nil
}

// EnsureDirs creates the state directories a process needs
func (c Config) EnsureDirs() error {
	dirs := []string{
		c.Home,
		filepath.Dir(c.Database.Path),
		c.Worker.EnvCacheDir,
		c.Worker.ParquetRoot,
		c.Auth.KeysDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}
