package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultWorkerImage is the default container image for workers.
	DefaultWorkerImage = "ethpandaops/loadtestoor:latest"

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "missing"

	// DefaultNetwork is the default container network name.
	DefaultNetwork = "loadtestoor"

	// DefaultLaunchTimeout bounds a single worker launch.
	DefaultLaunchTimeout = "60s"

	// DefaultTerminateTimeout bounds a single worker termination.
	DefaultTerminateTimeout = "30s"

	// DefaultWatchdogCeiling is the worker self-termination ceiling.
	DefaultWatchdogCeiling = "15m"

	// Default test parameters applied when the create payload omits them.
	DefaultConcurrency    = 10
	DefaultDurationSec    = 60
	DefaultRampUpSec      = 10
	DefaultSQLitePath     = "loadtestoor.db"
	DefaultDatabaseDriver = "sqlite"
)

// Config is the root configuration for loadtestoor.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"`
	Defaults   TestDefaults     `yaml:"defaults" mapstructure:"defaults"`
	Archive    *ArchiveConfig   `yaml:"archive,omitempty" mapstructure:"archive"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        AuthConfig      `yaml:"auth,omitempty" mapstructure:"auth"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// AuthConfig guards mutating client actions with a bearer token.
// TokenHash is a bcrypt hash; when empty, client auth is disabled.
// Worker completion reports are authenticated separately with a
// per-test token generated at start time.
type AuthConfig struct {
	TokenHash string `yaml:"token_hash,omitempty" mapstructure:"token_hash"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// DispatcherConfig contains worker provisioning settings.
type DispatcherConfig struct {
	Engine           string                  `yaml:"engine" mapstructure:"engine"`
	Image            string                  `yaml:"image" mapstructure:"image"`
	PullPolicy       string                  `yaml:"pull_policy,omitempty" mapstructure:"pull_policy"`
	Network          string                  `yaml:"network,omitempty" mapstructure:"network"`
	LaunchTimeout    string                  `yaml:"launch_timeout,omitempty" mapstructure:"launch_timeout"`
	TerminateTimeout string                  `yaml:"terminate_timeout,omitempty" mapstructure:"terminate_timeout"`
	WatchdogCeiling  string                  `yaml:"watchdog_ceiling,omitempty" mapstructure:"watchdog_ceiling"`
	MemoryLimit      string                  `yaml:"memory_limit,omitempty" mapstructure:"memory_limit"`
	ReportURL        string                  `yaml:"report_url" mapstructure:"report_url"`
	Headers          map[string]string       `yaml:"headers,omitempty" mapstructure:"headers"`
	Regions          map[string]RegionConfig `yaml:"regions" mapstructure:"regions"`
}

// RegionConfig describes a single execution locality: one container
// engine endpoint workers for that region are provisioned against.
// An empty host means the local daemon.
type RegionConfig struct {
	Host string `yaml:"host,omitempty" mapstructure:"host"`
}

// TestDefaults are applied to create payloads that omit optional fields.
type TestDefaults struct {
	Concurrency int      `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	DurationSec int      `yaml:"duration_seconds,omitempty" mapstructure:"duration_seconds"`
	RampUpSec   int      `yaml:"ramp_up_seconds,omitempty" mapstructure:"ramp_up_seconds"`
	Regions     []string `yaml:"regions,omitempty" mapstructure:"regions"`
}

// ArchiveConfig contains result archival settings.
type ArchiveConfig struct {
	S3 *S3ArchiveConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3-compatible storage settings for
// archiving summaries of terminal tests.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// Load reads a configuration file, applies LOADTESTOOR_* environment
// overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	v.SetEnvPrefix("LOADTESTOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides only apply to keys viper knows about, so
	// the defaults are registered with viper rather than patched in
	// after unmarshaling.
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("database.driver", DefaultDatabaseDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("dispatcher.engine", "docker")
	v.SetDefault("dispatcher.image", DefaultWorkerImage)
	v.SetDefault("dispatcher.pull_policy", DefaultPullPolicy)
	v.SetDefault("dispatcher.network", DefaultNetwork)
	v.SetDefault("dispatcher.launch_timeout", DefaultLaunchTimeout)
	v.SetDefault("dispatcher.terminate_timeout", DefaultTerminateTimeout)
	v.SetDefault("dispatcher.watchdog_ceiling", DefaultWatchdogCeiling)
	v.SetDefault("defaults.concurrency", DefaultConcurrency)
	v.SetDefault("defaults.duration_seconds", DefaultDurationSec)
	v.SetDefault("defaults.ramp_up_seconds", DefaultRampUpSec)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills the values that cannot be expressed as static
// viper defaults.
func (c *Config) applyDefaults() {
	// The default region set falls back to every configured region,
	// sorted so the set is stable across runs.
	if len(c.Defaults.Regions) == 0 {
		for name := range c.Dispatcher.Regions {
			c.Defaults.Regions = append(c.Defaults.Regions, name)
		}

		sort.Strings(c.Defaults.Regions)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Dispatcher.Engine {
	case "docker", "podman":
	default:
		return fmt.Errorf("unsupported dispatcher engine: %s", c.Dispatcher.Engine)
	}

	if len(c.Dispatcher.Regions) == 0 {
		return fmt.Errorf("at least one dispatcher region must be configured")
	}

	for _, name := range c.Defaults.Regions {
		if _, ok := c.Dispatcher.Regions[name]; !ok {
			return fmt.Errorf("default region %q is not a configured region", name)
		}
	}

	if c.Dispatcher.ReportURL == "" {
		return fmt.Errorf("dispatcher report_url is required")
	}

	if _, err := url.ParseRequestURI(c.Dispatcher.ReportURL); err != nil {
		return fmt.Errorf("invalid dispatcher report_url: %w", err)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"launch_timeout", c.Dispatcher.LaunchTimeout},
		{"terminate_timeout", c.Dispatcher.TerminateTimeout},
		{"watchdog_ceiling", c.Dispatcher.WatchdogCeiling},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid dispatcher %s: %w", field.name, err)
		}
	}

	if c.Dispatcher.MemoryLimit != "" {
		if _, err := units.RAMInBytes(c.Dispatcher.MemoryLimit); err != nil {
			return fmt.Errorf("invalid dispatcher memory_limit: %w", err)
		}
	}

	if c.Archive != nil && c.Archive.S3 != nil && c.Archive.S3.Enabled {
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive s3 bucket is required when enabled")
		}
	}

	return nil
}

// LaunchTimeoutDuration returns the parsed worker launch timeout.
func (c *DispatcherConfig) LaunchTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.LaunchTimeout)

	return d
}

// TerminateTimeoutDuration returns the parsed worker terminate timeout.
func (c *DispatcherConfig) TerminateTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.TerminateTimeout)

	return d
}

// WatchdogCeilingDuration returns the parsed watchdog ceiling.
func (c *DispatcherConfig) WatchdogCeilingDuration() time.Duration {
	d, _ := time.ParseDuration(c.WatchdogCeiling)

	return d
}

// MemoryLimitBytes returns the parsed worker memory limit, or 0 when unset.
func (c *DispatcherConfig) MemoryLimitBytes() int64 {
	if c.MemoryLimit == "" {
		return 0
	}

	n, _ := units.RAMInBytes(c.MemoryLimit)

	return n
}
