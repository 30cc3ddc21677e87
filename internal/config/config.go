// Package config loads outbox settings from a YAML file, OUTBOX_* environment
// variables and an optional .env file, in increasing order of precedence for
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. OUTBOX_STORE_DRIVER.
const EnvPrefix = "OUTBOX"

// FileName is the config file searched for when no path is given.
const FileName = "outbox"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config is the full outbox configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Store     StoreConfig     `mapstructure:"store"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-"`
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`

	// sqlite
	Path string `mapstructure:"path"`

	// postgres
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`

	// redis
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Headers     map[string]string `mapstructure:"headers"`
	EntityTypes []string          `mapstructure:"entity_types"`
}

// SyncConfig holds the retry policy and per-attempt limits.
type SyncConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	AckTTL         time.Duration `mapstructure:"ack_ttl"`
}

// DaemonConfig holds background trigger settings.
type DaemonConfig struct {
	PeriodicInterval time.Duration `mapstructure:"periodic_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	WakeDir          string        `mapstructure:"wake_dir"`
	WakeTag          string        `mapstructure:"wake_tag"`
}

// ProbeConfig configures the reachability probe. An empty URL means the
// host reports connectivity itself.
type ProbeConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DashboardConfig configures the status server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Env        string `mapstructure:"env"`
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// File is an explicit config path. It must exist when set.
	File string

	// SearchPaths are searched for outbox.yaml when File is empty.
	// Default: the working directory.
	SearchPaths []string

	// EnvFile is preloaded into the environment when it exists.
	// Default: ".env". Variables already set are not overridden.
	EnvFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".outbox")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "outbox_kv")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.namespace", "outbox:")

	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.timeout", 15*time.Second)
	v.SetDefault("gateway.headers", map[string]string{})
	v.SetDefault("gateway.entity_types", []string{})

	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.base_delay", time.Second)
	v.SetDefault("sync.max_delay", 30*time.Second)
	v.SetDefault("sync.attempt_timeout", 15*time.Second)
	v.SetDefault("sync.ack_ttl", 24*time.Hour)

	v.SetDefault("daemon.periodic_interval", 5*time.Minute)
	v.SetDefault("daemon.debounce_interval", 2*time.Second)
	v.SetDefault("daemon.wake_dir", "")
	v.SetDefault("daemon.wake_tag", "background-sync")

	v.SetDefault("probe.url", "")
	v.SetDefault("probe.interval", 15*time.Second)
	v.SetDefault("probe.timeout", 5*time.Second)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:8080")

	v.SetDefault("log.env", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	cfg.resolvePaths()
	return &cfg
}

// Load reads configuration. A missing config file is not an error unless
// opts.File names it explicitly.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		paths := opts.SearchPaths
		if len(paths) == 0 {
			paths = []string{"."}
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths fills paths that default to locations under DataDir.
func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "outbox.db")
	}
	if c.Daemon.WakeDir == "" {
		c.Daemon.WakeDir = filepath.Join(c.DataDir, "wake")
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.Addr == "" {
			add("store.addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		add("store.driver must be one of sqlite, postgres, redis, memory; got %q", c.Store.Driver)
	}

	if c.Gateway.BaseURL != "" {
		u, err := url.Parse(c.Gateway.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("gateway.base_url must be an absolute http(s) URL; got %q", c.Gateway.BaseURL)
		}
	}
	if c.Gateway.Timeout <= 0 {
		add("gateway.timeout must be positive")
	}

	if c.Sync.MaxRetries <= 0 {
		add("sync.max_retries must be positive")
	}
	if c.Sync.BaseDelay <= 0 {
		add("sync.base_delay must be positive")
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		add("sync.max_delay (%s) must not be below sync.base_delay (%s)", c.Sync.MaxDelay, c.Sync.BaseDelay)
	}
	if c.Sync.AttemptTimeout <= 0 {
		add("sync.attempt_timeout must be positive")
	}

	if c.Daemon.PeriodicInterval < 0 {
		add("daemon.periodic_interval cannot be negative")
	}
	if c.Daemon.DebounceInterval < 0 {
		add("daemon.debounce_interval cannot be negative")
	}
	if c.Daemon.WakeTag == "" {
		add("daemon.wake_tag cannot be empty")
	}

	if c.Probe.URL != "" && c.Probe.Interval <= 0 {
		add("probe.interval must be positive")
	}

	switch strings.ToLower(c.Log.Env) {
	case "dev", "prod":
	default:
		add("log.env must be dev or prod; got %q", c.Log.Env)
	}

	return errors.Join(errs...)
}

// EnsureDirs creates DataDir and the wake directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.Daemon.WakeDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
