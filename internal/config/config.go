// Package config loads vetsync settings from vetsync.yaml (or .toml), the
// environment and defaults, in that order of precedence after flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // clinic machines may lack a zoneinfo database

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinicavet/vetsync/internal/engine"
	"github.com/clinicavet/vetsync/internal/remote/redisstore"
	"github.com/clinicavet/vetsync/internal/remote/rtdb"
)

// EnvPrefix prefixes every environment override, e.g. VETSYNC_STORE_BACKEND.
const EnvPrefix = "VETSYNC"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFirebase = "firebase"
	BackendRedis    = "redis"
)

// Config is the full set of settings.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store" toml:"store"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync" toml:"sync"`
	Offline   OfflineConfig   `mapstructure:"offline" yaml:"offline" toml:"offline"`
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" toml:"dashboard"`
	Clinic    ClinicConfig    `mapstructure:"clinic" yaml:"clinic" toml:"clinic"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-" toml:"-"`
}

type StoreConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend" toml:"backend"`
	Firebase FirebaseConfig `mapstructure:"firebase" yaml:"firebase" toml:"firebase"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis" toml:"redis"`
}

type FirebaseConfig struct {
	URL             string        `mapstructure:"url" yaml:"url" toml:"url"`
	AuthToken       string        `mapstructure:"auth_token" yaml:"auth_token" toml:"auth_token"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" toml:"timeout"`
	WritesPerSecond float64       `mapstructure:"writes_per_second" yaml:"writes_per_second" toml:"writes_per_second"`
	Burst           int           `mapstructure:"burst" yaml:"burst" toml:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout" toml:"breaker_timeout"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr" toml:"addr"`
	Password     string        `mapstructure:"password" yaml:"password" toml:"password"`
	DB           int           `mapstructure:"db" yaml:"db" toml:"db"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix" toml:"prefix"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" toml:"ping_interval"`
}

type SyncConfig struct {
	AddedWindow   time.Duration `mapstructure:"added_window" yaml:"added_window" toml:"added_window"`
	ChangedWindow time.Duration `mapstructure:"changed_window" yaml:"changed_window" toml:"changed_window"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout" toml:"wait_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	Tick          time.Duration `mapstructure:"tick" yaml:"tick" toml:"tick"`
}

type OfflineConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay" toml:"base_delay"`
	DrainRate   float64       `mapstructure:"drain_rate" yaml:"drain_rate" toml:"drain_rate"`
	// JournalPath is the SQLite file holding queued writes. Empty keeps
	// them in memory only.
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path" toml:"journal_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" toml:"level"`
	Format string `mapstructure:"format" yaml:"format" toml:"format"`
	// File receives a copy of the log, rotated by size.
	File       string `mapstructure:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" toml:"compress"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" toml:"port"`
}

type ClinicConfig struct {
	User     string `mapstructure:"user" yaml:"user" toml:"user"`
	TimeZone string `mapstructure:"timezone" yaml:"timezone" toml:"timezone"`
	InboxDir string `mapstructure:"inbox_dir" yaml:"inbox_dir" toml:"inbox_dir"`
}

// SetDefaults registers every key with its default so that environment
// overrides work for all of them.
func SetDefaults(v *viper.Viper) {
	fb := rtdb.DefaultConfig("")
	rd := redisstore.DefaultConfig()

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.firebase.url", "")
	v.SetDefault("store.firebase.auth_token", "")
	v.SetDefault("store.firebase.timeout", fb.Timeout)
	v.SetDefault("store.firebase.writes_per_second", fb.WritesPerSecond)
	v.SetDefault("store.firebase.burst", fb.Burst)
	v.SetDefault("store.firebase.breaker_failures", fb.BreakerFailures)
	v.SetDefault("store.firebase.breaker_timeout", fb.BreakerTimeout)
	v.SetDefault("store.redis.addr", rd.Addr)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", rd.Prefix)
	v.SetDefault("store.redis.ping_interval", rd.PingInterval)

	v.SetDefault("sync.added_window", 50*time.Millisecond)
	v.SetDefault("sync.changed_window", 250*time.Millisecond)
	v.SetDefault("sync.wait_timeout", 12*time.Second)
	v.SetDefault("sync.poll_interval", 500*time.Millisecond)
	v.SetDefault("sync.tick", 10*time.Millisecond)

	v.SetDefault("offline.max_attempts", 3)
	v.SetDefault("offline.base_delay", 500*time.Millisecond)
	v.SetDefault("offline.drain_rate", 20.0)
	v.SetDefault("offline.journal_path", defaultDataPath("queue.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("clinic.user", os.Getenv("USER"))
	v.SetDefault("clinic.timezone", "Local")
	v.SetDefault("clinic.inbox_dir", "")
}

func defaultDataPath(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vetsync", name)
}

// New returns a viper instance with defaults, search paths and environment
// binding set up. file, when not empty, is the only config file read.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("vetsync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "vetsync"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing config file is not an error
// unless file names one explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later and obscurely.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendFirebase:
		if c.Store.Firebase.URL == "" {
			return fmt.Errorf("store.firebase.url is required for the firebase backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q (want memory, firebase or redis)", c.Store.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Offline.MaxAttempts <= 0 {
		return fmt.Errorf("offline.max_attempts must be positive")
	}
	return nil
}

// Location resolves the clinic time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Clinic.TimeZone == "" || c.Clinic.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Clinic.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid clinic.timezone %q: %w", c.Clinic.TimeZone, err)
	}
	return loc, nil
}

// Engine maps the settings onto an engine configuration. Notifier and
// metrics registration are left to the caller.
func (c *Config) Engine(logger *zap.Logger) engine.Config {
	ec := engine.DefaultConfig()
	ec.User = c.Clinic.User
	if loc, err := c.Location(); err == nil {
		ec.Location = loc
	}
	ec.WaitTimeout = c.Sync.WaitTimeout
	ec.PollInterval = c.Sync.PollInterval
	ec.Reconcile.AddedWindow = c.Sync.AddedWindow
	ec.Reconcile.ChangedWindow = c.Sync.ChangedWindow
	if c.Sync.Tick > 0 {
		ec.Coalescer.Tick = c.Sync.Tick
	}
	ec.Offline.MaxAttempts = c.Offline.MaxAttempts
	ec.Offline.BaseDelay = c.Offline.BaseDelay
	ec.Offline.DrainRate = rate.Limit(c.Offline.DrainRate)
	ec.Logger = logger
	return ec
}

// Firebase maps the settings onto the Firebase client configuration.
func (c *Config) Firebase(logger *zap.Logger) rtdb.Config {
	fc := rtdb.DefaultConfig(c.Store.Firebase.URL)
	fc.AuthToken = c.Store.Firebase.AuthToken
	fc.Timeout = c.Store.Firebase.Timeout
	fc.WritesPerSecond = c.Store.Firebase.WritesPerSecond
	fc.Burst = c.Store.Firebase.Burst
	fc.BreakerFailures = c.Store.Firebase.BreakerFailures
	fc.BreakerTimeout = c.Store.Firebase.BreakerTimeout
	fc.Logger = logger
	return fc
}

// Redis maps the settings onto the Redis store configuration.
func (c *Config) Redis(logger *zap.Logger) redisstore.Config {
	rc := redisstore.DefaultConfig()
	rc.Addr = c.Store.Redis.Addr
	rc.Password = c.Store.Redis.Password
	rc.DB = c.Store.Redis.DB
	rc.Prefix = c.Store.Redis.Prefix
	rc.PingInterval = c.Store.Redis.PingInterval
	rc.Logger = logger
	return rc
}
