// Package config loads the reconciler's TOML configuration, following the
// nested-struct-with-setDefaults convention used throughout this codebase.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultConfigPath = "/etc/cellsync/config.toml"

// Config is the root configuration structure, parsed from TOML and then
// completed with setDefaults.
type Config struct {
	Environment string `toml:"environment"`

	Log   logConfig   `toml:"log"`
	Redis redisConfig `toml:"redis"`
	MySQL mysqlConfig `toml:"mysql"`
	Sheet sheetConfig `toml:"sheet"`

	Reconciler reconcilerConfig `toml:"reconciler"`
	Worker     workerConfig     `toml:"worker"`

	Services servicesConfig `toml:"services"`
}

type logConfig struct {
	LogRootDir string `toml:"log_root_dir"`
	LogLevel   int8   `toml:"log_level"`
}

type redisConfig struct {
	Addr         string `toml:"addr"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MinIdleConns int    `toml:"min_idle_conns"`
	MaxRetries   int    `toml:"max_retries"`
	DialTimeout  int    `toml:"dial_timeout_sec"`
	ReadTimeout  int    `toml:"read_timeout_sec"`
	WriteTimeout int    `toml:"write_timeout_sec"`

	UseSentinel      bool     `toml:"use_sentinel"`
	SentinelAddrs    []string `toml:"sentinel_addrs"`
	MasterName       string   `toml:"master_name"`
	SentinelPassword string   `toml:"sentinel_password"`
}

func (c *redisConfig) setDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3
	}
}

type mysqlConfig struct {
	DSN             string `toml:"dsn"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	ConnMaxIdleSec  int    `toml:"conn_max_idle_sec"`
	ConnMaxLifeMin  int    `toml:"conn_max_life_min"`
	ConnectTimeoutS int    `toml:"connect_timeout_sec"`
}

func (c *mysqlConfig) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxIdleSec == 0 {
		c.ConnMaxIdleSec = 60
	}
	if c.ConnMaxLifeMin == 0 {
		c.ConnMaxLifeMin = 30
	}
	if c.ConnectTimeoutS == 0 {
		c.ConnectTimeoutS = 10
	}
}

type sheetConfig struct {
	RemoteID          string `toml:"remote_id"`
	RemoteRange        string `toml:"remote_range"`
	CredentialsFile    string `toml:"credentials_file"`
	RequestTimeoutSec  int    `toml:"request_timeout_sec"`
}

func (c *sheetConfig) setDefaults() {
	if c.RemoteRange == "" {
		c.RemoteRange = "Sheet1!A1:H20"
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 10
	}
}

type reconcilerConfig struct {
	PollIntervalMs            int `toml:"poll_interval_ms"`
	LeaseTTLSec               int `toml:"lease_ttl_sec"`
	LockRetryDelayMs          int `toml:"lock_retry_delay_ms"`
	LockMaxAttempts           int `toml:"lock_max_attempts"`
	IgnoreMarkTTLSec          int `toml:"ignore_mark_ttl_sec"`
	SnapshotTTLSec            int `toml:"snapshot_ttl_sec"`
	OutboundDebounceMs        int `toml:"outbound_debounce_ms"`
	RateLimitInitialBackoffMs int `toml:"rate_limit_initial_backoff_ms"`
	RateLimitMaxBackoffMs     int `toml:"rate_limit_max_backoff_ms"`
}

const minPollIntervalMs = 3000

func (c *reconcilerConfig) setDefaults() {
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = minPollIntervalMs
	}
	if c.PollIntervalMs < minPollIntervalMs {
		c.PollIntervalMs = minPollIntervalMs
	}
	if c.LeaseTTLSec == 0 {
		c.LeaseTTLSec = 5
	}
	if c.LockRetryDelayMs == 0 {
		c.LockRetryDelayMs = 200
	}
	if c.LockMaxAttempts == 0 {
		c.LockMaxAttempts = 15
	}
	if c.IgnoreMarkTTLSec == 0 {
		c.IgnoreMarkTTLSec = 10
	}
	if c.SnapshotTTLSec == 0 {
		c.SnapshotTTLSec = 86400
	}
	if c.OutboundDebounceMs == 0 {
		c.OutboundDebounceMs = 500
	}
	if c.RateLimitInitialBackoffMs == 0 {
		c.RateLimitInitialBackoffMs = 5000
	}
	if c.RateLimitMaxBackoffMs == 0 {
		c.RateLimitMaxBackoffMs = 60000
	}
}

// PollInterval returns the configured poll interval as a time.Duration.
func (c reconcilerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// LeaseTTL returns the configured lease TTL as a time.Duration.
func (c reconcilerConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}

// LockRetryDelay returns the configured lock retry delay as a time.Duration.
func (c reconcilerConfig) LockRetryDelay() time.Duration {
	return time.Duration(c.LockRetryDelayMs) * time.Millisecond
}

// IgnoreMarkTTL returns the configured ignore-mark TTL as a time.Duration.
func (c reconcilerConfig) IgnoreMarkTTL() time.Duration {
	return time.Duration(c.IgnoreMarkTTLSec) * time.Second
}

// SnapshotTTL returns the configured snapshot TTL as a time.Duration.
func (c reconcilerConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSec) * time.Second
}

// OutboundDebounce returns the configured debounce window as a time.Duration.
func (c reconcilerConfig) OutboundDebounce() time.Duration {
	return time.Duration(c.OutboundDebounceMs) * time.Millisecond
}

type workerConfig struct {
	FanOut             int `toml:"fan_out"`
	MaxAttempts        int `toml:"max_attempts"`
	InitialBackoffMs   int `toml:"initial_backoff_ms"`
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

func (c *workerConfig) setDefaults() {
	if c.FanOut == 0 {
		c.FanOut = 5
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoffMs == 0 {
		c.InitialBackoffMs = 1000
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 55
	}
}

type servicesConfig struct {
	ReconcilerHTTPAddr string `toml:"reconciler_http_addr"`
}

func (c *servicesConfig) setDefaults() {
	if c.ReconcilerHTTPAddr == "" {
		c.ReconcilerHTTPAddr = ":11200"
	}
}

func (c *Config) setDefaults() {
	c.Redis.setDefaults()
	c.MySQL.setDefaults()
	c.Sheet.setDefaults()
	c.Reconciler.setDefaults()
	c.Worker.setDefaults()
	c.Services.setDefaults()
}

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// GetInstance returns the process-wide configuration singleton, loading it
// from defaultConfigPath on first use. Panics mirror the teacher's
// fail-fast bootstrap convention for configuration the process cannot run
// without.
func GetInstance() *Config {
	once.Do(func() {
		instance, loadErr = parseConfig(defaultConfigPath)
		if loadErr != nil {
			panic(fmt.Sprintf("config: failed to load %s: %v", defaultConfigPath, loadErr))
		}
	})
	return instance
}

func parseConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return cfg, nil
}

// Load parses the TOML file at path without touching the singleton; used
// by cmd/reconciler so a bad config path surfaces as exit code 2 rather
// than a panic.
func Load(path string) (*Config, error) {
	return parseConfig(path)
}
