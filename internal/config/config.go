// Package config loads fieldsync configuration from file, environment and
// command line flags.
//
// Precedence, highest first: flags bound with BindFlags, FIELDSYNC_*
// environment variables, the config file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_API_TOKEN.
const EnvPrefix = "FIELDSYNC"

// Config is the validated configuration.
type Config struct {
	DataDir  string
	LogLevel string

	API struct {
		BaseURL string
		Token   string
		Timeout time.Duration
		Retries int
	}

	Daemon struct {
		Listen string
	}

	Sync struct {
		PeriodicInterval  time.Duration
		ConnectivityCheck time.Duration
	}

	Quota struct {
		MaxBytes          int64
		HighPct           float64
		CriticalPct       float64
		StaleAfter        time.Duration
		Retention         time.Duration
		RefreshInterval   time.Duration
		CleanupInterval   time.Duration
		ExportInlineLimit int64
	}

	Upload struct {
		Backend            string
		Endpoint           string
		Bucket             string
		AccessKey          string
		SecretKey          string
		Region             string
		UseSSL             bool
		LargeFileThreshold int64
	}

	Cache struct {
		Backend       string
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		Manifest      string
		APIAllowlist  []string
		Origin        string
	}

	Notify struct {
		Enabled bool
	}
}

// DefaultDataDir is ~/.fieldsync, or ./.fieldsync when the home directory
// cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log_level", "INFO")

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retries", 3)

	v.SetDefault("daemon.listen", "127.0.0.1:7734")

	v.SetDefault("sync.periodic_interval", platform.MinPeriodicInterval)
	v.SetDefault("sync.connectivity_check", 10*time.Second)

	v.SetDefault("quota.max_bytes", 0)
	v.SetDefault("quota.high_pct", 80.0)
	v.SetDefault("quota.critical_pct", 95.0)
	v.SetDefault("quota.stale_after", 7*24*time.Hour)
	v.SetDefault("quota.retention", 30*24*time.Hour)
	v.SetDefault("quota.refresh_interval", 30*time.Second)
	v.SetDefault("quota.cleanup_interval", time.Hour)
	v.SetDefault("quota.export_inline_limit", 5<<20)

	v.SetDefault("upload.backend", "none")
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.access_key", "")
	v.SetDefault("upload.secret_key", "")
	v.SetDefault("upload.region", "")
	v.SetDefault("upload.use_ssl", true)
	v.SetDefault("upload.large_file_threshold", 1<<20)

	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.manifest", "")
	v.SetDefault("cache.api_allowlist", []string{})
	v.SetDefault("cache.origin", "")

	v.SetDefault("notify.enabled", true)
}

// ReadFile reads the config file. An explicit path must exist. Without one,
// fieldsync.yaml or fieldsync.toml is searched in $FIELDSYNC_CONFIG_DIR and
// the data directory, and a missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("fieldsync")
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(v.GetString("data_dir"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// BindFlags binds command line flags to keys. Flag names use dashes where
// keys use underscores, e.g. --data-dir binds data_dir.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		name := strings.ReplaceAll(key[strings.LastIndex(key, ".")+1:], "_", "-")
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag --%s for key %s", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

// Load builds and validates a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		DataDir:  v.GetString("data_dir"),
		LogLevel: v.GetString("log_level"),
	}

	c.API.BaseURL = v.GetString("api.base_url")
	c.API.Token = v.GetString("api.token")
	c.API.Timeout = v.GetDuration("api.timeout")
	c.API.Retries = v.GetInt("api.retries")

	c.Daemon.Listen = v.GetString("daemon.listen")

	c.Sync.PeriodicInterval = v.GetDuration("sync.periodic_interval")
	c.Sync.ConnectivityCheck = v.GetDuration("sync.connectivity_check")

	c.Quota.MaxBytes = v.GetInt64("quota.max_bytes")
	c.Quota.HighPct = v.GetFloat64("quota.high_pct")
	c.Quota.CriticalPct = v.GetFloat64("quota.critical_pct")
	c.Quota.StaleAfter = v.GetDuration("quota.stale_after")
	c.Quota.Retention = v.GetDuration("quota.retention")
	c.Quota.RefreshInterval = v.GetDuration("quota.refresh_interval")
	c.Quota.CleanupInterval = v.GetDuration("quota.cleanup_interval")
	c.Quota.ExportInlineLimit = v.GetInt64("quota.export_inline_limit")

	c.Upload.Backend = strings.ToLower(v.GetString("upload.backend"))
	c.Upload.Endpoint = v.GetString("upload.endpoint")
	c.Upload.Bucket = v.GetString("upload.bucket")
	c.Upload.AccessKey = v.GetString("upload.access_key")
	c.Upload.SecretKey = v.GetString("upload.secret_key")
	c.Upload.Region = v.GetString("upload.region")
	c.Upload.UseSSL = v.GetBool("upload.use_ssl")
	c.Upload.LargeFileThreshold = v.GetInt64("upload.large_file_threshold")

	c.Cache.Backend = strings.ToLower(v.GetString("cache.backend"))
	c.Cache.RedisAddr = v.GetString("cache.redis_addr")
	c.Cache.RedisPassword = v.GetString("cache.redis_password")
	c.Cache.RedisDB = v.GetInt("cache.redis_db")
	c.Cache.Manifest = v.GetString("cache.manifest")
	c.Cache.APIAllowlist = v.GetStringSlice("cache.api_allowlist")
	c.Cache.Origin = v.GetString("cache.origin")

	c.Notify.Enabled = v.GetBool("notify.enabled")

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Quota.HighPct <= 0 || c.Quota.CriticalPct > 100 || c.Quota.HighPct >= c.Quota.CriticalPct {
		return fmt.Errorf("quota thresholds must satisfy 0 < high_pct (%v) < critical_pct (%v) <= 100",
			c.Quota.HighPct, c.Quota.CriticalPct)
	}
	if c.Quota.MaxBytes < 0 {
		return fmt.Errorf("quota.max_bytes cannot be negative")
	}

	positive := map[string]time.Duration{
		"api.timeout":             c.API.Timeout,
		"sync.periodic_interval":  c.Sync.PeriodicInterval,
		"sync.connectivity_check": c.Sync.ConnectivityCheck,
		"quota.stale_after":       c.Quota.StaleAfter,
		"quota.retention":         c.Quota.Retention,
		"quota.refresh_interval":  c.Quota.RefreshInterval,
		"quota.cleanup_interval":  c.Quota.CleanupInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, d)
		}
	}
	if c.Sync.PeriodicInterval < platform.MinPeriodicInterval {
		c.Sync.PeriodicInterval = platform.MinPeriodicInterval
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("api.retries cannot be negative")
	}

	switch c.Upload.Backend {
	case "", "none":
		c.Upload.Backend = "none"
	case "minio", "s3":
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload.bucket is required for the %s backend", c.Upload.Backend)
		}
		if c.Upload.Backend == "minio" && c.Upload.Endpoint == "" {
			return fmt.Errorf("upload.endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown upload.backend %q (want minio, s3 or none)", c.Upload.Backend)
	}

	switch c.Cache.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown cache.backend %q (want sqlite or redis)", c.Cache.Backend)
	}
	return nil
}

// DBPath is the local store file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "offline.db")
}

// PIDPath is the coordinator pidfile.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, "daemon.pid")
}

// LockDir holds advisory upload locks.
func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// LogDir holds rotated logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ChannelURL is the coordinator's message channel endpoint.
func (c *Config) ChannelURL() string {
	return "ws://" + c.Daemon.Listen + "/ws"
}

// StatusURL is the coordinator's state endpoint.
func (c *Config) StatusURL() string {
	return "http://" + c.Daemon.Listen + "/status"
}
