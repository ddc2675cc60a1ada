// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/parcel-ingest/internal/headless"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Storage and blob backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendNone     = "none"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig              `mapstructure:"server"`
	Auth     AuthConfig                `mapstructure:"auth"`
	Logging  LoggingConfig             `mapstructure:"logging"`
	Browser  BrowserConfig             `mapstructure:"browser"`
	HTTP     HTTPConfig                `mapstructure:"http"`
	Sources  map[string]SourceOverride `mapstructure:"sources"`
	Pipeline PipelineConfig            `mapstructure:"pipeline"`
	Storage  StorageConfig             `mapstructure:"storage"`
	Blobs    BlobConfig                `mapstructure:"blobs"`
	PubSub   PubSubConfig              `mapstructure:"pubsub"`
	Progress ProgressConfig            `mapstructure:"progress"`
	Queue    QueueConfig               `mapstructure:"queue"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig configures the shared browser session.
type BrowserConfig struct {
	RemoteURL         string        `mapstructure:"remote_url"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headful           bool          `mapstructure:"headful"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	Locale            string        `mapstructure:"locale"`
	Timezone          string        `mapstructure:"timezone"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxParallel       int           `mapstructure:"max_parallel"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// SourceOverride adjusts a registered source. Zero fields keep the source's defaults.
type SourceOverride struct {
	Enabled     *bool   `mapstructure:"enabled"`
	BaseURL     string  `mapstructure:"base_url"`
	RPS         float64 `mapstructure:"rps"`
	Burst       int     `mapstructure:"burst"`
	MaxAttempts int     `mapstructure:"max_attempts"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	DefaultSource    string        `mapstructure:"default_source"`
	ParserVersion    string        `mapstructure:"parser_version"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// StorageConfig selects and configures the parcel repository.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// BlobConfig selects where raw response bodies are archived.
type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the notification target.
type PubSubConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ProjectID   string `mapstructure:"project_id"`
	Topic       string `mapstructure:"topic"`
	CreateTopic bool   `mapstructure:"create_topic"`
}

// ProgressConfig controls the step-event hub.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogSink        bool          `mapstructure:"log_sink"`
	StoreSink      bool          `mapstructure:"store_sink"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// QueueConfig sizes the batch queue and worker pool.
type QueueConfig struct {
	Depth   int `mapstructure:"depth"`
	Workers int `mapstructure:"workers"`
}

// Load builds a Config from an optional YAML file and PARCEL_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PARCEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Blobs.Backend = strings.ToLower(strings.TrimSpace(cfg.Blobs.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.navigation_timeout", headless.DefaultNavigationTimeout)
	v.SetDefault("browser.operation_timeout", headless.DefaultOperationTimeout)
	v.SetDefault("browser.connect_timeout", 30*time.Second)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("http.user_agent", "parcel-ingest/0.1")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.initial_backoff", 500*time.Millisecond)
	v.SetDefault("http.max_backoff", 5*time.Second)
	v.SetDefault("pipeline.parser_version", "1")
	v.SetDefault("pipeline.job_timeout", 3*time.Minute)
	v.SetDefault("pipeline.breaker_threshold", 3)
	v.SetDefault("pipeline.breaker_cooldown", 15*time.Minute)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "parcels.db")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("blobs.backend", BackendNone)
	v.SetDefault("blobs.prefix", "raw")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "parcel-ingested")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.store_sink", true)
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.workers", 2)
}

// Validate enforces required values and reasonable limits. A postgres backend
// without a DSN is not an error here; the server degrades to no storage.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case BackendPostgres, BackendMemory, BackendNone:
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of postgres, sqlite, memory, none", c.Storage.Backend)
	}
	switch c.Blobs.Backend {
	case BackendMemory, BackendNone:
	case BackendGCS:
		if c.Blobs.Bucket == "" {
			return fmt.Errorf("blobs.bucket must be set for the gcs backend")
		}
	case BackendLocal:
		if c.Blobs.BaseDir == "" {
			return fmt.Errorf("blobs.base_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("blobs.backend %q is not one of gcs, local, memory, none", c.Blobs.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	for key, o := range c.Sources {
		if o.RPS < 0 || o.Burst < 0 || o.MaxAttempts < 0 {
			return fmt.Errorf("sources.%s: rate and retry overrides must be >= 0", key)
		}
	}
	return nil
}

// StorageConfigured reports whether the selected storage backend has what it
// needs to connect.
func (c Config) StorageConfigured() bool {
	switch c.Storage.Backend {
	case BackendNone:
		return false
	case BackendPostgres:
		return strings.TrimSpace(c.Storage.DSN) != ""
	default:
		return true
	}
}

// HeadlessConfig converts the browser section for the session manager.
func (c Config) HeadlessConfig() headless.Config {
	b := c.Browser
	return headless.Config{
		RemoteURL:         b.RemoteURL,
		ExecPath:          b.ExecPath,
		Headful:           b.Headful,
		NoSandbox:         b.NoSandbox,
		UserAgent:         b.UserAgent,
		Locale:            b.Locale,
		Timezone:          b.Timezone,
		ViewportWidth:     b.ViewportWidth,
		ViewportHeight:    b.ViewportHeight,
		NavigationTimeout: b.NavigationTimeout,
		OperationTimeout:  b.OperationTimeout,
		ConnectTimeout:    b.ConnectTimeout,
		MaxParallel:       b.MaxParallel,
	}
}

// ApplySource merges the override for base.Key into base. The boolean is
// false when the source is disabled.
func (c Config) ApplySource(base parcel.SourceConfig) (parcel.SourceConfig, bool) {
	o, ok := c.Sources[base.Key]
	if !ok {
		return base, true
	}
	if o.Enabled != nil && !*o.Enabled {
		return base, false
	}
	if o.BaseURL != "" {
		base.BaseURL = o.BaseURL
	}
	if o.RPS > 0 {
		base.RateLimit.RequestsPerSecond = o.RPS
	}
	if o.Burst > 0 {
		base.RateLimit.Burst = o.Burst
	}
	if o.MaxAttempts > 0 {
		base.Retry.MaxAttempts = o.MaxAttempts
	}
	return base, true
}
