package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClaimStrategy selects how a worker acquires an identity from the catalog.
type ClaimStrategy string

const (
	// ClaimStrategyLock claims identities through a distributed lease lock.
	ClaimStrategyLock ClaimStrategy = "lock"

	// ClaimStrategyOrdinal maps the worker's replica ordinal 1:1 onto a
	// catalog slot, requiring no runtime coordination.
	ClaimStrategyOrdinal ClaimStrategy = "ordinal"
)

// ImageSelector selects how the lab image for a session is chosen.
type ImageSelector string

const (
	ImageSelectorRecommended ImageSelector = "recommended"
	ImageSelectorWeekly      ImageSelector = "weekly"
	ImageSelectorReference   ImageSelector = "reference"
)

// Config is the immutable worker configuration, constructed once at startup
// and passed by reference into each component.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Environment EnvironmentConfig `mapstructure:"environment"`
	Jupyter     JupyterConfig     `mapstructure:"jupyter"`
	Report      ReportConfig      `mapstructure:"report"`
	Journal     JournalConfig     `mapstructure:"journal"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONOutput bool   `mapstructure:"json"`
}

// MetricsConfig controls the metrics/health listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RedisConfig locates the queue broker and the identity lock store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// LockDB is the database holding identity leases. Kept separate from
	// the queue database, matching the deployed topology.
	LockDB int `mapstructure:"lock_db"`
}

// WorkerConfig controls the job loop and identity claiming.
type WorkerConfig struct {
	QueueName          string        `mapstructure:"queue_name"`
	MaxConcurrentJobs  int           `mapstructure:"max_concurrent_jobs"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	DrainGracePeriod   time.Duration `mapstructure:"drain_grace_period"`
	IdentitiesPath     string        `mapstructure:"identities_path"`
	ClaimStrategy      ClaimStrategy `mapstructure:"claim_strategy"`
	Ordinal            int           `mapstructure:"ordinal"`
	LockLeaseTTL       time.Duration `mapstructure:"lock_lease_ttl"`
	LockRenewInterval  time.Duration `mapstructure:"lock_renew_interval"`
	KeepAlive          string        `mapstructure:"keepalive"`
	KeepAliveRetries   int           `mapstructure:"keepalive_retries"`
	KeepAliveRetryIdle time.Duration `mapstructure:"keepalive_retry_idle"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
}

// EnvironmentConfig locates the remote science platform services.
type EnvironmentConfig struct {
	// BaseURL is the root URL of the platform environment; hub, lab pods,
	// the auth gateway, and the lab controller all hang off it.
	BaseURL string `mapstructure:"base_url"`

	HubPathPrefix        string        `mapstructure:"hub_path_prefix"`
	ControllerPathPrefix string        `mapstructure:"controller_path_prefix"`
	GatewayToken         string        `mapstructure:"gateway_token"`
	TokenScopes          []string      `mapstructure:"token_scopes"`
	TokenLifetime        time.Duration `mapstructure:"token_lifetime"`
}

// JupyterConfig controls session provisioning and pod-loss detection.
type JupyterConfig struct {
	ImageSelector  ImageSelector `mapstructure:"image_selector"`
	ImageReference string        `mapstructure:"image_reference"`
	ImageSize      string        `mapstructure:"image_size"`
	DefaultKernel  string        `mapstructure:"default_kernel"`
	SpawnTimeout   time.Duration `mapstructure:"spawn_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// GoneStatusMin/Max bound the HTTP status range treated as "the pod is
	// gone". The remote provisioning service's error contract may evolve,
	// so the boundary is policy, not code.
	GoneStatusMin int `mapstructure:"gone_status_min"`
	GoneStatusMax int `mapstructure:"gone_status_max"`
}

// ReportConfig locates the external diagnostics sink.
type ReportConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// JournalConfig locates the local job journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_db", 1)

	v.SetDefault("worker.queue_name", "nbworker:queue")
	v.SetDefault("worker.max_concurrent_jobs", 3)
	v.SetDefault("worker.job_timeout", 5*time.Minute)
	v.SetDefault("worker.drain_grace_period", 30*time.Second)
	v.SetDefault("worker.claim_strategy", string(ClaimStrategyLock))
	v.SetDefault("worker.ordinal", 0)
	v.SetDefault("worker.lock_lease_ttl", 60*time.Second)
	v.SetDefault("worker.lock_renew_interval", 20*time.Second)
	v.SetDefault("worker.keepalive", "normal")
	v.SetDefault("worker.keepalive_retries", 3)
	v.SetDefault("worker.keepalive_retry_idle", 5*time.Second)
	v.SetDefault("worker.visibility_timeout", 10*time.Minute)

	v.SetDefault("environment.hub_path_prefix", "/nb")
	v.SetDefault("environment.controller_path_prefix", "/nublado")
	v.SetDefault("environment.token_scopes", []string{"exec:notebook"})
	v.SetDefault("environment.token_lifetime", 28*24*time.Hour)

	v.SetDefault("jupyter.image_selector", string(ImageSelectorRecommended))
	v.SetDefault("jupyter.image_size", "Large")
	v.SetDefault("jupyter.default_kernel", "python3")
	v.SetDefault("jupyter.spawn_timeout", 10*time.Minute)
	v.SetDefault("jupyter.request_timeout", 30*time.Second)
	v.SetDefault("jupyter.gone_status_min", 400)
	v.SetDefault("jupyter.gone_status_max", 499)

	v.SetDefault("journal.path", "nbworker.db")
}

// Load reads configuration from the optional YAML file at path and from
// NBWORKER_-prefixed environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NBWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Environment.BaseURL == "" {
		return fmt.Errorf("environment.base_url is required")
	}
	if c.Worker.IdentitiesPath == "" {
		return fmt.Errorf("worker.identities_path is required")
	}

	switch c.Worker.ClaimStrategy {
	case ClaimStrategyLock, ClaimStrategyOrdinal:
	default:
		return fmt.Errorf("unsupported claim strategy: %q", c.Worker.ClaimStrategy)
	}

	switch c.Jupyter.ImageSelector {
	case ImageSelectorRecommended, ImageSelectorWeekly:
	case ImageSelectorReference:
		if c.Jupyter.ImageReference == "" {
			return fmt.Errorf("jupyter.image_reference is required when jupyter.image_selector is %q", ImageSelectorReference)
		}
	default:
		return fmt.Errorf("unsupported image selector: %q", c.Jupyter.ImageSelector)
	}

	switch c.Worker.KeepAlive {
	case "disabled", "fast", "normal", "hourly", "daily":
	default:
		return fmt.Errorf("unsupported keepalive setting: %q", c.Worker.KeepAlive)
	}

	if c.Jupyter.GoneStatusMin > c.Jupyter.GoneStatusMax {
		return fmt.Errorf("jupyter.gone_status_min must not exceed jupyter.gone_status_max")
	}

	if c.Worker.MaxConcurrentJobs < 1 {
		return fmt.Errorf("worker.max_concurrent_jobs must be at least 1")
	}

	return nil
}
