package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Taxonomy   TaxonomyConfig          `yaml:"taxonomy" mapstructure:"taxonomy"`
	Pipeline   PipelineConfig          `yaml:"pipeline" mapstructure:"pipeline"`
	Reconcile  ReconcileConfig         `yaml:"reconcile" mapstructure:"reconcile"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Vendors    map[string]VendorConfig `yaml:"vendors" mapstructure:"vendors"`
	Fetch      FetchConfig             `yaml:"fetch" mapstructure:"fetch"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Temporal   TemporalConfig          `yaml:"temporal" mapstructure:"temporal"`
	Redis      RedisConfig             `yaml:"redis" mapstructure:"redis"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	// SettleWindowMs makes in-place updates of rows written less than this
	// long ago fail as if the store had not caught up yet. 0 disables it.
	SettleWindowMs int `yaml:"settle_window_ms" mapstructure:"settle_window_ms"`
}

// TaxonomyConfig selects where runs read their taxonomy from.
type TaxonomyConfig struct {
	// Source is embedded, file or store.
	Source  string `yaml:"source" mapstructure:"source"`
	Path    string `yaml:"path" mapstructure:"path"`
	Version string `yaml:"version" mapstructure:"version"`
}

// PipelineConfig configures run processing.
type PipelineConfig struct {
	TriggerTimeoutSecs int            `yaml:"trigger_timeout_secs" mapstructure:"trigger_timeout_secs"`
	CallTimeoutSecs    int            `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	Workers            int            `yaml:"workers" mapstructure:"workers"`
	Lock               string         `yaml:"lock" mapstructure:"lock"`
	LockTTLSecs        int            `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
	Background         string         `yaml:"background" mapstructure:"background"`
	Retry              RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Circuit            CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Deferred           DeferredConfig `yaml:"deferred" mapstructure:"deferred"`
}

// RetryConfig configures retries of store calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the store circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// DeferredConfig schedules replays of deferred mutations.
type DeferredConfig struct {
	MaxAttempts        int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSecs int `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// ReconcileConfig configures the maintenance sweep.
type ReconcileConfig struct {
	IntervalSecs    int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	GracePeriodMins int     `yaml:"grace_period_mins" mapstructure:"grace_period_mins"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	RatePerSec      float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Workers         int     `yaml:"workers" mapstructure:"workers"`
}

// MonitoringConfig configures health alerts.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeferredDepthThreshold int     `yaml:"deferred_depth_threshold" mapstructure:"deferred_depth_threshold"`
	OpenUnknownsThreshold  int     `yaml:"open_unknowns_threshold" mapstructure:"open_unknowns_threshold"`
}

// VendorConfig maps a supplier's price list layout onto raw record fields.
type VendorConfig struct {
	// Format is csv or xlsx.
	Format    string `yaml:"format" mapstructure:"format"`
	Source    string `yaml:"source" mapstructure:"source"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter"`
	Sheet     string `yaml:"sheet" mapstructure:"sheet"`
	HeaderRow int    `yaml:"header_row" mapstructure:"header_row"`
	// Columns maps raw record fields (supplier_code, raw_price, ...) to
	// header names in the file.
	Columns map[string]string `yaml:"columns" mapstructure:"columns"`
	// EffectiveDate is used when the file has no date column.
	EffectiveDate string `yaml:"effective_date" mapstructure:"effective_date"`
}

// FetchConfig configures source document downloads.
type FetchConfig struct {
	TempDir     string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	FTPUser     string  `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword string  `yaml:"ftp_password" mapstructure:"ftp_password"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// RedisConfig configures the distributed run lock.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "catalog.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.settle_window_ms", 0)
	v.SetDefault("taxonomy.source", "embedded")
	v.SetDefault("pipeline.trigger_timeout_secs", 30)
	v.SetDefault("pipeline.call_timeout_secs", 10)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.lock", "local")
	v.SetDefault("pipeline.lock_ttl_secs", 30)
	v.SetDefault("pipeline.background", "inline")
	v.SetDefault("pipeline.retry.max_attempts", 4)
	v.SetDefault("pipeline.retry.initial_backoff_ms", 250)
	v.SetDefault("pipeline.retry.max_backoff_ms", 10000)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.retry.jitter_fraction", 0.2)
	v.SetDefault("pipeline.circuit.failure_threshold", 5)
	v.SetDefault("pipeline.circuit.reset_timeout_secs", 30)
	v.SetDefault("pipeline.deferred.max_attempts", 10)
	v.SetDefault("pipeline.deferred.initial_backoff_secs", 5)
	v.SetDefault("pipeline.deferred.max_backoff_secs", 3600)
	v.SetDefault("reconcile.interval_secs", 60)
	v.SetDefault("reconcile.grace_period_mins", 30)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.rate_per_sec", 50.0)
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.deferred_depth_threshold", 500)
	v.SetDefault("monitoring.open_unknowns_threshold", 200)
	v.SetDefault("fetch.temp_dir", "/tmp/catalog-sync")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.user_agent", "catalog-sync/1.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "catalog-sync")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.SettleWindowMs < 0 {
		errs = append(errs, "store.settle_window_ms must not be negative")
	}

	switch c.Taxonomy.Source {
	case "embedded", "store":
	case "file":
		if c.Taxonomy.Path == "" {
			errs = append(errs, "taxonomy.path is required when taxonomy.source is file")
		}
	default:
		errs = append(errs, fmt.Sprintf("taxonomy.source %q must be embedded, file or store", c.Taxonomy.Source))
	}

	switch c.Pipeline.Lock {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when pipeline.lock is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("pipeline.lock %q must be local or redis", c.Pipeline.Lock))
	}

	switch c.Pipeline.Background {
	case "inline":
	case "temporal":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.host_port and temporal.task_queue are required when pipeline.background is temporal")
		}
	default:
		errs = append(errs, fmt.Sprintf("pipeline.background %q must be inline or temporal", c.Pipeline.Background))
	}

	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
		errs = append(errs, fmt.Sprintf("pipeline.workers must be between 1 and 64, got %d", c.Pipeline.Workers))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	for name, v := range c.Vendors {
		switch v.Format {
		case "csv", "xlsx":
		default:
			errs = append(errs, fmt.Sprintf("vendors.%s.format %q must be csv or xlsx", name, v.Format))
		}
		if v.Columns["supplier_code"] == "" {
			errs = append(errs, fmt.Sprintf("vendors.%s.columns.supplier_code is required", name))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
