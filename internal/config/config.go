package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultCacheName       = "default"
	DefaultShards          = 32
	DefaultSweepInterval   = 5 * time.Second
	DefaultCallbackWorkers = 4
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultReportRate      = 1.0
	DefaultReportBurst     = 5
	DefaultTraceSampleRate = 0.1
)

// Config is the top-level slidecache configuration.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Sentry  SentryConfig  `yaml:"sentry"`
	Tracing TracingConfig `yaml:"tracing"`
}

// CacheConfig holds cache engine settings.
type CacheConfig struct {
	// Name labels the cache in metrics and logs.
	Name string `yaml:"name"`

	// Shards is the number of independently locked store partitions.
	// Rounded up to a power of two by the cache.
	Shards int `yaml:"shards"`

	// MaxEntries bounds the entry count; 0 means unbounded.
	MaxEntries int `yaml:"max_entries"`

	// SweepInterval is the background expiration cadence; 0 disables the sweeper.
	// Reloaded at runtime by Watch; reloading 0 stops a running sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// CallbackWorkers is the number of eviction callback dispatch lanes.
	CallbackWorkers int `yaml:"callback_workers"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Format is one of: text | json.
	Format string `yaml:"format"`
}

// SentryConfig configures out-of-band error reporting.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	Release     string  `yaml:"release"`
	SampleRate  float64 `yaml:"sample_rate"`

	// ReportRate and ReportBurst throttle callback failure reports (events per second).
	ReportRate  float64 `yaml:"report_rate"`
	ReportBurst int     `yaml:"report_burst"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Load reads and parses the YAML config file at path, then applies
// environment overrides. An empty path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Cache: CacheConfig{
			Name:            DefaultCacheName,
			Shards:          DefaultShards,
			SweepInterval:   DefaultSweepInterval,
			CallbackWorkers: DefaultCallbackWorkers,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Sentry: SentryConfig{
			Environment: "development",
			SampleRate:  1.0,
			ReportRate:  DefaultReportRate,
			ReportBurst: DefaultReportBurst,
		},
		Tracing: TracingConfig{
			SampleRate: DefaultTraceSampleRate,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Cache.Name = getEnv("SLIDECACHE_NAME", cfg.Cache.Name)
	cfg.Cache.Shards = getEnvAsInt("SLIDECACHE_SHARDS", cfg.Cache.Shards)
	cfg.Cache.MaxEntries = getEnvAsInt("SLIDECACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.SweepInterval = getEnvAsDuration("SLIDECACHE_SWEEP_INTERVAL", cfg.Cache.SweepInterval)
	cfg.Cache.CallbackWorkers = getEnvAsInt("SLIDECACHE_CALLBACK_WORKERS", cfg.Cache.CallbackWorkers)

	cfg.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", cfg.Log.Format))

	cfg.Sentry.DSN = getEnv("SENTRY_DSN", cfg.Sentry.DSN)
	cfg.Sentry.Environment = getEnv("SENTRY_ENVIRONMENT", cfg.Sentry.Environment)
	cfg.Sentry.Release = getEnv("SENTRY_RELEASE", cfg.Sentry.Release)
	cfg.Sentry.SampleRate = getEnvAsFloat("SENTRY_SAMPLE_RATE", cfg.Sentry.SampleRate)

	cfg.Tracing.Enabled = getEnvAsBool("OTEL_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SampleRate = getEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", cfg.Tracing.SampleRate)
}

func validate(cfg *Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Cache.Name) == "" {
		errs = append(errs, errors.New("cache.name must not be empty"))
	}
	if cfg.Cache.Shards < 1 {
		errs = append(errs, fmt.Errorf("cache.shards must be positive, got %d", cfg.Cache.Shards))
	}
	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must not be negative, got %d", cfg.Cache.MaxEntries))
	}
	if cfg.Cache.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("cache.sweep_interval must not be negative, got %s", cfg.Cache.SweepInterval))
	}
	if cfg.Cache.CallbackWorkers < 1 {
		errs = append(errs, fmt.Errorf("cache.callback_workers must be positive, got %d", cfg.Cache.CallbackWorkers))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format))
	}
	if cfg.Sentry.SampleRate < 0 || cfg.Sentry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sentry.sample_rate must be within [0, 1], got %v", cfg.Sentry.SampleRate))
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", cfg.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}
