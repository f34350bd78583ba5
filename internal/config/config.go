package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	TLSEnabled  bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string   `mapstructure:"TLS_KEY_FILE"`

	AMQPURL           string `mapstructure:"AMQP_URL"`
	WorkQueue         string `mapstructure:"WORK_QUEUE"`
	NotifyQueue       string `mapstructure:"NOTIFY_QUEUE"`
	WorkerPrefetch    int    `mapstructure:"WORKER_PREFETCH"`
	WorkerConcurrency int    `mapstructure:"WORKER_CONCURRENCY"`

	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `mapstructure:"NOTIFY_WEBHOOK_SECRET"`

	APIRateLimitRPS   float64 `mapstructure:"API_RATE_LIMIT_RPS"`
	APIRateLimitBurst int     `mapstructure:"API_RATE_LIMIT_BURST"`

	FHIRRequestTimeout time.Duration `mapstructure:"FHIR_REQUEST_TIMEOUT"`
	FHIRMaxPages       int           `mapstructure:"FHIR_MAX_PAGES"`
	FHIRRateLimitRPS   float64       `mapstructure:"FHIR_RATE_LIMIT_RPS"`
	FHIRRateLimitBurst int           `mapstructure:"FHIR_RATE_LIMIT_BURST"`
	FHIRMaxConcurrent  int           `mapstructure:"FHIR_MAX_CONCURRENT"`

	ReferenceConcurrency int           `mapstructure:"REFERENCE_CONCURRENCY"`
	ReferenceCacheTTL    time.Duration `mapstructure:"REFERENCE_CACHE_TTL"`

	MaxRetries     int           `mapstructure:"MAX_RETRIES"`
	RetryDelay     time.Duration `mapstructure:"RETRY_DELAY"`
	StaleUnitAfter time.Duration `mapstructure:"STALE_UNIT_AFTER"`

	TailSweepSchedule string `mapstructure:"TAIL_SWEEP_SCHEDULE"`
	ReaperSchedule    string `mapstructure:"REAPER_SCHEDULE"`
	TailSweepBatch    int    `mapstructure:"TAIL_SWEEP_BATCH"`
}

var defaults = map[string]any{
	"PORT":                  "8000",
	"ENV":                   "development",
	"DB_MAX_CONNS":          20,
	"DB_MIN_CONNS":          5,
	"DB_SCHEMA":             "acquisition",
	"CORS_ORIGINS":          "http://localhost:3000",
	"WORK_QUEUE":            "data_acquisition_requested",
	"NOTIFY_QUEUE":          "resource_acquired",
	"WORKER_PREFETCH":       8,
	"WORKER_CONCURRENCY":    8,
	"API_RATE_LIMIT_RPS":    50,
	"API_RATE_LIMIT_BURST":  100,
	"FHIR_REQUEST_TIMEOUT":  "30s",
	"FHIR_MAX_PAGES":        500,
	"FHIR_RATE_LIMIT_RPS":   20,
	"FHIR_RATE_LIMIT_BURST": 40,
	"FHIR_MAX_CONCURRENT":   4,
	"REFERENCE_CONCURRENCY": 4,
	"REFERENCE_CACHE_TTL":   "1h",
	"MAX_RETRIES":           10,
	"RETRY_DELAY":           "30s",
	"STALE_UNIT_AFTER":      "30m",
	"TAIL_SWEEP_SCHEDULE":   "@every 30s",
	"REAPER_SCHEDULE":       "@every 5m",
	"TAIL_SWEEP_BATCH":      100,
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "CORS_ORIGINS", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"AMQP_URL", "WORK_QUEUE", "NOTIFY_QUEUE", "WORKER_PREFETCH", "WORKER_CONCURRENCY",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET", "API_RATE_LIMIT_RPS", "API_RATE_LIMIT_BURST",
	"FHIR_REQUEST_TIMEOUT", "FHIR_MAX_PAGES", "FHIR_RATE_LIMIT_RPS", "FHIR_RATE_LIMIT_BURST", "FHIR_MAX_CONCURRENT",
	"REFERENCE_CONCURRENCY", "REFERENCE_CACHE_TTL",
	"MAX_RETRIES", "RETRY_DELAY", "STALE_UNIT_AFTER",
	"TAIL_SWEEP_SCHEDULE", "REAPER_SCHEDULE", "TAIL_SWEEP_BATCH",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); audit endpoints are unauthenticated.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Worker-only keys
// are checked by ValidateWorker.
func (c *Config) Validate() error {
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.FHIRRequestTimeout <= 0 {
		return fmt.Errorf("FHIR_REQUEST_TIMEOUT must be positive, got %s", c.FHIRRequestTimeout)
	}
	if c.FHIRMaxConcurrent < 1 || c.ReferenceConcurrency < 1 {
		return fmt.Errorf("FHIR_MAX_CONCURRENT and REFERENCE_CONCURRENCY must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.NotifyWebhookURL == "" && c.NotifyWebhookSecret != "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is set without NOTIFY_WEBHOOK_URL")
	}
	if c.IsProduction() && c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required in production when NOTIFY_WEBHOOK_URL is set")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// ValidateWorker checks the keys the queue worker needs on top of Validate.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required to run the worker")
	}
	if c.WorkQueue == "" || c.NotifyQueue == "" {
		return fmt.Errorf("WORK_QUEUE and NOTIFY_QUEUE must be set")
	}
	if c.WorkerConcurrency < 1 || c.WorkerPrefetch < c.WorkerConcurrency {
		return fmt.Errorf("WORKER_PREFETCH (%d) must be at least WORKER_CONCURRENCY (%d) and both positive",
			c.WorkerPrefetch, c.WorkerConcurrency)
	}
	return nil
}
