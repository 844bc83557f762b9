package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine processes.
type Config struct {
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Automation AutomationConfig `yaml:"automation" envPrefix:"AUTOMATION_"`
	Sending    SendingConfig    `yaml:"sending" envPrefix:"SENDING_"`
	Links      LinksConfig      `yaml:"links" envPrefix:"LINKS_"`
	Insight    InsightConfig    `yaml:"insight" envPrefix:"INSIGHT_"`
	Triggers   TriggersConfig   `yaml:"triggers" envPrefix:"TRIGGERS_"`
	Retention  RetentionConfig  `yaml:"retention" envPrefix:"RETENTION_"`
	Ops        OpsConfig        `yaml:"ops" envPrefix:"OPS_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

// DatabaseConfig holds the PostgreSQL connection and pool settings.
type DatabaseConfig struct {
	URL             string `yaml:"url" env:"URL" validate:"required"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=1"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins" env:"CONN_MAX_LIFE_MINS"`
}

func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifeMins) * time.Minute
}

// RedisConfig is optional; without a URL distributed locks fall back to
// PostgreSQL advisory locks.
type RedisConfig struct {
	URL string `yaml:"url" env:"URL"`
}

type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds" env:"TICK_SECONDS" validate:"gte=1"`

	// HealthyWithinSeconds is how stale the last tick may be before
	// /healthz fails.
	HealthyWithinSeconds int `yaml:"healthy_within_seconds" env:"HEALTHY_WITHIN_SECONDS" validate:"gte=1"`
}

func (c SchedulerConfig) Tick() time.Duration { return time.Duration(c.TickSeconds) * time.Second }

func (c SchedulerConfig) HealthyWithin() time.Duration {
	return time.Duration(c.HealthyWithinSeconds) * time.Second
}

// AutomationConfig tunes the step engine.
type AutomationConfig struct {
	ClaimBatch   int `yaml:"claim_batch" env:"CLAIM_BATCH" validate:"gte=1,lte=10000"`
	LeaseMinutes int `yaml:"lease_minutes" env:"LEASE_MINUTES" validate:"gte=1"`
}

func (c AutomationConfig) Lease() time.Duration { return time.Duration(c.LeaseMinutes) * time.Minute }

// SendingConfig holds process-wide sending defaults. Tenant settings win
// when set.
type SendingConfig struct {
	DryRun                bool   `yaml:"dry_run" env:"DRY_RUN"`
	SparkPostAPIKey       string `yaml:"sparkpost_api_key" env:"SPARKPOST_API_KEY" validate:"required_if=DryRun false"`
	SparkPostURL          string `yaml:"sparkpost_url" env:"SPARKPOST_URL" validate:"omitempty,url"`
	BatchSize             int    `yaml:"batch_size" env:"BATCH_SIZE" validate:"gte=1,lte=10000"`
	RatePerSecond         int    `yaml:"rate_per_second" env:"RATE_PER_SECOND" validate:"gte=1"`
	DailyLimit            int    `yaml:"daily_limit" env:"DAILY_LIMIT" validate:"gte=0"`
	RequireVerifiedSender bool   `yaml:"require_verified_sender" env:"REQUIRE_VERIFIED_SENDER"`
	FromName              string `yaml:"from_name" env:"FROM_NAME"`
	FromEmail             string `yaml:"from_email" env:"FROM_EMAIL" validate:"omitempty,email"`
	ReplyTo               string `yaml:"reply_to" env:"REPLY_TO" validate:"omitempty,email"`
	CampaignLockMinutes   int    `yaml:"campaign_lock_minutes" env:"CAMPAIGN_LOCK_MINUTES" validate:"gte=1"`
	NotifyWebhookURL      string `yaml:"notify_webhook_url" env:"NOTIFY_WEBHOOK_URL" validate:"omitempty,url"`
}

func (c SendingConfig) CampaignLockTTL() time.Duration {
	return time.Duration(c.CampaignLockMinutes) * time.Minute
}

// LinksConfig controls the signed unsubscribe and preferences links.
type LinksConfig struct {
	BaseURL    string `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	SigningKey string `yaml:"signing_key" env:"SIGNING_KEY" validate:"required,min=16"`
	TTLHours   int    `yaml:"ttl_hours" env:"TTL_HOURS" validate:"gte=1"`
}

func (c LinksConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

// InsightConfig controls the customer insight rebuild and how old an
// insight row may be before the evaluator falls back to live orders.
type InsightConfig struct {
	MaxAgeHours     int `yaml:"max_age_hours" env:"MAX_AGE_HOURS" validate:"gte=1"`
	RebuildMinutes  int `yaml:"rebuild_minutes" env:"REBUILD_MINUTES" validate:"gte=1"`
	DigestCheckMins int `yaml:"digest_check_mins" env:"DIGEST_CHECK_MINS" validate:"gte=1"`
}

func (c InsightConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeHours) * time.Hour }

func (c InsightConfig) RebuildEvery() time.Duration {
	return time.Duration(c.RebuildMinutes) * time.Minute
}

func (c InsightConfig) DigestEvery() time.Duration {
	return time.Duration(c.DigestCheckMins) * time.Minute
}

// TriggersConfig controls the time-based trigger scanners.
type TriggersConfig struct {
	ScanMinutes   int `yaml:"scan_minutes" env:"SCAN_MINUTES" validate:"gte=1"`
	CheckoutBatch int `yaml:"checkout_batch" env:"CHECKOUT_BATCH" validate:"gte=1"`
}

func (c TriggersConfig) ScanEvery() time.Duration { return time.Duration(c.ScanMinutes) * time.Minute }

type RetentionConfig struct {
	CheckoutDays int `yaml:"checkout_days" env:"CHECKOUT_DAYS"`
	ViewDays     int `yaml:"view_days" env:"VIEW_DAYS"`
	AuditDays    int `yaml:"audit_days" env:"AUDIT_DAYS"`
	EveryHours   int `yaml:"every_hours" env:"EVERY_HOURS" validate:"gte=1"`
}

// OpsConfig is the worker's health and metrics listener.
type OpsConfig struct {
	Addr string `yaml:"addr" env:"ADDR" validate:"required"`
}

type LogConfig struct {
	Level     string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	RedactPII bool   `yaml:"redact_pii" env:"REDACT_PII"`
}

// Load reads a YAML file and applies defaults. A missing path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifeMins == 0 {
		cfg.Database.ConnMaxLifeMins = 30
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 15
	}
	if cfg.Scheduler.HealthyWithinSeconds == 0 {
		cfg.Scheduler.HealthyWithinSeconds = 5 * cfg.Scheduler.TickSeconds
	}
	if cfg.Automation.ClaimBatch == 0 {
		cfg.Automation.ClaimBatch = 100
	}
	if cfg.Automation.LeaseMinutes == 0 {
		cfg.Automation.LeaseMinutes = 5
	}
	if cfg.Sending.BatchSize == 0 {
		cfg.Sending.BatchSize = 100
	}
	if cfg.Sending.RatePerSecond == 0 {
		cfg.Sending.RatePerSecond = 10
	}
	if cfg.Sending.CampaignLockMinutes == 0 {
		cfg.Sending.CampaignLockMinutes = 30
	}
	if cfg.Links.TTLHours == 0 {
		cfg.Links.TTLHours = 24 * 90
	}
	if cfg.Insight.MaxAgeHours == 0 {
		cfg.Insight.MaxAgeHours = 36
	}
	if cfg.Insight.RebuildMinutes == 0 {
		cfg.Insight.RebuildMinutes = 24 * 60
	}
	if cfg.Insight.DigestCheckMins == 0 {
		cfg.Insight.DigestCheckMins = 60
	}
	if cfg.Triggers.ScanMinutes == 0 {
		cfg.Triggers.ScanMinutes = 15
	}
	if cfg.Triggers.CheckoutBatch == 0 {
		cfg.Triggers.CheckoutBatch = 500
	}
	if cfg.Retention.EveryHours == 0 {
		cfg.Retention.EveryHours = 24
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads .env (if present), reads the YAML file, overlays
// environment variables and validates the result. Plain DATABASE_URL and
// REDIS_URL are honoured through the prefixes.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overlay: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every tagged field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
