// Package config loads runtime settings for the dispatcher service from
// environment variables, the teacher's envOr/envRequired way.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meetsmatch/dispatcher/internal/dispatch"
)

// VendorConfig holds one vendor's credentials and per-vendor call tuning.
type VendorConfig struct {
	Credentials   map[string]string // secret references, e.g. api_key, account_sid
	TimeoutMs     int               // default 5000
	RetryAttempts int               // default 3
	BaseURL       string            // optional override, used in tests/self-hosted vendors
}

// RateLimitConfig mirrors dispatch.RateLimitRule's configuration surface.
type RateLimitConfig struct {
	Limit           int
	WindowSeconds   int
	BurstMultiplier float64
}

// BreakerConfig mirrors dispatch.BreakerConfig's configuration surface.
type BreakerConfig struct {
	FailureThreshold  int
	ResetTimeoutSec   int
	HalfOpenTimeoutSec int
	BackoffMultiplier float64
	BackoffCap        float64
}

// RetryConfig mirrors dispatch.RetryConfig's configuration surface.
type RetryConfig struct {
	BaseDelaySeconds int
	MaxDelaySeconds  int
	JitterPct        float64
}

// FeatureFlags holds the optional-behavior switches of §6's enumerated
// configuration surface. They are loaded from the environment; no component
// of the dispatcher reads them, so they change no behavior.
type FeatureFlags struct {
	MultiRegion    bool
	VendorFailover bool
	RateLimiting   bool
}

// Config holds all dispatcher configuration, loaded once at startup.
type Config struct {
	// Ambient stack.
	HTTPAddr          string
	DatabaseURL       string
	RedisURL          string
	Environment       string
	LogLevel          string
	EnableSentry      bool
	SentryDSN         string
	SentryEnvironment string
	OTelEnabled       bool
	OTelEndpoint      string
	OTelServiceName   string

	// Domain stack.
	ChannelVendors map[dispatch.Channel][]string          // channels.<c>.vendors
	Vendors        map[string]VendorConfig                // vendors.<v>
	RateLimits     map[dispatch.RateLimitOp]RateLimitConfig // rate_limits.<op>
	Breaker        BreakerConfig
	TemplateCacheTTLSeconds int
	Retry          RetryConfig
	Flags          FeatureFlags

	WorkerConcurrency map[dispatch.Channel]int

	// CleanupCron is the asynq schedule for the notification-retention sweep.
	CleanupCron string
	// RetentionPeriod is how long a terminal notification is kept before
	// CleanupExpired deletes it.
	RetentionPeriod time.Duration
}

// Load reads configuration from environment variables, filling in the
// spec's documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          envOr("HTTP_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          envOr("REDIS_URL", "redis://localhost:6379/0"),
		Environment:       envOr("ENVIRONMENT", "development"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		EnableSentry:      envOr("ENABLE_SENTRY", "false") == "true",
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		SentryEnvironment: envOr("SENTRY_ENVIRONMENT", envOr("ENVIRONMENT", "development")),
		OTelEnabled:       envOr("OTEL_ENABLED", "false") == "true",
		OTelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelServiceName:   envOr("OTEL_SERVICE_NAME", "dispatcher"),

		ChannelVendors: loadChannelVendors(),
		Vendors:        loadVendors(),
		RateLimits:     loadRateLimits(),
		Breaker:        loadBreaker(),
		TemplateCacheTTLSeconds: envInt("TEMPLATE_CACHE_TTL_SECONDS", 3600),
		Retry:          loadRetry(),
		Flags:          loadFeatureFlags(),

		WorkerConcurrency: map[dispatch.Channel]int{
			dispatch.ChannelEmail: envInt("WORKER_CONCURRENCY_EMAIL", 8),
			dispatch.ChannelSMS:   envInt("WORKER_CONCURRENCY_SMS", 8),
			dispatch.ChannelPush:  envInt("WORKER_CONCURRENCY_PUSH", 8),
		},

		CleanupCron:     envOr("CLEANUP_CRON", "0 3 * * *"),
		RetentionPeriod: time.Duration(envInt("RETENTION_PERIOD_HOURS", 24*14)) * time.Hour,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func loadChannelVendors() map[dispatch.Channel][]string {
	return map[dispatch.Channel][]string{
		dispatch.ChannelEmail: envList("CHANNEL_EMAIL_VENDORS", []string{"sendgrid", "iterable", "ses"}),
		dispatch.ChannelSMS:   envList("CHANNEL_SMS_VENDORS", []string{"telnyx", "twilio"}),
		dispatch.ChannelPush:  envList("CHANNEL_PUSH_VENDORS", []string{"sns"}),
	}
}

func loadVendors() map[string]VendorConfig {
	vendors := map[string]VendorConfig{
		"sendgrid": {
			Credentials:   map[string]string{"api_key": os.Getenv("SENDGRID_API_KEY"), "from_email": os.Getenv("SENDGRID_FROM_EMAIL")},
			TimeoutMs:     envInt("SENDGRID_TIMEOUT_MS", 5000),
			RetryAttempts: envInt("SENDGRID_RETRY_ATTEMPTS", 3),
		},
		"iterable": {
			Credentials:   map[string]string{"api_key": os.Getenv("ITERABLE_API_KEY")},
			TimeoutMs:     envInt("ITERABLE_TIMEOUT_MS", 5000),
			RetryAttempts: envInt("ITERABLE_RETRY_ATTEMPTS", 3),
		},
		"ses": {
			Credentials: map[string]string{
				"access_key_id":     os.Getenv("SES_ACCESS_KEY_ID"),
				"secret_access_key": os.Getenv("SES_SECRET_ACCESS_KEY"),
				"region":            envOr("SES_REGION", "us-east-1"),
				"from_email":        os.Getenv("SES_FROM_EMAIL"),
			},
			TimeoutMs:     envInt("SES_TIMEOUT_MS", 5000),
			RetryAttempts: envInt("SES_RETRY_ATTEMPTS", 3),
		},
		"telnyx": {
			Credentials:   map[string]string{"api_key": os.Getenv("TELNYX_API_KEY"), "from_number": os.Getenv("TELNYX_FROM_NUMBER")},
			TimeoutMs:     envInt("TELNYX_TIMEOUT_MS", 5000),
			RetryAttempts: envInt("TELNYX_RETRY_ATTEMPTS", 3),
		},
		"twilio": {
			Credentials: map[string]string{
				"account_sid": os.Getenv("TWILIO_ACCOUNT_SID"),
				"auth_token":  os.Getenv("TWILIO_AUTH_TOKEN"),
				"from_number": os.Getenv("TWILIO_FROM_NUMBER"),
			},
			TimeoutMs:     envInt("TWILIO_TIMEOUT_MS", 5000),
			RetryAttempts: envInt("TWILIO_RETRY_ATTEMPTS", 3),
		},
		"sns": {
			Credentials: map[string]string{
				"access_key_id":     os.Getenv("SNS_ACCESS_KEY_ID"),
				"secret_access_key": os.Getenv("SNS_SECRET_ACCESS_KEY"),
				"region":            envOr("SNS_REGION", "us-east-1"),
			},
			TimeoutMs:     envInt("SNS_TIMEOUT_MS", 5000),
			RetryAttempts: envInt("SNS_RETRY_ATTEMPTS", 3),
		},
	}
	return vendors
}

func loadRateLimits() map[dispatch.RateLimitOp]RateLimitConfig {
	return map[dispatch.RateLimitOp]RateLimitConfig{
		dispatch.OpNotification: {Limit: envInt("RATE_LIMIT_NOTIFICATION", 1000), WindowSeconds: envInt("RATE_LIMIT_NOTIFICATION_WINDOW_SECONDS", 60), BurstMultiplier: envFloat("RATE_LIMIT_NOTIFICATION_BURST", 1.5)},
		dispatch.OpStatus:       {Limit: envInt("RATE_LIMIT_STATUS", 2000), WindowSeconds: envInt("RATE_LIMIT_STATUS_WINDOW_SECONDS", 60), BurstMultiplier: envFloat("RATE_LIMIT_STATUS_BURST", 1.5)},
		dispatch.OpTemplate:     {Limit: envInt("RATE_LIMIT_TEMPLATE", 100), WindowSeconds: envInt("RATE_LIMIT_TEMPLATE_WINDOW_SECONDS", 3600), BurstMultiplier: envFloat("RATE_LIMIT_TEMPLATE_BURST", 1.5)},
	}
}

func loadBreaker() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   envInt("BREAKER_FAILURE_THRESHOLD", 5),
		ResetTimeoutSec:    envInt("BREAKER_RESET_TIMEOUT_SECONDS", 30),
		HalfOpenTimeoutSec: envInt("BREAKER_HALF_OPEN_TIMEOUT_SECONDS", 15),
		BackoffMultiplier:  envFloat("BREAKER_BACKOFF_MULTIPLIER", 2),
		BackoffCap:         envFloat("BREAKER_BACKOFF_CAP", 3),
	}
}

func loadRetry() RetryConfig {
	return RetryConfig{
		BaseDelaySeconds: envInt("RETRY_BASE_DELAY_SECONDS", 1),
		MaxDelaySeconds:  envInt("RETRY_MAX_DELAY_SECONDS", 300),
		JitterPct:        envFloat("RETRY_JITTER_PCT", 10),
	}
}

func loadFeatureFlags() FeatureFlags {
	return FeatureFlags{
		MultiRegion:    envOr("FEATURE_MULTI_REGION", "false") == "true",
		VendorFailover: envOr("FEATURE_VENDOR_FAILOVER", "true") == "true",
		RateLimiting:   envOr("FEATURE_RATE_LIMITING", "true") == "true",
	}
}

// ToBreakerConfig adapts the loaded breaker surface to dispatch.BreakerConfig.
func (c *Config) ToBreakerConfig() dispatch.BreakerConfig {
	return dispatch.BreakerConfig{
		FailureThreshold:  c.Breaker.FailureThreshold,
		ResetTimeout:      time.Duration(c.Breaker.ResetTimeoutSec) * time.Second,
		HalfOpenTimeout:   time.Duration(c.Breaker.HalfOpenTimeoutSec) * time.Second,
		BackoffMultiplier: c.Breaker.BackoffMultiplier,
		BackoffCap:        c.Breaker.BackoffCap,
	}
}

// ToRateLimitRules adapts the loaded rate-limit surface to dispatch.RateLimitRule.
func (c *Config) ToRateLimitRules() map[dispatch.RateLimitOp]dispatch.RateLimitRule {
	rules := make(map[dispatch.RateLimitOp]dispatch.RateLimitRule, len(c.RateLimits))
	for op, rl := range c.RateLimits {
		rules[op] = dispatch.RateLimitRule{
			Limit:           rl.Limit,
			Window:          time.Duration(rl.WindowSeconds) * time.Second,
			BurstMultiplier: rl.BurstMultiplier,
		}
	}
	return rules
}

// ToRetryConfig adapts the loaded retry surface to dispatch.RetryConfig.
func (c *Config) ToRetryConfig() dispatch.RetryConfig {
	return dispatch.RetryConfig{
		BaseDelay:  time.Duration(c.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:   time.Duration(c.Retry.MaxDelaySeconds) * time.Second,
		JitterFrac: c.Retry.JitterPct / 100,
	}
}

// ToVendorConfig adapts a channel's configured vendor order to dispatch.VendorConfig.
func (c *Config) ToVendorConfig(channel dispatch.Channel) dispatch.VendorConfig {
	return dispatch.VendorConfig{Default: c.ChannelVendors[channel]}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
