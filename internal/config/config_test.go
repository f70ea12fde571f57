package config

import (
	"os"
	"testing"

	"github.com/meetsmatch/dispatcher/internal/dispatch"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	t.Setenv("DATABASE_URL", "postgres://test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected default HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected default RedisURL, got %s", cfg.RedisURL)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected default breaker failure threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.TemplateCacheTTLSeconds != 3600 {
		t.Errorf("expected default template cache TTL 3600, got %d", cfg.TemplateCacheTTLSeconds)
	}
	if !cfg.Flags.VendorFailover {
		t.Error("expected vendor_failover feature flag to default true")
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	os.Clearenv()
	if _, err := Load(); err == nil {
		t.Error("expected error when DATABASE_URL is unset")
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("DATABASE_URL", "postgres://test")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENABLE_SENTRY", "true")
	t.Setenv("CHANNEL_EMAIL_VENDORS", "ses, sendgrid")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("expected HTTPAddr :9090, got %s", cfg.HTTPAddr)
	}
	if !cfg.EnableSentry {
		t.Error("expected EnableSentry true")
	}
	if got := cfg.ChannelVendors[dispatch.ChannelEmail]; len(got) != 2 || got[0] != "ses" || got[1] != "sendgrid" {
		t.Errorf("expected [ses sendgrid] vendor order, got %v", got)
	}
	if cfg.Breaker.FailureThreshold != 10 {
		t.Errorf("expected breaker failure threshold 10, got %d", cfg.Breaker.FailureThreshold)
	}
}

func TestConfig_ToBreakerConfig(t *testing.T) {
	cfg := &Config{Breaker: BreakerConfig{FailureThreshold: 5, ResetTimeoutSec: 30, HalfOpenTimeoutSec: 15, BackoffMultiplier: 2, BackoffCap: 8}}
	bc := cfg.ToBreakerConfig()

	if bc.FailureThreshold != 5 || bc.ResetTimeout.Seconds() != 30 {
		t.Errorf("unexpected breaker config translation: %+v", bc)
	}
}

func TestConfig_ToRetryConfig(t *testing.T) {
	cfg := &Config{Retry: RetryConfig{BaseDelaySeconds: 1, MaxDelaySeconds: 300, JitterPct: 10}}
	rc := cfg.ToRetryConfig()

	if rc.JitterFrac != 0.10 {
		t.Errorf("expected jitter fraction 0.10, got %f", rc.JitterFrac)
	}
}
