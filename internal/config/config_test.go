package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.CommandTTL != time.Hour {
		t.Fatalf("expected default command TTL 1h, got %s", cfg.CommandTTL)
	}
	if cfg.Recommender != "none" {
		t.Fatalf("expected default recommender none, got %q", cfg.Recommender)
	}
	if !cfg.RateLimitEnabled {
		t.Fatal("expected rate limiting enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SPOTHERD_PORT", "9090")
	t.Setenv("SPOTHERD_COMMAND_TTL", "30m")
	t.Setenv("SPOTHERD_RECOMMENDER", "static")
	t.Setenv("SPOTHERD_MIN_SAVINGS", "0.05")
	t.Setenv("SPOTHERD_RATE_LIMIT_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.CommandTTL != 30*time.Minute {
		t.Fatalf("expected command TTL 30m, got %s", cfg.CommandTTL)
	}
	if cfg.Recommender != "static" {
		t.Fatalf("expected recommender static, got %q", cfg.Recommender)
	}
	if cfg.MinSavings != "0.05" {
		t.Fatalf("expected min savings 0.05, got %q", cfg.MinSavings)
	}
	if cfg.RateLimitEnabled {
		t.Fatal("expected rate limiting disabled")
	}
}

func TestLoadRejectsUnknownRecommender(t *testing.T) {
	t.Setenv("SPOTHERD_RECOMMENDER", "oracle")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown recommender")
	}
}

func TestValidateRejectsShortSavingsHorizon(t *testing.T) {
	t.Setenv("SPOTHERD_SAVINGS_HORIZON", "10m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for sub-hour savings horizon")
	}
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	t.Setenv("SPOTHERD_SWEEP_INTERVAL", "-5s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative sweep interval")
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if got := envInt("TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("TEST_DUR_BAD", "soon")
	if got := envDuration("TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", got)
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if got := envBool("TEST_BOOL_BAD", true); !got {
		t.Fatal("expected fallback true")
	}
	t.Setenv("TEST_FLOAT_BAD", "fast")
	if got := envFloat("TEST_FLOAT_BAD", 2.5); got != 2.5 {
		t.Fatalf("expected fallback 2.5, got %f", got)
	}
}
