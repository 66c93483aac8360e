package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected server addr: %s", cfg.Server.Addr)
	}
	if cfg.Models.Threshold != 0.5 {
		t.Fatalf("unexpected threshold: %f", cfg.Models.Threshold)
	}
	if cfg.Limits.MaxBatchSize != 10 {
		t.Fatalf("unexpected batch size: %d", cfg.Limits.MaxBatchSize)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected history disabled by default, got DSN %q", cfg.Database.DSN)
	}
	if cfg.Cache.Addr != "" {
		t.Fatalf("expected cache disabled by default, got addr %q", cfg.Cache.Addr)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Server.MaxUploadBytes() != 20<<20 {
		t.Fatalf("unexpected upload bound: %d", cfg.Server.MaxUploadBytes())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("IMV_SERVER_ADDR", ":9090")
	t.Setenv("IMV_MODELS_THRESHOLD", "0.75")
	t.Setenv("IMV_LIMITS_MAX_BATCH_SIZE", "5")
	t.Setenv("IMV_CACHE_SCORE_TTL", "1h")
	t.Setenv("IMV_CORS_ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Fatalf("unexpected server addr: %s", cfg.Server.Addr)
	}
	if cfg.Models.Threshold != 0.75 {
		t.Fatalf("unexpected threshold: %f", cfg.Models.Threshold)
	}
	if cfg.Limits.MaxBatchSize != 5 {
		t.Fatalf("unexpected batch size: %d", cfg.Limits.MaxBatchSize)
	}
	if cfg.Cache.ScoreTTL != time.Hour {
		t.Fatalf("unexpected score TTL: %s", cfg.Cache.ScoreTTL)
	}
	want := []string{"https://app.example.com", "https://staging.example.com"}
	if len(cfg.CORS.AllowedOrigins) != len(want) {
		t.Fatalf("unexpected origins: %v", cfg.CORS.AllowedOrigins)
	}
	for i, o := range want {
		if cfg.CORS.AllowedOrigins[i] != o {
			t.Fatalf("origin %d: expected %s, got %s", i, o, cfg.CORS.AllowedOrigins[i])
		}
	}
}

func TestPortEnvFallback(t *testing.T) {
	t.Setenv("PORT", "3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if cfg.Server.Addr != ":3000" {
		t.Fatalf("expected PORT fallback, got %s", cfg.Server.Addr)
	}
}
