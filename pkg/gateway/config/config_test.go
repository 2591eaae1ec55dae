package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.RateWindow != time.Minute {
		t.Errorf("RateWindow = %v", cfg.RateWindow)
	}
	if cfg.RateLimitRequests != 60 || cfg.RateLimitMailbox != 100 || cfg.RateLimitAI != 30 {
		t.Errorf("rate ceilings = %d/%d/%d", cfg.RateLimitRequests, cfg.RateLimitMailbox, cfg.RateLimitAI)
	}
	if cfg.UpstreamMaxFrameBytes != 16<<20 {
		t.Errorf("UpstreamMaxFrameBytes = %d", cfg.UpstreamMaxFrameBytes)
	}
	if cfg.UpstreamMaxReconnects != 3 {
		t.Errorf("UpstreamMaxReconnects = %d", cfg.UpstreamMaxReconnects)
	}
	if cfg.MaxResultBytes != 4000 {
		t.Errorf("MaxResultBytes = %d", cfg.MaxResultBytes)
	}
	if cfg.CacheDriver != "sqlite" {
		t.Errorf("CacheDriver = %q", cfg.CacheDriver)
	}
	if _, ok := cfg.CORSAllowedOrigins["http://localhost:5173"]; !ok {
		t.Errorf("frontend URL not in CORS origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadFromEnv_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error when OPENAI_API_KEY is missing")
	}
}

func TestLoadFromEnv_ClampsTemperature(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOICEINBOX_TEMPERATURE", "0.2")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Temperature != 0.6 {
		t.Errorf("Temperature = %v, want provider floor 0.6", cfg.Temperature)
	}
}

func TestLoadFromEnv_InvalidCacheDriver(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOICEINBOX_CACHE_DRIVER", "mongodb")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for unknown cache driver")
	}
}

func TestLoadFromEnv_PostgresNeedsDSN(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOICEINBOX_CACHE_DRIVER", "postgres")
	t.Setenv("VOICEINBOX_CACHE_POSTGRES_DSN", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error when postgres driver has no DSN")
	}
}
