package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	FrontendURL string

	// Upstream realtime service.
	OpenAIAPIKey    string
	RealtimeURL     string
	RealtimeModel   string
	Voice           string
	Temperature     float64
	MaxOutputTokens int

	// Mailbox provider OAuth.
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	// Client WebSocket.
	WSReadTimeout         time.Duration
	WSWriteTimeout        time.Duration
	WSPingInterval        time.Duration
	MaxClientMessageBytes int64

	// Upstream WebSocket.
	UpstreamMaxFrameBytes    int64
	UpstreamHandshakeTimeout time.Duration
	UpstreamMaxReconnects    int

	// Function-call bridge.
	CapabilityTimeout   time.Duration
	ContinuationTimeout time.Duration
	MaxResultBytes      int

	// Sliding-window rate limits (per identity, per window).
	RateWindow        time.Duration
	RateLimitRequests int
	RateLimitMailbox  int
	RateLimitAI       int

	// Result cache.
	CacheDriver      string // "sqlite" or "postgres"
	CachePath        string // sqlite file path
	CachePostgresDSN string
	CacheMaxRows     int

	// Sessions.
	SessionTTL time.Duration

	// CORS
	CORSAllowedOrigins map[string]struct{}

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("VOICEINBOX_ADDR", ":8000"),
		FrontendURL:              envOr("VOICEINBOX_FRONTEND_URL", "http://localhost:5173"),
		OpenAIAPIKey:             os.Getenv("OPENAI_API_KEY"),
		RealtimeURL:              envOr("VOICEINBOX_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:            envOr("VOICEINBOX_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		Voice:                    envOr("VOICEINBOX_VOICE", "alloy"),
		Temperature:              envFloat64Or("VOICEINBOX_TEMPERATURE", 0.6),
		MaxOutputTokens:          envIntOr("VOICEINBOX_MAX_OUTPUT_TOKENS", 800),
		GoogleClientID:           os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:       os.Getenv("GOOGLE_CLIENT_SECRET"),
		OAuthRedirectURL:         envOr("VOICEINBOX_OAUTH_REDIRECT_URL", "http://localhost:8000/oauth2callback"),
		WSReadTimeout:            envDurationOr("VOICEINBOX_WS_READ_TIMEOUT", 0),
		WSWriteTimeout:           envDurationOr("VOICEINBOX_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:           envDurationOr("VOICEINBOX_WS_PING_INTERVAL", 20*time.Second),
		MaxClientMessageBytes:    envInt64Or("VOICEINBOX_MAX_CLIENT_MESSAGE_BYTES", 1<<20), // 1 MiB: base64 audio frames
		UpstreamMaxFrameBytes:    envInt64Or("VOICEINBOX_UPSTREAM_MAX_FRAME_BYTES", 16<<20),
		UpstreamHandshakeTimeout: envDurationOr("VOICEINBOX_UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
		UpstreamMaxReconnects:    envIntOr("VOICEINBOX_UPSTREAM_MAX_RECONNECTS", 3),
		CapabilityTimeout:        envDurationOr("VOICEINBOX_CAPABILITY_TIMEOUT", 8*time.Second),
		ContinuationTimeout:      envDurationOr("VOICEINBOX_CONTINUATION_TIMEOUT", 10*time.Second),
		MaxResultBytes:           envIntOr("VOICEINBOX_MAX_RESULT_BYTES", 4000),
		RateWindow:               envDurationOr("VOICEINBOX_RATE_WINDOW", time.Minute),
		RateLimitRequests:        envIntOr("VOICEINBOX_RATE_LIMIT_REQUESTS", 60),
		RateLimitMailbox:         envIntOr("VOICEINBOX_RATE_LIMIT_MAILBOX", 100),
		RateLimitAI:              envIntOr("VOICEINBOX_RATE_LIMIT_AI", 30),
		CacheDriver:              envOr("VOICEINBOX_CACHE_DRIVER", "sqlite"),
		CachePath:                envOr("VOICEINBOX_CACHE_PATH", "mailbox_cache.db"),
		CachePostgresDSN:         os.Getenv("VOICEINBOX_CACHE_POSTGRES_DSN"),
		CacheMaxRows:             envIntOr("VOICEINBOX_CACHE_MAX_ROWS", 1000),
		SessionTTL:               envDurationOr("VOICEINBOX_SESSION_TTL", time.Hour),
		CORSAllowedOrigins:       make(map[string]struct{}),
		ReadHeaderTimeout:        envDurationOr("VOICEINBOX_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:              envDurationOr("VOICEINBOX_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:      envDurationOr("VOICEINBOX_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEINBOX_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	if len(cfg.CORSAllowedOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.CORSAllowedOrigins[cfg.FrontendURL] = struct{}{}
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	switch cfg.CacheDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("VOICEINBOX_CACHE_DRIVER must be one of sqlite|postgres")
	}
	if cfg.CacheDriver == "postgres" && strings.TrimSpace(cfg.CachePostgresDSN) == "" {
		return Config{}, fmt.Errorf("VOICEINBOX_CACHE_POSTGRES_DSN is required when cache driver is postgres")
	}
	if cfg.UpstreamMaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_UPSTREAM_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.UpstreamMaxReconnects < 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_UPSTREAM_MAX_RECONNECTS must be >= 0")
	}
	if cfg.MaxClientMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_MAX_CLIENT_MESSAGE_BYTES must be > 0")
	}
	if cfg.CapabilityTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_CAPABILITY_TIMEOUT must be > 0")
	}
	if cfg.ContinuationTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_CONTINUATION_TIMEOUT must be > 0")
	}
	if cfg.MaxResultBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_MAX_RESULT_BYTES must be > 0")
	}
	if cfg.RateWindow <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_RATE_WINDOW must be > 0")
	}
	if cfg.RateLimitRequests <= 0 || cfg.RateLimitMailbox <= 0 || cfg.RateLimitAI <= 0 {
		return Config{}, fmt.Errorf("rate limit ceilings must be > 0")
	}
	if cfg.CacheMaxRows <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_CACHE_MAX_ROWS must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_SESSION_TTL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICEINBOX_WS_READ_TIMEOUT must be >= 0")
	}
	// The realtime provider rejects temperatures below its floor.
	if cfg.Temperature < 0.6 {
		cfg.Temperature = 0.6
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Or(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat64Or(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
