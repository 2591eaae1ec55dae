package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/voiceinbox/voiceinbox/pkg/gateway/config"
	gatewayserver "github.com/voiceinbox/voiceinbox/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gatewayserver.New(context.Background(), config.Config{
		Addr:                  "127.0.0.1:0",
		FrontendURL:           "http://localhost:5173",
		OpenAIAPIKey:          "sk-test",
		GoogleClientID:        "client-id",
		GoogleClientSecret:    "client-secret",
		OAuthRedirectURL:      "http://localhost:8000/oauth2callback",
		WSWriteTimeout:        5 * time.Second,
		MaxClientMessageBytes: 1 << 20,
		UpstreamMaxFrameBytes: 16 << 20,
		UpstreamMaxReconnects: 3,
		CapabilityTimeout:     8 * time.Second,
		ContinuationTimeout:   10 * time.Second,
		MaxResultBytes:        4000,
		RateWindow:            time.Minute,
		RateLimitRequests:     60,
		RateLimitMailbox:      100,
		RateLimitAI:           30,
		CacheDriver:           "sqlite",
		CachePath:             ":memory:",
		CacheMaxRows:          100,
		SessionTTL:            time.Hour,
		CORSAllowedOrigins:    map[string]struct{}{},
		ReadHeaderTimeout:     time.Second,
		ReadTimeout:           time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
