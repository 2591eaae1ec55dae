// Package server assembles the gateway: auth, capability registry, rate
// limits, cache, and the live-session routes, behind one http.Handler.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceinbox/voiceinbox/pkg/cache"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/auth"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/capabilities"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/config"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/handlers"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/live/sessions"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/mw"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
	"github.com/voiceinbox/voiceinbox/pkg/mailbox"
)

// Search results tolerate more staleness than the unread count, which the
// assistant reads back verbatim.
const (
	searchCacheTTL = 5 * time.Minute
	countCacheTTL  = 10 * time.Second
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store    *auth.Store
	google   *auth.Google
	cache    cache.Store
	registry *capabilities.Registry
	limiter  *ratelimit.Limiter
	tracker  *sessions.Tracker
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := auth.NewStore(cfg.SessionTTL)
	google := auth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL, store)

	resultCache, err := cache.Open(ctx, cache.Config{
		Driver:      cfg.CacheDriver,
		Path:        cfg.CachePath,
		PostgresDSN: cfg.CachePostgresDSN,
		MaxRows:     cfg.CacheMaxRows,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	provider := mailbox.NewGmailClient(google.TokenSource, httpClient)

	var completer capabilities.Completer
	if cfg.OpenAIAPIKey != "" {
		completer = openai.NewClient(cfg.OpenAIAPIKey)
	}
	registry, err := capabilities.DefaultRegistry(cfg.MaxResultBytes,
		capabilities.MailboxDeps{
			Provider:  provider,
			Cache:     resultCache,
			SearchTTL: searchCacheTTL,
			CountTTL:  countCacheTTL,
			Logger:    logger,
		},
		capabilities.AIDeps{
			Client:   completer,
			Provider: provider,
			Logger:   logger,
		},
	)
	if err != nil {
		_ = resultCache.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		store:    store,
		google:   google,
		cache:    resultCache,
		registry: registry,
		limiter: ratelimit.New(ratelimit.Config{
			Window:      cfg.RateWindow,
			MaxRequests: cfg.RateLimitRequests,
			MaxMailbox:  cfg.RateLimitMailbox,
			MaxAI:       cfg.RateLimitAI,
		}),
		tracker: sessions.NewTracker(),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg})

	s.mux.Handle("GET /login", handlers.LoginHandler{Google: s.google, Store: s.store})
	s.mux.Handle("GET /oauth2callback", handlers.OAuthCallbackHandler{
		Config: s.cfg,
		Google: s.google,
		Store:  s.store,
		Logger: s.logger,
	})
	s.mux.Handle("GET /auth/status", handlers.AuthStatusHandler{Store: s.store})
	s.mux.Handle("/auth/logout", handlers.LogoutHandler{Store: s.store})

	s.mux.Handle("GET /ws/{session_id}", handlers.WSHandler{
		Config:   s.cfg,
		Logger:   s.logger,
		Store:    s.store,
		Registry: s.registry,
		Limiter:  s.limiter,
		Sessions: s.tracker,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Sessions exposes the live-session tracker for shutdown draining.
func (s *Server) Sessions() *sessions.Tracker {
	return s.tracker
}

// Close releases the cache. Live sessions are drained separately via the
// tracker.
func (s *Server) Close() error {
	return s.cache.Close()
}
