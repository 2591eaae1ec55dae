package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voiceinbox/voiceinbox/pkg/gateway/auth"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/capabilities"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/config"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/live/session"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/live/sessions"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/live/upstream"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
)

// assistantInstructions is the persona the conversational service speaks
// with. Kept short: every token here is resent on each reconnect.
const assistantInstructions = "You are a voice assistant for the user's email inbox. " +
	"Answer briefly in spoken-style prose. Use the provided functions for anything " +
	"involving mail; never invent message contents. Destructive actions (sending, " +
	"deleting) need explicit user confirmation first. If a request would match a " +
	"very large number of messages, ask the user to narrow it."

// WSHandler serves /ws/{session_id}: it resolves the identity, enforces the
// one-session-per-identity invariant, and runs the duplex proxy.
type WSHandler struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    *auth.Store
	Registry *capabilities.Registry
	Limiter  *ratelimit.Limiter
	Sessions *sessions.Tracker

	// NewLink is swapped in tests to point at a fake service. Nil uses the
	// configured realtime endpoint.
	NewLink func() *upstream.Link
}

func (h WSHandler) link() *upstream.Link {
	if h.NewLink != nil {
		return h.NewLink()
	}
	if h.Config.OpenAIAPIKey == "" {
		// No credentials: the session falls back to echo mode.
		return nil
	}
	return upstream.NewLink(upstream.Config{
		URL:              h.Config.RealtimeURL,
		Model:            h.Config.RealtimeModel,
		APIKey:           h.Config.OpenAIAPIKey,
		HandshakeTimeout: h.Config.UpstreamHandshakeTimeout,
		MaxFrameBytes:    h.Config.UpstreamMaxFrameBytes,
		MaxReconnects:    h.Config.UpstreamMaxReconnects,
		Logger:           h.Logger,
	})
}

func (h WSHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.originAllowed(r) {
		writeError(w, r, http.StatusForbidden, "origin_not_allowed", "origin is not allowed")
		return
	}

	sid := r.PathValue("session_id")
	sess, ok := h.Store.Get(sid)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unknown_session", "sign in before opening a live session")
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(sess.Identity, ratelimit.Requests) {
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.MaxClientMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxClientMessageBytes)
	}

	manual := strings.EqualFold(r.URL.Query().Get("mode"), "manual")

	// OnClose may fire from the session's own goroutines before Register
	// returns, so the unregister hook is handed over under a lock.
	var (
		unregisterMu sync.Mutex
		unregister   func()
	)
	proxy := session.New(session.Config{
		SessionID:           sid,
		Identity:            sess.Identity,
		Voice:               h.Config.Voice,
		Instructions:        assistantInstructions,
		Temperature:         h.Config.Temperature,
		MaxOutputTokens:     h.Config.MaxOutputTokens,
		ManualTurn:          manual,
		CapabilityTimeout:   h.Config.CapabilityTimeout,
		ContinuationTimeout: h.Config.ContinuationTimeout,
		WriteTimeout:        h.Config.WSWriteTimeout,
		PingInterval:        h.Config.WSPingInterval,
		ReadTimeout:         h.Config.WSReadTimeout,
		Logger:              h.Logger,
		OnClose: func() {
			unregisterMu.Lock()
			u := unregister
			unregisterMu.Unlock()
			if u != nil {
				u()
			}
		},
	}, conn, h.link(), h.Registry, h.Limiter)

	// Registering closes any prior session for this identity before the new
	// one starts proxying.
	u := h.Sessions.Register(sess.Identity, sessions.Handle{
		SessionID: sid,
		Close:     proxy.Close,
		Notify:    proxy.Notify,
	})
	unregisterMu.Lock()
	unregister = u
	unregisterMu.Unlock()

	proxy.Run(r.Context())
}
