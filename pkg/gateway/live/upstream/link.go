// Package upstream owns the proxy's connection to the real-time
// conversational service: dial, session configuration, framed sends and
// receives, and bounded reconnection.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = fmt.Errorf("upstream link is closed")

type Config struct {
	// URL is the service endpoint without the model query parameter.
	URL   string
	Model string
	// APIKey is sent as a bearer credential on the dial request.
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// MaxFrameBytes bounds inbound frames; audio deltas run to megabytes.
	MaxFrameBytes int64
	// MaxReconnects caps redial attempts before the link fails for good.
	MaxReconnects int
	// Backoff maps a retry attempt (1-based) to a wait. Defaults to
	// 2^attempt seconds.
	Backoff func(attempt int) time.Duration
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 16 << 20
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 3
	}
	if c.Backoff == nil {
		c.Backoff = func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Link is one streaming connection to the conversational service. Send and
// Receive may run concurrently; Redial replaces the connection in place.
type Link struct {
	cfg Config

	mu      sync.Mutex // guards conn swap
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  atomic.Bool

	// sessionCfg is the last configure payload, resent after every redial.
	sessionCfg []byte
	retries    atomic.Int32

	// sleep is swapped in tests to skip real backoff.
	sleep func(context.Context, time.Duration) error
}

func NewLink(cfg Config) *Link {
	return &Link{
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Link) dialURL() (string, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	if l.cfg.Model != "" {
		q := u.Query()
		q.Set("model", l.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the service and installs the connection. Any prior
// connection is discarded.
func (l *Link) Connect(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	target, err := l.dialURL()
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+l.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: l.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return fmt.Errorf("dial upstream (status %d): %w", status, err)
	}
	conn.SetReadLimit(l.cfg.MaxFrameBytes)

	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Configure sends the session-parameters frame and remembers it so every
// redial can resend it.
func (l *Link) Configure(payload []byte) error {
	l.mu.Lock()
	l.sessionCfg = payload
	l.mu.Unlock()
	return l.Send(payload)
}

// Send writes one text frame. Sending on a torn-down link returns an error
// rather than panicking.
func (l *Link) Send(data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("upstream link is not connected")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next frame. A successful read resets the retry
// counter.
func (l *Link) Receive() ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("upstream link is not connected")
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if l.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}
	l.retries.Store(0)
	return data, nil
}

// Redial reconnects with exponential backoff, re-running configure after each
// successful dial. Exhausting the attempt budget is fatal for the link.
func (l *Link) Redial(ctx context.Context) error {
	for {
		if l.closed.Load() {
			return ErrClosed
		}
		attempt := int(l.retries.Add(1))
		if attempt > l.cfg.MaxReconnects {
			return fmt.Errorf("upstream reconnect failed after %d attempts", l.cfg.MaxReconnects)
		}
		backoff := l.cfg.Backoff(attempt)
		l.cfg.Logger.Warn("upstream reconnecting", "attempt", attempt, "backoff", backoff)
		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
		if err := l.Connect(ctx); err != nil {
			l.cfg.Logger.Warn("upstream reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		l.mu.Lock()
		cfgFrame := l.sessionCfg
		l.mu.Unlock()
		if cfgFrame != nil {
			if err := l.Send(cfgFrame); err != nil {
				l.cfg.Logger.Warn("upstream reconfigure failed", "attempt", attempt, "error", err)
				continue
			}
		}
		return nil
	}
}

// Close tears the link down. Safe to call more than once and from any
// goroutine.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
