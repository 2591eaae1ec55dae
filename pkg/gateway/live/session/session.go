// Package session implements the duplex proxy between one client connection
// and the conversational service, including the function-call execution
// bridge and its bounds.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiceinbox/voiceinbox/pkg/core"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/capabilities"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/live/protocol"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/live/upstream"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
)

// State is the proxy session lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateListening
	StateAwaitingFunction
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateAwaitingFunction:
		return "awaiting_function_result"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the subset of the client websocket the session uses.
// *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Config struct {
	SessionID string
	Identity  string

	Voice           string
	Instructions    string
	Temperature     float64
	MaxOutputTokens int
	// ManualTurn disables server-side end-of-speech detection; the proxy
	// requests a response itself on each audio commit.
	ManualTurn bool

	CapabilityTimeout   time.Duration
	ContinuationTimeout time.Duration
	WriteTimeout        time.Duration

	// PingInterval drives the client keepalive loop; zero disables it.
	PingInterval time.Duration
	// ReadTimeout is the client read deadline, refreshed on every frame
	// and pong; zero disables it.
	ReadTimeout time.Duration

	Logger  *slog.Logger
	OnClose func()
}

func (c Config) withDefaults() Config {
	if c.CapabilityTimeout <= 0 {
		c.CapabilityTimeout = 8 * time.Second
	}
	if c.ContinuationTimeout <= 0 {
		c.ContinuationTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session proxies one client's conversation. Two loops share its state: the
// client read loop and the upstream read loop. Capability executions run as
// separate goroutines so neither loop blocks on provider calls.
type Session struct {
	cfg      Config
	client   ClientConn
	link     *upstream.Link
	registry *capabilities.Registry
	limiter  *ratelimit.Limiter
	log      *slog.Logger

	writeMu sync.Mutex // client writes

	mu           sync.Mutex
	state        State
	pending      bool
	pendingTimer *time.Timer
	echo         bool
	audioChunks  int64
	speechStart  time.Time
	commitAt     time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config, client ClientConn, link *upstream.Link, registry *capabilities.Registry, limiter *ratelimit.Limiter) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		client:   client,
		link:     link,
		registry: registry,
		limiter:  limiter,
		log: cfg.Logger.With(
			"session_id", cfg.SessionID,
			"identity", cfg.Identity,
		),
		state: StateConnecting,
		done:  make(chan struct{}),
	}
}

// Run drives the session until the client disconnects or the upstream fails
// permanently. It blocks.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	if s.link != nil {
		if err := s.connectUpstream(ctx); err != nil {
			s.log.Warn("upstream unreachable, entering echo mode", "error", err)
			_ = s.link.Close()
			s.mu.Lock()
			s.echo = true
			s.mu.Unlock()
			s.writeClient(protocol.ErrorMessage("", core.CodeUnavailable,
				"conversational service is unreachable; running in echo mode"))
		}
	} else {
		s.mu.Lock()
		s.echo = true
		s.mu.Unlock()
	}

	s.setState(StateListening)
	if s.echoMode() {
		s.writeClient(protocol.SystemMessage("echo mode: audio is looped back, mailbox functions remain available"))
	} else {
		s.writeClient(protocol.SystemMessage("session ready"))
		go s.upstreamLoop(ctx)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.client.SetPongHandler(func(string) error {
			return s.client.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}
	if s.cfg.PingInterval > 0 {
		go s.pingLoop()
	}
	s.clientLoop(ctx)
}

// pingLoop keeps the client connection alive until the session closes.
// WriteControl is safe concurrently with WriteMessage.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !s.isClosed() {
					s.log.Debug("client ping failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *Session) connectUpstream(ctx context.Context) error {
	if err := s.link.Connect(ctx); err != nil {
		s.log.Warn("upstream connect failed, retrying", "error", err)
		if err := s.link.Redial(ctx); err != nil {
			return err
		}
	}
	return s.link.Configure(s.sessionUpdate())
}

// sessionUpdate builds the session-parameters frame: voice, codecs, turn
// detection, temperature, output cap, and the capability declarations.
func (s *Session) sessionUpdate() []byte {
	session := map[string]any{
		"modalities":                 []string{"text", "audio"},
		"voice":                      s.cfg.Voice,
		"input_audio_format":         "pcm16",
		"output_audio_format":        "pcm16",
		"input_audio_transcription":  map[string]any{"model": "whisper-1"},
		"temperature":                s.cfg.Temperature,
		"max_response_output_tokens": s.cfg.MaxOutputTokens,
		"tools":                      s.registry.Declarations(),
		"tool_choice":                "auto",
	}
	if s.cfg.Instructions != "" {
		session["instructions"] = s.cfg.Instructions
	}
	if s.cfg.ManualTurn {
		session["turn_detection"] = nil
	} else {
		session["turn_detection"] = map[string]any{
			"type":                "server_vad",
			"threshold":           0.8,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 600,
		}
	}
	raw, _ := json.Marshal(map[string]any{
		"type":    "session.update",
		"session": session,
	})
	return raw
}

func (s *Session) clientLoop(ctx context.Context) {
	for {
		_, data, err := s.client.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.log.Info("client disconnected", "error", err)
			}
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.client.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			s.writeClient(protocol.ErrorMessage("", core.CodeValidation, err.Error()))
			continue
		}
		switch msg := decoded.(type) {
		case protocol.ClientFunctionCall:
			go s.directCall(ctx, msg)
		case protocol.ClientEvent:
			s.handleClientEvent(msg)
		}
	}
}

func (s *Session) handleClientEvent(msg protocol.ClientEvent) {
	if s.echoMode() {
		s.writeClient(msg.Raw)
		return
	}
	if msg.Type == protocol.TypeAudioAppend {
		s.mu.Lock()
		s.audioChunks++
		s.mu.Unlock()
	}
	if err := s.link.Send(msg.Raw); err != nil {
		// A disconnected window: the frame is simply not deliverable.
		s.log.Warn("upstream send failed", "type", msg.Type, "error", err)
		return
	}
	if msg.Type == protocol.TypeAudioCommit && s.cfg.ManualTurn {
		if err := s.link.Send(responseCreateFrame()); err != nil {
			s.log.Warn("manual response request failed", "error", err)
		}
	}
}

func (s *Session) upstreamLoop(ctx context.Context) {
	for {
		data, err := s.link.Receive()
		if err != nil {
			if s.isClosed() || errors.Is(err, upstream.ErrClosed) {
				return
			}
			s.log.Warn("upstream receive failed", "error", err)
			if err := s.link.Redial(ctx); err != nil {
				s.log.Error("upstream reconnect exhausted, closing session", "error", err)
				s.writeClient(protocol.ErrorMessage("", core.CodeUnavailable,
					"connection to the conversational service was lost"))
				s.Close()
				return
			}
			s.writeClient(protocol.SystemMessage("reconnected to the conversational service"))
			continue
		}
		ev, err := protocol.DecodeUpstreamEvent(data)
		if err != nil {
			s.log.Warn("undecodable upstream frame", "error", err)
			continue
		}
		s.handleUpstreamEvent(ctx, ev)
	}
}

func (s *Session) handleUpstreamEvent(ctx context.Context, ev protocol.UpstreamEvent) {
	switch {
	case ev.Type == protocol.TypeFunctionArgs:
		call, err := protocol.ParseFunctionCallDone(ev.Raw)
		if err != nil {
			s.log.Warn("malformed function call frame", "error", err)
			return
		}
		if !s.beginFunctionCall() {
			// Completions are not guaranteed exactly-once upstream.
			s.log.Info("duplicate function completion ignored", "call_id", call.CallID, "function", call.Name)
			return
		}
		go s.bridge(ctx, call)
	case ev.Type == protocol.TypeResponseCreated:
		// A new assistant turn starts a fresh audio accounting window.
		s.mu.Lock()
		s.audioChunks = 0
		s.mu.Unlock()
		s.writeClient(ev.Raw)
	case ev.Type == protocol.TypeResponseDone:
		s.clearPending(clearContinuation)
		s.logTurnTiming()
		s.writeClient(ev.Raw)
	case ev.Type == protocol.TypeSpeechStarted:
		s.mu.Lock()
		s.speechStart = time.Now()
		s.mu.Unlock()
		s.writeClient(ev.Raw)
	case ev.Type == protocol.TypeSpeechCommitted:
		s.mu.Lock()
		s.commitAt = time.Now()
		s.mu.Unlock()
		s.writeClient(ev.Raw)
	case protocol.ForwardsToClient(ev.Type):
		s.writeClient(ev.Raw)
	default:
		s.log.Debug("upstream event consumed", "type", ev.Type)
	}
}

func (s *Session) logTurnTiming() {
	s.mu.Lock()
	chunks := s.audioChunks
	start, commit := s.speechStart, s.commitAt
	s.mu.Unlock()
	if start.IsZero() || commit.IsZero() {
		return
	}
	s.log.Debug("turn complete",
		"audio_chunks", chunks,
		"speech_ms", commit.Sub(start).Milliseconds())
}

// bridge executes one upstream-initiated function call end to end: invoke,
// bound, report the output, request exactly one continuation, and arm the
// emergency timer. Every failure becomes a structured result; none may leave
// the pending flag set without a timer to clear it.
func (s *Session) bridge(ctx context.Context, call protocol.FunctionCallDone) {
	started := time.Now()
	result, err := s.invoke(ctx, call.Name, json.RawMessage(call.Arguments))

	var output []byte
	if err != nil {
		code := core.CodeOf(err)
		s.log.Warn("capability failed",
			"function", call.Name, "code", code, "error", err,
			"elapsed_ms", time.Since(started).Milliseconds())
		output, _ = json.Marshal(map[string]string{
			"error_code": code,
			"error":      err.Error(),
		})
		s.writeClient(protocol.ErrorMessage(call.Name, code, err.Error()))
	} else {
		s.log.Info("capability complete",
			"function", call.Name,
			"result_bytes", len(result),
			"elapsed_ms", time.Since(started).Milliseconds())
		output = result
		s.writeClient(protocol.FunctionResultMessage(call.Name, result))
	}

	if err := s.link.Send(functionOutputFrame(call.CallID, output)); err != nil {
		s.failBridgeSend(call.Name, err)
		return
	}
	// Exactly one continuation per call, guarded by the pending flag that
	// beginFunctionCall set.
	if err := s.link.Send(responseCreateFrame()); err != nil {
		s.failBridgeSend(call.Name, err)
		return
	}
	s.armContinuationTimer(call.Name)
}

func (s *Session) failBridgeSend(function string, err error) {
	s.log.Warn("function result not deliverable upstream", "function", function, "error", err)
	if s.clearPending(clearError) {
		s.writeClient(protocol.ErrorMessage(function, core.CodeUnavailable,
			"could not deliver the function result to the conversational service"))
	}
}

// invoke runs the full execution pipeline for one call: parse, admission,
// capability, bounding. All failures come back as typed faults.
func (s *Session) invoke(ctx context.Context, name string, rawArgs json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, core.Faultf(core.CodeBadArgs, "arguments are not valid JSON: %v", err)
		}
	}
	category, ok := s.registry.Category(name)
	if !ok {
		return nil, core.Faultf(core.CodeUnknownFunction, "unknown capability %q", name)
	}
	if s.limiter != nil && !s.limiter.Allow(s.cfg.Identity, category) {
		return nil, core.Faultf(core.CodeRateLimit, "%s call budget exhausted, try again shortly", category)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CapabilityTimeout)
	defer cancel()
	result, err := s.registry.Execute(cctx, name, s.cfg.Identity, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.Faultf(core.CodeTimeout, "%s did not finish within %s", name, s.cfg.CapabilityTimeout)
		}
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serialize %s result: %w", name, err)
	}
	return Bound(raw, s.registry.Budget(name)), nil
}

// directCall is the test path: execute and answer on the client socket,
// bypassing the conversational service.
func (s *Session) directCall(ctx context.Context, call protocol.ClientFunctionCall) {
	rawArgs, _ := json.Marshal(call.Args)
	result, err := s.invoke(ctx, call.Function, rawArgs)
	if err != nil {
		s.writeClient(protocol.ErrorMessage(call.Function, core.CodeOf(err), err.Error()))
		return
	}
	s.writeClient(protocol.FunctionResultMessage(call.Function, result))
}

// beginFunctionCall transitions into AwaitingFunctionResult. It refuses when
// a call is already pending so duplicate completions cannot trigger a second
// continuation.
func (s *Session) beginFunctionCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending || s.state == StateClosed {
		return false
	}
	s.pending = true
	s.state = StateAwaitingFunction
	return true
}

type clearReason int

const (
	clearContinuation clearReason = iota
	clearTimeout
	clearError
	clearClose
)

// clearPending returns to Listening. Only the first clear per call has any
// effect; the continuation and the emergency timer race and the loser is a
// no-op.
func (s *Session) clearPending(reason clearReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false
	}
	s.pending = false
	if s.pendingTimer != nil {
		if reason != clearTimeout {
			s.pendingTimer.Stop()
		}
		s.pendingTimer = nil
	}
	if s.state == StateAwaitingFunction {
		s.state = StateListening
	}
	return true
}

func (s *Session) armContinuationTimer(function string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		// The continuation already arrived.
		return
	}
	d := s.cfg.ContinuationTimeout
	s.pendingTimer = time.AfterFunc(d, func() {
		if s.clearPending(clearTimeout) {
			s.log.Warn("continuation never arrived, resetting", "function", function, "timeout", d)
			s.writeClient(protocol.ErrorMessage(function, core.CodeTimeout,
				"the assistant did not continue after the function result; listening again"))
		}
	})
}

func (s *Session) writeClient(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.client.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.client.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("client write failed", "error", err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending reports whether a function call is awaiting its continuation.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) echoMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.echo
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Notify sends a system notice to the client.
func (s *Session) Notify(message string) {
	s.writeClient(protocol.SystemMessage(message))
}

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: upstream link, client connection, timers.
// Idempotent and safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.pending = false
		if s.pendingTimer != nil {
			s.pendingTimer.Stop()
			s.pendingTimer = nil
		}
		s.mu.Unlock()
		if s.link != nil {
			_ = s.link.Close()
		}
		_ = s.client.Close()
		close(s.done)
		if s.cfg.OnClose != nil {
			s.cfg.OnClose()
		}
	})
}

func responseCreateFrame() []byte {
	return []byte(`{"type":"response.create"}`)
}

func functionOutputFrame(callID string, output []byte) []byte {
	raw, _ := json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	})
	return raw
}
