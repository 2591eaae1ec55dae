package mw

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if seen == "" || !strings.HasPrefix(seen, "req_") {
		t.Fatalf("generated request id = %q", seen)
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("header id %q != context id %q", rec.Header().Get("X-Request-ID"), seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_upstream")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "req_upstream" {
		t.Fatalf("supplied id not honored: %q", seen)
	}
}

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Recover(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatal("panic value not logged")
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestID(AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/abc", nil))
	logged := buf.String()
	if !strings.Contains(logged, "status=418") || !strings.Contains(logged, "path=/ws/abc") {
		t.Fatalf("access log = %q", logged)
	}
}

func TestCORS(t *testing.T) {
	allowed := map[string]struct{}{"http://localhost:5173": {}}
	h := CORS(allowed, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("preflight allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/login", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
			t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("preflight denied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/login", nil)
		req.Header.Set("Origin", "http://evil.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("simple request from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
			t.Fatal("missing allow-origin header")
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Fatal("missing allow-credentials header")
		}
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("allow-origin leaked to unknown origin")
		}
	})
}

type plainWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newPlainWriter() *plainWriter {
	return &plainWriter{header: make(http.Header)}
}

func (w *plainWriter) Header() http.Header { return w.header }

func (w *plainWriter) WriteHeader(code int) { w.status = code }

func (w *plainWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

type hijackablePlainWriter struct {
	*plainWriter
	hijacked bool
}

func (w *hijackablePlainWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type flushablePlainWriter struct {
	*plainWriter
	flushed bool
}

func (w *flushablePlainWriter) Flush() { w.flushed = true }

func TestAccessLog_PreservesHijacker(t *testing.T) {
	writer := &hijackablePlainWriter{plainWriter: newPlainWriter()}
	h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("wrapped writer lost http.Hijacker")
		}
		if _, _, err := hj.Hijack(); err != nil {
			t.Fatalf("hijack: %v", err)
		}
	}))
	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/ws/abc", nil))
	if !writer.hijacked {
		t.Fatal("hijack was not delegated to the underlying writer")
	}
}

func TestAccessLog_PreservesFlusher(t *testing.T) {
	writer := &flushablePlainWriter{plainWriter: newPlainWriter()}
	h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer lost http.Flusher")
		}
		fl.Flush()
	}))
	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !writer.flushed {
		t.Fatal("flush was not delegated to the underlying writer")
	}
}

func TestAccessLog_DoesNotAdvertiseUnsupportedInterfaces(t *testing.T) {
	h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); ok {
			t.Fatal("http.Hijacker advertised over a writer that lacks it")
		}
		if _, ok := w.(http.Flusher); ok {
			t.Fatal("http.Flusher advertised over a writer that lacks it")
		}
	}))
	h.ServeHTTP(newPlainWriter(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
}

// A websocket upgrade hijacks the connection; it must succeed behind the
// full middleware chain, not only against a bare handler.
func TestAccessLog_WebSocketUpgradeSucceeds(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	upgrader := websocket.Upgrader{}
	chain := RequestID(AccessLog(logger, Recover(logger,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			defer conn.Close()
			if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
				t.Errorf("write: %v", err)
			}
		}))))

	srv := httptest.NewServer(chain)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial through middleware chain: %v", err)
	}
	defer conn.Close()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("frame = %q", data)
	}
}
