package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/voiceinbox/voiceinbox/pkg/gateway/auth"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                  "127.0.0.1:0",
		FrontendURL:           "http://localhost:5173",
		OpenAIAPIKey:          "sk-test",
		GoogleClientID:        "client-id",
		GoogleClientSecret:    "client-secret",
		OAuthRedirectURL:      "http://localhost:8080/oauth2callback",
		MaxResultBytes:        4000,
		UpstreamMaxReconnects: 3,
		SessionTTL:            time.Hour,
		CORSAllowedOrigins:    map[string]struct{}{"http://localhost:5173": {}},
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReady(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyHandler{Config: testConfig()}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	cfg := testConfig()
	cfg.OpenAIAPIKey = ""
	cfg.GoogleClientSecret = ""
	rec = httptest.NewRecorder()
	ReadyHandler{Config: cfg}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || len(resp.Issues) != 2 {
		t.Fatalf("resp = %+v, want 2 issues", resp)
	}
}

func TestLoginRedirectsWithFreshState(t *testing.T) {
	store := auth.NewStore(time.Hour)
	google := auth.NewGoogle("client-id", "client-secret", "http://localhost:8080/oauth2callback", store)

	rec := httptest.NewRecorder()
	LoginHandler{Google: google, Store: store}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := loc.Query()
	if q.Get("client_id") != "client-id" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("prompt") != "consent" || q.Get("access_type") != "offline" {
		t.Fatalf("missing offline-access params: %s", loc)
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("state param missing")
	}
	if !store.ConsumeState(state) {
		t.Fatal("issued state is not redeemable")
	}
}

func TestLoginUnconfigured(t *testing.T) {
	store := auth.NewStore(time.Hour)
	google := auth.NewGoogle("", "", "", store)

	rec := httptest.NewRecorder()
	LoginHandler{Google: google, Store: store}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCallbackRejections(t *testing.T) {
	store := auth.NewStore(time.Hour)
	google := auth.NewGoogle("client-id", "client-secret", "http://localhost:8080/oauth2callback", store)
	h := OAuthCallbackHandler{Config: testConfig(), Google: google, Store: store}

	cases := []struct {
		name  string
		query string
		code  string
	}{
		{"denied", "error=access_denied", "oauth_denied"},
		{"missing params", "state=abc", "bad_request"},
		{"unknown state", "state=never-issued&code=xyz", "bad_state"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth2callback?"+tc.query, nil))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var env errorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.code)
			}
		})
	}

	// A redeemed state must not be redeemable twice.
	state := store.NewState()
	if !store.ConsumeState(state) {
		t.Fatal("first redemption failed")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth2callback?state="+state+"&code=xyz", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed state: status = %d, want 400", rec.Code)
	}
}

func TestStatusAndLogout(t *testing.T) {
	store := auth.NewStore(time.Hour)
	sess := store.Create("user@example.com", &oauth2.Token{AccessToken: "tok"})

	status := func(cookie string) (int, string) {
		req := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: SessionCookie, Value: cookie})
		}
		rec := httptest.NewRecorder()
		AuthStatusHandler{Store: store}.ServeHTTP(rec, req)
		return rec.Code, rec.Body.String()
	}

	if code, body := status(""); code != http.StatusOK || strings.Contains(body, "true") {
		t.Fatalf("anonymous status = %d %s", code, body)
	}
	code, body := status(sess.ID)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(body, `"authenticated":true`) || !strings.Contains(body, "user@example.com") {
		t.Fatalf("body = %s", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sess.ID})
	rec := httptest.NewRecorder()
	LogoutHandler{Store: store}.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %+v", cookies)
	}
	if _, ok := store.Get(sess.ID); ok {
		t.Fatal("session survived logout")
	}
	if code, body := status(sess.ID); code != http.StatusOK || strings.Contains(body, "true") {
		t.Fatalf("post-logout status = %d %s", code, body)
	}
}
