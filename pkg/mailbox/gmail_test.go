package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/voiceinbox/voiceinbox/pkg/core"
)

func staticTokens(ctx context.Context, identity string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + identity}), nil
}

func newTestClient(t *testing.T, handler http.Handler) *GmailClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewGmailClient(staticTokens, srv.Client())
	c.BaseURL = srv.URL
	return c
}

func TestSearch_ListThenFetchesMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-u1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "is:unread" {
			t.Errorf("q = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages":           []map[string]string{{"id": "m1"}},
			"resultSizeEstimate": 1,
		})
	})
	mux.HandleFunc("/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("format"); got != "metadata" {
			t.Errorf("format = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "m1", "threadId": "t1", "snippet": "hello",
			"labelIds": []string{"UNREAD"},
			"payload": map[string]any{
				"headers": []map[string]string{
					{"name": "Subject", "value": "Hi"},
					{"name": "From", "value": "a@example.com"},
				},
			},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.Search(context.Background(), "u1", "is:unread", 10, false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("got %d messages", len(res.Messages))
	}
	m := res.Messages[0]
	if m.Subject != "Hi" || m.From != "a@example.com" || m.ThreadID != "t1" {
		t.Errorf("message = %+v", m)
	}
	if m.Body != "" {
		t.Errorf("metadata search should not carry a body")
	}
}

func TestSearch_FullFormatExtractsBody(t *testing.T) {
	body := base64.RawURLEncoding.EncodeToString([]byte("plain text body"))
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{{"id": "m1"}}})
	})
	mux.HandleFunc("/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("format"); got != "full" {
			t.Errorf("format = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "m1",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"parts": []map[string]any{
					{"mimeType": "text/plain", "body": map[string]string{"data": body}},
					{"mimeType": "text/html", "body": map[string]string{"data": "aWdub3JlZA"}},
				},
			},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.Search(context.Background(), "u1", "anything", 5, true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := res.Messages[0].Body; got != "plain text body" {
		t.Errorf("Body = %q", got)
	}
}

func TestDo_MapsProviderFaults(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusUnauthorized, core.CodeAuthExpired},
		{http.StatusTooManyRequests, core.CodeQuota},
		{http.StatusInternalServerError, core.CodeMailbox},
	}
	for _, tt := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := c.SendDraft(context.Background(), "u1", "d1")
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := core.CodeOf(err); got != tt.want {
			t.Errorf("status %d: code = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestCreateDraft_ValidatesRecipients(t *testing.T) {
	c := NewGmailClient(staticTokens, nil)

	_, err := c.CreateDraft(context.Background(), "u1", Draft{Subject: "s", Body: "b"})
	if core.CodeOf(err) != core.CodeValidation {
		t.Errorf("no recipients: code = %q", core.CodeOf(err))
	}

	_, err = c.CreateDraft(context.Background(), "u1", Draft{To: []string{"not-an-address"}, Subject: "s"})
	if core.CodeOf(err) != core.CodeValidation {
		t.Errorf("bad address: code = %q", core.CodeOf(err))
	}
}

func TestCreateDraft_AssemblesRawMessage(t *testing.T) {
	var gotRaw string
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/drafts", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message struct {
				Raw      string `json:"raw"`
				ThreadID string `json:"threadId"`
			} `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotRaw = req.Message.Raw
		if req.Message.ThreadID != "t9" {
			t.Errorf("threadId = %q", req.Message.ThreadID)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "d1", "message": map[string]string{"id": "m1", "threadId": "t9"},
		})
	})

	c := newTestClient(t, mux)
	res, err := c.CreateDraft(context.Background(), "u1", Draft{
		To: []string{"b@example.com"}, Subject: "Lunch", Body: "Friday?",
		ReplyToThreadID: "t9",
	})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if res.ID != "d1" {
		t.Errorf("draft id = %q", res.ID)
	}
	decoded, err := base64.URLEncoding.DecodeString(gotRaw)
	if err != nil {
		t.Fatalf("raw is not base64url: %v", err)
	}
	text := string(decoded)
	for _, want := range []string{"To: b@example.com", "Subject: Lunch", "Friday?"} {
		if !strings.Contains(text, want) {
			t.Errorf("raw message missing %q:\n%s", want, text)
		}
	}
}

func TestModifyLabels_Batches(t *testing.T) {
	var batches [][]string
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/messages/batchModify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		batches = append(batches, req.IDs)
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(t, mux)
	ids := make([]string, 75)
	for i := range ids {
		ids[i] = "m"
	}
	n, err := c.ModifyLabels(context.Background(), "u1", ids, nil, []string{"UNREAD"})
	if err != nil {
		t.Fatalf("ModifyLabels: %v", err)
	}
	if n != 75 {
		t.Errorf("modified = %d", n)
	}
	if len(batches) != 2 || len(batches[0]) != 50 || len(batches[1]) != 25 {
		t.Errorf("batch sizes = %v", batchLens(batches))
	}
}

func batchLens(batches [][]string) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = len(b)
	}
	return out
}
