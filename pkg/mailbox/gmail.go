package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/voiceinbox/voiceinbox/pkg/core"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

// batchModify takes at most 50 ids per call.
const labelBatchSize = 50

// TokenSourceFunc resolves the OAuth token source for an identity. Refresh is
// the token source's concern, not the client's.
type TokenSourceFunc func(ctx context.Context, identity string) (oauth2.TokenSource, error)

// GmailClient is a thin REST client for the Gmail API implementing Provider.
type GmailClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSourceFunc
}

func NewGmailClient(tokens TokenSourceFunc, httpClient *http.Client) *GmailClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GmailClient{BaseURL: gmailBaseURL, HTTPClient: httpClient, Tokens: tokens}
}

func (c *GmailClient) Search(ctx context.Context, identity, query string, maxResults int, includeBody bool) (*SearchResult, error) {
	if maxResults <= 0 || maxResults > MaxMessages {
		maxResults = MaxMessages
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", fmt.Sprintf("%d", maxResults))

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		ResultSizeEstimate int    `json:"resultSizeEstimate"`
		NextPageToken      string `json:"nextPageToken"`
	}
	if err := c.do(ctx, identity, http.MethodGet, "/users/me/messages?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}

	out := &SearchResult{
		Messages:           make([]Message, 0, len(list.Messages)),
		ResultSizeEstimate: list.ResultSizeEstimate,
		NextPageToken:      list.NextPageToken,
	}
	for _, m := range list.Messages {
		msg, err := c.message(ctx, identity, m.ID, includeBody)
		if err != nil {
			// One unreadable message should not sink the whole search.
			continue
		}
		out.Messages = append(out.Messages, *msg)
	}
	return out, nil
}

func (c *GmailClient) message(ctx context.Context, identity, id string, includeBody bool) (*Message, error) {
	q := url.Values{}
	if includeBody {
		q.Set("format", "full")
	} else {
		q.Set("format", "metadata")
		for _, h := range []string{"From", "To", "Subject", "Date"} {
			q.Add("metadataHeaders", h)
		}
	}

	var raw rawMessage
	if err := c.do(ctx, identity, http.MethodGet, "/users/me/messages/"+url.PathEscape(id)+"?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	msg := raw.toMessage()
	if includeBody {
		body := extractBody(raw.Payload)
		if len(body) > MaxBodyBytes {
			msg.Body = body[:MaxBodyBytes]
			msg.BodyTruncated = true
		} else {
			msg.Body = body
		}
	}
	return msg, nil
}

func (c *GmailClient) Thread(ctx context.Context, identity, threadID string, includeBody bool) (*Thread, error) {
	format := "metadata"
	if includeBody {
		format = "full"
	}
	var raw struct {
		ID        string       `json:"id"`
		HistoryID string       `json:"historyId"`
		Messages  []rawMessage `json:"messages"`
	}
	if err := c.do(ctx, identity, http.MethodGet, "/users/me/threads/"+url.PathEscape(threadID)+"?format="+format, nil, &raw); err != nil {
		return nil, err
	}

	t := &Thread{ID: raw.ID, HistoryID: raw.HistoryID, Messages: make([]Message, 0, len(raw.Messages))}
	for _, rm := range raw.Messages {
		msg := rm.toMessage()
		if includeBody {
			msg.Body = extractBody(rm.Payload)
		}
		t.Messages = append(t.Messages, *msg)
	}
	return t, nil
}

func (c *GmailClient) CreateDraft(ctx context.Context, identity string, d Draft) (*DraftResult, error) {
	if n := len(d.To) + len(d.CC) + len(d.BCC); n == 0 || n > MaxRecipients {
		return nil, core.Faultf(core.CodeValidation, "between 1 and %d recipients required", MaxRecipients)
	}
	for _, addr := range append(append(append([]string{}, d.To...), d.CC...), d.BCC...) {
		if !strings.Contains(addr, "@") {
			return nil, core.Faultf(core.CodeValidation, "invalid recipient %q", addr)
		}
	}

	payload := map[string]any{
		"message": map[string]any{
			"raw": base64.URLEncoding.EncodeToString(assembleRFC2822(d)),
		},
	}
	if d.ReplyToThreadID != "" {
		payload["message"].(map[string]any)["threadId"] = d.ReplyToThreadID
	}

	var resp struct {
		ID      string `json:"id"`
		Message struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"message"`
	}
	if err := c.do(ctx, identity, http.MethodPost, "/users/me/drafts", payload, &resp); err != nil {
		return nil, err
	}
	return &DraftResult{ID: resp.ID, MessageID: resp.Message.ID, ThreadID: resp.Message.ThreadID}, nil
}

func (c *GmailClient) SendDraft(ctx context.Context, identity, draftID string) (*SendResult, error) {
	var resp struct {
		ID       string   `json:"id"`
		ThreadID string   `json:"threadId"`
		LabelIDs []string `json:"labelIds"`
	}
	if err := c.do(ctx, identity, http.MethodPost, "/users/me/drafts/send", map[string]any{"id": draftID}, &resp); err != nil {
		return nil, err
	}
	return &SendResult{ID: resp.ID, ThreadID: resp.ThreadID, LabelIDs: resp.LabelIDs}, nil
}

func (c *GmailClient) ModifyLabels(ctx context.Context, identity string, ids, add, remove []string) (int, error) {
	if len(ids) == 0 || len(ids) > MaxLabelOps {
		return 0, core.Faultf(core.CodeValidation, "between 1 and %d message ids required", MaxLabelOps)
	}
	modified := 0
	for start := 0; start < len(ids); start += labelBatchSize {
		end := min(start+labelBatchSize, len(ids))
		payload := map[string]any{
			"ids":            ids[start:end],
			"addLabelIds":    add,
			"removeLabelIds": remove,
		}
		if err := c.do(ctx, identity, http.MethodPost, "/users/me/messages/batchModify", payload, nil); err != nil {
			return modified, err
		}
		modified += end - start
	}
	return modified, nil
}

func (c *GmailClient) Trash(ctx context.Context, identity string, ids []string) (int, error) {
	if len(ids) == 0 || len(ids) > 100 {
		return 0, core.Faultf(core.CodeValidation, "between 1 and 100 message ids required")
	}
	trashed := 0
	for _, id := range ids {
		if err := c.do(ctx, identity, http.MethodPost, "/users/me/messages/"+url.PathEscape(id)+"/trash", nil, nil); err != nil {
			// Skip the ones that fail, matching batch semantics elsewhere.
			continue
		}
		trashed++
	}
	return trashed, nil
}

func (c *GmailClient) do(ctx context.Context, identity, method, path string, body, out any) error {
	ts, err := c.Tokens(ctx, identity)
	if err != nil {
		return core.Faultf(core.CodeAuthExpired, "no credentials for identity: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		return core.Faultf(core.CodeAuthExpired, "token refresh failed: %v", err)
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	tok.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return core.Faultf(core.CodeUnavailable, "mailbox provider unreachable: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return core.Faultf(core.CodeAuthExpired, "mailbox authentication expired")
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.Faultf(core.CodeQuota, "mailbox provider quota exceeded")
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core.Faultf(core.CodeMailbox, "mailbox provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Faultf(core.CodeMailbox, "decode mailbox response: %v", err)
	}
	return nil
}

type rawMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  *payload `json:"payload"`
}

func (m rawMessage) toMessage() *Message {
	msg := &Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Snippet:  m.Snippet,
		LabelIDs: m.LabelIDs,
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Subject":
				msg.Subject = h.Value
			case "From":
				msg.From = h.Value
			case "To":
				msg.To = h.Value
			case "Date":
				msg.Date = h.Value
			}
		}
	}
	return msg
}

func assembleRFC2822(d Draft) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(d.To, ", "))
	if len(d.CC) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(d.CC, ", "))
	}
	if len(d.BCC) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\r\n", strings.Join(d.BCC, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject)
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(d.Body)
	return []byte(b.String())
}
