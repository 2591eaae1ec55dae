// Package mailbox defines the provider contract the gateway invokes on behalf
// of the conversational service, plus a Gmail REST implementation.
package mailbox

import "context"

// Guard rails shared by every provider implementation.
const (
	MaxMessages   = 50
	MaxRecipients = 10
	MaxLabelOps   = 100
	MaxBodyBytes  = 100_000
)

type Message struct {
	ID            string   `json:"id"`
	ThreadID      string   `json:"threadId,omitempty"`
	Subject       string   `json:"subject"`
	From          string   `json:"from"`
	To            string   `json:"to,omitempty"`
	Date          string   `json:"date,omitempty"`
	Snippet       string   `json:"snippet,omitempty"`
	LabelIDs      []string `json:"labelIds,omitempty"`
	Body          string   `json:"body,omitempty"`
	BodyTruncated bool     `json:"body_truncated,omitempty"`
}

type SearchResult struct {
	Messages           []Message `json:"messages"`
	ResultSizeEstimate int       `json:"resultSizeEstimate"`
	NextPageToken      string    `json:"nextPageToken,omitempty"`
}

type Thread struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	HistoryID string    `json:"historyId,omitempty"`
}

type Draft struct {
	To              []string
	CC              []string
	BCC             []string
	Subject         string
	Body            string
	ReplyToThreadID string
}

type DraftResult struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

type SendResult struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId,omitempty"`
	LabelIDs []string `json:"labelIds,omitempty"`
}

// Provider exposes the fixed set of asynchronous mailbox operations, keyed by
// user identity. Every failure is a typed fault (core.Fault) so the bridge can
// convert it to a structured result.
type Provider interface {
	Search(ctx context.Context, identity, query string, maxResults int, includeBody bool) (*SearchResult, error)
	Thread(ctx context.Context, identity, threadID string, includeBody bool) (*Thread, error)
	CreateDraft(ctx context.Context, identity string, d Draft) (*DraftResult, error)
	SendDraft(ctx context.Context, identity, draftID string) (*SendResult, error)
	ModifyLabels(ctx context.Context, identity string, ids, add, remove []string) (int, error)
	Trash(ctx context.Context, identity string, ids []string) (int, error)
}
