package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voiceinbox/voiceinbox/pkg/cache"
	"github.com/voiceinbox/voiceinbox/pkg/core"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
	"github.com/voiceinbox/voiceinbox/pkg/mailbox"
)

// MailboxDeps is shared by every mailbox-backed capability.
type MailboxDeps struct {
	Provider  mailbox.Provider
	Cache     cache.Store
	SearchTTL time.Duration
	CountTTL  time.Duration
	Logger    *slog.Logger
}

func (d MailboxDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// cachedSearch runs a query through the read cache when one is configured.
// Cache failures degrade to a live call; they never fail the capability.
func (d MailboxDeps) cachedSearch(ctx context.Context, identity, query string, maxResults int, includeBody bool) (*mailbox.SearchResult, error) {
	if d.Cache == nil || includeBody {
		return d.Provider.Search(ctx, identity, query, maxResults, includeBody)
	}
	key := fmt.Sprintf("search:%s:%d", query, maxResults)
	if raw, ok, err := d.Cache.Get(ctx, identity, key, d.SearchTTL); err != nil {
		d.logger().Warn("cache read failed", "key", key, "error", err)
	} else if ok {
		var res mailbox.SearchResult
		if err := json.Unmarshal(raw, &res); err == nil {
			return &res, nil
		}
	}
	res, err := d.Provider.Search(ctx, identity, query, maxResults, includeBody)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(res); err == nil {
		if err := d.Cache.Set(ctx, identity, key, raw); err != nil {
			d.logger().Warn("cache write failed", "key", key, "error", err)
		}
	}
	return res, nil
}

type searchMessages struct{ deps MailboxDeps }

func NewSearchMessages(deps MailboxDeps) Executor { return &searchMessages{deps: deps} }

func (c *searchMessages) Definition() Definition {
	return Definition{
		Name:        "search_messages",
		Description: "Search the mailbox with a Gmail-style query string and return message headers and snippets.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Gmail search syntax, e.g. 'from:alice is:unread'"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50},
				"include_body": {"type": "boolean", "description": "Fetch full message bodies instead of headers only"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Category: ratelimit.Mailbox,
	}
}

func (c *searchMessages) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	query := argString(args, "query", "")
	max := clampResults(argInt(args, "max_results", 10))
	includeBody := argBool(args, "include_body", false)
	return c.deps.cachedSearch(ctx, identity, query, max, includeBody)
}

type listUnread struct{ deps MailboxDeps }

func NewListUnread(deps MailboxDeps) Executor { return &listUnread{deps: deps} }

func (c *listUnread) Definition() Definition {
	return Definition{
		Name:        "list_unread",
		Description: "List unread messages in the inbox, newest first.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`),
		Category: ratelimit.Mailbox,
	}
}

func (c *listUnread) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	max := clampResults(argInt(args, "max_results", 10))
	return c.deps.cachedSearch(ctx, identity, "is:unread in:inbox", max, false)
}

type listUnreadPriority struct{ deps MailboxDeps }

func NewListUnreadPriority(deps MailboxDeps) Executor { return &listUnreadPriority{deps: deps} }

func (c *listUnreadPriority) Definition() Definition {
	return Definition{
		Name:        "list_unread_priority",
		Description: "List unread messages marked important by the mailbox, newest first.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`),
		Category: ratelimit.Mailbox,
	}
}

func (c *listUnreadPriority) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	max := clampResults(argInt(args, "max_results", 10))
	return c.deps.cachedSearch(ctx, identity, "is:unread is:important in:inbox", max, false)
}

type countUnread struct{ deps MailboxDeps }

func NewCountUnread(deps MailboxDeps) Executor { return &countUnread{deps: deps} }

func (c *countUnread) Definition() Definition {
	return Definition{
		Name:        "count_unread_emails",
		Description: "Count unread messages in the inbox.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
		Category:     ratelimit.Mailbox,
		ResultBudget: 1000,
	}
}

type unreadCount struct {
	UnreadCount int  `json:"unread_count"`
	Estimate    bool `json:"estimate,omitempty"`
}

func (c *countUnread) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	const key = "count_unread"
	if c.deps.Cache != nil {
		if raw, ok, err := c.deps.Cache.Get(ctx, identity, key, c.deps.CountTTL); err != nil {
			c.deps.logger().Warn("cache read failed", "key", key, "error", err)
		} else if ok {
			var cached unreadCount
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		}
	}
	res, err := c.deps.Provider.Search(ctx, identity, "is:unread in:inbox", mailbox.MaxMessages, false)
	if err != nil {
		return nil, err
	}
	count := unreadCount{UnreadCount: res.ResultSizeEstimate}
	if count.UnreadCount < len(res.Messages) {
		count.UnreadCount = len(res.Messages)
	}
	// The estimate from the list call undercounts past one page.
	count.Estimate = res.NextPageToken != "" || count.UnreadCount >= mailbox.MaxMessages
	if c.deps.Cache != nil {
		if raw, err := json.Marshal(&count); err == nil {
			if err := c.deps.Cache.Set(ctx, identity, key, raw); err != nil {
				c.deps.logger().Warn("cache write failed", "key", key, "error", err)
			}
		}
	}
	return &count, nil
}

type getThread struct{ deps MailboxDeps }

func NewGetThread(deps MailboxDeps) Executor { return &getThread{deps: deps} }

func (c *getThread) Definition() Definition {
	return Definition{
		Name:        "get_thread",
		Description: "Fetch a full conversation thread by id, including message bodies.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"thread_id": {"type": "string", "minLength": 1},
				"include_body": {"type": "boolean"}
			},
			"required": ["thread_id"],
			"additionalProperties": false
		}`),
		Category: ratelimit.Mailbox,
	}
}

func (c *getThread) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	threadID := argString(args, "thread_id", "")
	includeBody := argBool(args, "include_body", true)
	return c.deps.Provider.Thread(ctx, identity, threadID, includeBody)
}

type createDraft struct{ deps MailboxDeps }

func NewCreateDraft(deps MailboxDeps) Executor { return &createDraft{deps: deps} }

func (c *createDraft) Definition() Definition {
	return Definition{
		Name:        "create_draft",
		Description: "Create a draft email. Nothing is sent until send_draft is called with the returned draft id.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 10},
				"cc": {"type": "array", "items": {"type": "string"}, "maxItems": 10},
				"bcc": {"type": "array", "items": {"type": "string"}, "maxItems": 10},
				"subject": {"type": "string"},
				"body": {"type": "string"},
				"reply_to_thread_id": {"type": "string", "description": "Thread id to reply into, if this is a reply"}
			},
			"required": ["to", "subject", "body"],
			"additionalProperties": false
		}`),
		Category:     ratelimit.Mailbox,
		ResultBudget: 1000,
	}
}

func (c *createDraft) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	body := argString(args, "body", "")
	if len(body) > mailbox.MaxBodyBytes {
		return nil, core.Faultf(core.CodeValidation, "draft body exceeds %d bytes", mailbox.MaxBodyBytes)
	}
	d := mailbox.Draft{
		To:              argStrings(args, "to"),
		CC:              argStrings(args, "cc"),
		BCC:             argStrings(args, "bcc"),
		Subject:         argString(args, "subject", ""),
		Body:            body,
		ReplyToThreadID: argString(args, "reply_to_thread_id", ""),
	}
	return c.deps.Provider.CreateDraft(ctx, identity, d)
}

type sendDraft struct{ deps MailboxDeps }

func NewSendDraft(deps MailboxDeps) Executor { return &sendDraft{deps: deps} }

func (c *sendDraft) Definition() Definition {
	return Definition{
		Name:        "send_draft",
		Description: "Send a previously created draft. Requires an explicit draft id; only use after the user confirms.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"draft_id": {"type": "string", "minLength": 1}
			},
			"required": ["draft_id"],
			"additionalProperties": false
		}`),
		Category:     ratelimit.Mailbox,
		ResultBudget: 1000,
	}
}

func (c *sendDraft) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	return c.deps.Provider.SendDraft(ctx, identity, argString(args, "draft_id", ""))
}

type modifyLabels struct{ deps MailboxDeps }

func NewModifyLabels(deps MailboxDeps) Executor { return &modifyLabels{deps: deps} }

func (c *modifyLabels) Definition() Definition {
	return Definition{
		Name:        "modify_labels",
		Description: "Add or remove labels on a set of messages.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 100},
				"add_labels": {"type": "array", "items": {"type": "string"}},
				"remove_labels": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["message_ids"],
			"additionalProperties": false
		}`),
		Category:     ratelimit.Mailbox,
		ResultBudget: 1000,
	}
}

type labelResult struct {
	Modified int `json:"modified"`
}

func (c *modifyLabels) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	ids := argStrings(args, "message_ids")
	add := argStrings(args, "add_labels")
	remove := argStrings(args, "remove_labels")
	if len(add) == 0 && len(remove) == 0 {
		return nil, core.Faultf(core.CodeBadArgs, "modify_labels needs add_labels or remove_labels")
	}
	n, err := c.deps.Provider.ModifyLabels(ctx, identity, ids, add, remove)
	if err != nil {
		return nil, err
	}
	return &labelResult{Modified: n}, nil
}

type markRead struct{ deps MailboxDeps }

func NewMarkRead(deps MailboxDeps) Executor { return &markRead{deps: deps} }

func (c *markRead) Definition() Definition {
	return Definition{
		Name:        "mark_read",
		Description: "Mark messages as read.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 100}
			},
			"required": ["message_ids"],
			"additionalProperties": false
		}`),
		Category:     ratelimit.Mailbox,
		ResultBudget: 1000,
	}
}

func (c *markRead) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	n, err := c.deps.Provider.ModifyLabels(ctx, identity, argStrings(args, "message_ids"), nil, []string{"UNREAD"})
	if err != nil {
		return nil, err
	}
	return &labelResult{Modified: n}, nil
}

type bulkDelete struct{ deps MailboxDeps }

func NewBulkDelete(deps MailboxDeps) Executor { return &bulkDelete{deps: deps} }

func (c *bulkDelete) Definition() Definition {
	return Definition{
		Name:        "bulk_delete",
		Description: "Move messages to trash. Only use after the user confirms the exact set.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 100}
			},
			"required": ["message_ids"],
			"additionalProperties": false
		}`),
		Category:     ratelimit.Mailbox,
		ResultBudget: 1000,
	}
}

type deleteResult struct {
	Trashed int `json:"trashed"`
}

func (c *bulkDelete) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	n, err := c.deps.Provider.Trash(ctx, identity, argStrings(args, "message_ids"))
	if err != nil {
		return nil, err
	}
	return &deleteResult{Trashed: n}, nil
}

func clampResults(n int) int {
	if n <= 0 {
		return 10
	}
	if n > mailbox.MaxMessages {
		return mailbox.MaxMessages
	}
	return n
}
