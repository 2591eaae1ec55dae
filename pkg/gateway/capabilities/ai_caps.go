package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceinbox/voiceinbox/pkg/core"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
	"github.com/voiceinbox/voiceinbox/pkg/mailbox"
)

// MaxSummaryChars bounds any model-produced summary before it enters a
// function result.
const MaxSummaryChars = 1000

// Completer is the slice of the OpenAI client the summarization capabilities
// use. *openai.Client satisfies it.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// AIDeps is shared by the capabilities that call the completion model.
type AIDeps struct {
	Client   Completer
	Model    string
	Provider mailbox.Provider
	Logger   *slog.Logger
}

func (d AIDeps) model() string {
	if d.Model != "" {
		return d.Model
	}
	return openai.GPT4oMini
}

func (d AIDeps) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if d.Client == nil {
		return "", core.Faultf(core.CodeUnavailable, "summarization model is not configured")
	}
	resp, err := d.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     d.model(),
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", core.Faultf(core.CodeUnavailable, "completion failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", core.Faultf(core.CodeUnavailable, "completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// digest renders messages as compact model input. Bodies are clipped hard;
// the model only needs enough text to summarize, not the full thread.
func digest(msgs []mailbox.Message, perMessage int) string {
	var b strings.Builder
	for i, m := range msgs {
		fmt.Fprintf(&b, "[%d] From: %s | Subject: %s | Date: %s\n", i+1, m.From, m.Subject, m.Date)
		text := m.Body
		if text == "" {
			text = m.Snippet
		}
		if len(text) > perMessage {
			text = text[:perMessage]
		}
		b.WriteString(text)
		b.WriteString("\n---\n")
	}
	return b.String()
}

func clipSummary(s string) string {
	if len(s) <= MaxSummaryChars {
		return s
	}
	return s[:MaxSummaryChars]
}

type summaryResult struct {
	Summary      string `json:"summary"`
	MessageCount int    `json:"message_count"`
}

type summarizeMessages struct{ deps AIDeps }

func NewSummarizeMessages(deps AIDeps) Executor { return &summarizeMessages{deps: deps} }

func (c *summarizeMessages) Definition() Definition {
	return Definition{
		Name:        "summarize_messages",
		Description: "Search the mailbox and produce a short spoken-style summary of the matching messages.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Gmail search syntax selecting the messages to summarize"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Category: ratelimit.AI,
	}
}

func (c *summarizeMessages) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	query := argString(args, "query", "")
	max := clampResults(argInt(args, "max_results", 10))
	res, err := c.deps.Provider.Search(ctx, identity, query, max, false)
	if err != nil {
		return nil, err
	}
	if len(res.Messages) == 0 {
		return &summaryResult{Summary: "No messages matched.", MessageCount: 0}, nil
	}
	summary, err := c.deps.complete(ctx,
		"You summarize email for a voice assistant. Reply in at most three short sentences of plain prose.",
		digest(res.Messages, 400), 300)
	if err != nil {
		return nil, err
	}
	return &summaryResult{Summary: clipSummary(summary), MessageCount: len(res.Messages)}, nil
}

type summarizeThread struct{ deps AIDeps }

func NewSummarizeThread(deps AIDeps) Executor { return &summarizeThread{deps: deps} }

func (c *summarizeThread) Definition() Definition {
	return Definition{
		Name:        "summarize_thread",
		Description: "Produce a short spoken-style summary of one conversation thread.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"thread_id": {"type": "string", "minLength": 1}
			},
			"required": ["thread_id"],
			"additionalProperties": false
		}`),
		Category: ratelimit.AI,
	}
}

func (c *summarizeThread) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	thread, err := c.deps.Provider.Thread(ctx, identity, argString(args, "thread_id", ""), true)
	if err != nil {
		return nil, err
	}
	if len(thread.Messages) == 0 {
		return &summaryResult{Summary: "The thread is empty.", MessageCount: 0}, nil
	}
	summary, err := c.deps.complete(ctx,
		"You summarize an email conversation for a voice assistant. State who wants what and where the thread stands, in at most three short sentences.",
		digest(thread.Messages, 600), 300)
	if err != nil {
		return nil, err
	}
	return &summaryResult{Summary: clipSummary(summary), MessageCount: len(thread.Messages)}, nil
}

type categorizeUnread struct{ deps AIDeps }

func NewCategorizeUnread(deps AIDeps) Executor { return &categorizeUnread{deps: deps} }

func (c *categorizeUnread) Definition() Definition {
	return Definition{
		Name:        "categorize_unread",
		Description: "Bucket unread messages into categories: urgent, needs_reply, newsletters, notifications, other.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`),
		Category: ratelimit.AI,
	}
}

type categorizedMessage struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	From     string `json:"from"`
	Category string `json:"category"`
}

type categorizeResult struct {
	Messages    []categorizedMessage `json:"messages"`
	UnreadCount int                  `json:"unread_count"`
}

var categoryNames = map[string]bool{
	"urgent":        true,
	"needs_reply":   true,
	"newsletters":   true,
	"notifications": true,
	"other":         true,
}

func (c *categorizeUnread) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	max := clampResults(argInt(args, "max_results", 20))
	res, err := c.deps.Provider.Search(ctx, identity, "is:unread in:inbox", max, false)
	if err != nil {
		return nil, err
	}
	if len(res.Messages) == 0 {
		return &categorizeResult{Messages: []categorizedMessage{}, UnreadCount: 0}, nil
	}
	raw, err := c.deps.complete(ctx,
		`You label email for a voice assistant. For each numbered message pick one category from: urgent, needs_reply, newsletters, notifications, other. Reply with a JSON array of strings only, one per message, in order.`,
		digest(res.Messages, 0), 400)
	if err != nil {
		return nil, err
	}
	labels := parseLabels(raw, len(res.Messages))
	out := &categorizeResult{UnreadCount: len(res.Messages)}
	for i, m := range res.Messages {
		out.Messages = append(out.Messages, categorizedMessage{
			ID:       m.ID,
			Subject:  m.Subject,
			From:     m.From,
			Category: labels[i],
		})
	}
	return out, nil
}

// parseLabels reads the model's JSON array, padding or clamping to n entries
// and mapping anything unrecognized to "other".
func parseLabels(raw string, n int) []string {
	// Models sometimes wrap JSON in a code fence.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var parsed []string
	_ = json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed)
	out := make([]string, n)
	for i := range out {
		label := "other"
		if i < len(parsed) {
			if l := strings.ToLower(strings.TrimSpace(parsed[i])); categoryNames[l] {
				label = l
			}
		}
		out[i] = label
	}
	return out
}
