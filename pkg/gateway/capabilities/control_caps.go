package capabilities

import (
	"context"
	"encoding/json"

	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
)

// Control capabilities carry no mailbox side effects. The model calls them to
// signal intent, and the acknowledgement keeps the conversation moving.

type abortAction struct{}

func NewAbortAction() Executor { return abortAction{} }

func (abortAction) Definition() Definition {
	return Definition{
		Name:        "abort_current_action",
		Description: "Stop whatever multi-step action is in progress. Call this when the user says stop, cancel, or never mind.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
		Category:     ratelimit.Requests,
		ResultBudget: 1000,
	}
}

func (abortAction) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	return map[string]any{"aborted": true}, nil
}

type narrowScope struct{}

func NewNarrowScope() Executor { return narrowScope{} }

func (narrowScope) Definition() Definition {
	return Definition{
		Name:        "narrow_scope_request",
		Description: "Ask the user to narrow an overly broad request before running it. Call this instead of fetching when a request would match too many messages.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "Why the request is too broad, phrased for the user"}
			},
			"required": ["reason"],
			"additionalProperties": false
		}`),
		Category:     ratelimit.Requests,
		ResultBudget: 1000,
	}
}

func (narrowScope) Execute(ctx context.Context, identity string, args map[string]any) (any, error) {
	return map[string]any{
		"needs_narrowing": true,
		"reason":          argString(args, "reason", "The request matches too many messages."),
	}, nil
}
