// Package protocol defines the client-facing message envelope and the fixed
// forwarding allowlists on both legs of the proxy.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client->upstream event kinds forwarded verbatim.
const (
	TypeAudioAppend     = "input_audio_buffer.append"
	TypeAudioCommit     = "input_audio_buffer.commit"
	TypeResponseCreate  = "response.create"
	TypeItemCreate      = "conversation.item.create"
	TypeResponseCancel  = "response.cancel"
	TypeLegacyAudio     = "audio"         // converted to an append
	TypeDirectFunction  = "function_call" // proxy-level test path
	TypeSystem          = "system"
	TypeError           = "error"
	TypeFunctionResult  = "function_result"
	TypeResponseCreated = "response.created"
	TypeResponseDone    = "response.done"
	TypeFunctionArgs    = "response.function_call_arguments.done"
	TypeSpeechStarted   = "input_audio_buffer.speech_started"
	TypeSpeechCommitted = "input_audio_buffer.committed"
)

// clientForwards is the fixed set of client event kinds relayed upstream
// without modification.
var clientForwards = map[string]bool{
	TypeAudioAppend:    true,
	TypeAudioCommit:    true,
	TypeResponseCreate: true,
	TypeItemCreate:     true,
	TypeResponseCancel: true,
}

// upstreamForwards is the fixed set of upstream event kinds relayed to the
// client. Everything else is consumed internally.
var upstreamForwards = map[string]bool{
	"session.created":                true,
	"session.updated":                true,
	TypeResponseCreated:              true,
	TypeResponseDone:                 true,
	TypeError:                        true,
	"response.audio.delta":           true,
	"response.audio.done":            true,
	"response.output_item.added":     true,
	"conversation.item.created":      true,
	"response.audio_transcript.done": true,
	TypeSpeechStarted:                true,
	TypeSpeechCommitted:              true,
}

// ForwardsUpstream reports whether a client event kind is relayed upstream
// verbatim.
func ForwardsUpstream(typ string) bool { return clientForwards[typ] }

// ForwardsToClient reports whether an upstream event kind is relayed to the
// client verbatim.
func ForwardsToClient(typ string) bool { return upstreamForwards[typ] }

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badRequest(format string, args ...any) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: fmt.Sprintf(format, args...)}
}

// ClientEvent is a client frame forwarded upstream without re-encoding.
type ClientEvent struct {
	Type string
	Raw  []byte
}

// ClientFunctionCall is the direct-invocation test path; it never reaches the
// conversational service.
type ClientFunctionCall struct {
	Function string
	Args     map[string]any
}

// DecodeClientMessage classifies one client frame. Forwardable kinds keep
// their raw bytes; legacy audio frames are rewritten into appends.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type")
	}

	switch {
	case clientForwards[typ]:
		return ClientEvent{Type: typ, Raw: data}, nil
	case typ == TypeLegacyAudio:
		var msg struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required")
		}
		raw, err := json.Marshal(map[string]string{
			"type":  TypeAudioAppend,
			"audio": msg.Data,
		})
		if err != nil {
			return nil, badRequest("invalid audio frame")
		}
		return ClientEvent{Type: TypeAudioAppend, Raw: raw}, nil
	case typ == TypeDirectFunction:
		var msg struct {
			Function string         `json:"function"`
			Args     map[string]any `json:"args"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid function_call frame")
		}
		if strings.TrimSpace(msg.Function) == "" {
			return nil, badRequest("function_call.function is required")
		}
		if msg.Args == nil {
			msg.Args = map[string]any{}
		}
		return ClientFunctionCall{Function: msg.Function, Args: msg.Args}, nil
	default:
		return nil, badRequest("unsupported message type %q", typ)
	}
}

// UpstreamEvent is one frame read from the conversational service.
type UpstreamEvent struct {
	Type string
	Raw  []byte
}

// FunctionCallDone is the completed-arguments signal that triggers the
// execution bridge.
type FunctionCallDone struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// DecodeUpstreamEvent extracts the event kind without re-encoding the frame.
func DecodeUpstreamEvent(data []byte) (UpstreamEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return UpstreamEvent{}, fmt.Errorf("invalid upstream frame: %w", err)
	}
	return UpstreamEvent{Type: strings.TrimSpace(envelope.Type), Raw: data}, nil
}

// ParseFunctionCallDone reads the completed function call out of its frame.
func ParseFunctionCallDone(data []byte) (FunctionCallDone, error) {
	var call FunctionCallDone
	if err := json.Unmarshal(data, &call); err != nil {
		return FunctionCallDone{}, fmt.Errorf("invalid function call frame: %w", err)
	}
	if strings.TrimSpace(call.Name) == "" {
		return FunctionCallDone{}, fmt.Errorf("function call frame has no name")
	}
	return call, nil
}

// Outbound client frames.

func SystemMessage(message string) []byte {
	raw, _ := json.Marshal(map[string]string{
		"type":    TypeSystem,
		"message": message,
	})
	return raw
}

func ErrorMessage(function, code, message string) []byte {
	event := map[string]string{
		"type":       TypeError,
		"error_code": code,
		"error":      message,
	}
	if function != "" {
		event["function"] = function
	}
	raw, _ := json.Marshal(event)
	return raw
}

func FunctionResultMessage(function string, result json.RawMessage) []byte {
	// A result that is not valid JSON would poison the whole frame; carry
	// it as a string instead of dropping the event.
	if !json.Valid(result) {
		result, _ = json.Marshal(string(result))
	}
	raw, _ := json.Marshal(map[string]any{
		"type":     TypeFunctionResult,
		"function": function,
		"result":   result,
	})
	return raw
}
