// Package core holds the small shared types the gateway packages agree on,
// chiefly the typed capability fault.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Fault codes carried by capability failures. The rendered error text is
// "CODE: message" so the code survives as a colon-prefixed token even when
// the error crosses a plain-string boundary.
const (
	CodeAuthExpired     = "AUTH_EXPIRED"
	CodeQuota           = "QUOTA"
	CodeRateLimit       = "RATE_LIMIT"
	CodeValidation      = "VALIDATION"
	CodeBadArgs         = "BAD_ARGS"
	CodeUnknownFunction = "UNKNOWN_FUNCTION"
	CodeTimeout         = "TIMEOUT"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeMailbox         = "MAILBOX_ERROR"
)

// Fault is a typed capability failure. It is always converted to a structured
// result by the bridge, never propagated as an unhandled error.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	return f.Code + ": " + f.Message
}

func Faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the machine-readable code from an error. Typed faults
// report their code directly; plain errors are scanned for a colon-prefixed
// leading token; everything else is classified as a mailbox fault.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	msg := err.Error()
	if code, _, ok := strings.Cut(msg, ":"); ok {
		code = strings.TrimSpace(code)
		if code != "" && code == strings.ToUpper(code) && !strings.ContainsAny(code, " \t") {
			return code
		}
	}
	return CodeMailbox
}
