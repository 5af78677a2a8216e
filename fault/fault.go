// Package fault defines the error taxonomy shared by the linkcore
// components. Every failure that crosses a component boundary is classified
// into a Kind so callers can decide between retrying, surfacing, and
// falling back to a safe default.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	TransientNetwork
	ProtocolDecode
	Authentication
	BackendSchemaDefect
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case TransientNetwork:
		return "transient_network"
	case ProtocolDecode:
		return "protocol_decode"
	case Authentication:
		return "authentication"
	case BackendSchemaDefect:
		return "backend_schema_defect"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation that failed with this kind may be
// attempted again. Everything except TransientNetwork is final.
func (k Kind) Retryable() bool {
	return k == TransientNetwork
}

// SchemaDefectMarker shows up in response bodies produced by a backend whose
// database schema no longer matches its query layer. Retrying cannot fix a
// schema mismatch, so any body containing the marker is fatal.
const SchemaDefectMarker = "Invalid column name"

type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.Message == "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf classifies an arbitrary error. Context sentinel errors map to
// Cancelled; anything unrecognized lands in the Unknown bucket.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// UserMessage returns text suitable for showing to an end user. Only
// Authentication and BackendSchemaDefect failures warrant a specific
// message; every other kind is reported as a generic degradation.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case Authentication:
		return "Your session has expired. Please sign in again."
	case BackendSchemaDefect:
		return "The server returned a malformed response. This is a server-side defect; please contact support."
	default:
		return "A connection problem occurred. Please try again."
	}
}

// RetryableStatus reports whether an HTTP status code indicates a failure
// that is safe to retry: 408, 429 and the whole 5xx range.
func RetryableStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

type apiEnvelope struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	ErrorMessage string              `json:"errorMessage"`
	Errors       map[string][]string `json:"errors"`
}

// FromResponse builds an Error from a non-2xx HTTP response. The body is
// parsed as the backend's error envelope when possible; field validation
// entries are concatenated into the surfaced message.
func FromResponse(status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))

	var env apiEnvelope
	if json.Unmarshal(body, &env) == nil {
		var parts []string
		switch {
		case strings.TrimSpace(env.ErrorMessage) != "":
			parts = append(parts, strings.TrimSpace(env.ErrorMessage))
		case strings.TrimSpace(env.Message) != "":
			parts = append(parts, strings.TrimSpace(env.Message))
		}
		if len(env.Errors) > 0 {
			fields := make([]string, 0, len(env.Errors))
			for field := range env.Errors {
				fields = append(fields, field)
			}
			sort.Strings(fields)
			for _, field := range fields {
				parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(env.Errors[field], "; ")))
			}
		}
		if len(parts) > 0 {
			message = strings.Join(parts, "; ")
		}
	}

	kind := Unknown
	switch {
	case strings.Contains(string(body), SchemaDefectMarker):
		kind = BackendSchemaDefect
	case status == 401 || status == 403:
		kind = Authentication
	case RetryableStatus(status):
		kind = TransientNetwork
	}
	return &Error{Kind: kind, StatusCode: status, Message: message}
}
