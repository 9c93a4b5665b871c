package bookingerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is a recoverable domain error. It is always rendered as a structured
// response and never treated as a server fault.
type Error struct {
	Code     Code              // Machine-readable error name
	Message  string            // Human-readable description
	Metadata map[string]string // Additional context included in the response body
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// StatusCode returns the HTTP status for the error.
func (e *Error) StatusCode() int {
	return e.Code.HTTPStatus()
}

type errorBody struct {
	Context     string            `json:"@context"`
	Type        string            `json:"@type"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Body renders the error as a JSON-LD error object.
func (e *Error) Body() []byte {
	b, err := json.Marshal(errorBody{
		Context:     "https://openactive.io/",
		Type:        e.Code.TypeName(),
		Description: e.Message,
		Metadata:    e.Metadata,
	})
	if err != nil {
		return []byte(`{"@context":"https://openactive.io/","@type":"InternalLibraryError"}`)
	}
	return b
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMetadata creates a domain error carrying extra context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// InternalError indicates a store contract violation or a configuration mismatch.
// It maps to a 5xx response, is logged at error level and is never cached.
type InternalError struct {
	Code    InternalCode
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *InternalError) Is(target error) bool {
	if t, ok := target.(*InternalError); ok {
		return e.Code == t.Code
	}
	return false
}

// Internal creates an internal error.
func Internal(code InternalCode, format string, args ...any) *InternalError {
	return &InternalError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapInternal creates an internal error around cause.
func WrapInternal(code InternalCode, message string, cause error) *InternalError {
	return &InternalError{Code: code, Message: message, Cause: cause}
}

// AsDomain returns the domain error in err's chain, if any.
func AsDomain(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// AsInternal returns the internal error in err's chain, if any.
func AsInternal(err error) (*InternalError, bool) {
	var ie *InternalError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
