package protocol

import "errors"

// ErrorCode classifies a gateway failure.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeBadState       ErrorCode = "BAD_STATE"
	CodeInternal       ErrorCode = "INTERNAL"
)

// Detail kinds carried in Error.Details["kind"]. Callers branch on
// code + kind, never on message text.
const (
	KindWorkerLimit         = "worker_limit"
	KindOpenQueueFull       = "open_queue_full"
	KindSessionBusy         = "session_busy"
	KindSessionNotFound     = "session_not_found"
	KindDuplicateActiveTurn = "duplicate_active_turn_id"
	KindAlreadyAuthed       = "already_authenticated"
	KindClosing             = "closing"
)

// Error is the structured error surfaced to gateway clients. It travels
// verbatim over the wire when raised by a method handler.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// BadState creates a BAD_STATE error tagged with a detail kind.
func BadState(kind, message string) *Error {
	return &Error{
		Code:    CodeBadState,
		Message: message,
		Details: map[string]any{"kind": kind},
	}
}

// WithDetail attaches one detail key and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryable marks the error retryable and returns it for chaining.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// Kind returns Details["kind"] if present.
func (e *Error) Kind() string {
	if e.Details == nil {
		return ""
	}
	k, _ := e.Details["kind"].(string)
	return k
}

// AsError extracts a typed gateway error from err. Anything that is not
// a *Error maps to INTERNAL with the original message, so handler
// panics and plain errors never leak an untyped failure to the wire.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return NewError(CodeInternal, err.Error())
}
