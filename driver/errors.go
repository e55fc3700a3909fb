package driver

import (
	"errors"
	"fmt"
)

// Category classifies exchange failures for callers.
type Category string

const (
	CategorySessionUnavailable Category = "session_unavailable"
	CategoryInputNotFound      Category = "input_not_found"
	CategoryAuthExpired        Category = "auth_expired"
	CategoryNoResponse         Category = "no_response"
	CategoryExtractionEmpty    Category = "extraction_empty"
	CategoryMediaUnavailable   Category = "media_unavailable"
	CategoryInternal           Category = "internal"
	CategoryInvalidRequest     Category = "invalid_request"
)

// Client-facing messages for failures an operator fixes by signing the
// browser profile in again.
const (
	MessageInputNotFound = "chat input not found after reload; the session may need re-authentication"
	MessageAuthExpired   = "the chat session is signed out; re-authenticate the browser profile"
)

// ErrQueueClosed is returned when the worker has stopped.
var ErrQueueClosed = errors.New("driver: queue closed")

// Error is a categorized exchange failure. Message is safe to show to API
// clients.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver: %s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("driver: %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Message: msg, Err: err}
}

// CategoryOf returns the category of err, CategoryInternal when err is not
// a *Error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// MessageOf returns the client-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
