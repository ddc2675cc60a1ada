package parcel

import (
	"errors"
	"fmt"
	"maps"
)

// Code is the machine-readable error category.
type Code string

// Error codes shared by the browser, scraper, pipeline and storage layers.
const (
	CodeBrowserLaunchFailed Code = "BROWSER_LAUNCH_FAILED"
	CodeNavigationFailed    Code = "NAVIGATION_FAILED"
	CodeTimeout             Code = "TIMEOUT"
	CodeBlocked             Code = "BLOCKED"
	CodeParseError          Code = "PARSE_ERROR"
	CodeConfigMissing       Code = "CONFIG_MISSING"
	CodeNotFound            Code = "NOT_FOUND"
	CodeStorageFailed       Code = "STORAGE_FAILED"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeUnknown             Code = "UNKNOWN"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = &Error{Code: CodeNotFound, Message: "not found"}

// Error is a coded failure carrying operator-facing debug context.
type Error struct {
	Code    Code
	Op      string
	Message string
	Debug   map[string]any
	Err     error
}

// NewError builds a coded error.
func NewError(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// WrapError attaches a code to an underlying error.
func WrapError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithDebug returns a copy of e with an extra debug key.
func (e *Error) WithDebug(key string, value any) *Error {
	cp := *e
	cp.Debug = maps.Clone(e.Debug)
	if cp.Debug == nil {
		cp.Debug = map[string]any{}
	}
	cp.Debug[key] = value
	return &cp
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound) works for wrapped lookups.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the outermost code in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// DebugOf returns the debug context of the first coded error in err's chain.
func DebugOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Debug
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether a job failing with code may be retried later.
// BLOCKED and PARSE_ERROR are surfaced for manual review instead.
func Retryable(code Code) bool {
	switch code {
	case CodeNavigationFailed, CodeTimeout, CodeStorageFailed:
		return true
	default:
		return false
	}
}
