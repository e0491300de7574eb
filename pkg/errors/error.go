package errors

import (
	"fmt"
	"maps"
)

// Error is a failure tagged with a [Code]. Message is safe to show to
// callers: it never carries token material or credentials. Cause and
// Details are for logs only. An Error is not modified after creation; the
// With methods return copies.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Details map[string]any
}

// New returns an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap tags err with code and message. It returns nil when err is nil, so
// it can wrap a call result directly:
//
//	return sserr.Wrap(resp.Body.Close(), sserr.CodeKeyFetchError, "read key set")
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// FromError returns the first *Error in err's chain. Anything else becomes
// an INTERNAL_ERROR with a generic message so raw causes never reach a
// response body.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Code) + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error with the same code, so a bare New(code, "")
// works as a sentinel with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && t.Code == e.Code && t.Message == "" && t.Cause == nil
}

// HTTPStatus is the status a handler should answer with for e.
func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }

// WithDetails returns a copy of e with details merged over its own.
func (e *Error) WithDetails(details map[string]any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+len(details))
	maps.Copy(out.Details, e.Details)
	maps.Copy(out.Details, details)
	return &out
}

// WithDetail returns a copy of e with one more detail.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}
