package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error is a classified brokerage failure. The classification decides how
// the executor reacts: retryable errors go through the retry policy, fatal
// errors fail the originating signal immediately, and unclassified errors
// get exactly one retry before being treated as fatal.
type Error struct {
	Code       int    // Broker-specific error code, 0 when unavailable
	Op         string // Operation that failed, e.g. "submit_order"
	Message    string
	Retryable  bool
	Fatal      bool
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker %s failed (code %d): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("broker %s failed: %s", e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewRetryable builds a retryable broker error.
func NewRetryable(op string, code int, message string, underlying error) *Error {
	return &Error{Code: code, Op: op, Message: message, Retryable: true, Underlying: underlying}
}

// NewFatal builds a non-retryable broker error.
func NewFatal(op string, code int, message string, underlying error) *Error {
	return &Error{Code: code, Op: op, Message: message, Fatal: true, Underlying: underlying}
}

// IsRetryable reports whether the error is classified as retryable.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// IsFatal reports whether the error is classified as fatal.
func IsFatal(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Fatal
	}
	return false
}

// IsClassified reports whether the error carries a retryable/fatal verdict
// at all. Unclassified errors are retried once, then treated as fatal.
func IsClassified(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

// Classify wraps an arbitrary error from a broker SDK into a classified
// Error. Context deadline and obvious transport failures become retryable;
// anything recognizably structural (bad symbol, bad quantity) becomes fatal;
// the rest stays unclassified for the one-retry policy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRetryable(op, 0, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "service unavailable"):
		return NewRetryable(op, 0, err.Error(), err)
	case strings.Contains(msg, "invalid symbol"),
		strings.Contains(msg, "invalid qty"),
		strings.Contains(msg, "invalid quantity"),
		strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "api key"):
		return NewFatal(op, 0, err.Error(), err)
	}
	// Unclassified: leave it bare so the executor applies the
	// retry-once-then-fatal rule.
	return fmt.Errorf("%s: %w", op, err)
}
