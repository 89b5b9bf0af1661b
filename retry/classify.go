package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// Class describes how a failure should be handled by a retry loop.
type Class int

const (
	// ClassUnknown is an error nothing is known about. Do gives up on it;
	// the engine retries units failing with it while attempts remain.
	ClassUnknown Class = iota
	// ClassTransient is a failure expected to clear on its own.
	ClassTransient
	// ClassTimeout is a deadline or network timeout.
	ClassTimeout
	// ClassCancelled is an intentional cancellation. Never retried.
	ClassCancelled
	// ClassPermanent is an error marked as not worth retrying.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassCancelled:
		return "cancelled"
	case ClassPermanent:
		return "permanent"
	}
	return "unknown"
}

// RecoverableError lets an error decide for itself whether it is retried.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"too many requests",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"database is locked",
	"sqlite_busy",
}

var timeoutPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// Classify sorts err into a Class. Explicit markers win, then context
// errors, then network errors, then well known message fragments.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		if recoverable.IsRecoverable() {
			return ClassTransient
		}
		return ClassPermanent
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ClassTimeout
		}
		if class := Classify(urlErr.Err); class != ClassUnknown {
			return class
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ClassTimeout
		}
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range timeoutPatterns {
		if strings.Contains(msg, pattern) {
			return ClassTimeout
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return ClassTransient
		}
	}
	return ClassUnknown
}

// IsRecoverable reports whether Do should try err again.
func IsRecoverable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassTimeout:
		return true
	}
	return false
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string       { return e.err.Error() }
func (e *recoverableError) Unwrap() error       { return e.err }
func (e *recoverableError) IsRecoverable() bool { return true }

// NewRecoverableError marks err as transient.
func NewRecoverableError(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError marks an error that must not be retried. Units
// failing with it fail immediately.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string       { return e.err.Error() }
func (e *NonRecoverableError) Unwrap() error       { return e.err }
func (e *NonRecoverableError) IsRecoverable() bool { return false }

func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
