package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport marks a source or datastore that cannot be reached. It
	// aborts the run.
	ErrTransport = errors.New("transport unavailable")
	// ErrDuplicateKey is returned when an insert collides with an existing
	// business key, usually written by a concurrent run.
	ErrDuplicateKey = errors.New("duplicate business key")
	// ErrStaleRecord is returned when a record changed between read and
	// write. The record is re-evaluated on the next cycle.
	ErrStaleRecord = errors.New("record modified concurrently")
	// ErrRecordNotFound is returned when no record matches a business key.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRunInProgress is returned when a trigger arrives while a run for
	// the same scope is active. The trigger is dropped.
	ErrRunInProgress = errors.New("sync run already in progress")
	// ErrUnknownScope is returned for a scope that is not configured.
	ErrUnknownScope = errors.New("unknown sync scope")
)

// TransportError wraps a connectivity failure with the component that hit it.
type TransportError struct {
	Component string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Component, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes every TransportError match ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NotRecoverableError rejects a recovery request.
type NotRecoverableError struct {
	BusinessKey string
	Reason      string
}

func (e *NotRecoverableError) Error() string {
	return fmt.Sprintf("record %s is not recoverable: %s", e.BusinessKey, e.Reason)
}

// QuotaExceededError is returned by a source that rejected a read because
// its request quota is spent. RetryAfter is the server hint, zero if none.
type QuotaExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source quota exceeded for scope %s (retry after %s)", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("source quota exceeded for scope %s", e.Scope)
}

// IsQuotaExceeded reports whether err is, or wraps, a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var quotaErr *QuotaExceededError
	return errors.As(err, &quotaErr)
}
