package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages. Everything a connector or the
// store can raise folds into one of these four families before it crosses
// the bus.
var (
	ErrNotFound      = errors.New("not found")
	ErrNotConnected  = errors.New("provider not connected")
	ErrRefreshDenied = errors.New("token refresh denied")
	ErrInvalid       = errors.New("flow is not valid")
)

// ValidationError rejects a malformed flow graph synchronously. It is never
// persisted: an invalid flow may be stored, but only with isValid=false.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "flow validation failed: " + strings.Join(e.Issues, "; ")
}

// ConnectionError marks a transient connector or network failure eligible
// for retry.
type ConnectionError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried under the dispatch
// retry policy. Validation and auth failures are permanent.
func IsTransient(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
