package watch

import (
	"errors"
	"fmt"
)

var (
	ErrTargetNotFound = errors.New("target not found")
	ErrTargetExists   = errors.New("target already exists")
	ErrClosed         = errors.New("watcher stopped")
)

// FetchError reports a network failure, a timeout or, with strict status
// checking, a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("fetch %s: timed out: %v", e.URL, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceError reports a failed History Store or target store operation.
type PersistenceError struct {
	Op       string
	TargetID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.TargetID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.TargetID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError is returned for malformed targets.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
