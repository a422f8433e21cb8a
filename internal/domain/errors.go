package domain

import (
	"fmt"
	"time"
)

// SourceAccessError signals bad credentials or a corrupt artifact. Fatal to
// the import; nothing is committed.
type SourceAccessError struct {
	Source string
	Err    error
}

func (e *SourceAccessError) Error() string {
	return fmt.Sprintf("cannot access source %s: %v", e.Source, e.Err)
}

func (e *SourceAccessError) Unwrap() error { return e.Err }

// ParseError signals an unrecognized schema or format-version drift. Fatal,
// surfaced with diagnostic detail, never retried.
type ParseError struct {
	Source string
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot parse %s: %s: %v", e.Source, e.Detail, e.Err)
	}
	return fmt.Sprintf("cannot parse %s: %s", e.Source, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError signals a storage failure and triggers a full batch
// rollback in the orchestrator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RateLimitError signals transient API throttling. The API source retries
// it with bounded exponential backoff before surfacing it as fatal.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// AuthExpiredError is surfaced immediately to the caller for
// re-authentication and never retried automatically.
type AuthExpiredError struct {
	Source string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("authentication for %s expired", e.Source)
}
