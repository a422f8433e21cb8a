// Package source defines the uniform extraction contract every statement
// adapter satisfies. Adapters are pure readers over a caller-supplied
// artifact: they never write state and never retry on their own, except the
// API adapter's bounded backoff on rate limiting.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

// Payload is the caller-supplied artifact to extract from: decrypted file
// bytes, spreadsheet bytes, or a batch of API response pages.
type Payload struct {
	// Name is the source file name, used for diagnostics and the batch log.
	Name string
	// Data holds the artifact bytes.
	Data []byte
}

// Params is the opaque configuration bag handed to an adapter. Each adapter
// validates only the fields it understands.
type Params struct {
	// Password decrypts a protected archive, when the artifact is one.
	Password string
	// Token authenticates against the remote aggregation API.
	Token string
	// Start and End restrict extraction to a date window, when set.
	Start *time.Time
	End   *time.Time
	// Extra carries adapter-specific settings (e.g. "sheet" for spreadsheet
	// imports, "base_url" for the API fetcher).
	Extra map[string]string
}

// Get returns an Extra setting, or "" when absent.
func (p Params) Get(key string) string {
	if p.Extra == nil {
		return ""
	}
	return p.Extra[key]
}

// InWindow reports whether the date falls inside the params' window.
// Unset bounds are open.
func (p Params) InWindow(date time.Time) bool {
	if p.Start != nil && date.Before(domain.DateOnly(*p.Start)) {
		return false
	}
	if p.End != nil && date.After(domain.DateOnly(*p.End)) {
		return false
	}
	return true
}

// DataSource is the strategy interface for all source adapters. One
// implementation exists per SourceType, registered in a closed registry.
type DataSource interface {
	// Type returns the source-type tag this adapter handles.
	Type() domain.SourceType

	// ExtractAccounts reads account headers from the artifact and returns
	// metadata keyed by stable external identifiers.
	ExtractAccounts(ctx context.Context, payload Payload, params Params) ([]domain.AccountMetadata, error)

	// ExtractTransactions reads raw transactions for one account from the
	// artifact. Returned records carry the given accountID and
	// importBatchID; extraction has no side effects.
	ExtractTransactions(ctx context.Context, externalID string, payload Payload, accountID, importBatchID string, params Params) ([]domain.RawTransaction, error)
}

// Canceled returns the context error if ctx is already done, nil otherwise.
// Adapters call this between parse phases for cooperative cancellation.
func Canceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// EmptyCheck converts a zero-row extraction over non-empty input into a
// ParseError: a recognized file that yields nothing signals format-version
// drift, not an empty statement.
func EmptyCheck(name string, inputLen, rows int) error {
	if rows == 0 && inputLen > 0 {
		return &domain.ParseError{
			Source: name,
			Detail: fmt.Sprintf("no extractable rows in %d bytes of input (format version drift?)", inputLen),
		}
	}
	return nil
}
