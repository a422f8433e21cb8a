// Package store defines the persistence contract shared by all backends.
// Raw records and the import batch log are append-mostly; only the
// retention sweep deletes from them. Canonical transactions are created
// during import and read by the query side.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

// SchemaVersion is the storage schema generation this build writes. On the
// first run after a bump, pending migrations execute exactly once and the
// stored marker advances. Migrations must stay safe to re-run if
// interrupted.
const SchemaVersion = 2

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// RetentionPolicy configures the retention sweep.
type RetentionPolicy struct {
	// ProcessedRawAge is how long processed raw records are kept.
	// Unprocessed raws are retained indefinitely until processed.
	ProcessedRawAge time.Duration
	// BatchAge is how long import batch records are kept for audit.
	BatchAge time.Duration
}

// DefaultRetention keeps processed raws for 90 days and batch history for a
// year.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		ProcessedRawAge: 90 * 24 * time.Hour,
		BatchAge:        365 * 24 * time.Hour,
	}
}

// SweepResult reports what a retention sweep removed.
type SweepResult struct {
	RawDeleted   int `json:"rawDeleted"`
	BatchDeleted int `json:"batchDeleted"`
}

// Tx stages one import batch. Nothing a Tx buffers is visible to readers
// until Commit; Rollback discards everything. Exactly one of Commit or
// Rollback must be called.
type Tx interface {
	PutRaw(ctx context.Context, raw *domain.RawTransaction) error
	PutTransaction(ctx context.Context, txn *domain.Transaction) error
	PutBatch(ctx context.Context, batch *domain.ImportBatch) error
	PutAccount(ctx context.Context, meta *domain.AccountMetadata) error
	PutFingerprints(ctx context.Context, accountID string, fingerprints []string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is one storage backend. Reads observe only committed state; a
// reader racing an import sees either the pre-import or the fully committed
// post-import ledger, never a partial batch.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Account returns metadata by stable external identifier, or
	// ErrNotFound.
	Account(ctx context.Context, externalID string) (*domain.AccountMetadata, error)
	Accounts(ctx context.Context) ([]domain.AccountMetadata, error)

	// Fingerprints returns every stored fingerprint for an account.
	Fingerprints(ctx context.Context, accountID string) ([]string, error)

	// MaxSequence returns the highest canonical sequence number for an
	// account, 0 when the account has no transactions.
	MaxSequence(ctx context.Context, accountID string) (int, error)

	// QueryTransactions evaluates a ledger rule. Results are ordered by
	// date, then sequence number, then id; the ordering is part of the
	// contract and must be identical across backends.
	QueryTransactions(ctx context.Context, rule *domain.LedgerRule) ([]domain.Transaction, error)

	Batches(ctx context.Context) ([]domain.ImportBatch, error)
	RawTransactions(ctx context.Context, accountID string) ([]domain.RawTransaction, error)

	// Sweep applies the retention policy as of now.
	Sweep(ctx context.Context, policy RetentionPolicy, now time.Time) (*SweepResult, error)

	// Migrate runs pending schema migrations and advances the stored
	// version marker.
	Migrate(ctx context.Context) error

	Close() error
}
