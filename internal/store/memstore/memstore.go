// Package memstore is the in-memory storage backend. It is the reference
// evaluator for ledger rules (linear scan over committed state) and the
// default backend for tests.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/ledger"
	"github.com/rumor-ml/commons.systems/finledger/internal/store"
)

// Store holds all state behind one RWMutex. Writers stage into a Tx and
// publish on Commit while holding the write lock, so readers never observe
// a partial batch.
type Store struct {
	mu sync.RWMutex

	raws         map[string]domain.RawTransaction
	transactions map[string]domain.Transaction
	batches      map[string]domain.ImportBatch
	accounts     map[string]domain.AccountMetadata // keyed by external ID
	fingerprints map[string]map[string]struct{}    // account ID -> set
	version      int
}

// New creates an empty store at the current schema version.
func New() *Store {
	return &Store{
		raws:         make(map[string]domain.RawTransaction),
		transactions: make(map[string]domain.Transaction),
		batches:      make(map[string]domain.ImportBatch),
		accounts:     make(map[string]domain.AccountMetadata),
		fingerprints: make(map[string]map[string]struct{}),
		version:      store.SchemaVersion,
	}
}

// Tx stages one batch of writes.
type Tx struct {
	parent *Store
	done   bool

	raws         []domain.RawTransaction
	transactions []domain.Transaction
	batches      []domain.ImportBatch
	accounts     []domain.AccountMetadata
	fingerprints map[string][]string
}

// Begin starts a staging transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{parent: s, fingerprints: make(map[string][]string)}, nil
}

func (tx *Tx) guard() error {
	if tx.done {
		return &domain.PersistenceError{Op: "stage", Err: fmt.Errorf("transaction already finished")}
	}
	return nil
}

func (tx *Tx) PutRaw(ctx context.Context, raw *domain.RawTransaction) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.raws = append(tx.raws, *raw)
	return nil
}

func (tx *Tx) PutTransaction(ctx context.Context, txn *domain.Transaction) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.transactions = append(tx.transactions, *txn)
	return nil
}

func (tx *Tx) PutBatch(ctx context.Context, batch *domain.ImportBatch) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.batches = append(tx.batches, *batch)
	return nil
}

func (tx *Tx) PutAccount(ctx context.Context, meta *domain.AccountMetadata) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.accounts = append(tx.accounts, *meta)
	return nil
}

func (tx *Tx) PutFingerprints(ctx context.Context, accountID string, fingerprints []string) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.fingerprints[accountID] = append(tx.fingerprints[accountID], fingerprints...)
	return nil
}

// Commit publishes the staged writes atomically.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.guard(); err != nil {
		return err
	}
	tx.done = true

	s := tx.parent
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, txn := range tx.transactions {
		if _, exists := s.transactions[txn.ID]; exists {
			return &domain.PersistenceError{Op: "commit", Err: fmt.Errorf("duplicate transaction ID %s", txn.ID)}
		}
	}

	for _, raw := range tx.raws {
		s.raws[raw.ID] = raw
	}
	for _, txn := range tx.transactions {
		s.transactions[txn.ID] = txn
	}
	for _, batch := range tx.batches {
		s.batches[batch.ID] = batch
	}
	for _, meta := range tx.accounts {
		if existing, ok := s.accounts[meta.ExternalID]; ok {
			existing.Merge(meta)
			s.accounts[meta.ExternalID] = existing
		} else {
			s.accounts[meta.ExternalID] = meta
		}
	}
	for accountID, fps := range tx.fingerprints {
		set, ok := s.fingerprints[accountID]
		if !ok {
			set = make(map[string]struct{})
			s.fingerprints[accountID] = set
		}
		for _, fp := range fps {
			set[fp] = struct{}{}
		}
	}
	return nil
}

// Rollback discards the staged writes.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.done = true
	tx.raws = nil
	tx.transactions = nil
	tx.batches = nil
	tx.accounts = nil
	tx.fingerprints = nil
	return nil
}

func (s *Store) Account(ctx context.Context, externalID string) (*domain.AccountMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.accounts[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := meta
	return &copied, nil
}

func (s *Store) Accounts(ctx context.Context) ([]domain.AccountMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]domain.AccountMetadata, 0, len(s.accounts))
	for _, meta := range s.accounts {
		accounts = append(accounts, meta)
	}
	return accounts, nil
}

func (s *Store) Fingerprints(ctx context.Context, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.fingerprints[accountID]
	fps := make([]string, 0, len(set))
	for fp := range set {
		fps = append(fps, fp)
	}
	return fps, nil
}

func (s *Store) MaxSequence(ctx context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, txn := range s.transactions {
		if txn.AccountID == accountID && txn.SequenceNumber > max {
			max = txn.SequenceNumber
		}
	}
	return max, nil
}

// QueryTransactions is the linear-scan evaluator. The indexed backends are
// validated against its results.
func (s *Store) QueryTransactions(ctx context.Context, rule *domain.LedgerRule) ([]domain.Transaction, error) {
	pred, err := ledger.Compile(rule)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]domain.Transaction, 0)
	for _, txn := range s.transactions {
		if pred(&txn) {
			matched = append(matched, txn)
		}
	}
	s.mu.RUnlock()

	ledger.SortTransactions(matched)
	return matched, nil
}

func (s *Store) Batches(ctx context.Context) ([]domain.ImportBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batches := make([]domain.ImportBatch, 0, len(s.batches))
	for _, batch := range s.batches {
		batches = append(batches, batch)
	}
	return batches, nil
}

func (s *Store) RawTransactions(ctx context.Context, accountID string) ([]domain.RawTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raws := make([]domain.RawTransaction, 0)
	for _, raw := range s.raws {
		if raw.AccountID == accountID {
			raws = append(raws, raw)
		}
	}
	return raws, nil
}

// Sweep deletes processed raws older than the policy's raw age and batches
// older than the batch age. Unprocessed raws are never touched.
func (s *Store) Sweep(ctx context.Context, policy store.RetentionPolicy, now time.Time) (*store.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &store.SweepResult{}
	rawCutoff := now.Add(-policy.ProcessedRawAge)
	for id, raw := range s.raws {
		if raw.Processed && raw.CreatedAt.Before(rawCutoff) {
			delete(s.raws, id)
			result.RawDeleted++
		}
	}

	batchCutoff := now.Add(-policy.BatchAge)
	for id, batch := range s.batches {
		if batch.ImportedAt.Before(batchCutoff) {
			delete(s.batches, id)
			result.BatchDeleted++
		}
	}
	return result, nil
}

// Migrate advances the version marker. The in-memory backend starts at the
// current version, so there is never pending work.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = store.SchemaVersion
	return nil
}

func (s *Store) Close() error { return nil }
