// Package importer orchestrates the import pipeline: extract raw records
// through a source adapter, fingerprint against prior imports, canonicalize
// survivors, and persist everything in one atomic batch. Partial batches
// never become visible; a failed run leaves the ledger exactly as it was.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finledger/internal/archive"
	"github.com/rumor-ml/commons.systems/finledger/internal/dedup"
	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/ledger"
	"github.com/rumor-ml/commons.systems/finledger/internal/logger"
	"github.com/rumor-ml/commons.systems/finledger/internal/progress"
	"github.com/rumor-ml/commons.systems/finledger/internal/registry"
	"github.com/rumor-ml/commons.systems/finledger/internal/rules"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
	"github.com/rumor-ml/commons.systems/finledger/internal/source/apistmt"
	"github.com/rumor-ml/commons.systems/finledger/internal/store"
)

// ImportSource describes one artifact to import.
type ImportSource struct {
	// SourceType selects the adapter. When empty the type is detected from
	// the payload name and leading bytes.
	SourceType domain.SourceType
	// Payload is the artifact. Zip containers are unwrapped automatically,
	// each entry imported as its own batch.
	Payload source.Payload
	// Fetcher, when set, pulls pages from a remote aggregation API and
	// takes precedence over Payload.
	Fetcher apistmt.Fetcher
	// AccountHint restricts the import to one external account identifier.
	// Empty imports every account found in the artifact.
	AccountHint string
	Params      source.Params
}

// Service is the import orchestrator and query surface. All operations on
// one account are serialized; concurrent imports of different accounts
// proceed in parallel.
type Service struct {
	store     store.Store
	registry  *registry.Registry
	rules     *rules.Engine
	hub       *progress.Hub
	retention store.RetentionPolicy

	mu           sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithRules replaces the embedded categorization rules.
func WithRules(engine *rules.Engine) Option {
	return func(s *Service) { s.rules = engine }
}

// WithProgress attaches a progress hub for advisory events.
func WithProgress(hub *progress.Hub) Option {
	return func(s *Service) { s.hub = hub }
}

// WithRetention overrides the retention policy used by Sweep.
func WithRetention(policy store.RetentionPolicy) Option {
	return func(s *Service) { s.retention = policy }
}

// New creates a Service over the given store with the embedded
// categorization rules.
func New(st store.Store, opts ...Option) (*Service, error) {
	engine, err := rules.LoadEmbedded()
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:        st,
		registry:     registry.New(),
		rules:        engine,
		retention:    store.DefaultRetention(),
		accountLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) lockAccount(accountID string) func() {
	s.mu.Lock()
	lock, ok := s.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.accountLocks[accountID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *Service) broadcast(event progress.Event) {
	if s.hub != nil {
		s.hub.Broadcast(event)
	}
}

// resolvePayloads turns an ImportSource into concrete single-file payloads.
// Remote fetchers are drained into one merged payload; archives unwrap into
// their entries.
func (s *Service) resolvePayloads(ctx context.Context, src ImportSource) ([]source.Payload, domain.SourceType, error) {
	if src.Fetcher != nil {
		batch, err := apistmt.FetchAll(ctx, src.Fetcher)
		if err != nil {
			return nil, "", err
		}
		name := src.Payload.Name
		if name == "" {
			name = "api"
		}
		payload, err := apistmt.MergedPayload(name, batch)
		if err != nil {
			return nil, "", err
		}
		return []source.Payload{payload}, domain.SourceAPI, nil
	}

	if len(src.Payload.Data) == 0 {
		return nil, "", &domain.SourceAccessError{
			Source: src.Payload.Name,
			Err:    fmt.Errorf("empty payload and no fetcher"),
		}
	}
	// Spreadsheets share the zip magic bytes; an explicit spreadsheet hint
	// bypasses the container sniff entirely.
	if src.SourceType != domain.SourceSpreadsheet && archive.IsArchive(src.Payload) {
		entries, err := archive.Extract(src.Payload, src.Params.Password)
		if err != nil {
			return nil, "", err
		}
		return entries, src.SourceType, nil
	}
	return []source.Payload{src.Payload}, src.SourceType, nil
}

// ImportFrom runs the full pipeline for one artifact. Every discovered
// account gets its own atomic batch; the returned result aggregates the
// counts across them.
func (s *Service) ImportFrom(ctx context.Context, src ImportSource) (*domain.ImportResult, error) {
	log := logger.FromContext(ctx)

	payloads, sourceType, err := s.resolvePayloads(ctx, src)
	if err != nil {
		return nil, err
	}

	result := &domain.ImportResult{}
	matchedAccounts := 0
	for _, payload := range payloads {
		payloadType := sourceType
		if payloadType == "" {
			payloadType, err = s.registry.DetectType(payload)
			if err != nil {
				return nil, &domain.ParseError{Source: payload.Name, Detail: "unrecognized source format", Err: err}
			}
		}
		adapter, err := s.registry.Lookup(payloadType)
		if err != nil {
			return nil, err
		}

		accounts, err := adapter.ExtractAccounts(ctx, payload, src.Params)
		if err != nil {
			return nil, err
		}

		for i := range accounts {
			meta := accounts[i]
			if src.AccountHint != "" && meta.ExternalID != src.AccountHint {
				continue
			}
			matchedAccounts++

			outcome, err := s.importAccount(ctx, adapter, payload, meta, src.Params)
			if err != nil {
				return nil, err
			}
			log.Info().
				Str("account", outcome.accountID).
				Str("batch", outcome.batch.ID).
				Int("total", outcome.batch.TotalRawRecords).
				Int("imported", outcome.batch.SuccessfulImports).
				Int("duplicates", outcome.batch.DuplicateCount).
				Int("skips", outcome.batch.ParseSkips).
				Msg("account imported")

			if result.BatchID == "" {
				result.BatchID = outcome.batch.ID
				result.AccountID = outcome.accountID
			} else {
				// Multiple accounts in one artifact: the aggregate result
				// carries no single account identity.
				result.AccountID = ""
			}
			result.TotalRawRecords += outcome.batch.TotalRawRecords
			result.SuccessfulImports += outcome.batch.SuccessfulImports
			result.DuplicateCount += outcome.batch.DuplicateCount
			result.ParseSkips += outcome.batch.ParseSkips
			if outcome.newAccount {
				result.NewAccounts = append(result.NewAccounts, meta)
			}
		}
	}

	if matchedAccounts == 0 {
		if src.AccountHint != "" {
			return nil, &domain.ParseError{
				Source: src.Payload.Name,
				Detail: fmt.Sprintf("account %q not found in artifact", src.AccountHint),
			}
		}
		return nil, &domain.ParseError{
			Source: src.Payload.Name,
			Detail: "artifact contains no recognizable accounts",
		}
	}
	return result, nil
}

type accountOutcome struct {
	accountID  string
	batch      *domain.ImportBatch
	newAccount bool
}

// importAccount runs extract, fingerprint, canonicalize and persist for one
// account under its lock. The batch commits atomically or not at all.
func (s *Service) importAccount(ctx context.Context, adapter source.DataSource, payload source.Payload, meta domain.AccountMetadata, params source.Params) (*accountOutcome, error) {
	accountID := meta.AccountID
	if accountID == "" {
		accountID = meta.ExternalID
		meta.AccountID = accountID
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	batchID := uuid.NewString()
	s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StageExtract})

	raws, err := adapter.ExtractTransactions(ctx, meta.ExternalID, payload, accountID, batchID, params)
	if err != nil {
		s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StageError, Message: err.Error()})
		return nil, err
	}
	// Deterministic ordering for sequence assignment regardless of document
	// layout.
	sort.SliceStable(raws, func(i, j int) bool {
		if !raws[i].Date.Equal(raws[j].Date) {
			return raws[i].Date.Before(raws[j].Date)
		}
		return raws[i].Page < raws[j].Page
	})

	existing, err := s.store.Fingerprints(ctx, accountID)
	if err != nil {
		return nil, err
	}
	index := dedup.NewIndex(existing)
	strategy := dedup.ForSource(adapter.Type())

	sequence, err := s.store.MaxSequence(ctx, accountID)
	if err != nil {
		return nil, err
	}

	newAccount := false
	if _, err := s.store.Account(ctx, meta.ExternalID); errors.Is(err, store.ErrNotFound) {
		newAccount = true
		meta.FirstSeen = time.Now().UTC()
	} else if err != nil {
		return nil, err
	}
	meta.UpdatedAt = time.Now().UTC()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := s.persistBatch(ctx, tx, batchID, accountID, payload.Name, adapter.Type(), meta, raws, index, strategy, sequence)
	if err != nil {
		tx.Rollback(ctx)
		s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StageError, Message: err.Error()})
		return nil, err
	}

	s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StageCommit, Processed: batch.TotalRawRecords, Total: batch.TotalRawRecords})
	if err := tx.Commit(ctx); err != nil {
		s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StageError, Message: err.Error()})
		return nil, err
	}
	s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StageDone, Processed: batch.TotalRawRecords, Total: batch.TotalRawRecords})

	return &accountOutcome{accountID: accountID, batch: batch, newAccount: newAccount}, nil
}

// persistBatch stages every record of one batch into the transaction. The
// caller commits or rolls back.
func (s *Service) persistBatch(ctx context.Context, tx store.Tx, batchID, accountID, fileName string, sourceType domain.SourceType, meta domain.AccountMetadata, raws []domain.RawTransaction, index *dedup.Index, strategy dedup.Strategy, lastSequence int) (*domain.ImportBatch, error) {
	batch := &domain.ImportBatch{
		ID:              batchID,
		AccountID:       accountID,
		SourceType:      sourceType,
		SourceFileName:  fileName,
		ImportedAt:      time.Now().UTC(),
		TotalRawRecords: len(raws),
	}
	now := time.Now().UTC()
	sequence := lastSequence
	var fingerprints []string

	for i := range raws {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := raws[i]
		raw.ID = uuid.NewString()
		raw.AccountID = accountID
		raw.ImportBatchID = batchID
		raw.CreatedAt = now

		fingerprint := strategy.Fingerprint(&raw)
		if !index.Add(fingerprint) {
			batch.DuplicateCount++
			continue
		}

		txn, err := s.canonicalize(&raw, meta.Type, sequence+1)
		if err != nil {
			// Held back, kept as evidence. The retention sweep never
			// touches unprocessed records.
			raw.Processed = false
			if putErr := tx.PutRaw(ctx, &raw); putErr != nil {
				return nil, putErr
			}
			batch.ParseSkips++
			continue
		}
		sequence++

		raw.Processed = true
		if err := tx.PutRaw(ctx, &raw); err != nil {
			return nil, err
		}
		if err := tx.PutTransaction(ctx, txn); err != nil {
			return nil, err
		}
		fingerprints = append(fingerprints, fingerprint)
		batch.SuccessfulImports++

		if batch.SuccessfulImports%100 == 0 {
			s.broadcast(progress.Event{BatchID: batchID, AccountID: accountID, Stage: progress.StagePersist, Processed: i + 1, Total: len(raws)})
		}
	}

	if err := batch.CheckConservation(); err != nil {
		return nil, err
	}
	if err := tx.PutBatch(ctx, batch); err != nil {
		return nil, err
	}
	if err := tx.PutAccount(ctx, &meta); err != nil {
		return nil, err
	}
	if err := tx.PutFingerprints(ctx, accountID, fingerprints); err != nil {
		return nil, err
	}
	return batch, nil
}

// canonicalize turns a raw record into a canonical ledger entry: uuid
// identity, sequence number, flow from the account-type sign table, and a
// category from the rules engine.
func (s *Service) canonicalize(raw *domain.RawTransaction, accountType domain.AccountType, sequence int) (*domain.Transaction, error) {
	flow := classifyFlow(accountType, raw.Amount)

	txn, err := domain.NewTransaction(uuid.NewString(), raw.AccountID, raw.Date, raw.Amount, raw.Merchant, flow)
	if err != nil {
		return nil, err
	}
	txn.SequenceNumber = sequence
	txn.Notes = raw.Field("memo")

	if balance := raw.Field("balance"); balance != "" {
		if parsed, err := decimal.NewFromString(balance); err == nil {
			txn.Balance = &parsed
		}
	}

	if match, ok := s.rules.Match(raw.Merchant); ok {
		txn.Category = match.Category
		if match.Transfer {
			// Movements between the user's own accounts never count as
			// income or spending.
			txn.Flow = domain.FlowNeutral
		}
	} else if txn.Flow == domain.FlowIncome {
		txn.Category = domain.CategoryIncome
	}
	return txn, nil
}

// classifyFlow is the per-account-type sign table. The canonical amount is
// the effect on the owning account's balance, so debt accounts invert the
// everyday reading: charges are negative (expense), repayments positive and
// neutral because the money came from another of the user's accounts.
func classifyFlow(accountType domain.AccountType, amount decimal.Decimal) domain.Flow {
	switch {
	case amount.IsZero():
		return domain.FlowNeutral
	case accountType.IsDebt():
		if amount.IsNegative() {
			return domain.FlowExpense
		}
		return domain.FlowNeutral
	default:
		if amount.IsPositive() {
			return domain.FlowIncome
		}
		return domain.FlowExpense
	}
}

// Accounts extracts account metadata from an artifact without importing
// anything.
func (s *Service) Accounts(ctx context.Context, src ImportSource) ([]domain.AccountMetadata, error) {
	payloads, sourceType, err := s.resolvePayloads(ctx, src)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var all []domain.AccountMetadata
	for _, payload := range payloads {
		payloadType := sourceType
		if payloadType == "" {
			payloadType, err = s.registry.DetectType(payload)
			if err != nil {
				return nil, &domain.ParseError{Source: payload.Name, Detail: "unrecognized source format", Err: err}
			}
		}
		adapter, err := s.registry.Lookup(payloadType)
		if err != nil {
			return nil, err
		}
		accounts, err := adapter.ExtractAccounts(ctx, payload, src.Params)
		if err != nil {
			return nil, err
		}
		for _, meta := range accounts {
			if _, ok := seen[meta.ExternalID]; ok {
				continue
			}
			seen[meta.ExternalID] = struct{}{}
			all = append(all, meta)
		}
	}
	return all, nil
}

// Query returns the transactions matching a ledger rule in the mandatory
// date, sequence, id order.
func (s *Service) Query(ctx context.Context, rule *domain.LedgerRule) ([]domain.Transaction, error) {
	return s.store.QueryTransactions(ctx, rule)
}

// MonthlyStatistics aggregates matching transactions per calendar month.
func (s *Service) MonthlyStatistics(ctx context.Context, rule *domain.LedgerRule) ([]domain.MonthlyStat, error) {
	txns, err := s.store.QueryTransactions(ctx, rule)
	if err != nil {
		return nil, err
	}
	return ledger.MonthlyStatistics(txns), nil
}

// Balance computes the point-in-time balance for a rule: the rule's
// starting balance plus every matching signed amount dated at or before the
// given day.
func (s *Service) Balance(ctx context.Context, rule *domain.LedgerRule, at time.Time) (decimal.Decimal, error) {
	txns, err := s.store.QueryTransactions(ctx, rule)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.BalanceAt(rule, txns, at), nil
}

// Sweep applies the retention policy.
func (s *Service) Sweep(ctx context.Context, now time.Time) (*store.SweepResult, error) {
	return s.store.Sweep(ctx, s.retention, now)
}

// Batches lists the recorded import batches.
func (s *Service) Batches(ctx context.Context) ([]domain.ImportBatch, error) {
	return s.store.Batches(ctx)
}

// KnownAccounts lists every account the store has seen.
func (s *Service) KnownAccounts(ctx context.Context) ([]domain.AccountMetadata, error) {
	return s.store.Accounts(ctx)
}
