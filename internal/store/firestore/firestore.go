// Package firestore is the Firestore storage backend. Writes for one
// import batch are staged locally and committed inside a single Firestore
// transaction, so readers never observe a partial batch. Ledger rules are
// evaluated client-side with the shared predicate: Firestore's query
// language cannot express the full rule (NOT IN plus multiple range
// fields), and the equivalence contract matters more than server-side
// filtering.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/ledger"
	"github.com/rumor-ml/commons.systems/finledger/internal/store"
)

const (
	collAccounts     = "ledger-accounts"
	collRaw          = "ledger-raw"
	collTransactions = "ledger-transactions"
	collBatches      = "ledger-batches"
	collFingerprints = "ledger-fingerprints"
	collMeta         = "ledger-meta"
)

// Store wraps one Firestore project.
type Store struct {
	client *firestore.Client
}

// NewStore creates a Firestore-backed store. Credentials come from the
// environment (Application Default Credentials) unless a credentials file
// is given.
func NewStore(ctx context.Context, projectID, credentialsFile string) (*Store, error) {
	conf := &firebase.Config{ProjectID: projectID}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// transactionDoc is the Firestore shape of a canonical transaction.
// Amounts travel as decimal strings plus minor units; the string is
// authoritative, the integer exists for server-side range scans.
type transactionDoc struct {
	ID             string    `firestore:"id"`
	AccountID      string    `firestore:"accountId"`
	Date           string    `firestore:"date"`
	Amount         string    `firestore:"amount"`
	AmountMinor    int64     `firestore:"amountMinor"`
	Merchant       string    `firestore:"merchant"`
	Notes          string    `firestore:"notes"`
	Balance        string    `firestore:"balance,omitempty"`
	SequenceNumber int       `firestore:"sequenceNumber"`
	Flow           string    `firestore:"flow"`
	Category       string    `firestore:"category"`
	CreatedAt      time.Time `firestore:"createdAt"`
}

func toTransactionDoc(txn *domain.Transaction) (*transactionDoc, error) {
	doc := &transactionDoc{
		ID:             txn.ID,
		AccountID:      txn.AccountID,
		Date:           txn.Date.Format("2006-01-02"),
		Amount:         txn.Amount.String(),
		AmountMinor:    ledger.MinorUnits(txn.Amount),
		Merchant:       txn.Merchant,
		Notes:          txn.Notes,
		SequenceNumber: txn.SequenceNumber,
		Flow:           string(txn.Flow),
		Category:       string(txn.Category),
		CreatedAt:      time.Now().UTC(),
	}
	if txn.Balance != nil {
		doc.Balance = txn.Balance.String()
	}
	return doc, nil
}

func (d *transactionDoc) toDomain() (*domain.Transaction, error) {
	date, err := time.Parse("2006-01-02", d.Date)
	if err != nil {
		return nil, fmt.Errorf("transaction %s has invalid date %q: %w", d.ID, d.Date, err)
	}
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s has invalid amount %q: %w", d.ID, d.Amount, err)
	}
	txn, err := domain.NewTransaction(d.ID, d.AccountID, date.UTC(), amount, d.Merchant, domain.Flow(d.Flow))
	if err != nil {
		return nil, err
	}
	txn.Notes = d.Notes
	txn.SequenceNumber = d.SequenceNumber
	txn.Category = domain.Category(d.Category)
	if d.Balance != "" {
		balance, err := decimal.NewFromString(d.Balance)
		if err != nil {
			return nil, fmt.Errorf("transaction %s has invalid balance %q: %w", d.ID, d.Balance, err)
		}
		txn.Balance = &balance
	}
	return txn, nil
}

// rawDoc is the Firestore shape of a raw record.
type rawDoc struct {
	ID            string            `firestore:"id"`
	SourceType    string            `firestore:"sourceType"`
	AccountID     string            `firestore:"accountId"`
	ImportBatchID string            `firestore:"importBatchId"`
	Date          string            `firestore:"date"`
	Amount        string            `firestore:"amount"`
	Merchant      string            `firestore:"merchant"`
	Fields        map[string]string `firestore:"fields"`
	Page          int               `firestore:"page"`
	Processed     bool              `firestore:"processed"`
	CreatedAt     time.Time         `firestore:"createdAt"`
}

type fingerprintDoc struct {
	AccountID   string    `firestore:"accountId"`
	Fingerprint string    `firestore:"fingerprint"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// Tx stages one batch of writes for a single atomic Firestore commit.
type Tx struct {
	parent *Store
	done   bool

	writes []write
}

type write struct {
	ref  *firestore.DocumentRef
	data any
	// merge is set for account docs: header fields fold into what is
	// already stored instead of replacing it.
	merge bool
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{parent: s}, nil
}

func (t *Tx) guard() error {
	if t.done {
		return &domain.PersistenceError{Op: "stage", Err: fmt.Errorf("transaction already finished")}
	}
	return nil
}

func (t *Tx) PutRaw(ctx context.Context, raw *domain.RawTransaction) error {
	if err := t.guard(); err != nil {
		return err
	}
	t.writes = append(t.writes, write{
		ref: t.parent.client.Collection(collRaw).Doc(raw.ID),
		data: &rawDoc{
			ID:            raw.ID,
			SourceType:    string(raw.SourceType),
			AccountID:     raw.AccountID,
			ImportBatchID: raw.ImportBatchID,
			Date:          raw.Date.Format("2006-01-02"),
			Amount:        raw.Amount.String(),
			Merchant:      raw.Merchant,
			Fields:        raw.Fields,
			Page:          raw.Page,
			Processed:     raw.Processed,
			CreatedAt:     raw.CreatedAt,
		},
	})
	return nil
}

func (t *Tx) PutTransaction(ctx context.Context, txn *domain.Transaction) error {
	if err := t.guard(); err != nil {
		return err
	}
	doc, err := toTransactionDoc(txn)
	if err != nil {
		return &domain.PersistenceError{Op: "put transaction", Err: err}
	}
	t.writes = append(t.writes, write{
		ref:  t.parent.client.Collection(collTransactions).Doc(txn.ID),
		data: doc,
	})
	return nil
}

func (t *Tx) PutBatch(ctx context.Context, batch *domain.ImportBatch) error {
	if err := t.guard(); err != nil {
		return err
	}
	t.writes = append(t.writes, write{
		ref:  t.parent.client.Collection(collBatches).Doc(batch.ID),
		data: batch,
	})
	return nil
}

func (t *Tx) PutAccount(ctx context.Context, meta *domain.AccountMetadata) error {
	if err := t.guard(); err != nil {
		return err
	}
	// MergeAll needs map data. Nested map keys become field paths, so
	// header fields fold into the stored document key by key instead of
	// replacing the whole Fields map.
	data := map[string]any{
		"ExternalID": meta.ExternalID,
		"AccountID":  meta.AccountID,
		"SourceType": string(meta.SourceType),
		"Type":       string(meta.Type),
		"UpdatedAt":  meta.UpdatedAt,
	}
	if meta.Name != "" {
		data["Name"] = meta.Name
	}
	if !meta.FirstSeen.IsZero() {
		data["FirstSeen"] = meta.FirstSeen
	}
	if len(meta.Fields) > 0 {
		fields := make(map[string]any, len(meta.Fields))
		for k, v := range meta.Fields {
			fields[k] = v
		}
		data["Fields"] = fields
	}
	t.writes = append(t.writes, write{
		ref:   t.parent.client.Collection(collAccounts).Doc(meta.ExternalID),
		data:  data,
		merge: true,
	})
	return nil
}

func (t *Tx) PutFingerprints(ctx context.Context, accountID string, fingerprints []string) error {
	if err := t.guard(); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, fp := range fingerprints {
		t.writes = append(t.writes, write{
			ref: t.parent.client.Collection(collFingerprints).Doc(accountID + ":" + fp),
			data: &fingerprintDoc{
				AccountID:   accountID,
				Fingerprint: fp,
				CreatedAt:   now,
			},
		})
	}
	return nil
}

// maxTransactionWrites is the Firestore per-transaction write cap.
const maxTransactionWrites = 500

// Commit applies every staged write inside one Firestore transaction. A
// batch staging more writes than the transaction cap cannot commit
// atomically and is rejected before anything reaches the server.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.guard(); err != nil {
		return err
	}
	t.done = true

	if len(t.writes) > maxTransactionWrites {
		return &domain.PersistenceError{
			Op: "commit",
			Err: fmt.Errorf("batch stages %d writes, above the %d-write transaction limit; import the statement in smaller pieces",
				len(t.writes), maxTransactionWrites),
		}
	}

	err := t.parent.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		for _, w := range t.writes {
			var opts []firestore.SetOption
			if w.merge {
				opts = append(opts, firestore.MergeAll)
			}
			if err := ftx.Set(w.ref, w.data, opts...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	t.done = true
	t.writes = nil
	return nil
}

func (s *Store) Account(ctx context.Context, externalID string) (*domain.AccountMetadata, error) {
	snap, err := s.client.Collection(collAccounts).Doc(externalID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "account", Err: err}
	}
	var meta domain.AccountMetadata
	if err := snap.DataTo(&meta); err != nil {
		return nil, &domain.PersistenceError{Op: "account", Err: err}
	}
	return &meta, nil
}

func (s *Store) Accounts(ctx context.Context) ([]domain.AccountMetadata, error) {
	iter := s.client.Collection(collAccounts).Documents(ctx)
	defer iter.Stop()

	var accounts []domain.AccountMetadata
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &domain.PersistenceError{Op: "accounts", Err: err}
		}
		var meta domain.AccountMetadata
		if err := snap.DataTo(&meta); err != nil {
			return nil, &domain.PersistenceError{Op: "accounts", Err: err}
		}
		accounts = append(accounts, meta)
	}
	return accounts, nil
}

func (s *Store) Fingerprints(ctx context.Context, accountID string) ([]string, error) {
	iter := s.client.Collection(collFingerprints).
		Where("accountId", "==", accountID).
		Documents(ctx)
	defer iter.Stop()

	var fps []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &domain.PersistenceError{Op: "fingerprints", Err: err}
		}
		var doc fingerprintDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, &domain.PersistenceError{Op: "fingerprints", Err: err}
		}
		fps = append(fps, doc.Fingerprint)
	}
	return fps, nil
}

func (s *Store) MaxSequence(ctx context.Context, accountID string) (int, error) {
	iter := s.client.Collection(collTransactions).
		Where("accountId", "==", accountID).
		OrderBy("sequenceNumber", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, &domain.PersistenceError{Op: "max sequence", Err: err}
	}
	var doc transactionDoc
	if err := snap.DataTo(&doc); err != nil {
		return 0, &domain.PersistenceError{Op: "max sequence", Err: err}
	}
	return doc.SequenceNumber, nil
}

// QueryTransactions narrows server-side where Firestore allows (the include
// set) and finishes with the shared predicate and ordering client-side.
func (s *Store) QueryTransactions(ctx context.Context, rule *domain.LedgerRule) ([]domain.Transaction, error) {
	pred, err := ledger.Compile(rule)
	if err != nil {
		return nil, err
	}

	query := s.client.Collection(collTransactions).Query
	// Firestore "in" filters cap at 30 values; larger sets filter
	// client-side only.
	if n := len(rule.IncludeAccounts); n > 0 && n <= 30 {
		query = query.Where("accountId", "in", rule.IncludeAccounts)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	matched := make([]domain.Transaction, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &domain.PersistenceError{Op: "query", Err: err}
		}
		var doc transactionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, &domain.PersistenceError{Op: "query", Err: err}
		}
		txn, err := doc.toDomain()
		if err != nil {
			return nil, &domain.PersistenceError{Op: "query", Err: err}
		}
		if pred(txn) {
			matched = append(matched, *txn)
		}
	}

	ledger.SortTransactions(matched)
	return matched, nil
}

func (s *Store) Batches(ctx context.Context) ([]domain.ImportBatch, error) {
	iter := s.client.Collection(collBatches).OrderBy("ImportedAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var batches []domain.ImportBatch
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &domain.PersistenceError{Op: "batches", Err: err}
		}
		var batch domain.ImportBatch
		if err := snap.DataTo(&batch); err != nil {
			return nil, &domain.PersistenceError{Op: "batches", Err: err}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (s *Store) RawTransactions(ctx context.Context, accountID string) ([]domain.RawTransaction, error) {
	iter := s.client.Collection(collRaw).
		Where("accountId", "==", accountID).
		Documents(ctx)
	defer iter.Stop()

	var raws []domain.RawTransaction
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		var doc rawDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		raw, err := rawToDomain(&doc)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		raws = append(raws, *raw)
	}
	return raws, nil
}

func rawToDomain(doc *rawDoc) (*domain.RawTransaction, error) {
	date, err := time.Parse("2006-01-02", doc.Date)
	if err != nil {
		return nil, fmt.Errorf("raw %s has invalid date %q: %w", doc.ID, doc.Date, err)
	}
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return nil, fmt.Errorf("raw %s has invalid amount %q: %w", doc.ID, doc.Amount, err)
	}
	raw, err := domain.NewRawTransaction(domain.SourceType(doc.SourceType), date, amount, doc.Merchant)
	if err != nil {
		return nil, err
	}
	raw.ID = doc.ID
	raw.AccountID = doc.AccountID
	raw.ImportBatchID = doc.ImportBatchID
	raw.Page = doc.Page
	raw.Processed = doc.Processed
	raw.CreatedAt = doc.CreatedAt
	for k, v := range doc.Fields {
		raw.Fields[k] = v
	}
	return raw, nil
}

// Sweep deletes in pages; Firestore transactions cap at 500 writes.
func (s *Store) Sweep(ctx context.Context, policy store.RetentionPolicy, now time.Time) (*store.SweepResult, error) {
	result := &store.SweepResult{}

	rawCutoff := now.Add(-policy.ProcessedRawAge)
	deleted, err := s.deleteMatching(ctx, s.client.Collection(collRaw).
		Where("processed", "==", true).
		Where("createdAt", "<", rawCutoff))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "sweep raws", Err: err}
	}
	result.RawDeleted = deleted

	batchCutoff := now.Add(-policy.BatchAge)
	deleted, err = s.deleteMatching(ctx, s.client.Collection(collBatches).
		Where("ImportedAt", "<", batchCutoff))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "sweep batches", Err: err}
	}
	result.BatchDeleted = deleted

	return result, nil
}

func (s *Store) deleteMatching(ctx context.Context, query firestore.Query) (int, error) {
	deleted := 0
	for {
		iter := query.Limit(500).Documents(ctx)
		refs := make([]*firestore.DocumentRef, 0, 500)
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return deleted, err
			}
			refs = append(refs, snap.Ref)
		}
		iter.Stop()

		if len(refs) == 0 {
			return deleted, nil
		}
		bw := s.client.BulkWriter(ctx)
		for _, ref := range refs {
			if _, err := bw.Delete(ref); err != nil {
				return deleted, err
			}
		}
		bw.End()
		deleted += len(refs)
	}
}

// Migrate records the schema version in the meta document. The document
// shapes are self-describing, so version bumps only need the marker
// advanced; the write is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.client.Collection(collMeta).Doc("schema").Set(ctx, map[string]any{
		"version":   store.SchemaVersion,
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return &domain.PersistenceError{Op: "migrate", Err: err}
	}
	return nil
}
