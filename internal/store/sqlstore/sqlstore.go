// Package sqlstore is the SQLite storage backend. Amounts are stored as
// integer minor units so that rule bounds compare exactly; dates are stored
// as YYYY-MM-DD text, which collates chronologically. Query results must
// match the in-memory backend byte for byte.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/ledger"
	"github.com/rumor-ml/commons.systems/finledger/internal/store"
)

// Store wraps one SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs pending migrations.
// Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}
	// SQLite allows one writer; a single connection avoids busy errors from
	// the pool and keeps the commit boundary unambiguous.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrations is the ordered schema history. Each entry runs at most once;
// the schema_migrations table records what has been applied, so an
// interrupted run picks up where it stopped.
var migrations = []struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}{
	{version: 1, apply: migrateV1},
	{version: 2, apply: migrateV2},
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			external_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			first_seen TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS raw_transactions (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			account_id TEXT NOT NULL,
			import_batch_id TEXT NOT NULL,
			date TEXT NOT NULL,
			amount TEXT NOT NULL,
			merchant TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '{}',
			page INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			date TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			merchant TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			balance_minor INTEGER,
			sequence_number INTEGER NOT NULL,
			flow TEXT NOT NULL,
			category TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS import_batches (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_file_name TEXT NOT NULL,
			imported_at TEXT NOT NULL,
			total_raw_records INTEGER NOT NULL,
			successful_imports INTEGER NOT NULL,
			duplicate_count INTEGER NOT NULL,
			parse_skips INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fingerprints (
			account_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			PRIMARY KEY (account_id, fingerprint)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_transactions_account_date
			ON transactions (account_id, date, sequence_number)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_batch ON raw_transactions (import_batch_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies pending migrations exactly once each.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return &domain.PersistenceError{Op: "migrate", Err: err}
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&applied)
		if err != nil {
			return &domain.PersistenceError{Op: "migrate", Err: err}
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &domain.PersistenceError{Op: "migrate", Err: err}
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return &domain.PersistenceError{Op: fmt.Sprintf("migrate to v%d", m.version), Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return &domain.PersistenceError{Op: "migrate", Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &domain.PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

// Version returns the highest applied migration version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "version", Err: err}
	}
	return int(version.Int64), nil
}

// Tx wraps a SQLite transaction.
type Tx struct {
	tx *sql.Tx
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "begin", Err: err}
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) PutRaw(ctx context.Context, raw *domain.RawTransaction) error {
	fields, err := json.Marshal(raw.Fields)
	if err != nil {
		return &domain.PersistenceError{Op: "put raw", Err: err}
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO raw_transactions
			(id, source_type, account_id, import_batch_id, date, amount, merchant, fields, page, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		raw.ID, string(raw.SourceType), raw.AccountID, raw.ImportBatchID,
		raw.Date.Format("2006-01-02"), raw.Amount.String(), raw.Merchant,
		string(fields), raw.Page, boolToInt(raw.Processed),
		raw.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &domain.PersistenceError{Op: "put raw", Err: err}
	}
	return nil
}

func (t *Tx) PutTransaction(ctx context.Context, txn *domain.Transaction) error {
	var balance any
	if txn.Balance != nil {
		balance = ledger.MinorUnits(*txn.Balance)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions
			(id, account_id, date, amount_minor, merchant, notes, balance_minor, sequence_number, flow, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, txn.Date.Format("2006-01-02"),
		ledger.MinorUnits(txn.Amount), txn.Merchant, txn.Notes, balance,
		txn.SequenceNumber, string(txn.Flow), string(txn.Category))
	if err != nil {
		return &domain.PersistenceError{Op: "put transaction", Err: err}
	}
	return nil
}

func (t *Tx) PutBatch(ctx context.Context, batch *domain.ImportBatch) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO import_batches
			(id, account_id, source_type, source_file_name, imported_at,
			 total_raw_records, successful_imports, duplicate_count, parse_skips)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.AccountID, string(batch.SourceType), batch.SourceFileName,
		batch.ImportedAt.UTC().Format(time.RFC3339),
		batch.TotalRawRecords, batch.SuccessfulImports, batch.DuplicateCount, batch.ParseSkips)
	if err != nil {
		return &domain.PersistenceError{Op: "put batch", Err: err}
	}
	return nil
}

func (t *Tx) PutAccount(ctx context.Context, meta *domain.AccountMetadata) error {
	fields, err := json.Marshal(meta.Fields)
	if err != nil {
		return &domain.PersistenceError{Op: "put account", Err: err}
	}
	// Header fields merge on re-import; identity columns keep their first
	// values.
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO accounts (external_id, account_id, source_type, type, name, fields, first_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			type = excluded.type,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE accounts.name END,
			fields = json_patch(accounts.fields, excluded.fields),
			updated_at = excluded.updated_at`,
		meta.ExternalID, meta.AccountID, string(meta.SourceType), string(meta.Type),
		meta.Name, string(fields),
		meta.FirstSeen.UTC().Format(time.RFC3339), meta.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &domain.PersistenceError{Op: "put account", Err: err}
	}
	return nil
}

func (t *Tx) PutFingerprints(ctx context.Context, accountID string, fingerprints []string) error {
	for _, fp := range fingerprints {
		if _, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO fingerprints (account_id, fingerprint) VALUES (?, ?)",
			accountID, fp); err != nil {
			return &domain.PersistenceError{Op: "put fingerprints", Err: err}
		}
	}
	return nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return &domain.PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}

func (s *Store) Account(ctx context.Context, externalID string) (*domain.AccountMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT external_id, account_id, source_type, type, name, fields, first_seen, updated_at
		FROM accounts WHERE external_id = ?`, externalID)
	meta, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "account", Err: err}
	}
	return meta, nil
}

func (s *Store) Accounts(ctx context.Context) ([]domain.AccountMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, account_id, source_type, type, name, fields, first_seen, updated_at
		FROM accounts ORDER BY external_id`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "accounts", Err: err}
	}
	defer rows.Close()

	var accounts []domain.AccountMetadata
	for rows.Next() {
		meta, err := scanAccount(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "accounts", Err: err}
		}
		accounts = append(accounts, *meta)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.AccountMetadata, error) {
	var meta domain.AccountMetadata
	var sourceType, accountType, fields, firstSeen, updatedAt string
	if err := row.Scan(&meta.ExternalID, &meta.AccountID, &sourceType, &accountType,
		&meta.Name, &fields, &firstSeen, &updatedAt); err != nil {
		return nil, err
	}
	meta.SourceType = domain.SourceType(sourceType)
	meta.Type = domain.AccountType(accountType)
	if err := json.Unmarshal([]byte(fields), &meta.Fields); err != nil {
		return nil, err
	}
	var err error
	if meta.FirstSeen, err = time.Parse(time.RFC3339, firstSeen); err != nil {
		return nil, err
	}
	if meta.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) Fingerprints(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT fingerprint FROM fingerprints WHERE account_id = ?", accountID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "fingerprints", Err: err}
	}
	defer rows.Close()

	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, &domain.PersistenceError{Op: "fingerprints", Err: err}
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

func (s *Store) MaxSequence(ctx context.Context, accountID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(sequence_number) FROM transactions WHERE account_id = ?", accountID).Scan(&max)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "max sequence", Err: err}
	}
	return int(max.Int64), nil
}

// QueryTransactions is the indexed evaluator; the WHERE clause comes from
// the same rule translation the in-memory backend validates against.
func (s *Store) QueryTransactions(ctx context.Context, rule *domain.LedgerRule) ([]domain.Transaction, error) {
	clause, args, err := ledger.SQL(rule)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, date, amount_minor, merchant, notes, balance_minor, sequence_number, flow, category
		FROM transactions WHERE `+clause+` ORDER BY `+ledger.OrderBy, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "query", Err: err}
	}
	defer rows.Close()

	txns := make([]domain.Transaction, 0)
	for rows.Next() {
		var txn domain.Transaction
		var date, flow, category string
		var amountMinor int64
		var balanceMinor sql.NullInt64
		if err := rows.Scan(&txn.ID, &txn.AccountID, &date, &amountMinor, &txn.Merchant,
			&txn.Notes, &balanceMinor, &txn.SequenceNumber, &flow, &category); err != nil {
			return nil, &domain.PersistenceError{Op: "query", Err: err}
		}
		if txn.Date, err = time.Parse("2006-01-02", date); err != nil {
			return nil, &domain.PersistenceError{Op: "query", Err: err}
		}
		txn.Date = txn.Date.UTC()
		txn.Amount = ledger.FromMinorUnits(amountMinor)
		if balanceMinor.Valid {
			balance := ledger.FromMinorUnits(balanceMinor.Int64)
			txn.Balance = &balance
		}
		txn.Flow = domain.Flow(flow)
		txn.Category = domain.Category(category)
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (s *Store) Batches(ctx context.Context) ([]domain.ImportBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, source_type, source_file_name, imported_at,
			total_raw_records, successful_imports, duplicate_count, parse_skips
		FROM import_batches ORDER BY imported_at, id`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "batches", Err: err}
	}
	defer rows.Close()

	var batches []domain.ImportBatch
	for rows.Next() {
		var batch domain.ImportBatch
		var sourceType, importedAt string
		if err := rows.Scan(&batch.ID, &batch.AccountID, &sourceType, &batch.SourceFileName,
			&importedAt, &batch.TotalRawRecords, &batch.SuccessfulImports,
			&batch.DuplicateCount, &batch.ParseSkips); err != nil {
			return nil, &domain.PersistenceError{Op: "batches", Err: err}
		}
		batch.SourceType = domain.SourceType(sourceType)
		if batch.ImportedAt, err = time.Parse(time.RFC3339, importedAt); err != nil {
			return nil, &domain.PersistenceError{Op: "batches", Err: err}
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func (s *Store) RawTransactions(ctx context.Context, accountID string) ([]domain.RawTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_type, account_id, import_batch_id, date, amount, merchant, fields, page, processed, created_at
		FROM raw_transactions WHERE account_id = ? ORDER BY date, page, id`, accountID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
	}
	defer rows.Close()

	var raws []domain.RawTransaction
	for rows.Next() {
		var raw domain.RawTransaction
		var sourceType, date, amount, fields, createdAt string
		var processed int
		if err := rows.Scan(&raw.ID, &sourceType, &raw.AccountID, &raw.ImportBatchID,
			&date, &amount, &raw.Merchant, &fields, &raw.Page, &processed, &createdAt); err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		raw.SourceType = domain.SourceType(sourceType)
		if raw.Date, err = time.Parse("2006-01-02", date); err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		raw.Date = raw.Date.UTC()
		if raw.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		if err := json.Unmarshal([]byte(fields), &raw.Fields); err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		raw.Processed = processed != 0
		if raw.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, &domain.PersistenceError{Op: "raw transactions", Err: err}
		}
		raws = append(raws, raw)
	}
	return raws, rows.Err()
}

func (s *Store) Sweep(ctx context.Context, policy store.RetentionPolicy, now time.Time) (*store.SweepResult, error) {
	result := &store.SweepResult{}

	rawCutoff := now.Add(-policy.ProcessedRawAge).UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM raw_transactions WHERE processed = 1 AND created_at < ?", rawCutoff)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "sweep raws", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil {
		result.RawDeleted = int(n)
	}

	batchCutoff := now.Add(-policy.BatchAge).UTC().Format(time.RFC3339)
	res, err = s.db.ExecContext(ctx,
		"DELETE FROM import_batches WHERE imported_at < ?", batchCutoff)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "sweep batches", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil {
		result.BatchDeleted = int(n)
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
