// Package apistmt ingests transaction batches from the remote aggregation
// API. The DataSource half parses a caller-supplied page batch; the Fetcher
// half downloads and merges pages, retrying rate limits with bounded
// exponential backoff and surfacing auth expiry immediately.
package apistmt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// Batch is the wire shape of one API page (or several merged pages).
type Batch struct {
	Accounts     []BatchAccount     `json:"accounts,omitempty"`
	Transactions []BatchTransaction `json:"transactions"`
	NextCursor   string             `json:"nextCursor,omitempty"`
}

// BatchAccount is an account record as returned by the API.
type BatchAccount struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields,omitempty"`
}

// BatchTransaction is a transaction record as returned by the API. Amounts
// arrive as decimal strings and stay exact end to end.
type BatchTransaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Date      string          `json:"date"`
	Amount    decimal.Decimal `json:"amount"`
	Merchant  string          `json:"merchant"`
	Currency  string          `json:"currency,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// Source implements extraction over API batches with a stateless design;
// the shared instance is safe for concurrent use.
type Source struct{}

var sourceInstance = &Source{}

// New returns the shared API source instance.
func New() *Source {
	return sourceInstance
}

// Type returns the source-type tag.
func (s *Source) Type() domain.SourceType {
	return domain.SourceAPI
}

func decode(payload source.Payload) (*Batch, error) {
	var batch Batch
	dec := json.NewDecoder(strings.NewReader(string(payload.Data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&batch); err != nil {
		return nil, &domain.ParseError{Source: payload.Name, Detail: "unrecognized API batch schema", Err: err}
	}
	return &batch, nil
}

// ExtractAccounts converts the batch's account records into metadata.
func (s *Source) ExtractAccounts(ctx context.Context, payload source.Payload, params source.Params) ([]domain.AccountMetadata, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	batch, err := decode(payload)
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.AccountMetadata, 0, len(batch.Accounts))
	for _, acc := range batch.Accounts {
		accountType := domain.AccountType(strings.ToLower(acc.Type))
		if !domain.ValidateAccountType(accountType) {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("account %s has unknown type %q", acc.ID, acc.Type)}
		}
		meta, err := domain.NewAccountMetadata(acc.ID, domain.SourceAPI, accountType, acc.Name)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: "invalid account record", Err: err}
		}
		for k, v := range acc.Fields {
			meta.Fields[k] = v
		}
		accounts = append(accounts, *meta)
	}
	return accounts, nil
}

// ExtractTransactions converts the batch's transaction records for one
// account into raw records. The remote record ID is preserved verbatim for
// fingerprinting.
func (s *Source) ExtractTransactions(ctx context.Context, externalID string, payload source.Payload, accountID, importBatchID string, params source.Params) ([]domain.RawTransaction, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	batch, err := decode(payload)
	if err != nil {
		return nil, err
	}

	transactions := make([]domain.RawTransaction, 0, len(batch.Transactions))
	matched := 0
	for i, record := range batch.Transactions {
		if externalID != "" && record.AccountID != externalID {
			continue
		}
		matched++

		date, err := source.ParseDate(record.Date)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("record %d", i), Err: err}
		}
		if !params.InWindow(domain.DateOnly(date)) {
			continue
		}

		raw, err := domain.NewRawTransaction(domain.SourceAPI, date, record.Amount, record.Merchant)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("record %d", i), Err: err}
		}
		raw.AccountID = accountID
		raw.ImportBatchID = importBatchID
		raw.Page = i + 1
		raw.Fields["remote_id"] = record.ID
		raw.Fields["remote_account"] = record.AccountID
		if record.Currency != "" {
			raw.Fields["currency"] = record.Currency
		}
		if record.Notes != "" {
			raw.Fields["notes"] = record.Notes
		}
		transactions = append(transactions, *raw)
	}

	if err := source.EmptyCheck(payload.Name, len(payload.Data), matched); err != nil && len(batch.Transactions) > 0 {
		return nil, err
	}
	return transactions, nil
}
