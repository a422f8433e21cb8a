// Package csvstmt parses delimited bank exports into raw ledger records.
package csvstmt

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// Source implements CSV statement extraction with a stateless design. The
// struct has no fields because CSV parsing requires no configuration state,
// so the shared instance is safe for concurrent use without locking.
type Source struct{}

var sourceInstance = &Source{}

// New returns the shared CSV source instance.
func New() *Source {
	return sourceInstance
}

// Type returns the source-type tag.
func (s *Source) Type() domain.SourceType {
	return domain.SourceCSV
}

// Expected layout, one statement per file:
//
//	summary line: AccountNumber, AccountType, StartDate, EndDate, OpeningBalance, ClosingBalance
//	data rows:    Date, Amount, Description, Memo, Reference, Type
//
// Dates are YYYY-MM-DD. Type is DEBIT or CREDIT; DEBIT amounts are negated
// so the stored sign is always the effect on the account balance.

func (s *Source) readAll(payload source.Payload) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(string(payload.Data)))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, &domain.ParseError{Source: payload.Name, Detail: "unreadable CSV content", Err: err}
	}
	if len(records) < 1 {
		return nil, &domain.ParseError{Source: payload.Name, Detail: "empty CSV file"}
	}
	return records, nil
}

// ExtractAccounts parses the summary line into account metadata.
func (s *Source) ExtractAccounts(ctx context.Context, payload source.Payload, params source.Params) ([]domain.AccountMetadata, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}

	records, err := s.readAll(payload)
	if err != nil {
		return nil, err
	}

	meta, err := s.parseSummaryLine(payload.Name, records[0])
	if err != nil {
		return nil, err
	}
	return []domain.AccountMetadata{*meta}, nil
}

// ExtractTransactions parses the data rows for the statement's account.
func (s *Source) ExtractTransactions(ctx context.Context, externalID string, payload source.Payload, accountID, importBatchID string, params source.Params) ([]domain.RawTransaction, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}

	records, err := s.readAll(payload)
	if err != nil {
		return nil, err
	}

	meta, err := s.parseSummaryLine(payload.Name, records[0])
	if err != nil {
		return nil, err
	}
	if externalID != "" && meta.ExternalID != externalID {
		return nil, &domain.ParseError{
			Source: payload.Name,
			Detail: fmt.Sprintf("statement belongs to account %s, not %s", meta.ExternalID, externalID),
		}
	}

	transactions := make([]domain.RawTransaction, 0, len(records)-1)
	for i, record := range records[1:] {
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}

		raw, err := s.parseTransactionRow(record)
		if err != nil {
			return nil, &domain.ParseError{
				Source: payload.Name,
				Detail: fmt.Sprintf("row %d", i+2),
				Err:    err,
			}
		}
		if !params.InWindow(raw.Date) {
			continue
		}

		raw.AccountID = accountID
		raw.ImportBatchID = importBatchID
		raw.Page = i + 1
		transactions = append(transactions, *raw)
	}

	if err := source.EmptyCheck(payload.Name, len(payload.Data), len(records)-1); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (s *Source) parseSummaryLine(name string, record []string) (*domain.AccountMetadata, error) {
	if len(record) != 6 {
		return nil, &domain.ParseError{
			Source: name,
			Detail: fmt.Sprintf("summary line must have 6 fields, got %d", len(record)),
		}
	}

	externalID := strings.TrimSpace(record[0])
	accountType := domain.AccountType(strings.ToLower(strings.TrimSpace(record[1])))
	if !domain.ValidateAccountType(accountType) {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("unknown account type %q", record[1])}
	}

	start, err := source.ParseDate(record[2])
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid statement start date", Err: err}
	}
	end, err := source.ParseDate(record[3])
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid statement end date", Err: err}
	}
	if end.Before(start) {
		return nil, &domain.ParseError{Source: name, Detail: "statement period end precedes start"}
	}

	opening, err := source.ParseAmount(record[4])
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid opening balance", Err: err}
	}
	closing, err := source.ParseAmount(record[5])
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid closing balance", Err: err}
	}

	meta, err := domain.NewAccountMetadata(externalID, domain.SourceCSV, accountType, externalID)
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid summary line", Err: err}
	}
	meta.Fields["statement_start"] = start.Format("2006-01-02")
	meta.Fields["statement_end"] = end.Format("2006-01-02")
	meta.Fields["opening_balance"] = opening.StringFixed(2)
	meta.Fields["closing_balance"] = closing.StringFixed(2)
	return meta, nil
}

func (s *Source) parseTransactionRow(record []string) (*domain.RawTransaction, error) {
	if len(record) != 6 {
		return nil, fmt.Errorf("transaction row must have 6 fields, got %d", len(record))
	}

	date, err := source.ParseDate(record[0])
	if err != nil {
		return nil, err
	}

	amount, err := source.ParseAmount(record[1])
	if err != nil {
		return nil, err
	}

	description := strings.TrimSpace(record[2])
	if description == "" {
		return nil, fmt.Errorf("description cannot be empty")
	}
	memo := strings.TrimSpace(record[3])
	reference := strings.TrimSpace(record[4])
	txnType := strings.ToUpper(strings.TrimSpace(record[5]))

	// DEBIT = money out, CREDIT = money in.
	if txnType == "DEBIT" && amount.IsPositive() {
		amount = amount.Neg()
	}

	raw, err := domain.NewRawTransaction(domain.SourceCSV, date, amount, description)
	if err != nil {
		return nil, err
	}
	raw.Fields["amount"] = strings.TrimSpace(record[1])
	raw.Fields["memo"] = memo
	raw.Fields["reference"] = reference
	raw.Fields["type"] = txnType
	return raw, nil
}
