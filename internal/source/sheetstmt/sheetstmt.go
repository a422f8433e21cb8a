// Package sheetstmt parses spreadsheet exports (xlsx) into raw ledger
// records.
package sheetstmt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// Source implements spreadsheet extraction with a stateless design; the
// shared instance is safe for concurrent use.
type Source struct{}

var sourceInstance = &Source{}

// New returns the shared spreadsheet source instance.
func New() *Source {
	return sourceInstance
}

// Type returns the source-type tag.
func (s *Source) Type() domain.SourceType {
	return domain.SourceSpreadsheet
}

// Expected layout, first sheet unless params carry an explicit "sheet":
//
//	row 1: Account | <external id> | <account type>
//	row 2: Date | Description | Amount | Balance (balance optional)
//	rows 3+: data
func (s *Source) rows(payload source.Payload, params source.Params) ([][]string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, &domain.SourceAccessError{Source: payload.Name, Err: err}
	}
	defer book.Close()

	sheet := params.Get("sheet")
	if sheet == "" {
		list := book.GetSheetList()
		if len(list) == 0 {
			return nil, &domain.ParseError{Source: payload.Name, Detail: "workbook has no sheets"}
		}
		sheet = list[0]
	}

	rows, err := book.GetRows(sheet)
	if err != nil {
		return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("sheet %q", sheet), Err: err}
	}
	if len(rows) < 2 {
		return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("sheet %q lacks the account and header rows", sheet)}
	}
	return rows, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (s *Source) accountRow(name string, row []string) (*domain.AccountMetadata, error) {
	if !strings.EqualFold(cell(row, 0), "account") {
		return nil, &domain.ParseError{Source: name, Detail: "first row must start with 'Account'"}
	}
	externalID := cell(row, 1)
	accountType := domain.AccountType(strings.ToLower(cell(row, 2)))
	if accountType == "" {
		accountType = domain.AccountTypeChecking
	}
	if !domain.ValidateAccountType(accountType) {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("unknown account type %q", cell(row, 2))}
	}
	meta, err := domain.NewAccountMetadata(externalID, domain.SourceSpreadsheet, accountType, externalID)
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid account row", Err: err}
	}
	return meta, nil
}

// ExtractAccounts reads the account row of the sheet.
func (s *Source) ExtractAccounts(ctx context.Context, payload source.Payload, params source.Params) ([]domain.AccountMetadata, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	rows, err := s.rows(payload, params)
	if err != nil {
		return nil, err
	}
	meta, err := s.accountRow(payload.Name, rows[0])
	if err != nil {
		return nil, err
	}
	return []domain.AccountMetadata{*meta}, nil
}

// ExtractTransactions reads the data rows of the sheet.
func (s *Source) ExtractTransactions(ctx context.Context, externalID string, payload source.Payload, accountID, importBatchID string, params source.Params) ([]domain.RawTransaction, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	rows, err := s.rows(payload, params)
	if err != nil {
		return nil, err
	}

	meta, err := s.accountRow(payload.Name, rows[0])
	if err != nil {
		return nil, err
	}
	if externalID != "" && meta.ExternalID != externalID {
		return nil, &domain.ParseError{
			Source: payload.Name,
			Detail: fmt.Sprintf("sheet belongs to account %s, not %s", meta.ExternalID, externalID),
		}
	}

	header := rows[1]
	if !strings.EqualFold(cell(header, 0), "date") || !strings.EqualFold(cell(header, 2), "amount") {
		return nil, &domain.ParseError{Source: payload.Name, Detail: "header row must be Date | Description | Amount [| Balance]"}
	}
	hasBalance := strings.EqualFold(cell(header, 3), "balance")

	transactions := make([]domain.RawTransaction, 0, len(rows)-2)
	parsedRows := 0
	for i, row := range rows[2:] {
		if err := source.Canceled(ctx); err != nil {
			return nil, err
		}
		if cell(row, 0) == "" && cell(row, 1) == "" && cell(row, 2) == "" {
			continue
		}

		date, err := source.ParseDate(cell(row, 0))
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("row %d", i+3), Err: err}
		}
		amount, err := source.ParseAmount(cell(row, 2))
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("row %d", i+3), Err: err}
		}
		description := cell(row, 1)
		if description == "" {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("row %d: empty description", i+3)}
		}

		parsedRows++
		if !params.InWindow(domain.DateOnly(date)) {
			continue
		}

		raw, err := domain.NewRawTransaction(domain.SourceSpreadsheet, date, amount, description)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("row %d", i+3), Err: err}
		}
		raw.AccountID = accountID
		raw.ImportBatchID = importBatchID
		raw.Page = i + 1
		raw.Fields["amount"] = cell(row, 2)
		if hasBalance && cell(row, 3) != "" {
			raw.Fields["balance"] = cell(row, 3)
		}
		transactions = append(transactions, *raw)
	}

	if err := source.EmptyCheck(payload.Name, len(payload.Data), parsedRows); err != nil {
		return nil, err
	}
	return transactions, nil
}
