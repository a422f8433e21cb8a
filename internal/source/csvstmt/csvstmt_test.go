package csvstmt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

const sampleStatement = `87654321,checking,2025-01-01,2025-01-31,1500.00,1730.50
2025-01-03,-42.17,GROCERY MART,weekly shop,REF001,DEBIT
2025-01-10,2500.00,ACME PAYROLL,,REF002,CREDIT
2025-01-15,120.50,HARDWARE STORE,,REF003,DEBIT
`

func payload(data string) source.Payload {
	return source.Payload{Name: "statement.csv", Data: []byte(data)}
}

func TestExtractAccounts(t *testing.T) {
	accounts, err := New().ExtractAccounts(context.Background(), payload(sampleStatement), source.Params{})
	if err != nil {
		t.Fatalf("ExtractAccounts() error: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("ExtractAccounts() returned %d accounts, want 1", len(accounts))
	}

	acc := accounts[0]
	if acc.ExternalID != "87654321" {
		t.Errorf("external ID = %q, want 87654321", acc.ExternalID)
	}
	if acc.Type != domain.AccountTypeChecking {
		t.Errorf("account type = %q, want checking", acc.Type)
	}
	if acc.Fields["opening_balance"] != "1500.00" {
		t.Errorf("opening balance = %q, want 1500.00", acc.Fields["opening_balance"])
	}
	if acc.Fields["statement_end"] != "2025-01-31" {
		t.Errorf("statement end = %q, want 2025-01-31", acc.Fields["statement_end"])
	}
}

func TestExtractTransactions(t *testing.T) {
	txns, err := New().ExtractTransactions(context.Background(), "87654321", payload(sampleStatement), "acc-1", "batch-1", source.Params{})
	if err != nil {
		t.Fatalf("ExtractTransactions() error: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txns))
	}

	first := txns[0]
	if first.AccountID != "acc-1" || first.ImportBatchID != "batch-1" {
		t.Errorf("ownership not set: account=%q batch=%q", first.AccountID, first.ImportBatchID)
	}
	if first.Amount.String() != "-42.17" {
		t.Errorf("first amount = %s, want -42.17", first.Amount)
	}
	if first.Merchant != "GROCERY MART" {
		t.Errorf("first merchant = %q", first.Merchant)
	}
	if first.Field("memo") != "weekly shop" {
		t.Errorf("memo = %q", first.Field("memo"))
	}
	if first.Page != 1 {
		t.Errorf("first sequence = %d, want 1", first.Page)
	}

	// DEBIT rows with a positive printed amount must be negated.
	if txns[2].Amount.String() != "-120.5" {
		t.Errorf("debit amount = %s, want -120.5", txns[2].Amount)
	}
	// CREDIT rows keep their sign.
	if txns[1].Amount.String() != "2500" {
		t.Errorf("credit amount = %s, want 2500", txns[1].Amount)
	}
}

func TestExtractTransactions_DateWindow(t *testing.T) {
	start := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC)

	txns, err := New().ExtractTransactions(context.Background(), "", payload(sampleStatement), "acc-1", "batch-1", source.Params{Start: &start, End: &end})
	if err != nil {
		t.Fatalf("ExtractTransactions() error: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("got %d transactions inside window, want 1", len(txns))
	}
	if txns[0].Merchant != "ACME PAYROLL" {
		t.Errorf("windowed merchant = %q", txns[0].Merchant)
	}
}

func TestExtractTransactions_WrongAccount(t *testing.T) {
	_, err := New().ExtractTransactions(context.Background(), "11112222", payload(sampleStatement), "acc-1", "batch-1", source.Params{})
	var parseErr *domain.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for mismatched account, got %v", err)
	}
}

func TestExtractTransactions_MalformedRow(t *testing.T) {
	bad := "87654321,checking,2025-01-01,2025-01-31,0.00,0.00\n2025-01-03,not-a-number,SHOP,,R1,DEBIT\n"
	_, err := New().ExtractTransactions(context.Background(), "", payload(bad), "acc-1", "batch-1", source.Params{})
	var parseErr *domain.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for malformed amount, got %v", err)
	}
}

func TestExtractTransactions_UnknownSchema(t *testing.T) {
	_, err := New().ExtractTransactions(context.Background(), "", payload("a,b\nc,d\n"), "acc-1", "batch-1", source.Params{})
	var parseErr *domain.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for unknown schema, got %v", err)
	}
}
