package ofxstmt

import (
	"context"
	"errors"
	"testing"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

const bankStatement = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20250101120000
<LANGUAGE>ENG
<FI>
<ORG>TESTBANK
<FID>12345
</FI>
</SONRS>
</SIGNONMSGSRSV1>
<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>123456789
<ACCTID>9876543210
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20250101000000
<DTEND>20250131235959
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20250105120000
<TRNAMT>-50.00
<FITID>TXN001
<NAME>Coffee Shop
</STMTTRN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20250115120000
<TRNAMT>1000.00
<FITID>TXN002
<NAME>Paycheck
<MEMO>January salary
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>2000.00
<DTASOF>20250131235959
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

func TestExtractAccounts_Bank(t *testing.T) {
	payload := source.Payload{Name: "statement.ofx", Data: []byte(bankStatement)}
	accounts, err := New().ExtractAccounts(context.Background(), payload, source.Params{})
	if err != nil {
		t.Fatalf("ExtractAccounts() error: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	if accounts[0].ExternalID != "9876543210" {
		t.Errorf("external ID = %q, want 9876543210", accounts[0].ExternalID)
	}
	if accounts[0].Type != domain.AccountTypeChecking {
		t.Errorf("account type = %q, want checking", accounts[0].Type)
	}
	if accounts[0].Fields["institution"] != "TESTBANK" {
		t.Errorf("institution = %q, want TESTBANK", accounts[0].Fields["institution"])
	}
}

func TestExtractTransactions_Bank(t *testing.T) {
	payload := source.Payload{Name: "statement.ofx", Data: []byte(bankStatement)}
	txns, err := New().ExtractTransactions(context.Background(), "9876543210", payload, "acc-chk", "batch-1", source.Params{})
	if err != nil {
		t.Fatalf("ExtractTransactions() error: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}

	if txns[0].Amount.String() != "-50" {
		t.Errorf("amount = %s, want -50", txns[0].Amount)
	}
	if txns[0].Field("fitid") != "TXN001" {
		t.Errorf("fitid = %q, want TXN001", txns[0].Field("fitid"))
	}
	if txns[0].Merchant != "Coffee Shop" {
		t.Errorf("merchant = %q", txns[0].Merchant)
	}
	if txns[1].Amount.String() != "1000" {
		t.Errorf("amount = %s, want 1000", txns[1].Amount)
	}
	if txns[1].Field("memo") != "January salary" {
		t.Errorf("memo = %q", txns[1].Field("memo"))
	}
}

func TestExtractTransactions_WrongAccount(t *testing.T) {
	payload := source.Payload{Name: "statement.ofx", Data: []byte(bankStatement)}
	_, err := New().ExtractTransactions(context.Background(), "0000000000", payload, "acc", "b", source.Params{})
	var parseErr *domain.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("want ParseError for unknown account, got %v", err)
	}
}

func TestExtractTransactions_InvalidDocument(t *testing.T) {
	payload := source.Payload{Name: "bad.ofx", Data: []byte("<OFX><INVALID>")}
	_, err := New().ExtractTransactions(context.Background(), "", payload, "acc", "b", source.Params{})
	var parseErr *domain.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("want ParseError for invalid document, got %v", err)
	}
}

func TestExtractTransactions_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := source.Payload{Name: "statement.ofx", Data: []byte(bankStatement)}
	_, err := New().ExtractTransactions(ctx, "9876543210", payload, "acc", "b", source.Params{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
