// Package ofxstmt parses OFX/QFX statement downloads into raw ledger
// records. Bank, credit card, and investment cash statements are supported;
// security trades are not.
package ofxstmt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// Source implements OFX extraction with a stateless design; the shared
// instance is safe for concurrent use.
type Source struct{}

var sourceInstance = &Source{}

// New returns the shared OFX source instance.
func New() *Source {
	return sourceInstance
}

// Type returns the source-type tag.
func (s *Source) Type() domain.SourceType {
	return domain.SourceOFX
}

// statement is one account's worth of extracted OFX content, regardless of
// which message set it came from.
type statement struct {
	meta domain.AccountMetadata
	txns []ofxgo.Transaction
}

func parse(payload source.Payload) ([]statement, error) {
	response, err := ofxgo.ParseResponse(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("invalid OFX document (%d bytes)", len(payload.Data)), Err: err}
	}

	institution := response.Signon.Org.String()
	var statements []statement

	for _, msg := range response.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("unexpected bank message type %T", msg)}
		}
		accountType, err := bankAccountType(stmt.BankAcctFrom)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: "bank statement", Err: err}
		}
		st, err := newStatement(payload.Name, stmt.BankAcctFrom.AcctID.String(), institution, accountType, stmt.BankTranList)
		if err != nil {
			return nil, err
		}
		statements = append(statements, *st)
	}

	for _, msg := range response.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("unexpected credit card message type %T", msg)}
		}
		st, err := newStatement(payload.Name, stmt.CCAcctFrom.AcctID.String(), institution, domain.AccountTypeCredit, stmt.BankTranList)
		if err != nil {
			return nil, err
		}
		statements = append(statements, *st)
	}

	for _, msg := range response.InvStmt {
		stmt, ok := msg.(*ofxgo.InvStatementResponse)
		if !ok {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("unexpected investment message type %T", msg)}
		}
		st, err := newInvestmentStatement(payload.Name, stmt, institution)
		if err != nil {
			return nil, err
		}
		statements = append(statements, *st)
	}

	if len(statements) == 0 {
		return nil, &domain.ParseError{
			Source: payload.Name,
			Detail: "no bank, credit card, or investment statement present",
		}
	}
	return statements, nil
}

func newStatement(name, externalID, institution string, accountType domain.AccountType, list *ofxgo.TransactionList) (*statement, error) {
	if externalID == "" {
		return nil, &domain.ParseError{Source: name, Detail: "statement missing account ID"}
	}
	if list == nil {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("account %s missing transaction list", externalID)}
	}
	meta, err := domain.NewAccountMetadata(externalID, domain.SourceOFX, accountType, externalID)
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid account record", Err: err}
	}
	if institution != "" {
		meta.Fields["institution"] = institution
	}
	return &statement{meta: *meta, txns: list.Transactions}, nil
}

// newInvestmentStatement keeps only the cash movement legs (dividends,
// interest, fees). Security trades carry per-unit fields with no ledger
// representation here and are rejected rather than silently dropped.
func newInvestmentStatement(name string, stmt *ofxgo.InvStatementResponse, institution string) (*statement, error) {
	externalID := stmt.InvAcctFrom.AcctID.String()
	if externalID == "" {
		return nil, &domain.ParseError{Source: name, Detail: "investment statement missing account ID"}
	}
	if stmt.InvTranList == nil {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("account %s missing transaction list", externalID)}
	}
	if n := len(stmt.InvTranList.InvTransactions); n > 0 {
		return nil, &domain.ParseError{
			Source: name,
			Detail: fmt.Sprintf("account %s carries %d security transactions, only cash movements are supported", externalID, n),
		}
	}

	meta, err := domain.NewAccountMetadata(externalID, domain.SourceOFX, domain.AccountTypeInvestment, externalID)
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid account record", Err: err}
	}
	if institution != "" {
		meta.Fields["institution"] = institution
	}

	var txns []ofxgo.Transaction
	for _, bankTxn := range stmt.InvTranList.BankTransactions {
		txns = append(txns, bankTxn.Transactions...)
	}
	return &statement{meta: *meta, txns: txns}, nil
}

func bankAccountType(acct ofxgo.BankAcct) (domain.AccountType, error) {
	switch acct.AcctType {
	case ofxgo.AcctTypeChecking:
		return domain.AccountTypeChecking, nil
	case ofxgo.AcctTypeSavings:
		return domain.AccountTypeSavings, nil
	default:
		return "", fmt.Errorf("unsupported OFX account type %v for account %s", acct.AcctType, acct.AcctID.String())
	}
}

// ExtractAccounts reads the account headers of every statement in the file.
func (s *Source) ExtractAccounts(ctx context.Context, payload source.Payload, params source.Params) ([]domain.AccountMetadata, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	statements, err := parse(payload)
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.AccountMetadata, 0, len(statements))
	for _, st := range statements {
		accounts = append(accounts, st.meta)
	}
	return accounts, nil
}

// ExtractTransactions reads one account's transactions. The FITID that the
// institution assigned travels along verbatim; it is the strongest dedup
// signal an OFX record carries.
func (s *Source) ExtractTransactions(ctx context.Context, externalID string, payload source.Payload, accountID, importBatchID string, params source.Params) ([]domain.RawTransaction, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	statements, err := parse(payload)
	if err != nil {
		return nil, err
	}

	var matched *statement
	for i := range statements {
		if externalID == "" || statements[i].meta.ExternalID == externalID {
			matched = &statements[i]
			break
		}
	}
	if matched == nil {
		return nil, &domain.ParseError{
			Source: payload.Name,
			Detail: fmt.Sprintf("file has no statement for account %s", externalID),
		}
	}

	transactions := make([]domain.RawTransaction, 0, len(matched.txns))
	parsedRows := 0
	for i, txn := range matched.txns {
		if err := source.Canceled(ctx); err != nil {
			return nil, err
		}
		raw, err := convert(payload.Name, txn, accountID, importBatchID, i)
		if err != nil {
			return nil, err
		}
		parsedRows++
		if !params.InWindow(raw.Date) {
			continue
		}
		transactions = append(transactions, *raw)
	}

	if err := source.EmptyCheck(payload.Name, len(payload.Data), parsedRows); err != nil && len(matched.txns) > 0 {
		return nil, err
	}
	return transactions, nil
}

func convert(name string, txn ofxgo.Transaction, accountID, importBatchID string, index int) (*domain.RawTransaction, error) {
	fitID := txn.FiTID.String()
	if fitID == "" {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("transaction %d missing FITID", index)}
	}

	date := txn.DtPosted.Time
	if date.IsZero() {
		date = txn.DtUser.Time
	}
	if date.IsZero() {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("transaction %s missing posted and user dates", fitID)}
	}

	// Name first, Memo as fallback. Institutions disagree on which field
	// carries the counterparty.
	merchant := strings.TrimSpace(txn.Name.String())
	if merchant == "" {
		merchant = strings.TrimSpace(txn.Memo.String())
	}
	if merchant == "" {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("transaction %s missing both name and memo", fitID)}
	}

	// TrnAmt wraps a big.Rat; FloatString keeps the value exact at cent
	// precision instead of routing through float64.
	amount, err := decimal.NewFromString(txn.TrnAmt.FloatString(2))
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("transaction %s amount", fitID), Err: err}
	}

	raw, err := domain.NewRawTransaction(domain.SourceOFX, date, amount, merchant)
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: fmt.Sprintf("transaction %s", fitID), Err: err}
	}
	raw.AccountID = accountID
	raw.ImportBatchID = importBatchID
	raw.Page = index + 1
	raw.Fields["fitid"] = fitID
	raw.Fields["type"] = fmt.Sprintf("%v", txn.TrnType)
	if memo := strings.TrimSpace(txn.Memo.String()); memo != "" && memo != merchant {
		raw.Fields["memo"] = memo
	}
	return raw, nil
}
