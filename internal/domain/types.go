// Package domain holds the canonical ledger types shared by every layer:
// raw and canonical transactions, import batches, account metadata, ledger
// rules and the error taxonomy. Amounts are always shopspring decimals;
// binary floats never enter the domain.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SourceType tags the origin format of an imported artifact. The set is
// closed: adapters and fingerprint strategies are resolved from a fixed
// lookup table keyed by this tag.
type SourceType string

const (
	SourceCSV         SourceType = "csv"
	SourcePDF         SourceType = "pdf"
	SourceSpreadsheet SourceType = "xlsx"
	SourceAPI         SourceType = "api"
	SourceOFX         SourceType = "ofx"
)

var validSourceTypes = map[SourceType]struct{}{
	SourceCSV: {}, SourcePDF: {}, SourceSpreadsheet: {},
	SourceAPI: {}, SourceOFX: {},
}

// ValidateSourceType checks if the source type is one of the known tags.
func ValidateSourceType(t SourceType) bool {
	_, ok := validSourceTypes[t]
	return ok
}

// AccountType represents the account type enum.
// Use ValidateAccountType to ensure validity before use.
type AccountType string

const (
	AccountTypeChecking   AccountType = "checking"
	AccountTypeSavings    AccountType = "savings"
	AccountTypeCredit     AccountType = "credit"
	AccountTypeLoan       AccountType = "loan"
	AccountTypeInvestment AccountType = "investment"
)

var validAccountTypes = map[AccountType]struct{}{
	AccountTypeChecking: {}, AccountTypeSavings: {}, AccountTypeCredit: {},
	AccountTypeLoan: {}, AccountTypeInvestment: {},
}

// ValidateAccountType checks if account type is valid
func ValidateAccountType(t AccountType) bool {
	_, ok := validAccountTypes[t]
	return ok
}

// IsDebt reports whether the account type carries a negative balance by
// convention (loan principal, credit card debt).
func (t AccountType) IsDebt() bool {
	return t == AccountTypeCredit || t == AccountTypeLoan
}

// Flow classifies a canonical transaction as income, expense or neutral.
// Neutral covers transfers and debt repayments, which must not distort
// income/expense statistics.
type Flow string

const (
	FlowIncome  Flow = "income"
	FlowExpense Flow = "expense"
	FlowNeutral Flow = "neutral"
)

var validFlows = map[Flow]struct{}{
	FlowIncome: {}, FlowExpense: {}, FlowNeutral: {},
}

// ValidateFlow checks if flow is valid
func ValidateFlow(f Flow) bool {
	_, ok := validFlows[f]
	return ok
}

// Category represents the budget category enum.
// Use ValidateCategory to ensure validity before use.
type Category string

const (
	CategoryIncome         Category = "income"
	CategoryHousing        Category = "housing"
	CategoryUtilities      Category = "utilities"
	CategoryGroceries      Category = "groceries"
	CategoryDining         Category = "dining"
	CategoryTransportation Category = "transportation"
	CategoryHealthcare     Category = "healthcare"
	CategoryEntertainment  Category = "entertainment"
	CategoryShopping       Category = "shopping"
	CategoryTravel         Category = "travel"
	CategoryInvestment     Category = "investment"
	CategoryTransfer       Category = "transfer"
	CategoryOther          Category = "other"
)

var validCategories = map[Category]struct{}{
	CategoryIncome: {}, CategoryHousing: {}, CategoryUtilities: {},
	CategoryGroceries: {}, CategoryDining: {}, CategoryTransportation: {},
	CategoryHealthcare: {}, CategoryEntertainment: {}, CategoryShopping: {},
	CategoryTravel: {}, CategoryInvestment: {}, CategoryTransfer: {},
	CategoryOther: {},
}

// ValidateCategory checks if category is valid
func ValidateCategory(c Category) bool {
	_, ok := validCategories[c]
	return ok
}

// DateOnly truncates a timestamp to a calendar day in UTC. All ledger dates
// are stored in this form so that date comparisons are exact.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RawTransaction is the verbatim-plus-parsed record exactly as produced by
// one source adapter, before canonicalization. Immutable once persisted.
type RawTransaction struct {
	ID            string          `json:"id"`
	SourceType    SourceType      `json:"sourceType"`
	AccountID     string          `json:"accountId"`
	ImportBatchID string          `json:"importBatchId"`
	Date          time.Time       `json:"date"`
	Amount        decimal.Decimal `json:"amount"`
	Merchant      string          `json:"merchant"`
	// Fields holds the verbatim source columns as presented by the source,
	// keyed by source-specific names (e.g. "reference", "fitid", "memo").
	Fields map[string]string `json:"fields,omitempty"`
	// Page is the 1-based page index for page-oriented documents, or the
	// intra-document sequence for row-oriented sources.
	Page int `json:"page"`
	// Processed is false for records whose canonicalization was skipped;
	// the retention sweep keeps unprocessed records indefinitely.
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Field returns a verbatim source field, or "" when absent.
func (r *RawTransaction) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// NewRawTransaction creates a validated raw transaction.
func NewRawTransaction(sourceType SourceType, date time.Time, amount decimal.Decimal, merchant string) (*RawTransaction, error) {
	if !ValidateSourceType(sourceType) {
		return nil, fmt.Errorf("invalid source type %q", sourceType)
	}
	if date.IsZero() {
		return nil, fmt.Errorf("transaction date cannot be zero")
	}
	if merchant == "" {
		return nil, fmt.Errorf("merchant cannot be empty")
	}
	return &RawTransaction{
		SourceType: sourceType,
		Date:       DateOnly(date),
		Amount:     amount,
		Merchant:   merchant,
		Fields:     map[string]string{},
	}, nil
}

// ImportBatch records one execution of the import pipeline against one
// source artifact for one account. Created exclusively by the orchestrator,
// never mutated afterwards.
//
// Invariant: TotalRawRecords == SuccessfulImports + DuplicateCount + ParseSkips.
type ImportBatch struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"accountId"`
	SourceType        SourceType `json:"sourceType"`
	SourceFileName    string     `json:"sourceFileName"`
	ImportedAt        time.Time  `json:"importedAt"`
	TotalRawRecords   int        `json:"totalRawRecords"`
	SuccessfulImports int        `json:"successfulImports"`
	DuplicateCount    int        `json:"duplicateCount"`
	// ParseSkips counts rows intentionally held back from canonicalization.
	// Tracked separately, never folded into the duplicate count.
	ParseSkips int `json:"parseSkips"`
}

// CheckConservation verifies the batch counting invariant.
func (b *ImportBatch) CheckConservation() error {
	if b.TotalRawRecords != b.SuccessfulImports+b.DuplicateCount+b.ParseSkips {
		return fmt.Errorf("batch %s violates conservation: total=%d successful=%d duplicates=%d skips=%d",
			b.ID, b.TotalRawRecords, b.SuccessfulImports, b.DuplicateCount, b.ParseSkips)
	}
	return nil
}

// AccountMetadata holds per-source structured fields extracted from a
// document or account header (loan terms, rate, disbursement date), keyed by
// a stable external identifier for idempotent re-matching across imports.
type AccountMetadata struct {
	// ExternalID is the loan/account number as printed by the source.
	ExternalID string      `json:"externalId"`
	AccountID  string      `json:"accountId"`
	SourceType SourceType  `json:"sourceType"`
	Type       AccountType `json:"type"`
	Name       string      `json:"name"`
	// Fields holds source-specific header attributes, e.g. "interest_rate",
	// "disbursement_date", "principal".
	Fields    map[string]string `json:"fields,omitempty"`
	FirstSeen time.Time         `json:"firstSeen"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// NewAccountMetadata creates validated account metadata.
func NewAccountMetadata(externalID string, sourceType SourceType, accountType AccountType, name string) (*AccountMetadata, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external account identifier cannot be empty")
	}
	if !ValidateSourceType(sourceType) {
		return nil, fmt.Errorf("invalid source type %q", sourceType)
	}
	if !ValidateAccountType(accountType) {
		return nil, fmt.Errorf("invalid account type %q", accountType)
	}
	return &AccountMetadata{
		ExternalID: externalID,
		SourceType: sourceType,
		Type:       accountType,
		Name:       name,
		Fields:     map[string]string{},
	}, nil
}

// Merge folds newer header fields into existing metadata without replacing
// it. Identity fields (ExternalID, AccountID, FirstSeen) are preserved.
func (m *AccountMetadata) Merge(update AccountMetadata) {
	if update.Name != "" {
		m.Name = update.Name
	}
	if update.Type != "" {
		m.Type = update.Type
	}
	if m.Fields == nil {
		m.Fields = map[string]string{}
	}
	for k, v := range update.Fields {
		m.Fields[k] = v
	}
	m.UpdatedAt = update.UpdatedAt
}

// Transaction is the canonical ledger entry usable uniformly across all
// source types. Sign convention: the amount is always the effect on the
// owning account's balance. Debt accounts carry negative balances, so
// charges are negative and repayments positive.
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Date      time.Time       `json:"date"`
	Amount    decimal.Decimal `json:"amount"`
	Merchant  string          `json:"merchant"`
	Notes     string          `json:"notes,omitempty"`
	// Balance is the running balance as printed by the source, when known.
	Balance *decimal.Decimal `json:"balance,omitempty"`
	// SequenceNumber is the mandatory ordering tie-break for same-day
	// transactions; unique per account.
	SequenceNumber int      `json:"sequenceNumber"`
	Flow           Flow     `json:"flow"`
	Category       Category `json:"category"`
}

// NewTransaction creates a validated canonical transaction.
func NewTransaction(id, accountID string, date time.Time, amount decimal.Decimal, merchant string, flow Flow) (*Transaction, error) {
	if id == "" {
		return nil, fmt.Errorf("transaction ID cannot be empty")
	}
	if accountID == "" {
		return nil, fmt.Errorf("account ID cannot be empty")
	}
	if date.IsZero() {
		return nil, fmt.Errorf("transaction date cannot be zero")
	}
	if merchant == "" {
		return nil, fmt.Errorf("merchant cannot be empty")
	}
	if !ValidateFlow(flow) {
		return nil, fmt.Errorf("invalid flow %q", flow)
	}
	return &Transaction{
		ID:        id,
		AccountID: accountID,
		Date:      DateOnly(date),
		Amount:    amount,
		Merchant:  merchant,
		Flow:      flow,
		Category:  CategoryOther,
	}, nil
}

// MonthlyStat aggregates matching transactions for one calendar month.
type MonthlyStat struct {
	Year     int             `json:"year"`
	Month    time.Month      `json:"month"`
	Income   decimal.Decimal `json:"income"`
	Expenses decimal.Decimal `json:"expenses"`
	Net      decimal.Decimal `json:"net"`
	Count    int             `json:"count"`
}

// ImportResult is the structured outcome of one import invocation.
type ImportResult struct {
	BatchID           string            `json:"batchId"`
	AccountID         string            `json:"accountId"`
	TotalRawRecords   int               `json:"totalRawRecords"`
	SuccessfulImports int               `json:"successfulImports"`
	DuplicateCount    int               `json:"duplicateCount"`
	ParseSkips        int               `json:"parseSkips"`
	NewAccounts       []AccountMetadata `json:"newAccounts,omitempty"`
}
