package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerRule is a declarative filter describing a subset of the canonical
// ledger. Pure data, no behavior: the ledger package translates a rule into
// an executable predicate or a SQL clause, and both translations must
// select the same transactions in the same order.
type LedgerRule struct {
	// IncludeAccounts restricts matching to the listed account IDs.
	// Empty means unconstrained.
	IncludeAccounts []string `json:"includeAccounts,omitempty" yaml:"include_accounts"`
	// ExcludeAccounts removes the listed account IDs from the match.
	ExcludeAccounts []string `json:"excludeAccounts,omitempty" yaml:"exclude_accounts"`
	// Start and End bound the occurrence date, inclusive. Nil = unbounded.
	Start *time.Time `json:"start,omitempty" yaml:"start"`
	End   *time.Time `json:"end,omitempty" yaml:"end"`
	// MinAmount and MaxAmount bound the absolute amount, inclusive.
	MinAmount *decimal.Decimal `json:"minAmount,omitempty" yaml:"min_amount"`
	MaxAmount *decimal.Decimal `json:"maxAmount,omitempty" yaml:"max_amount"`
	// Flows lists the flows to include. Empty means all flows.
	Flows []Flow `json:"flows,omitempty" yaml:"flows"`
	// Category restricts matching to one category when non-nil.
	Category *Category `json:"category,omitempty" yaml:"category"`
	// StartingBalance anchors balance-at-date computations for this rule's
	// slice of the ledger (e.g. a loan's disbursed principal as a negative
	// figure). Zero when the slice starts from nothing.
	StartingBalance decimal.Decimal `json:"startingBalance" yaml:"starting_balance"`
}

// Validate checks the rule's internal consistency.
func (r *LedgerRule) Validate() error {
	if r.Start != nil && r.End != nil && r.End.Before(*r.Start) {
		return fmt.Errorf("rule end date %s precedes start date %s",
			r.End.Format("2006-01-02"), r.Start.Format("2006-01-02"))
	}
	if r.MinAmount != nil && r.MinAmount.IsNegative() {
		return fmt.Errorf("minimum amount bound must be absolute, got %s", r.MinAmount)
	}
	if r.MaxAmount != nil && r.MaxAmount.IsNegative() {
		return fmt.Errorf("maximum amount bound must be absolute, got %s", r.MaxAmount)
	}
	if r.MinAmount != nil && r.MaxAmount != nil && r.MaxAmount.LessThan(*r.MinAmount) {
		return fmt.Errorf("maximum amount %s below minimum %s", r.MaxAmount, r.MinAmount)
	}
	for _, f := range r.Flows {
		if !ValidateFlow(f) {
			return fmt.Errorf("invalid flow %q in rule", f)
		}
	}
	if r.Category != nil && !ValidateCategory(*r.Category) {
		return fmt.Errorf("invalid category %q in rule", *r.Category)
	}
	return nil
}

// WantsFlow reports whether the rule's flow flags admit the given flow.
func (r *LedgerRule) WantsFlow(f Flow) bool {
	if len(r.Flows) == 0 {
		return true
	}
	for _, want := range r.Flows {
		if want == f {
			return true
		}
	}
	return false
}
