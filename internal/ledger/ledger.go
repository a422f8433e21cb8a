// Package ledger translates declarative ledger rules into executable form
// and computes aggregates over the matching transactions. The semantics are
// defined once, backend-independently: the in-memory predicate built by
// Compile and the SQL clause built by SQL must select the same transactions,
// and every backend orders results by date, then sequence number, then id.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

// Predicate tests one canonical transaction against a rule.
type Predicate func(txn *domain.Transaction) bool

// Compile builds the linear-scan evaluator for a rule. A transaction
// matches iff its account is in the include set (or the set is empty), not
// in the exclude set, its date falls inside [start,end], its absolute
// amount inside [min,max], its flow is wanted, and its category matches
// when one is specified.
func Compile(rule *domain.LedgerRule) (Predicate, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	included := toSet(rule.IncludeAccounts)
	excluded := toSet(rule.ExcludeAccounts)
	start, end := ruleWindow(rule)

	return func(txn *domain.Transaction) bool {
		if len(included) > 0 {
			if _, ok := included[txn.AccountID]; !ok {
				return false
			}
		}
		if _, ok := excluded[txn.AccountID]; ok {
			return false
		}
		if start != nil && txn.Date.Before(*start) {
			return false
		}
		if end != nil && txn.Date.After(*end) {
			return false
		}
		abs := txn.Amount.Abs()
		if rule.MinAmount != nil && abs.LessThan(*rule.MinAmount) {
			return false
		}
		if rule.MaxAmount != nil && abs.GreaterThan(*rule.MaxAmount) {
			return false
		}
		if !rule.WantsFlow(txn.Flow) {
			return false
		}
		if rule.Category != nil && txn.Category != *rule.Category {
			return false
		}
		return true
	}, nil
}

// ruleWindow clamps the rule's date bounds to whole days. Rule matching is
// defined on dates; a bound carrying a time of day must select the same
// transactions as its midnight equivalent in every translation.
func ruleWindow(rule *domain.LedgerRule) (start, end *time.Time) {
	if rule.Start != nil {
		d := domain.DateOnly(*rule.Start)
		start = &d
	}
	if rule.End != nil {
		d := domain.DateOnly(*rule.End)
		end = &d
	}
	return start, end
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// SQL renders a rule as a WHERE clause over the transactions table plus its
// bind arguments. Amounts are stored as integer minor units, so the
// absolute-amount bounds compare exactly; dates are stored as YYYY-MM-DD
// text, which collates chronologically.
func SQL(rule *domain.LedgerRule) (string, []any, error) {
	if err := rule.Validate(); err != nil {
		return "", nil, err
	}

	clauses := []string{"1=1"}
	var args []any
	start, end := ruleWindow(rule)

	if len(rule.IncludeAccounts) > 0 {
		clauses = append(clauses, "account_id IN ("+placeholders(len(rule.IncludeAccounts))+")")
		for _, id := range rule.IncludeAccounts {
			args = append(args, id)
		}
	}
	if len(rule.ExcludeAccounts) > 0 {
		clauses = append(clauses, "account_id NOT IN ("+placeholders(len(rule.ExcludeAccounts))+")")
		for _, id := range rule.ExcludeAccounts {
			args = append(args, id)
		}
	}
	if start != nil {
		clauses = append(clauses, "date >= ?")
		args = append(args, start.Format("2006-01-02"))
	}
	if end != nil {
		clauses = append(clauses, "date <= ?")
		args = append(args, end.Format("2006-01-02"))
	}
	if rule.MinAmount != nil {
		clauses = append(clauses, "ABS(amount_minor) >= ?")
		args = append(args, MinorUnits(*rule.MinAmount))
	}
	if rule.MaxAmount != nil {
		clauses = append(clauses, "ABS(amount_minor) <= ?")
		args = append(args, MinorUnits(*rule.MaxAmount))
	}
	if len(rule.Flows) > 0 {
		clauses = append(clauses, "flow IN ("+placeholders(len(rule.Flows))+")")
		for _, flow := range rule.Flows {
			args = append(args, string(flow))
		}
	}
	if rule.Category != nil {
		clauses = append(clauses, "category = ?")
		args = append(args, string(*rule.Category))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// OrderBy is the mandatory result ordering, shared by every backend.
const OrderBy = "date ASC, sequence_number ASC, id ASC"

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// MinorUnits renders a decimal amount as integer minor units (cents).
// Canonical amounts are rounded to two places at creation, so this is
// lossless.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// SortTransactions applies the mandatory ordering in place.
func SortTransactions(txns []domain.Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		a, b := &txns[i], &txns[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.ID < b.ID
	})
}

// MonthlyStatistics groups transactions by calendar month. Per group:
// income sums the positive amounts, expenses sums the magnitudes of the
// negative ones, net = income - expenses. Input order does not matter;
// output is ordered chronologically.
func MonthlyStatistics(txns []domain.Transaction) []domain.MonthlyStat {
	type monthKey struct {
		year  int
		month time.Month
	}
	groups := make(map[monthKey]*domain.MonthlyStat)
	var keys []monthKey

	for i := range txns {
		txn := &txns[i]
		key := monthKey{year: txn.Date.Year(), month: txn.Date.Month()}
		stat, ok := groups[key]
		if !ok {
			stat = &domain.MonthlyStat{Year: key.year, Month: key.month}
			groups[key] = stat
			keys = append(keys, key)
		}
		if txn.Amount.IsPositive() {
			stat.Income = stat.Income.Add(txn.Amount)
		} else if txn.Amount.IsNegative() {
			stat.Expenses = stat.Expenses.Add(txn.Amount.Abs())
		}
		stat.Count++
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].month < keys[j].month
	})

	stats := make([]domain.MonthlyStat, 0, len(keys))
	for _, key := range keys {
		stat := groups[key]
		stat.Net = stat.Income.Sub(stat.Expenses)
		stats = append(stats, *stat)
	}
	return stats
}

// BalanceAt computes the rule's starting balance plus the signed sum of
// matching transactions dated at or before the target, in mandatory order.
// The transactions must already be the rule's result set.
func BalanceAt(rule *domain.LedgerRule, txns []domain.Transaction, at time.Time) decimal.Decimal {
	ordered := make([]domain.Transaction, len(txns))
	copy(ordered, txns)
	SortTransactions(ordered)

	cutoff := domain.DateOnly(at)
	balance := rule.StartingBalance
	for i := range ordered {
		if ordered[i].Date.After(cutoff) {
			break
		}
		balance = balance.Add(ordered[i].Amount)
	}
	return balance
}

// CheckEquivalence compares two backends' result sets for one rule. Both
// the membership and the order must agree; the first divergence is
// reported.
func CheckEquivalence(a, b []domain.Transaction) error {
	if len(a) != len(b) {
		return fmt.Errorf("result sets differ in size: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return fmt.Errorf("result sets diverge at position %d: %s vs %s", i, a[i].ID, b[i].ID)
		}
		if !a[i].Amount.Equal(b[i].Amount) || !a[i].Date.Equal(b[i].Date) {
			return fmt.Errorf("transaction %s differs between backends", a[i].ID)
		}
	}
	return nil
}
