package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

func day(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		t.Fatalf("bad test date %q: %v", value, err)
	}
	return parsed
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func txn(id, accountID, date, amount string, seq int, flow domain.Flow) domain.Transaction {
	parsed, _ := time.Parse("2006-01-02", date)
	return domain.Transaction{
		ID:             id,
		AccountID:      accountID,
		Date:           parsed.UTC(),
		Amount:         dec(amount),
		Merchant:       "M",
		SequenceNumber: seq,
		Flow:           flow,
		Category:       domain.CategoryOther,
	}
}

func sampleLedger() []domain.Transaction {
	return []domain.Transaction{
		txn("t1", "chk", "2025-01-05", "-50.00", 1, domain.FlowExpense),
		txn("t2", "chk", "2025-01-15", "1000.00", 2, domain.FlowIncome),
		txn("t3", "chk", "2025-02-03", "-200.00", 3, domain.FlowExpense),
		txn("t4", "sav", "2025-01-20", "5.25", 1, domain.FlowIncome),
		txn("t5", "chk", "2025-02-03", "-20.00", 4, domain.FlowExpense),
		txn("t6", "sav", "2025-02-10", "-300.00", 2, domain.FlowNeutral),
	}
}

func apply(t *testing.T, rule *domain.LedgerRule, txns []domain.Transaction) []domain.Transaction {
	t.Helper()
	pred, err := Compile(rule)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	var out []domain.Transaction
	for i := range txns {
		if pred(&txns[i]) {
			out = append(out, txns[i])
		}
	}
	SortTransactions(out)
	return out
}

func ids(txns []domain.Transaction) []string {
	out := make([]string, len(txns))
	for i := range txns {
		out[i] = txns[i].ID
	}
	return out
}

func assertIDs(t *testing.T, got []domain.Transaction, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("got %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("got %v, want %v", gotIDs, want)
		}
	}
}

func TestCompile_AccountSets(t *testing.T) {
	rule := &domain.LedgerRule{IncludeAccounts: []string{"chk", "sav"}, ExcludeAccounts: []string{"sav"}}
	got := apply(t, rule, sampleLedger())
	assertIDs(t, got, "t1", "t2", "t3", "t5")
}

func TestCompile_DateWindow(t *testing.T) {
	start := day(t, "2025-01-10")
	end := day(t, "2025-02-03")
	rule := &domain.LedgerRule{Start: &start, End: &end}
	got := apply(t, rule, sampleLedger())
	// Bounds are inclusive on both ends.
	assertIDs(t, got, "t2", "t4", "t3", "t5")
}

func TestCompile_DateWindowIgnoresTimeOfDay(t *testing.T) {
	// Bounds may carry a clock time; matching is defined on whole days, so
	// both translations clamp them to midnight.
	start := time.Date(2025, 1, 5, 13, 0, 0, 0, time.UTC)
	end := time.Date(2025, 2, 3, 6, 30, 0, 0, time.UTC)
	rule := &domain.LedgerRule{Start: &start, End: &end}

	got := apply(t, rule, sampleLedger())
	assertIDs(t, got, "t1", "t2", "t4", "t3", "t5")

	clause, args, err := SQL(rule)
	if err != nil {
		t.Fatalf("SQL() error: %v", err)
	}
	if want := "1=1 AND date >= ? AND date <= ?"; clause != want {
		t.Errorf("clause = %q, want %q", clause, want)
	}
	if args[0] != "2025-01-05" || args[1] != "2025-02-03" {
		t.Errorf("date args = %v", args)
	}
}

func TestCompile_AmountBounds(t *testing.T) {
	min := dec("50.00")
	max := dec("300.00")
	rule := &domain.LedgerRule{MinAmount: &min, MaxAmount: &max}
	got := apply(t, rule, sampleLedger())
	// Bounds apply to the absolute amount; t6 (-300.00) is inside.
	assertIDs(t, got, "t1", "t3", "t6")
}

func TestCompile_Flows(t *testing.T) {
	rule := &domain.LedgerRule{Flows: []domain.Flow{domain.FlowIncome}}
	got := apply(t, rule, sampleLedger())
	assertIDs(t, got, "t2", "t4")
}

func TestCompile_InvalidRule(t *testing.T) {
	start := day(t, "2025-02-01")
	end := day(t, "2025-01-01")
	if _, err := Compile(&domain.LedgerRule{Start: &start, End: &end}); err == nil {
		t.Error("Compile() accepted an inverted date range")
	}
}

func TestSortTransactions_TieBreak(t *testing.T) {
	txns := []domain.Transaction{
		txn("b", "chk", "2025-02-03", "-1.00", 2, domain.FlowExpense),
		txn("a", "chk", "2025-02-03", "-1.00", 2, domain.FlowExpense),
		txn("c", "chk", "2025-02-03", "-1.00", 1, domain.FlowExpense),
		txn("d", "chk", "2025-01-01", "-1.00", 9, domain.FlowExpense),
	}
	SortTransactions(txns)
	assertIDs(t, txns, "d", "c", "a", "b")
}

func TestSQL_Rendering(t *testing.T) {
	start := day(t, "2025-01-01")
	min := dec("10.00")
	category := domain.CategoryDining
	rule := &domain.LedgerRule{
		IncludeAccounts: []string{"chk", "sav"},
		Start:           &start,
		MinAmount:       &min,
		Flows:           []domain.Flow{domain.FlowExpense},
		Category:        &category,
	}

	clause, args, err := SQL(rule)
	if err != nil {
		t.Fatalf("SQL() error: %v", err)
	}
	want := "1=1 AND account_id IN (?,?) AND date >= ? AND ABS(amount_minor) >= ? AND flow IN (?) AND category = ?"
	if clause != want {
		t.Errorf("clause = %q, want %q", clause, want)
	}
	if len(args) != 6 {
		t.Fatalf("got %d args, want 6", len(args))
	}
	if args[3] != int64(1000) {
		t.Errorf("amount bound = %v, want 1000 minor units", args[3])
	}
}

func TestMinorUnits_RoundTrip(t *testing.T) {
	for _, value := range []string{"0.00", "0.01", "-176940.00", "1234.56", "-0.30"} {
		amount := dec(value)
		back := FromMinorUnits(MinorUnits(amount))
		if !back.Equal(amount) {
			t.Errorf("round trip %s -> %d -> %s", amount, MinorUnits(amount), back)
		}
	}
}

func TestMonthlyStatistics(t *testing.T) {
	stats := MonthlyStatistics(sampleLedger())
	if len(stats) != 2 {
		t.Fatalf("got %d months, want 2", len(stats))
	}

	jan := stats[0]
	if jan.Year != 2025 || jan.Month != time.January {
		t.Fatalf("first group is %d-%s, want 2025-January", jan.Year, jan.Month)
	}
	if !jan.Income.Equal(dec("1005.25")) {
		t.Errorf("January income = %s, want 1005.25", jan.Income)
	}
	if !jan.Expenses.Equal(dec("50.00")) {
		t.Errorf("January expenses = %s, want 50.00", jan.Expenses)
	}
	if !jan.Net.Equal(dec("955.25")) {
		t.Errorf("January net = %s, want 955.25", jan.Net)
	}
	if jan.Count != 3 {
		t.Errorf("January count = %d, want 3", jan.Count)
	}

	feb := stats[1]
	if !feb.Expenses.Equal(dec("520.00")) {
		t.Errorf("February expenses = %s, want 520.00", feb.Expenses)
	}
	if !feb.Net.Equal(dec("-520.00")) {
		t.Errorf("February net = %s, want -520.00", feb.Net)
	}
}

func TestBalanceAt_LoanScenario(t *testing.T) {
	// Starting principal -180000; three repayments reduce the debt.
	rule := &domain.LedgerRule{StartingBalance: dec("-180000")}
	txns := []domain.Transaction{
		txn("p1", "loan", "2025-01-02", "1000.00", 1, domain.FlowNeutral),
		txn("p2", "loan", "2025-02-03", "1020.00", 2, domain.FlowNeutral),
		txn("p3", "loan", "2025-03-03", "1040.00", 3, domain.FlowNeutral),
	}

	got := BalanceAt(rule, txns, day(t, "2025-03-31"))
	if !got.Equal(dec("-176940")) {
		t.Errorf("balance = %s, want -176940", got)
	}

	mid := BalanceAt(rule, txns, day(t, "2025-02-03"))
	if !mid.Equal(dec("-177980")) {
		t.Errorf("balance at second payment = %s, want -177980", mid)
	}

	before := BalanceAt(rule, txns, day(t, "2025-01-01"))
	if !before.Equal(dec("-180000")) {
		t.Errorf("balance before first payment = %s, want -180000", before)
	}
}

func TestAggregationConsistency(t *testing.T) {
	// Sum of monthly nets equals the balance movement over the full window.
	rule := &domain.LedgerRule{StartingBalance: dec("100.00")}
	txns := sampleLedger()

	stats := MonthlyStatistics(txns)
	net := decimal.Zero
	for _, stat := range stats {
		net = net.Add(stat.Net)
	}

	first := BalanceAt(rule, txns, day(t, "2024-12-31"))
	last := BalanceAt(rule, txns, day(t, "2025-12-31"))
	if !net.Equal(last.Sub(first)) {
		t.Errorf("monthly nets sum to %s, balance moved by %s", net, last.Sub(first))
	}
}

func TestCheckEquivalence(t *testing.T) {
	a := sampleLedger()
	b := sampleLedger()
	if err := CheckEquivalence(a, b); err != nil {
		t.Errorf("identical sets reported divergent: %v", err)
	}

	b[2], b[3] = b[3], b[2]
	if err := CheckEquivalence(a, b); err == nil {
		t.Error("reordered sets reported equivalent")
	}
}
