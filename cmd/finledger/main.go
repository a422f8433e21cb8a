package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/export"
	"github.com/rumor-ml/commons.systems/finledger/internal/importer"
	"github.com/rumor-ml/commons.systems/finledger/internal/ledger"
	"github.com/rumor-ml/commons.systems/finledger/internal/logger"
	"github.com/rumor-ml/commons.systems/finledger/internal/rules"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
	"github.com/rumor-ml/commons.systems/finledger/internal/store"
	"github.com/rumor-ml/commons.systems/finledger/internal/store/firestore"
	"github.com/rumor-ml/commons.systems/finledger/internal/store/memstore"
	"github.com/rumor-ml/commons.systems/finledger/internal/store/sqlstore"
	"github.com/rumor-ml/commons.systems/finledger/internal/ui"
)

const version = "0.1.0"

var (
	versionFlag = flag.Bool("version", false, "Show version")

	// Import flags
	inputPath = flag.String("input", "", "Statement file, archive, or directory to import")
	password  = flag.String("password", "", "Password for encrypted archives")
	account   = flag.String("account", "", "Restrict import to one external account ID")
	rulesFile = flag.String("rules", "", "Category rules file (default: embedded rules)")

	// Storage flags
	dbPath          = flag.String("db", "finledger.db", "SQLite database path (empty = in-memory)")
	projectID       = flag.String("firestore-project", "", "Use Firestore backend with this project ID")
	credentialsFile = flag.String("firestore-credentials", "", "Firestore credentials file")

	// Query flags
	queryFlag    = flag.Bool("query", false, "Print transactions matching the rule flags")
	statsFlag    = flag.Bool("stats", false, "Print monthly statistics for the rule flags")
	balanceAt    = flag.String("balance-at", "", "Print the balance at this date (YYYY-MM-DD)")
	startBalance = flag.String("starting-balance", "", "Starting balance for -balance-at")
	includeFlag  = flag.String("accounts", "", "Comma-separated account IDs to include")
	startFlag    = flag.String("start", "", "Window start date (YYYY-MM-DD)")
	endFlag      = flag.String("end", "", "Window end date (YYYY-MM-DD)")
	flowsFlag    = flag.String("flows", "", "Comma-separated flows: income,expense,neutral")

	// Output flags
	outputFile = flag.String("output", "", "Output JSON file (default: stdout)")
	mergeMode  = flag.Bool("merge", false, "Merge with existing output file")

	// Maintenance flags
	sweepFlag = flag.Bool("sweep", false, "Apply the retention policy and exit")
	verbose   = flag.Bool("verbose", false, "Show detailed logs")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, `finledger - transaction ingestion and ledger queries

Usage:
  finledger [flags]

Flags:
`)
		flag.PrintDefaults()
		fmt.Fprint(os.Stderr, `
Examples:
  # Import a directory of statements into the local database
  finledger -input ~/statements

  # Import an encrypted archive for one account
  finledger -input statements.zip -password secret -account 9876

  # Monthly statistics for one account, written to a file
  finledger -stats -accounts 9876 -output stats.json

  # Point-in-time loan balance
  finledger -balance-at 2025-04-30 -accounts 0100-1

`)
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("finledger version %s\n", version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New()
	if !*verbose {
		log = log.Level(zerolog.WarnLevel)
	}
	ctx = logger.WithContext(ctx, log)

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var opts []importer.Option
	if *rulesFile != "" {
		engine, err := rules.LoadFromFile(*rulesFile)
		if err != nil {
			return err
		}
		opts = append(opts, importer.WithRules(engine))
	}
	svc, err := importer.New(st, opts...)
	if err != nil {
		return err
	}

	switch {
	case *sweepFlag:
		return runSweep(ctx, svc)
	case *inputPath != "":
		return runImport(ctx, svc)
	case *queryFlag, *statsFlag, *balanceAt != "":
		return runQuery(ctx, svc)
	default:
		flag.Usage()
		return fmt.Errorf("nothing to do: pass -input, -query, -stats, -balance-at or -sweep")
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	if *projectID != "" {
		return firestore.NewStore(ctx, *projectID, *credentialsFile)
	}
	if *dbPath == "" {
		return memstore.New(), nil
	}
	return sqlstore.Open(ctx, *dbPath)
}

func runImport(ctx context.Context, svc *importer.Service) error {
	info, err := os.Stat(*inputPath)
	if err != nil {
		return fmt.Errorf("cannot read input %s: %w", *inputPath, err)
	}
	params := source.Params{Password: *password}

	if info.IsDir() {
		ui.Header("Importing Statements")
		ui.Step(1, 2, "Scanning directory")
		outcomes, err := svc.ImportDir(ctx, *inputPath, params)
		if err != nil {
			return err
		}
		ui.Step(2, 2, "Importing files")

		failed := 0
		for _, outcome := range outcomes {
			if outcome.Err != nil {
				failed++
				ui.Warning(fmt.Sprintf("%s: %v", outcome.Path, outcome.Err))
				continue
			}
			r := outcome.Result
			ui.Success(fmt.Sprintf("%s: %d imported, %d duplicates, %d skips",
				filepath.Base(outcome.Path), r.SuccessfulImports, r.DuplicateCount, r.ParseSkips))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed to import", failed, len(outcomes))
		}
		return nil
	}

	data, err := os.ReadFile(*inputPath)
	if err != nil {
		return fmt.Errorf("cannot read input %s: %w", *inputPath, err)
	}
	result, err := svc.ImportFrom(ctx, importer.ImportSource{
		Payload:     source.Payload{Name: filepath.Base(*inputPath), Data: data},
		AccountHint: *account,
		Params:      params,
	})
	if err != nil {
		return err
	}
	ui.Success(fmt.Sprintf("%d records: %d imported, %d duplicates, %d skips",
		result.TotalRawRecords, result.SuccessfulImports, result.DuplicateCount, result.ParseSkips))
	for _, meta := range result.NewAccounts {
		ui.Info(fmt.Sprintf("new account %s (%s)", meta.ExternalID, meta.Type))
	}
	return nil
}

func runQuery(ctx context.Context, svc *importer.Service) error {
	rule, err := buildRule()
	if err != nil {
		return err
	}

	snapshot := &export.Snapshot{Rule: rule}

	txns, err := svc.Query(ctx, rule)
	if err != nil {
		return err
	}
	snapshot.Transactions = txns

	if *statsFlag {
		snapshot.Monthly = ledger.MonthlyStatistics(txns)
	}
	if *balanceAt != "" {
		at, err := time.Parse("2006-01-02", *balanceAt)
		if err != nil {
			return fmt.Errorf("invalid -balance-at date: %w", err)
		}
		balance := ledger.BalanceAt(rule, txns, at)
		ui.Info(fmt.Sprintf("balance at %s: %s", *balanceAt, balance.StringFixed(2)))
	}

	if err := export.WriteToFile(snapshot, export.WriteOptions{
		MergeMode: *mergeMode,
		FilePath:  *outputFile,
	}); err != nil {
		return err
	}
	if *outputFile != "" {
		ui.Success(fmt.Sprintf("Output written to %s", *outputFile))
	}
	return nil
}

func runSweep(ctx context.Context, svc *importer.Service) error {
	result, err := svc.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	ui.Success(fmt.Sprintf("sweep removed %d raw records and %d batches",
		result.RawDeleted, result.BatchDeleted))
	return nil
}

func buildRule() (*domain.LedgerRule, error) {
	rule := &domain.LedgerRule{}

	if *includeFlag != "" {
		rule.IncludeAccounts = splitList(*includeFlag)
	}
	if *startFlag != "" {
		start, err := time.Parse("2006-01-02", *startFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid -start date: %w", err)
		}
		rule.Start = &start
	}
	if *endFlag != "" {
		end, err := time.Parse("2006-01-02", *endFlag)
		if err != nil {
			return nil, fmt.Errorf("invalid -end date: %w", err)
		}
		rule.End = &end
	}
	if *flowsFlag != "" {
		for _, f := range splitList(*flowsFlag) {
			flow := domain.Flow(f)
			if !domain.ValidateFlow(flow) {
				return nil, fmt.Errorf("invalid flow %q", f)
			}
			rule.Flows = append(rule.Flows, flow)
		}
	}
	if *startBalance != "" {
		balance, err := decimal.NewFromString(*startBalance)
		if err != nil {
			return nil, fmt.Errorf("invalid -starting-balance: %w", err)
		}
		rule.StartingBalance = balance
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
