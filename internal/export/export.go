// Package export serializes query results to JSON files for downstream
// tooling.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

// Snapshot is the exported document: one rule evaluation with its result
// set and monthly aggregates.
type Snapshot struct {
	Rule         *domain.LedgerRule       `json:"rule,omitempty"`
	Transactions []domain.Transaction     `json:"transactions"`
	Monthly      []domain.MonthlyStat     `json:"monthly,omitempty"`
	Accounts     []domain.AccountMetadata `json:"accounts,omitempty"`
}

// WriteOptions configures how a snapshot is written.
type WriteOptions struct {
	// MergeMode loads the existing file and merges the new snapshot into
	// it instead of overwriting.
	MergeMode bool
	// FilePath is the output path; empty writes to stdout.
	FilePath string
}

// Write serializes the snapshot with 2-space indentation.
func Write(snapshot *Snapshot, w io.Writer) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		return fmt.Errorf("failed to encode snapshot as JSON: %w", err)
	}
	return nil
}

// WriteToFile writes the snapshot to a file or stdout based on options.
func WriteToFile(snapshot *Snapshot, opts WriteOptions) (err error) {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	if opts.MergeMode && opts.FilePath != "" {
		existing, err := Load(opts.FilePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load existing snapshot for merge: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Warning: merge mode requested but %s does not exist, creating new file\n", opts.FilePath)
		} else {
			if err := merge(existing, snapshot); err != nil {
				return fmt.Errorf("failed to merge snapshots: %w", err)
			}
			snapshot = existing
		}
	}

	if opts.FilePath == "" {
		return Write(snapshot, os.Stdout)
	}

	f, err := os.Create(opts.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", opts.FilePath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close output file %s: %w", opts.FilePath, closeErr)
		}
	}()

	if err = Write(snapshot, f); err != nil {
		return fmt.Errorf("failed to write snapshot to %s: %w", opts.FilePath, err)
	}
	return nil
}

// Load reads an existing snapshot for merge mode.
func Load(filePath string) (*Snapshot, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	f, err := os.Open(filePath)
	if err != nil {
		// Unwrapped so the caller can check os.IsNotExist.
		return nil, err
	}
	defer f.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(f).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot JSON: %w", err)
	}
	return &snapshot, nil
}

// merge folds the source snapshot into the target. Transactions merge by
// ID (idempotent); accounts merge by external ID with newer header fields
// winning. Monthly aggregates and the rule are replaced, since they derive
// from the merged transaction set's origin query.
func merge(target, src *Snapshot) error {
	if target == nil || src == nil {
		return fmt.Errorf("snapshots cannot be nil")
	}

	seen := make(map[string]struct{}, len(target.Transactions))
	for _, txn := range target.Transactions {
		if txn.ID == "" {
			return fmt.Errorf("existing snapshot has a transaction without an ID")
		}
		seen[txn.ID] = struct{}{}
	}
	for _, txn := range src.Transactions {
		if _, ok := seen[txn.ID]; ok {
			continue
		}
		seen[txn.ID] = struct{}{}
		target.Transactions = append(target.Transactions, txn)
	}

	byExternal := make(map[string]int, len(target.Accounts))
	for i, meta := range target.Accounts {
		byExternal[meta.ExternalID] = i
	}
	for _, meta := range src.Accounts {
		if i, ok := byExternal[meta.ExternalID]; ok {
			target.Accounts[i].Merge(meta)
			continue
		}
		byExternal[meta.ExternalID] = len(target.Accounts)
		target.Accounts = append(target.Accounts, meta)
	}

	target.Rule = src.Rule
	target.Monthly = src.Monthly
	return nil
}
