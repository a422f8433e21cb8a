package importer

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/logger"
	"github.com/rumor-ml/commons.systems/finledger/internal/scanner"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// dirConcurrency bounds parallel file imports. Per-account locks serialize
// work within one account regardless.
const dirConcurrency = 4

// FileResult pairs one scanned file with its import outcome.
type FileResult struct {
	Path   string
	Result *domain.ImportResult
	Err    error
}

// ImportDir scans a directory tree and imports every statement artifact it
// finds, each file as its own atomic batch. Files run in parallel; one
// file's failure is recorded in its FileResult and does not stop the rest.
// The returned slice is ordered by path.
func (s *Service) ImportDir(ctx context.Context, root string, params source.Params) ([]FileResult, error) {
	results, err := scanner.New(root).Scan()
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	outcomes := make([]FileResult, len(results))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dirConcurrency)
	for i, found := range results {
		g.Go(func() error {
			data, err := os.ReadFile(found.Path)
			if err != nil {
				outcomes[i] = FileResult{Path: found.Path, Err: &domain.SourceAccessError{Source: found.Path, Err: err}}
				return nil
			}

			result, err := s.ImportFrom(ctx, ImportSource{
				Payload: source.Payload{Name: filepath.Base(found.Path), Data: data},
				Params:  params,
			})
			if err != nil {
				log.Warn().Str("file", found.Path).Err(err).Msg("file import failed")
				outcomes[i] = FileResult{Path: found.Path, Err: err}
				// Cancellation stops the remaining files.
				return ctx.Err()
			}
			outcomes[i] = FileResult{Path: found.Path, Result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Path < outcomes[j].Path })
	return outcomes, nil
}
