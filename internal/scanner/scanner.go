// Package scanner walks a directory tree and finds importable statement
// artifacts.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Scanner walks a directory tree for statement files.
type Scanner struct {
	rootDir string
}

// New creates a scanner for the given root directory.
func New(rootDir string) *Scanner {
	return &Scanner{rootDir: rootDir}
}

// Result is one found artifact with metadata derived from its path.
type Result struct {
	Path string
	// AccountHint is the external account identifier inferred from the
	// directory layout, when the tree follows {root}/{account}/file.ext.
	AccountHint string
	// Period is the statement period directory (YYYY-MM), when present.
	Period     string
	DetectedAt time.Time
}

var statementExtensions = map[string]struct{}{
	".csv": {}, ".txt": {}, ".pdf": {}, ".xlsx": {}, ".xlsm": {},
	".ofx": {}, ".qfx": {}, ".json": {}, ".zip": {},
}

// Scan walks the tree and returns every statement file, sorted by path.
func (s *Scanner) Scan() ([]Result, error) {
	rootDir := expandHome(s.rootDir)

	var results []Result
	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != rootDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := statementExtensions[ext]; !ok {
			return nil
		}

		result := Result{Path: path, DetectedAt: time.Now()}
		result.AccountHint, result.Period = pathMetadata(path, rootDir)
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return results, nil
}

// pathMetadata reads the directory convention {root}/{account}/{period?}/file.
func pathMetadata(filePath, rootDir string) (accountHint, period string) {
	relPath, err := filepath.Rel(rootDir, filePath)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")

	if len(parts) >= 2 {
		accountHint = parts[0]
	}
	if len(parts) >= 3 && looksLikePeriod(parts[1]) {
		period = parts[1]
	}
	return accountHint, period
}

// looksLikePeriod reports whether the string looks like YYYY-MM.
func looksLikePeriod(str string) bool {
	return len(str) >= 7 && str[4] == '-'
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
