// Package registry maps source-type tags to their data source adapters.
// The table is closed and resolved at startup; there is no dynamic plugin
// discovery.
package registry

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
	"github.com/rumor-ml/commons.systems/finledger/internal/source/apistmt"
	"github.com/rumor-ml/commons.systems/finledger/internal/source/csvstmt"
	"github.com/rumor-ml/commons.systems/finledger/internal/source/ofxstmt"
	"github.com/rumor-ml/commons.systems/finledger/internal/source/pdfstmt"
	"github.com/rumor-ml/commons.systems/finledger/internal/source/sheetstmt"
)

// Registry holds the source-type dispatch table.
type Registry struct {
	sources map[domain.SourceType]source.DataSource
}

// New creates a registry with all built-in adapters.
func New() *Registry {
	r := &Registry{sources: make(map[domain.SourceType]source.DataSource)}
	r.Register(csvstmt.New())
	r.Register(pdfstmt.New())
	r.Register(sheetstmt.New())
	r.Register(apistmt.New())
	r.Register(ofxstmt.New())
	return r
}

// Register adds an adapter under its own source-type tag. A second adapter
// for the same tag replaces the first.
func (r *Registry) Register(src source.DataSource) {
	r.sources[src.Type()] = src
}

// Lookup returns the adapter for a source type.
func (r *Registry) Lookup(sourceType domain.SourceType) (source.DataSource, error) {
	src, ok := r.sources[sourceType]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for source type %q", sourceType)
	}
	return src, nil
}

// DetectType guesses the source type of a payload from its extension and
// leading bytes, for callers that ingest whole directories.
func (r *Registry) DetectType(payload source.Payload) (domain.SourceType, error) {
	ext := strings.ToLower(filepath.Ext(payload.Name))
	switch ext {
	case ".csv", ".txt":
		return domain.SourceCSV, nil
	case ".pdf":
		return domain.SourcePDF, nil
	case ".xlsx", ".xlsm":
		return domain.SourceSpreadsheet, nil
	case ".json":
		return domain.SourceAPI, nil
	case ".ofx", ".qfx":
		return domain.SourceOFX, nil
	}

	head := payload.Data
	if len(head) > 512 {
		head = head[:512]
	}
	headUpper := strings.ToUpper(string(head))
	switch {
	case strings.HasPrefix(string(head), "%PDF-"):
		return domain.SourcePDF, nil
	case strings.Contains(headUpper, "OFXHEADER") || strings.Contains(headUpper, "<OFX>"):
		return domain.SourceOFX, nil
	case strings.HasPrefix(strings.TrimSpace(string(head)), "{"):
		return domain.SourceAPI, nil
	}
	return "", fmt.Errorf("cannot detect source type of %s", payload.Name)
}

// Types returns the registered source-type tags.
func (r *Registry) Types() []domain.SourceType {
	types := make([]domain.SourceType, 0, len(r.sources))
	for t := range r.sources {
		types = append(types, t)
	}
	return types
}
