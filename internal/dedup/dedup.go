// Package dedup detects re-imported transactions via SHA256 fingerprinting.
// Each source type owns its own fingerprint definition, because the fields
// that make a record unique differ by source: an OFX record carries an
// institution-assigned ID, a CSV row at best a reference column, a PDF line
// nothing beyond its parsed fields.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

// Strategy computes the fingerprint for one source type's raw records.
type Strategy interface {
	// Fingerprint is a pure, deterministic function of a defined field
	// subset. Equal inputs must hash equally across process restarts.
	Fingerprint(raw *domain.RawTransaction) string
}

// ForSource returns the fingerprint strategy for a source type. The mapping
// is a closed table; unknown types fall back to the field-based strategy.
func ForSource(sourceType domain.SourceType) Strategy {
	if s, ok := strategies[sourceType]; ok {
		return s
	}
	return fieldStrategy{}
}

var strategies = map[domain.SourceType]Strategy{
	domain.SourceCSV:         fieldStrategy{extras: []string{"reference"}},
	domain.SourcePDF:         fieldStrategy{},
	domain.SourceSpreadsheet: fieldStrategy{},
	domain.SourceAPI:         remoteIDStrategy{},
	domain.SourceOFX:         fitIDStrategy{},
}

// hashKey hashes the joined parts. Amounts must already be rendered as
// fixed-point strings; binary floats never enter a fingerprint.
func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

var merchantNormalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeMerchant folds a counterparty string for fingerprinting:
// lowercase, accents stripped, interior whitespace collapsed. "Café  MÜNZE"
// and "cafe munze" fingerprint identically.
func NormalizeMerchant(merchant string) string {
	folded, _, err := transform.String(merchantNormalizer, merchant)
	if err != nil {
		folded = merchant
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

func baseParts(raw *domain.RawTransaction) []string {
	return []string{
		string(raw.SourceType),
		raw.AccountID,
		raw.Date.Format("2006-01-02"),
		raw.Amount.Abs().StringFixed(2),
	}
}

// fieldStrategy fingerprints on date, absolute amount, account, and the
// normalized merchant, plus any configured extra raw fields. Used where the
// source assigns no record identity of its own.
type fieldStrategy struct {
	extras []string
}

func (s fieldStrategy) Fingerprint(raw *domain.RawTransaction) string {
	parts := append(baseParts(raw), NormalizeMerchant(raw.Merchant))
	for _, field := range s.extras {
		parts = append(parts, raw.Field(field))
	}
	return hashKey(parts...)
}

// remoteIDStrategy keys on the API's own record ID when present. Two
// legitimate same-day same-amount purchases arrive with distinct remote IDs
// and must not collapse into one.
type remoteIDStrategy struct{}

func (remoteIDStrategy) Fingerprint(raw *domain.RawTransaction) string {
	if id := raw.Field("remote_id"); id != "" {
		return hashKey(string(raw.SourceType), raw.AccountID, "remote", id)
	}
	return fieldStrategy{}.Fingerprint(raw)
}

// fitIDStrategy keys on the OFX FITID, the institution's own uniqueness
// guarantee within an account.
type fitIDStrategy struct{}

func (fitIDStrategy) Fingerprint(raw *domain.RawTransaction) string {
	if id := raw.Field("fitid"); id != "" {
		return hashKey(string(raw.SourceType), raw.AccountID, "fitid", id)
	}
	return fieldStrategy{}.Fingerprint(raw)
}

// Index is the set of previously seen fingerprints for membership tests
// during one import run. Not safe for concurrent use; the orchestrator
// serializes per account.
type Index struct {
	seen map[string]struct{}
}

// NewIndex builds an index preloaded with existing fingerprints.
func NewIndex(existing []string) *Index {
	idx := &Index{seen: make(map[string]struct{}, len(existing))}
	for _, fp := range existing {
		idx.seen[fp] = struct{}{}
	}
	return idx
}

// Has reports whether the fingerprint was already seen.
func (idx *Index) Has(fingerprint string) bool {
	_, ok := idx.seen[fingerprint]
	return ok
}

// Add records a fingerprint and reports whether it was new. A false return
// means the candidate is a duplicate of an earlier record, possibly one from
// the same batch.
func (idx *Index) Add(fingerprint string) bool {
	if _, ok := idx.seen[fingerprint]; ok {
		return false
	}
	idx.seen[fingerprint] = struct{}{}
	return true
}

// Len returns the number of distinct fingerprints.
func (idx *Index) Len() int {
	return len(idx.seen)
}
