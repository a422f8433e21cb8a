// Package pdfstmt parses bank and loan statement PDFs into raw ledger
// records. Extraction works in two phases: plain-text extraction with
// explicit page-boundary markers, then line parsing over the marked text.
package pdfstmt

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// pageMarker precedes the text of each page after the first, encoding the
// next page's 1-based number. The first document page is always implicitly
// page 1; page numbers are never inferred from digit patterns in the page
// text, which would mismatch 4-digit years.
const pageMarkerPrefix = "\x0c#PAGE:"

var pageMarkerPattern = regexp.MustCompile(`^\x0c#PAGE:(\d+)#$`)

// Source implements PDF statement extraction with a stateless design; the
// shared instance is safe for concurrent use.
type Source struct{}

var sourceInstance = &Source{}

// New returns the shared PDF source instance.
func New() *Source {
	return sourceInstance
}

// Type returns the source-type tag.
func (s *Source) Type() domain.SourceType {
	return domain.SourcePDF
}

// ExtractAccounts parses the statement header into account metadata.
func (s *Source) ExtractAccounts(ctx context.Context, payload source.Payload, params source.Params) ([]domain.AccountMetadata, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	text, err := extractText(payload)
	if err != nil {
		return nil, err
	}
	meta, err := parseHeader(payload.Name, text)
	if err != nil {
		return nil, err
	}
	return []domain.AccountMetadata{*meta}, nil
}

// ExtractTransactions parses the statement's transaction lines. Each record
// carries the page number of the page it was parsed from.
func (s *Source) ExtractTransactions(ctx context.Context, externalID string, payload source.Payload, accountID, importBatchID string, params source.Params) ([]domain.RawTransaction, error) {
	if err := source.Canceled(ctx); err != nil {
		return nil, err
	}
	text, err := extractText(payload)
	if err != nil {
		return nil, err
	}

	meta, err := parseHeader(payload.Name, text)
	if err != nil {
		return nil, err
	}
	if externalID != "" && meta.ExternalID != externalID {
		return nil, &domain.ParseError{
			Source: payload.Name,
			Detail: fmt.Sprintf("statement belongs to account %s, not %s", meta.ExternalID, externalID),
		}
	}

	return parseTransactions(payload, text, accountID, importBatchID, params)
}

// extractText pulls plain text from the PDF, inserting a page-boundary
// marker after each page's text.
func extractText(payload source.Payload) (text string, err error) {
	// The underlying reader panics on some malformed cross-reference
	// tables; surface those as access errors instead of crashing the
	// import.
	defer func() {
		if r := recover(); r != nil {
			err = &domain.SourceAccessError{Source: payload.Name, Err: fmt.Errorf("malformed PDF: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return "", &domain.SourceAccessError{Source: payload.Name, Err: err}
	}

	var sb strings.Builder
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("page %d text extraction", i), Err: err}
		}
		sb.WriteString(pageText)
		if i < total {
			fmt.Fprintf(&sb, "\n%s%d#\n", pageMarkerPrefix, i+1)
		}
	}
	return sb.String(), nil
}

// Header lines recognized in the statement preamble.
var headerFields = map[string]string{
	"loan number":       "external_id",
	"account number":    "external_id",
	"card number":       "external_id",
	"account holder":    "holder",
	"product":           "product",
	"interest rate":     "interest_rate",
	"disbursement date": "disbursement_date",
	"principal":         "principal",
	"credit limit":      "credit_limit",
}

func parseHeader(name, text string) (*domain.AccountMetadata, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		if mapped, known := headerFields[strings.ToLower(strings.TrimSpace(key))]; known {
			if _, seen := fields[mapped]; !seen {
				fields[mapped] = strings.TrimSpace(value)
			}
		}
	}

	externalID := fields["external_id"]
	if externalID == "" {
		return nil, &domain.ParseError{Source: name, Detail: "statement header carries no account or loan number"}
	}

	accountType := domain.AccountTypeLoan
	product := strings.ToLower(fields["product"])
	switch {
	case strings.Contains(product, "credit"):
		accountType = domain.AccountTypeCredit
	case strings.Contains(product, "checking") || strings.Contains(product, "current"):
		accountType = domain.AccountTypeChecking
	case strings.Contains(product, "savings"):
		accountType = domain.AccountTypeSavings
	}

	displayName := fields["product"]
	if displayName == "" {
		displayName = externalID
	}

	meta, err := domain.NewAccountMetadata(externalID, domain.SourcePDF, accountType, displayName)
	if err != nil {
		return nil, &domain.ParseError{Source: name, Detail: "invalid statement header", Err: err}
	}
	for _, key := range []string{"holder", "interest_rate", "disbursement_date", "principal", "credit_limit"} {
		if v := fields[key]; v != "" {
			meta.Fields[key] = v
		}
	}
	return meta, nil
}

// transaction lines: date, description and one or two amount columns,
// separated by runs of two or more spaces. The trailing column, when
// present, is the running balance.
var (
	columnSplit = regexp.MustCompile(`\s{2,}|\t+`)
	dateLead    = regexp.MustCompile(`^\d{2}[.-]\d{2}[.-]\d{4}$|^\d{4}-\d{2}-\d{2}$`)
)

func parseTransactions(payload source.Payload, text, accountID, importBatchID string, params source.Params) ([]domain.RawTransaction, error) {
	var transactions []domain.RawTransaction
	parsedRows := 0
	page := 1
	lines := strings.Split(text, "\n")

	for i, line := range lines {
		// The form feed in the marker is whitespace, so the marker must be
		// matched before any trimming.
		if m := pageMarkerPattern.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= page {
				return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("corrupt page marker %q", line)}
			}
			page = n
			continue
		}

		trimmed := strings.TrimSpace(line)
		cols := columnSplit.Split(trimmed, -1)
		if len(cols) < 3 || !dateLead.MatchString(cols[0]) {
			continue
		}

		date, err := source.ParseDate(cols[0])
		if err != nil {
			continue
		}

		amountCol := cols[len(cols)-1]
		balanceCol := ""
		description := strings.Join(cols[1:len(cols)-1], " ")
		if len(cols) >= 4 {
			// Try the second-to-last column as the amount with the last as
			// running balance; fall back to amount-only layout.
			if _, err := source.ParseAmount(cols[len(cols)-1]); err == nil {
				if _, err := source.ParseAmount(cols[len(cols)-2]); err == nil {
					amountCol = cols[len(cols)-2]
					balanceCol = cols[len(cols)-1]
					description = strings.Join(cols[1:len(cols)-2], " ")
				}
			}
		}

		amount, err := source.ParseAmount(amountCol)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("line %d: unparseable amount %q", i+1, amountCol), Err: err}
		}
		if description == "" {
			continue
		}
		parsedRows++
		if !params.InWindow(domain.DateOnly(date)) {
			continue
		}

		raw, err := domain.NewRawTransaction(domain.SourcePDF, date, amount, description)
		if err != nil {
			return nil, &domain.ParseError{Source: payload.Name, Detail: fmt.Sprintf("line %d", i+1), Err: err}
		}
		raw.AccountID = accountID
		raw.ImportBatchID = importBatchID
		raw.Page = page
		raw.Fields["amount"] = amountCol
		raw.Fields["line"] = trimmed
		if balanceCol != "" {
			raw.Fields["balance"] = balanceCol
		}
		transactions = append(transactions, *raw)
	}

	if err := source.EmptyCheck(payload.Name, len(payload.Data), parsedRows); err != nil {
		return nil, err
	}
	return transactions, nil
}
