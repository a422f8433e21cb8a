package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a monetary string into an exact decimal. It accepts
// the notations seen across statement sources: "1234.56", "1,234.56",
// "1 234,56", "1.234,56" and parenthesized negatives "(123.45)". Binary
// floats are never involved.
func ParseAmount(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = cleaned[1 : len(cleaned)-1]
	}

	// Strip grouping spaces, including the non-breaking spaces some bank
	// PDFs render between thousands.
	cleaned = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\u00a0' || r == '\u202f' || r == '\'' {
			return -1
		}
		return r
	}, cleaned)

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Whichever separator comes last is the decimal point.
		if lastComma > lastDot {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(cleaned, ",") > 1 {
			// Multiple commas can only be grouping separators.
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else if len(cleaned)-lastComma-1 == 3 {
			// "1,234" is grouping, "12,34" is a decimal comma.
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// statementDateLayouts are tried in order by ParseDate. US middle-endian
// dates are deliberately absent: no supported source emits them, and
// admitting them would make "03/04/2025" ambiguous.
var statementDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"02-01-2006",
	"2 Jan 2006",
	"02 Jan 2006",
}

// ParseDate parses a statement date in any supported notation.
func ParseDate(s string) (time.Time, error) {
	cleaned := strings.TrimSpace(s)
	for _, layout := range statementDateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
