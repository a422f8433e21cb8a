package source

import (
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "1234.56", want: "1234.56"},
		{in: "-1234.56", want: "-1234.56"},
		{in: "1,234.56", want: "1234.56"},
		{in: "1.234,56", want: "1234.56"},
		{in: "1 234,56", want: "1234.56"},
		{in: "1\u00a0234,56", want: "1234.56"},
		{in: "12,34", want: "12.34"},
		{in: "1,234", want: "1234"},
		{in: "1,234,567.89", want: "1234567.89"},
		{in: "(123.45)", want: "-123.45"},
		{in: "0", want: "0"},
		{in: "", wantErr: true},
		{in: "twelve", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)

	for _, in := range []string{"2025-02-03", "2025/02/03", "03.02.2025", "03-02-2025", "3 Feb 2025"} {
		got, err := ParseDate(in)
		if err != nil {
			t.Errorf("ParseDate(%q) error: %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseDate("02/03/2025"); err == nil {
		t.Error("ParseDate() accepted ambiguous middle-endian date")
	}
}

func TestParamsWindow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	p := Params{Start: &start, End: &end}

	if !p.InWindow(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Error("InWindow() rejected in-range date")
	}
	if !p.InWindow(start) || !p.InWindow(end) {
		t.Error("InWindow() bounds must be inclusive")
	}
	if p.InWindow(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Error("InWindow() admitted date before window")
	}
	if (Params{}).InWindow(time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)) == false {
		t.Error("InWindow() with no bounds must admit everything")
	}
}
