package registry

import (
	"testing"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

func TestLookup(t *testing.T) {
	r := New()
	for _, sourceType := range []domain.SourceType{
		domain.SourceCSV, domain.SourcePDF, domain.SourceSpreadsheet,
		domain.SourceAPI, domain.SourceOFX,
	} {
		src, err := r.Lookup(sourceType)
		if err != nil {
			t.Errorf("Lookup(%q) error: %v", sourceType, err)
			continue
		}
		if src.Type() != sourceType {
			t.Errorf("Lookup(%q) returned adapter with type %q", sourceType, src.Type())
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	r := New()
	if _, err := r.Lookup(domain.SourceType("carrier-pigeon")); err == nil {
		t.Error("Lookup() accepted an unregistered source type")
	}
}

func TestDetectType(t *testing.T) {
	r := New()
	tests := []struct {
		name    string
		payload source.Payload
		want    domain.SourceType
		wantErr bool
	}{
		{name: "csv extension", payload: source.Payload{Name: "jan.csv"}, want: domain.SourceCSV},
		{name: "pdf extension", payload: source.Payload{Name: "loan.PDF"}, want: domain.SourcePDF},
		{name: "xlsx extension", payload: source.Payload{Name: "export.xlsx"}, want: domain.SourceSpreadsheet},
		{name: "qfx extension", payload: source.Payload{Name: "stmt.qfx"}, want: domain.SourceOFX},
		{name: "pdf magic", payload: source.Payload{Name: "download", Data: []byte("%PDF-1.7\n")}, want: domain.SourcePDF},
		{name: "ofx header", payload: source.Payload{Name: "download", Data: []byte("OFXHEADER:100\n")}, want: domain.SourceOFX},
		{name: "json body", payload: source.Payload{Name: "download", Data: []byte(`{"transactions":[]}`)}, want: domain.SourceAPI},
		{name: "unknown", payload: source.Payload{Name: "download", Data: []byte("hello")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.DetectType(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Error("DetectType() accepted an unrecognizable payload")
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectType() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DetectType() = %q, want %q", got, tt.want)
			}
		})
	}
}
