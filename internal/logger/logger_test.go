package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	ctx := WithContext(context.Background(), log)
	got := FromContext(ctx)
	got.Info().Str("account", "chk").Msg("import started")

	out := buf.String()
	if !strings.Contains(out, `"account":"chk"`) {
		t.Errorf("field missing from log output: %s", out)
	}
	if !strings.Contains(out, "import started") {
		t.Errorf("message missing from log output: %s", out)
	}
}

func TestFromContext_MissingLoggerIsSilent(t *testing.T) {
	log := FromContext(context.Background())
	// Must not panic and must not write anywhere visible.
	log.Error().Msg("dropped")
}
