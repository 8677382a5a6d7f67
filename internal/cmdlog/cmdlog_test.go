package cmdlog

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"rugguard/internal/logging"
)

func TestRunLogsOutcome(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	defer logging.SetOutput(os.Stdout)

	if err := Run("demo", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	want := errors.New("boom")
	if err := Run("demo", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "demo_ok") || !strings.Contains(out, "demo_error") {
		t.Fatalf("missing log lines: %s", out)
	}
}
