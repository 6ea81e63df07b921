package launcher

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	l := New()
	res, err := l.Run(context.Background(), "exit 0", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	l := New()
	res, err := l.Run(context.Background(), "echo boom 1>&2; exit 3", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if !strings.Contains(res.StderrTail, "boom") {
		t.Fatalf("expected stderr tail to contain %q, got %q", "boom", res.StderrTail)
	}
}

func TestRunCancellation(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Run(ctx, "sleep 5", t.TempDir(), nil)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
