package runtime_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cookforge/cooker/internal/runtime"
	"github.com/cookforge/cooker/internal/state"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

const touchRuleYAML = `
Rule:
  - Name: touch-rule
    CommandType: touch
    InputFilters:
      - Extensions: [".txt"]
    OutputPaths: ["{Stem}.done"]
`

func writeRuleFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	return path
}

func TestRuntimeSeedsExistingFilesOnStart(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "src.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write src.txt: %v", err)
	}
	ruleFile := writeRuleFile(t, t.TempDir(), touchRuleYAML)

	rt, err := runtime.New(
		[]runtime.RepoSpec{{Name: "demo", Root: root}},
		[]string{ruleFile},
		2, 1, noopLogger(),
		runtime.WithPollInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	if !waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "src.done"))
		return err == nil
	}, 3*time.Second) {
		t.Fatalf("expected src.done to be produced from the pre-existing src.txt")
	}
}

func TestRuntimeCooksNewlyCreatedFile(t *testing.T) {
	root := t.TempDir()
	ruleFile := writeRuleFile(t, t.TempDir(), touchRuleYAML)

	rt, err := runtime.New(
		[]runtime.RepoSpec{{Name: "demo", Root: root}},
		[]string{ruleFile},
		2, 1, noopLogger(),
		runtime.WithPollInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	time.Sleep(50 * time.Millisecond) // let the initial scan/watcher settle
	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write new.txt: %v", err)
	}

	if !waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "new.done"))
		return err == nil
	}, 3*time.Second) {
		t.Fatalf("expected new.done to be produced after new.txt was created")
	}
}

func TestRuntimeStatusReflectsCommandCounts(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "src.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write src.txt: %v", err)
	}
	ruleFile := writeRuleFile(t, t.TempDir(), touchRuleYAML)

	rt, err := runtime.New(
		[]runtime.RepoSpec{{Name: "demo", Root: root}},
		[]string{ruleFile},
		2, 1, noopLogger(),
		runtime.WithPollInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop()

	if !waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "src.done"))
		return err == nil
	}, 3*time.Second) {
		t.Fatalf("expected src.done to be produced")
	}

	if !waitFor(t, func() bool { return rt.Status().Idle >= 1 }, time.Second) {
		t.Fatalf("expected at least one idle command in status, got %+v", rt.Status())
	}
}

func TestRuntimePersistsSignaturesOnStop(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "src.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write src.txt: %v", err)
	}
	ruleFile := writeRuleFile(t, t.TempDir(), touchRuleYAML)

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	defer store.Close()

	rt, err := runtime.New(
		[]runtime.RepoSpec{{Name: "demo", Root: root}},
		[]string{ruleFile},
		2, 1, noopLogger(),
		runtime.WithStateStore(store),
		runtime.WithPollInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "src.done"))
		return err == nil
	}, 3*time.Second) {
		t.Fatalf("expected src.done to be produced")
	}

	rt.Stop()
	cancel()

	sigs, err := store.LoadSignatures(context.Background())
	if err != nil {
		t.Fatalf("LoadSignatures: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected one persisted signature, got %d", len(sigs))
	}
}
