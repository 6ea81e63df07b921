package state

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadFileEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []FileSnapshot{
		{Path: "a.txt", Exists: true, Size: 10, ModTime: time.Now().UTC().Truncate(time.Second)},
		{Path: "dir/b.txt", Exists: true, IsDir: false, Size: 20, ModTime: time.Now().UTC().Truncate(time.Second)},
	}

	if err := s.SaveFileEntries(ctx, "demo", entries); err != nil {
		t.Fatalf("SaveFileEntries: %v", err)
	}

	got, err := s.LoadFileEntries(ctx, "demo")
	if err != nil {
		t.Fatalf("LoadFileEntries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}

	byPath := make(map[string]FileSnapshot)
	for _, e := range got {
		byPath[e.Path] = e
	}
	if byPath["a.txt"].Size != 10 {
		t.Fatalf("expected a.txt size 10, got %d", byPath["a.txt"].Size)
	}
	if !byPath["dir/b.txt"].Exists {
		t.Fatalf("expected dir/b.txt to be marked existing")
	}
}

func TestSaveFileEntriesReplacesPriorSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := []FileSnapshot{{Path: "stale.txt", Exists: true, Size: 1, ModTime: time.Now()}}
	if err := s.SaveFileEntries(ctx, "demo", first); err != nil {
		t.Fatalf("SaveFileEntries: %v", err)
	}

	second := []FileSnapshot{{Path: "fresh.txt", Exists: true, Size: 2, ModTime: time.Now()}}
	if err := s.SaveFileEntries(ctx, "demo", second); err != nil {
		t.Fatalf("SaveFileEntries: %v", err)
	}

	got, err := s.LoadFileEntries(ctx, "demo")
	if err != nil {
		t.Fatalf("LoadFileEntries: %v", err)
	}
	if len(got) != 1 || got[0].Path != "fresh.txt" {
		t.Fatalf("expected only fresh.txt to survive, got %+v", got)
	}
}

func TestSignatureUpsertAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := SignatureKey{RuleName: "compile", TriggerPath: "main.c"}
	if err := s.SaveSignature(ctx, key, "sig-v1"); err != nil {
		t.Fatalf("SaveSignature: %v", err)
	}
	if err := s.SaveSignature(ctx, key, "sig-v2"); err != nil {
		t.Fatalf("SaveSignature (update): %v", err)
	}

	sigs, err := s.LoadSignatures(ctx)
	if err != nil {
		t.Fatalf("LoadSignatures: %v", err)
	}
	if sigs[key] != "sig-v2" {
		t.Fatalf("expected updated signature sig-v2, got %q", sigs[key])
	}
}

func TestLoadSignaturesEmpty(t *testing.T) {
	s := openTestStore(t)
	sigs, err := s.LoadSignatures(context.Background())
	if err != nil {
		t.Fatalf("LoadSignatures: %v", err)
	}
	if len(sigs) != 0 {
		t.Fatalf("expected no signatures, got %d", len(sigs))
	}
}
