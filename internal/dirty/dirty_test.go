package dirty

import (
	"testing"
	"time"

	"github.com/cookforge/cooker/internal/cookgraph"
	"github.com/cookforge/cooker/internal/fileindex"
	"github.com/cookforge/cooker/internal/model"
	"github.com/cookforge/cooker/internal/rules"
	"github.com/cookforge/cooker/internal/strpool"
)

func setup(t *testing.T) (*Tracker, *fileindex.Index, model.RepoIndex) {
	t.Helper()
	pool := strpool.New()
	repo := model.RepoIndex(0)
	idx := fileindex.New(repo, pool)
	graph := cookgraph.New()
	tracker := New(graph, map[model.RepoIndex]*fileindex.Index{repo: idx})
	return tracker, idx, repo
}

func TestEvaluateCleanWhenSignatureMatchesAndOutputsExist(t *testing.T) {
	tracker, idx, repo := setup(t)
	in := idx.Apply("a.c", true, false, 10, time.Now())
	out := idx.Apply("a.o", true, false, 20, time.Now())

	cmd := &cookgraph.CookingCommand{
		ID:      1,
		Rule:    &rules.Rule{Name: "R"},
		Trigger: model.FileID{Repo: repo},
		Inputs:  []model.FileID{in},
		Outputs: []model.FileID{out},
	}

	sig := tracker.Signature(cmd)
	cmd.SetSignature(sig)

	if got := tracker.Evaluate(cmd); got != model.StateClean {
		t.Fatalf("expected clean, got %v", got)
	}
}

func TestEvaluateDirtyWhenInputChanges(t *testing.T) {
	tracker, idx, repo := setup(t)
	in := idx.Apply("a.c", true, false, 10, time.Now())
	out := idx.Apply("a.o", true, false, 20, time.Now())

	cmd := &cookgraph.CookingCommand{
		ID:      1,
		Rule:    &rules.Rule{Name: "R"},
		Trigger: model.FileID{Repo: repo},
		Inputs:  []model.FileID{in},
		Outputs: []model.FileID{out},
	}
	cmd.SetSignature(tracker.Signature(cmd))

	idx.Apply("a.c", true, false, 11, time.Now().Add(time.Second))

	if got := tracker.Evaluate(cmd); got != model.StateDirty {
		t.Fatalf("expected dirty after input change, got %v", got)
	}
}

func TestEvaluateDirtyWhenOutputMissing(t *testing.T) {
	tracker, idx, repo := setup(t)
	in := idx.Apply("a.c", true, false, 10, time.Now())
	out := idx.FindOrCreate("a.o") // never marked existing

	cmd := &cookgraph.CookingCommand{
		ID:      1,
		Rule:    &rules.Rule{Name: "R"},
		Trigger: model.FileID{Repo: repo},
		Inputs:  []model.FileID{in},
		Outputs: []model.FileID{out},
	}
	cmd.SetSignature(tracker.Signature(cmd))

	if got := tracker.Evaluate(cmd); got != model.StateDirty {
		t.Fatalf("expected dirty when output missing, got %v", got)
	}
}

func TestEvaluateWaitingOnUnproducedInput(t *testing.T) {
	tracker, idx, repo := setup(t)
	missingInput := idx.FindOrCreate("gen.c") // does not exist yet

	graph := cookgraph.New()
	producer := &cookgraph.CookingCommand{ID: 1, Rule: &rules.Rule{Name: "Gen"}, Outputs: []model.FileID{missingInput}}
	if err := graph.Register(0, producer); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tracker = New(graph, map[model.RepoIndex]*fileindex.Index{repo: idx})

	consumer := &cookgraph.CookingCommand{
		ID:      2,
		Rule:    &rules.Rule{Name: "Compile"},
		Trigger: model.FileID{Repo: repo},
		Inputs:  []model.FileID{missingInput},
	}

	if got := tracker.Evaluate(consumer); got != model.StateWaiting {
		t.Fatalf("expected waiting, got %v", got)
	}
}

func TestEvaluateErrorWhenRetriesExhausted(t *testing.T) {
	tracker, idx, repo := setup(t)
	in := idx.Apply("a.c", true, false, 10, time.Now())

	cmd := &cookgraph.CookingCommand{
		ID:      1,
		Rule:    &rules.Rule{Name: "R"},
		Trigger: model.FileID{Repo: repo},
		Inputs:  []model.FileID{in},
	}
	cmd.MarkRetriesExhausted()

	if got := tracker.Evaluate(cmd); got != model.StateError {
		t.Fatalf("expected error, got %v", got)
	}

	cmd.ResetRetries()
	idx.Apply("a.c", true, false, 11, time.Now().Add(time.Second))
	if got := tracker.Evaluate(cmd); got == model.StateError {
		t.Fatalf("expected ResetRetries + input change to re-arm the command")
	}
}
