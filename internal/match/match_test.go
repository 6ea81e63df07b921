package match

import (
	"testing"

	"github.com/cookforge/cooker/internal/rules"
)

func newSet(rs ...rules.Rule) *rules.Set {
	for i := range rs {
		rs[i].Ordinal = i
	}
	return &rules.Set{Rules: rs}
}

func TestMatchByExtension(t *testing.T) {
	set := newSet(rules.Rule{
		Name:         "CompileC",
		InputFilters: []rules.InputFilter{{Extensions: []string{".c"}}},
	})
	m := New(set)

	if got := m.Match("src", "a.c"); len(got) != 1 {
		t.Fatalf("expected 1 match, got %v", got)
	}
	if got := m.Match("src", "a.h"); len(got) != 0 {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestMatchStopsAtFirstUnlessMatchMoreRules(t *testing.T) {
	set := newSet(
		rules.Rule{Name: "First", InputFilters: []rules.InputFilter{{Extensions: []string{".png"}}}, MatchMoreRules: false},
		rules.Rule{Name: "Second", InputFilters: []rules.InputFilter{{Extensions: []string{".png"}}}},
	)
	m := New(set)

	got := m.Match("src", "a.png")
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected only the first rule to match, got %v", got)
	}
}

func TestMatchContinuesWhenMatchMoreRulesTrue(t *testing.T) {
	set := newSet(
		rules.Rule{Name: "First", InputFilters: []rules.InputFilter{{Extensions: []string{".png"}}}, MatchMoreRules: true},
		rules.Rule{Name: "Second", InputFilters: []rules.InputFilter{{Extensions: []string{".png"}}}},
	)
	m := New(set)

	got := m.Match("src", "a.png")
	if len(got) != 2 {
		t.Fatalf("expected both rules to match, got %v", got)
	}
}

func TestMatchRepoRestriction(t *testing.T) {
	set := newSet(rules.Rule{
		Name:         "OnlySrc",
		InputFilters: []rules.InputFilter{{Repo: "src", Extensions: []string{".c"}}},
	})
	m := New(set)

	if got := m.Match("other", "a.c"); len(got) != 0 {
		t.Fatalf("expected no match for wrong repo, got %v", got)
	}
	if got := m.Match("SRC", "a.c"); len(got) != 1 {
		t.Fatalf("expected case-insensitive repo match, got %v", got)
	}
}

func TestMatchDirectoryAndNameCriteria(t *testing.T) {
	set := newSet(rules.Rule{
		Name: "Generated",
		InputFilters: []rules.InputFilter{{
			DirectoryPrefixes: []string{"gen"},
			NamePrefixes:      []string{"auto_"},
			NameSuffixes:      []string{".gen.c"},
		}},
	})
	m := New(set)

	if got := m.Match("src", "gen/auto_foo.gen.c"); len(got) != 1 {
		t.Fatalf("expected match, got %v", got)
	}
	if got := m.Match("src", "gen/manual_foo.gen.c"); len(got) != 0 {
		t.Fatalf("expected no match for wrong name prefix, got %v", got)
	}
}

func TestMatchEmptyFilterMatchesEverything(t *testing.T) {
	set := newSet(rules.Rule{Name: "CatchAll", InputFilters: []rules.InputFilter{{}}})
	m := New(set)

	if got := m.Match("src", "anything/at/all.xyz"); len(got) != 1 {
		t.Fatalf("expected criterion-less filter to match everything, got %v", got)
	}
}

func TestMatchZeroFiltersMatchesNothing(t *testing.T) {
	set := newSet(rules.Rule{Name: "NoFilters"})
	m := New(set)

	if got := m.Match("src", "a.c"); len(got) != 0 {
		t.Fatalf("expected rule with no filters at all to match nothing, got %v", got)
	}
}
