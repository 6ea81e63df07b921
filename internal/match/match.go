// Package match implements the rule/filter match engine: given an observed
// file, enumerate the rules whose filters accept it. Filter criteria are
// checked most-selective-first to short-circuit, the same
// cheapest/most-likely-to-fail-fast ordering discipline a validation
// pipeline applies to its checks.
package match

import (
	"path"
	"strings"

	"github.com/cookforge/cooker/internal/rules"
)

// RuleID is an index into a rules.Set's Rules slice.
type RuleID int

// Matcher evaluates a repo-relative path against a fixed rule set. A
// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	set *rules.Set
}

// New returns a Matcher over set. set must not be mutated afterward; rule
// sets are fixed for the process lifetime (reload is out of scope).
func New(set *rules.Set) *Matcher {
	return &Matcher{set: set}
}

// Match returns the ordered list of RuleIDs that accept repoName/relPath.
// Rules are checked in declaration order; a matching rule with
// MatchMoreRules == false stops the scan, so only rules up to and including
// it are returned.
func (m *Matcher) Match(repoName, relPath string) []RuleID {
	var matched []RuleID

	for i, r := range m.set.Rules {
		if matchesAnyFilter(r.InputFilters, repoName, relPath) {
			matched = append(matched, RuleID(i))
			if !r.MatchMoreRules {
				break
			}
		}
	}

	return matched
}

// matchesAnyFilter reports whether relPath matches at least one of filters.
// A filter with every criterion empty matches every file: "every non-empty
// criterion matches" is vacuously true when there are none. See DESIGN.md
// for the reasoning behind treating a criterion-less filter this way rather
// than as a no-op.
func matchesAnyFilter(filters []rules.InputFilter, repoName, relPath string) bool {
	for _, f := range filters {
		if matchesFilter(f, repoName, relPath) {
			return true
		}
	}
	return false
}

// matchesFilter reports whether relPath matches every non-empty criterion
// of f, checked most-selective-first: repo restriction, extension,
// directory prefix, name prefix, name suffix.
func matchesFilter(f rules.InputFilter, repoName, relPath string) bool {
	if f.Repo != "" && !strings.EqualFold(f.Repo, repoName) {
		return false
	}

	if len(f.Extensions) > 0 {
		ext := path.Ext(relPath)
		if !containsFold(f.Extensions, ext) {
			return false
		}
	}

	if len(f.DirectoryPrefixes) > 0 {
		dir := path.Dir(relPath)
		if dir == "." {
			dir = ""
		}
		if !anyPrefixFold(f.DirectoryPrefixes, dir) {
			return false
		}
	}

	base := path.Base(relPath)

	if len(f.NamePrefixes) > 0 {
		if !anyPrefixFold(f.NamePrefixes, base) {
			return false
		}
	}

	if len(f.NameSuffixes) > 0 {
		if !anySuffixFold(f.NameSuffixes, base) {
			return false
		}
	}

	return true
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func anyPrefixFold(prefixes []string, s string) bool {
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func anySuffixFold(suffixes []string, s string) bool {
	lower := strings.ToLower(s)
	for _, suf := range suffixes {
		if strings.HasSuffix(lower, strings.ToLower(suf)) {
			return true
		}
	}
	return false
}
