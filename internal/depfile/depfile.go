// Package depfile parses the two dep-file formats a cooking command may
// declare: Makefile-style ("targets : prereqs" with
// backslash-newline continuation and backslash-escaped whitespace) and
// list-style (one path per line, blank lines and "#" comments ignored).
package depfile

import (
	"bufio"
	"strings"
)

// Format selects which grammar ParsePrereqs uses.
type Format string

const (
	Makefile Format = "Makefile"
	List     Format = "AssemblyInfo"
)

// ParsePrereqs extracts the prerequisite (input) paths declared in content,
// according to format. Targets named on the left of a Makefile-style rule
// are discarded: only the dynamically discovered inputs are of interest to
// the Dirtiness Tracker.
func ParsePrereqs(format Format, content string) []string {
	switch format {
	case Makefile:
		return parseMakefile(content)
	case List:
		return parseList(content)
	default:
		return nil
	}
}

// parseMakefile implements the "target1 target2 : prereq1 prereq2 \"
// grammar: backslash-newline joins a logical line across physical lines,
// and a backslash before whitespace escapes it as part of a path rather
// than a field separator.
func parseMakefile(content string) []string {
	joined := joinContinuations(content)

	var prereqs []string
	scanner := bufio.NewScanner(strings.NewReader(joined))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		colon := findUnescapedColon(line)
		if colon < 0 {
			continue
		}
		rhs := line[colon+1:]
		prereqs = append(prereqs, splitEscapedFields(rhs)...)
	}
	return prereqs
}

// joinContinuations replaces every "\\\n" (backslash immediately followed
// by a newline) with a single space, collapsing a continued logical line
// onto one physical line.
func joinContinuations(content string) string {
	var b strings.Builder
	for i := 0; i < len(content); i++ {
		if content[i] == '\\' && i+1 < len(content) && content[i+1] == '\n' {
			b.WriteByte(' ')
			i++ // skip the newline
			continue
		}
		b.WriteByte(content[i])
	}
	return b.String()
}

// findUnescapedColon returns the index of the first ':' not preceded by a
// backslash (a backslash-escaped colon can appear in a Windows-style drive
// path such as "C\:/foo").
func findUnescapedColon(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] == ':' && (i == 0 || line[i-1] != '\\') {
			return i
		}
	}
	return -1
}

// splitEscapedFields splits s on whitespace, treating a backslash-escaped
// space as part of the preceding field rather than a separator.
func splitEscapedFields(s string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false

	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			cur.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case ' ', '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return fields
}

// parseList implements the one-path-per-line grammar: leading/trailing
// whitespace ignored, blank lines and lines starting with "#" ignored.
func parseList(content string) []string {
	var paths []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	return paths
}
