// Package rules parses and validates the table-format rule file into the
// internal Rule representation. The YAML decoding plus errors.Join
// validation style, and the optional base+overlay merge via dario.cat/mergo,
// follow the same pipeline as config file loading: decode, apply defaults,
// validate.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/cookforge/cooker/internal/template"
)

// BuiltinCommand names a built-in transform usable in place of an external
// command line.
type BuiltinCommand string

const (
	BuiltinCopy  BuiltinCommand = "copy"
	BuiltinTouch BuiltinCommand = "touch"
)

var validBuiltins = map[BuiltinCommand]bool{
	BuiltinCopy:  true,
	BuiltinTouch: true,
}

// DepFileFormat selects how a command's dep-file is parsed.
type DepFileFormat string

const (
	DepFileMakefile DepFileFormat = "Makefile"
	DepFileList     DepFileFormat = "AssemblyInfo"
)

var validDepFileFormats = map[DepFileFormat]bool{
	DepFileMakefile: true,
	DepFileList:     true,
}

// InputFilter is a conjunctive predicate over a file's path components. A
// file matches iff every non-empty criterion matches, case-insensitively.
type InputFilter struct {
	Repo              string   `yaml:"Repo,omitempty"`
	Extensions        []string `yaml:"Extensions,omitempty"`
	DirectoryPrefixes []string `yaml:"DirectoryPrefixes,omitempty"`
	NamePrefixes      []string `yaml:"NamePrefixes,omitempty"`
	NameSuffixes      []string `yaml:"NameSuffixes,omitempty"`
}

// DepFileSpec declares where a command's dep-file is written and how to
// parse it.
type DepFileSpec struct {
	Path   string        `yaml:"Path"`
	Format DepFileFormat `yaml:"Format"`
}

// Rule is one named pattern+action declaration.
type Rule struct {
	Name           string        `yaml:"Name"`
	InputFilters   []InputFilter `yaml:"InputFilters"`
	CommandType    string        `yaml:"CommandType"`
	CommandLine    string        `yaml:"CommandLine,omitempty"`
	Priority       int           `yaml:"Priority"`
	Version        int           `yaml:"Version"`
	MatchMoreRules bool          `yaml:"MatchMoreRules"`
	InputPaths     []string      `yaml:"InputPaths,omitempty"`
	OutputPaths    []string      `yaml:"OutputPaths,omitempty"`
	DepFile        *DepFileSpec  `yaml:"DepFile,omitempty"`
	// DepFileCommandLine is the optional secondary command line run after
	// the primary cook to (re)produce the dep-file, when it is not the
	// primary command's own side effect.
	DepFileCommandLine string `yaml:"DepFileCommandLine,omitempty"`

	// Ordinal is the rule's position in declaration order, assigned at load
	// time. The Matcher iterates rules in this order (§4.3). Ties in the
	// scheduler's priority queue are broken by CommandID (instantiation
	// order), not by this ordinal.
	Ordinal int `yaml:"-"`
}

// IsExternalCommand reports whether the rule runs an external command line
// rather than a built-in transform.
func (r Rule) IsExternalCommand() bool {
	return r.CommandType == "CommandLine"
}

// document is the root shape of a rule file: a single array named Rule.
type document struct {
	Rule []Rule `yaml:"Rule"`
}

// Set is a parsed, validated collection of rules in declaration order.
type Set struct {
	Rules []Rule
}

// Load reads and validates the rule file at path. If overlayPath is
// non-empty, it is loaded as well and merged over base using
// dario.cat/mergo (overlay values win, and the overlay's rules are appended
// after the base file's rules),
// supporting a base rules.yaml plus a per-environment rules.ci.yaml the way
// multi-environment configs are commonly layered.
func Load(path string, overlayPath string) (*Set, error) {
	base, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	if overlayPath != "" {
		overlay, err := loadDocument(overlayPath)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(base, overlay, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("rules: merging overlay %q: %w", overlayPath, err)
		}
	}

	for i := range base.Rule {
		base.Rule[i].Ordinal = i
	}

	if err := validate(base.Rule); err != nil {
		return nil, fmt.Errorf("rules: validation failed for %q: %w", path, err)
	}

	return &Set{Rules: base.Rule}, nil
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: cannot read %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("rules: cannot parse %q: %w", path, err)
	}
	return &doc, nil
}

func validate(rs []Rule) error {
	var errs []error
	seen := make(map[string]bool)

	for i, r := range rs {
		prefix := fmt.Sprintf("Rule[%d]", i)

		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: Name is required", prefix))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate rule name %q", prefix, r.Name))
		}
		seen[r.Name] = true

		if r.CommandType == "CommandLine" {
			if r.CommandLine == "" {
				errs = append(errs, fmt.Errorf("%s: CommandLine is required when CommandType = CommandLine", prefix))
			}
		} else if !validBuiltins[BuiltinCommand(r.CommandType)] {
			errs = append(errs, fmt.Errorf("%s: CommandType %q is not CommandLine and not a known built-in", prefix, r.CommandType))
		} else if r.CommandLine != "" {
			errs = append(errs, fmt.Errorf("%s: CommandLine must be empty when CommandType is a built-in", prefix))
		}

		for _, tmpl := range r.InputPaths {
			if err := template.Validate(tmpl); err != nil {
				errs = append(errs, fmt.Errorf("%s: InputPaths: %w", prefix, err))
			}
		}
		for _, tmpl := range r.OutputPaths {
			if err := template.Validate(tmpl); err != nil {
				errs = append(errs, fmt.Errorf("%s: OutputPaths: %w", prefix, err))
			}
		}
		if r.CommandType == "CommandLine" {
			if err := template.Validate(r.CommandLine); err != nil {
				errs = append(errs, fmt.Errorf("%s: CommandLine: %w", prefix, err))
			}
		}

		if r.DepFile != nil {
			if r.DepFile.Path == "" {
				errs = append(errs, fmt.Errorf("%s: DepFile.Path is required", prefix))
			} else if err := template.Validate(r.DepFile.Path); err != nil {
				errs = append(errs, fmt.Errorf("%s: DepFile.Path: %w", prefix, err))
			}
			if !validDepFileFormats[r.DepFile.Format] {
				errs = append(errs, fmt.Errorf("%s: DepFile.Format %q must be one of: Makefile, AssemblyInfo", prefix, r.DepFile.Format))
			}
		} else if r.DepFileCommandLine != "" {
			errs = append(errs, fmt.Errorf("%s: DepFileCommandLine set without a DepFile", prefix))
		}
	}

	return errors.Join(errs...)
}
