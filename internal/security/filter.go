// Package security decides whether a typed command line may be executed.
//
// The [Filter] is a pure function over the raw command text: it matches
// case-sensitive substrings from a denylist against the whole line, so a
// destructive sequence is caught even when it is embedded in a pipeline
// or a sequence of commands. Extra rules can be loaded from a YAML file
// without touching the dispatcher.
package security

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlockedMessage is the fixed text shown to the user when a command is vetoed.
const BlockedMessage = "Error: Dangerous command blocked for security"

// ErrBlocked is returned by Decision.Err for vetoed commands.
var ErrBlocked = errors.New("command blocked by security policy")

// Pattern is one denylist entry.
type Pattern struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// DefaultPatterns are always enforced.
var DefaultPatterns = []Pattern{
	{Pattern: "rm -rf /", Reason: "recursive delete of the filesystem root"},
	{Pattern: "mkfs", Reason: "filesystem format utility"},
	{Pattern: "dd if=", Reason: "raw device write"},
	{Pattern: "format", Reason: "filesystem format utility"},
	{Pattern: ":(){:|:&};:", Reason: "fork bomb"},
	{Pattern: ":(){ :|:& };:", Reason: "fork bomb"},
	{Pattern: "> /dev/sd", Reason: "write to block device"},
	{Pattern: "> /dev/nvme", Reason: "write to block device"},
	{Pattern: "chmod -R 777 /", Reason: "recursive permission change of the filesystem root"},
}

// Decision is the verdict for one command line.
type Decision struct {
	Allowed bool
	Reason  string
	Pattern string
}

// Err returns ErrBlocked wrapped with the reason for blocked commands and
// nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBlocked, d.Reason)
}

// Filter evaluates commands against a fixed denylist. The zero value
// enforces nothing; use NewFilter.
type Filter struct {
	patterns []Pattern
}

// NewFilter returns a filter enforcing DefaultPatterns plus extra.
// Entries with an empty pattern are ignored.
func NewFilter(extra ...Pattern) *Filter {
	patterns := make([]Pattern, 0, len(DefaultPatterns)+len(extra))
	patterns = append(patterns, DefaultPatterns...)
	for _, p := range extra {
		if p.Pattern == "" {
			continue
		}
		if p.Reason == "" {
			p.Reason = "matches denylisted pattern"
		}
		patterns = append(patterns, p)
	}
	return &Filter{patterns: patterns}
}

type rulesFile struct {
	Rules []Pattern `yaml:"rules"`
}

// LoadFilter builds a filter from DefaultPatterns plus the rules in the
// YAML file at path. A missing file yields the defaults only.
//
//	rules:
//	  - pattern: "shutdown"
//	    reason: "host power control"
func LoadFilter(path string) (*Filter, error) {
	if path == "" {
		return NewFilter(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewFilter(), nil
		}
		return nil, fmt.Errorf("read security rules: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse security rules %s: %w", path, err)
	}
	return NewFilter(rf.Rules...), nil
}

// Evaluate returns the verdict for a raw command line.
func (f *Filter) Evaluate(command string) Decision {
	if f == nil {
		return Decision{Allowed: true}
	}
	for _, p := range f.patterns {
		if strings.Contains(command, p.Pattern) {
			return Decision{Allowed: false, Reason: p.Reason, Pattern: p.Pattern}
		}
	}
	return Decision{Allowed: true}
}

// Patterns returns a copy of the active denylist.
func (f *Filter) Patterns() []Pattern {
	if f == nil {
		return nil
	}
	out := make([]Pattern, len(f.patterns))
	copy(out, f.patterns)
	return out
}
