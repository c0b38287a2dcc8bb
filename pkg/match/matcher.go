// Package match selects dataset variables by doublestar glob patterns.
//
// Variable names are matched whole: "water_*" matches "water_u" and
// "water_temp", "{Thgt,Tper}" matches either name. Patterns are
// case-sensitive because dataset variable names are.
package match

import (
	"errors"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates include and exclude patterns against variable names:
//   - Include patterns: a name must match at least one. No includes keeps
//     every name.
//   - Exclude patterns: a name must not match any.
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes []string
	excludes []string
}

// Config configures a Matcher.
type Config struct {
	Includes []string
	Excludes []string
}

// Errors returned by Matcher operations.
var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")

	// ErrNoMatch is returned by Select when no variable survives the
	// patterns.
	ErrNoMatch = errors.New("no variable matches the include/exclude patterns")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher. It returns a *PatternError for the first pattern
// that does not compile.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{includes: includes, excludes: excludes}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate reports the first invalid pattern in patterns.
func Validate(patterns []string) error {
	_, err := compile(patterns)
	return err
}

// Match reports whether name passes the patterns.
func (m *Matcher) Match(name string) bool {
	if len(m.includes) > 0 && !matchAny(m.includes, name) {
		return false
	}
	return !matchAny(m.excludes, name)
}

// Select returns the names of available that pass, in their original order.
//
// When available is empty (the source publishes no variable list) the
// literal include patterns are returned as the selection; glob includes
// cannot be resolved and are dropped. ErrNoMatch is returned when nothing
// is selected but patterns were given.
func (m *Matcher) Select(available []string) ([]string, error) {
	if len(available) == 0 {
		var out []string
		for _, p := range m.includes {
			if !IsGlob(p) && !matchAny(m.excludes, p) {
				out = append(out, p)
			}
		}
		if len(out) == 0 && len(m.includes) > 0 {
			return nil, ErrNoMatch
		}
		return out, nil
	}

	out := make([]string, 0, len(available))
	for _, name := range available {
		if m.Match(name) && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMatch
	}
	return out, nil
}

// Empty reports whether the matcher has no patterns at all.
func (m *Matcher) Empty() bool {
	return len(m.includes) == 0 && len(m.excludes) == 0
}

// IncludePatterns returns the include patterns.
func (m *Matcher) IncludePatterns() []string {
	return slices.Clone(m.includes)
}

// ExcludePatterns returns the exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return slices.Clone(m.excludes)
}

// IsGlob reports whether p contains glob metacharacters.
func IsGlob(p string) bool {
	return strings.ContainsAny(p, `*?[{\`)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		// Patterns were validated at construction time.
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
