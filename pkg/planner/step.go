package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepKind selects how a time step advances.
type StepKind int

const (
	// StepNone disables temporal chunking; the window is one chunk.
	StepNone StepKind = iota
	StepYears
	StepMonths
	StepDays
	// StepFixed advances by a fixed duration from the window start.
	StepFixed
)

// Step is a per-request time cap.
//
// Calendar steps (years, months, days) align chunk boundaries to UTC calendar
// boundaries: the first chunk runs from the window start to the next
// boundary, so a yearly source queried from mid-March yields a short first
// chunk ending on 1 January.
type Step struct {
	Kind  StepKind
	N     int
	Every time.Duration
}

// Years returns a calendar step of n years.
func Years(n int) Step { return Step{Kind: StepYears, N: n} }

// Months returns a calendar step of n months.
func Months(n int) Step { return Step{Kind: StepMonths, N: n} }

// Days returns a calendar step of n days.
func Days(n int) Step { return Step{Kind: StepDays, N: n} }

// Every returns a fixed-duration step.
func Every(d time.Duration) Step { return Step{Kind: StepFixed, Every: d} }

// IsZero reports whether no temporal chunking is configured.
func (s Step) IsZero() bool {
	return s.Kind == StepNone
}

// Validate checks the step is usable.
func (s Step) Validate() error {
	switch s.Kind {
	case StepNone:
		return nil
	case StepYears, StepMonths, StepDays:
		if s.N <= 0 {
			return fmt.Errorf("time step count must be positive, got %d", s.N)
		}
	case StepFixed:
		if s.Every <= 0 {
			return fmt.Errorf("time step duration must be positive, got %s", s.Every)
		}
	default:
		return fmt.Errorf("unknown time step kind %d", s.Kind)
	}
	return nil
}

// Next returns the boundary following t. The result is always after t.
func (s Step) Next(t time.Time) time.Time {
	t = t.UTC()
	switch s.Kind {
	case StepYears:
		base := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return base.AddDate(s.N, 0, 0)
	case StepMonths:
		base := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return base.AddDate(0, s.N, 0)
	case StepDays:
		base := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return base.AddDate(0, 0, s.N)
	case StepFixed:
		return t.Add(s.Every)
	}
	return time.Time{}
}

func (s Step) String() string {
	switch s.Kind {
	case StepYears:
		return strconv.Itoa(s.N) + "y"
	case StepMonths:
		return strconv.Itoa(s.N) + "mo"
	case StepDays:
		return strconv.Itoa(s.N) + "d"
	case StepFixed:
		return s.Every.String()
	}
	return "none"
}

// ParseStep parses "1y", "1mo", "7d", any time.ParseDuration string, or
// "" / "none" for no chunking.
func ParseStep(s string) (Step, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return Step{}, nil
	}

	for _, suffix := range []struct {
		text string
		kind StepKind
	}{
		{"mo", StepMonths},
		{"y", StepYears},
		{"d", StepDays},
	} {
		if !strings.HasSuffix(s, suffix.text) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, suffix.text))
		if err != nil {
			break
		}
		step := Step{Kind: suffix.kind, N: n}
		return step, step.Validate()
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Step{}, fmt.Errorf("invalid time step %q", s)
	}
	step := Every(d)
	return step, step.Validate()
}
