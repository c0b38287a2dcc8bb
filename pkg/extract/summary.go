package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/output"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Summary aggregates the outcomes of one run in arrival order.
type Summary struct {
	RunID  string
	Source string
	Region geo.Region
	Window geo.TimeWindow

	Started  time.Time
	Duration time.Duration

	// Total is the number of planned units. It exceeds len(Outcomes) when
	// the run was aborted.
	Total int

	Counts   map[unit.Status]int
	Outcomes []unit.Outcome

	// TimedOut, DataAbsent and Failed hold unit IDs for the report.
	TimedOut   []string
	DataAbsent []string
	Failed     []string

	Aborted     bool
	AbortUnit   string
	AbortReason string
	AbortErr    error

	DryRun bool
}

func newSummary(runID, sourceName string, region geo.Region, window geo.TimeWindow, total int, started time.Time) *Summary {
	return &Summary{
		RunID:   runID,
		Source:  sourceName,
		Region:  region,
		Window:  window,
		Started: started,
		Total:   total,
		Counts:  make(map[unit.Status]int, len(unit.Statuses)),
	}
}

func (s *Summary) add(o unit.Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	s.Counts[o.Status]++

	switch o.Status {
	case unit.StatusTimedOut:
		s.TimedOut = append(s.TimedOut, o.Unit.ID())
	case unit.StatusErrored:
		if o.DataAbsent() {
			s.DataAbsent = append(s.DataAbsent, o.Unit.ID())
		} else {
			s.Failed = append(s.Failed, o.Unit.ID())
		}
	case unit.StatusAborted:
		if !s.Aborted {
			s.Aborted = true
			s.AbortUnit = o.Unit.ID()
			s.AbortReason = o.Reason
			s.AbortErr = o.Err
		}
	}
}

// Attempted returns the number of units with an outcome.
func (s *Summary) Attempted() int {
	return len(s.Outcomes)
}

// OK reports whether every planned unit is completed or was already done.
func (s *Summary) OK() bool {
	return !s.Aborted && s.Counts[unit.StatusCompleted]+s.Counts[unit.StatusSkipped] == s.Total
}

// Record converts the summary to its JSONL payload.
func (s *Summary) Record() *output.SummaryRecord {
	counts := make(map[string]int, len(s.Counts))
	for status, n := range s.Counts {
		counts[string(status)] = n
	}
	return &output.SummaryRecord{
		Total:         s.Total,
		Counts:        counts,
		Duration:      s.Duration,
		DurationHuman: s.Duration.Round(time.Millisecond).String(),
		TimedOut:      s.TimedOut,
		DataAbsent:    s.DataAbsent,
		Failed:        s.Failed,
		Aborted:       s.Aborted,
		AbortReason:   s.AbortReason,
	}
}

// Report renders the end-of-run message. It separates a clean run, timeouts
// (worth re-running) and errors, and splits errors into absent data and
// genuine failures.
func (s *Summary) Report() string {
	var b strings.Builder

	done := s.Counts[unit.StatusCompleted]
	skipped := s.Counts[unit.StatusSkipped]

	if s.DryRun {
		fmt.Fprintf(&b, "Dry run: %d units planned for %s.\n", s.Total, s.Source)
		return b.String()
	}

	fmt.Fprintf(&b, "%s: %d units planned, %d completed, %d already done", s.Source, s.Total, done, skipped)
	if n := s.Counts[unit.StatusTimedOut]; n > 0 {
		fmt.Fprintf(&b, ", %d timed out", n)
	}
	if n := s.Counts[unit.StatusErrored]; n > 0 {
		fmt.Fprintf(&b, ", %d errored", n)
	}
	fmt.Fprintf(&b, " in %s.\n", s.Duration.Round(time.Second))

	if s.Aborted {
		fmt.Fprintf(&b, "Run aborted at %s (%s)", s.AbortUnit, s.AbortReason)
		if s.AbortErr != nil {
			fmt.Fprintf(&b, ": %v", s.AbortErr)
		}
		b.WriteString(".\n")
		if rest := s.Total - s.Attempted(); rest > 0 {
			fmt.Fprintf(&b, "%d units were not attempted. ", rest)
		}
		b.WriteString("Completed units are kept; fix the cause and re-run to resume.\n")
	}

	if s.OK() {
		b.WriteString("All units completed.\n")
		return b.String()
	}

	if len(s.TimedOut) > 0 {
		b.WriteString("Timed out (re-run the same extraction to resume them):\n")
		writeList(&b, s.TimedOut)
	}
	if len(s.DataAbsent) > 0 {
		b.WriteString("No data at source (not retried):\n")
		writeList(&b, s.DataAbsent)
	}
	if len(s.Failed) > 0 {
		b.WriteString("Failed (investigate before re-running):\n")
		for _, o := range s.Outcomes {
			if o.Status == unit.StatusErrored && !o.DataAbsent() {
				fmt.Fprintf(&b, "  %s: %s\n", o.Unit.ID(), o.Detail())
			}
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, ids []string) {
	for _, id := range ids {
		b.WriteString("  ")
		b.WriteString(id)
		b.WriteByte('\n')
	}
}
