// Package progress tracks unit completion and estimates remaining time.
package progress

import (
	"sync"
	"time"

	"github.com/3leaps/gohindcast/pkg/unit"
)

// DefaultPercent is the default milestone interval.
const DefaultPercent = 5

// Snapshot is the state at one milestone.
type Snapshot struct {
	Done    int
	Total   int
	Percent int

	// MeanElapsed is the mean elapsed time of units that did network work.
	MeanElapsed time.Duration

	// ETA is MeanElapsed times the number of units remaining.
	ETA time.Duration
}

// Reporter counts outcomes and signals each time another milestone is
// crossed. It is safe for concurrent use.
type Reporter struct {
	mu      sync.Mutex
	total   int
	step    int
	done    int
	worked  int
	elapsed time.Duration
	next    int
}

// New returns a Reporter for total units signalling every percent percent.
// Values outside 1..100 select DefaultPercent.
func New(total, percent int) *Reporter {
	if percent <= 0 || percent > 100 {
		percent = DefaultPercent
	}
	return &Reporter{total: total, step: percent, next: percent}
}

// Observe records o. It returns a snapshot and true when o takes completion
// to or past the next milestone. Several milestones crossed at once (small
// plans) produce a single snapshot at the highest one.
func (r *Reporter) Observe(o unit.Outcome) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.done++
	if o.Worked() {
		r.worked++
		r.elapsed += o.Elapsed
	}
	if r.total <= 0 {
		return Snapshot{}, false
	}

	pct := r.done * 100 / r.total
	if pct < r.next {
		return Snapshot{}, false
	}
	milestone := pct - pct%r.step
	r.next = milestone + r.step

	return r.snapshot(milestone), true
}

// Snapshot returns the current state without advancing milestones.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	pct := 0
	if r.total > 0 {
		pct = r.done * 100 / r.total
	}
	return r.snapshot(pct)
}

func (r *Reporter) snapshot(pct int) Snapshot {
	s := Snapshot{Done: r.done, Total: r.total, Percent: pct}
	if r.worked > 0 {
		s.MeanElapsed = r.elapsed / time.Duration(r.worked)
		remaining := r.total - r.done
		if remaining > 0 {
			s.ETA = s.MeanElapsed * time.Duration(remaining)
		}
	}
	return s
}
