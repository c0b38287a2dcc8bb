package unit

import (
	"time"
)

// Status is the terminal state recorded for a unit.
type Status string

// Unit statuses.
const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped_already_done"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
	StatusAborted   Status = "aborted"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusCompleted, StatusSkipped, StatusTimedOut, StatusErrored, StatusAborted}

// Reasons attached to non-completed outcomes.
const (
	ReasonDataAbsent        = "data_absent"
	ReasonMalformedRequest  = "malformed_request"
	ReasonMalformedResponse = "malformed_response"
	ReasonTimeout           = "timeout"
	ReasonMaxAttempts       = "max_attempts"
	ReasonMaxIterations     = "max_iterations"
	ReasonUnclassified      = "unclassified"
	ReasonFatal             = "fatal"
	ReasonInterrupted       = "interrupted"
	ReasonStore             = "store"
)

// Outcome is the immutable result of executing one unit.
type Outcome struct {
	Unit   Unit
	Status Status

	// Elapsed is wall-clock time spent on the unit excluding backoff pauses.
	Elapsed time.Duration

	// Backoff is the total time spent paused before retries.
	Backoff time.Duration

	// Attempts counts fetch attempts (zero when skipped).
	Attempts int

	// Reason is a machine-readable classification for non-completed outcomes.
	Reason string

	// Err is the final error, if any.
	Err error

	// Parts holds per-level outcomes for adaptive depth profiles.
	Parts []Outcome
}

// DataAbsent reports whether the unit errored because the source has no
// data for it.
func (o Outcome) DataAbsent() bool {
	return o.Status == StatusErrored && o.Reason == ReasonDataAbsent
}

// Worked reports whether the outcome involved network work, as opposed to
// being skipped or aborted before starting.
func (o Outcome) Worked() bool {
	switch o.Status {
	case StatusCompleted, StatusTimedOut, StatusErrored:
		return true
	}
	return false
}

// Detail renders the reason and error for reports.
func (o Outcome) Detail() string {
	switch {
	case o.Err != nil && o.Reason != "":
		return o.Reason + ": " + o.Err.Error()
	case o.Err != nil:
		return o.Err.Error()
	default:
		return o.Reason
	}
}

// severity orders statuses for rolling level outcomes up into a profile.
func (s Status) severity() int {
	switch s {
	case StatusSkipped:
		return 0
	case StatusCompleted:
		return 1
	case StatusErrored:
		return 2
	case StatusTimedOut:
		return 3
	case StatusAborted:
		return 4
	}
	return 0
}

// Worst returns the most severe of the given statuses. A timeout ranks above
// an error because it signals a re-run is worthwhile.
func Worst(statuses ...Status) Status {
	worst := StatusSkipped
	for _, s := range statuses {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}
