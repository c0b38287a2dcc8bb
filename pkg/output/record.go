// Package output provides JSONL event output for extraction runs.
//
// Output is structured as typed record envelopes containing the plan,
// per-unit outcomes, progress milestones, errors and the final summary.
// Each line is a self-contained JSON object that can be parsed
// independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gohindcast.<type>.v<version>
const (
	// TypePlan identifies the plan record emitted before any unit runs.
	TypePlan = "gohindcast.plan.v1"

	// TypeUnit identifies unit outcome records.
	TypeUnit = "gohindcast.unit.v1"

	// TypeError identifies error records.
	TypeError = "gohindcast.error.v1"

	// TypeProgress identifies progress milestone records.
	TypeProgress = "gohindcast.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gohindcast.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gohindcast.unit.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this extraction run.
	RunID string `json:"run_id"`

	// Source is the catalog name of the dataset being extracted.
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// PlanRecord is the data payload describing a run before it starts.
type PlanRecord struct {
	Region    string    `json:"region"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	TimeStep  string    `json:"time_step,omitempty"`
	Variables []string  `json:"variables,omitempty"`
	Depth     string    `json:"depth,omitempty"`

	// Units is the number of planned units.
	Units int `json:"units"`

	// Store is the output root.
	Store string `json:"store,omitempty"`

	// DryRun is set when no unit will be executed.
	DryRun bool `json:"dry_run,omitempty"`
}

// UnitRecord is the data payload for one unit outcome.
type UnitRecord struct {
	// ID is the stable unit identity.
	ID string `json:"id"`

	Variable string    `json:"variable,omitempty"`
	Depth    string    `json:"depth,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`

	// Status is the terminal unit status.
	Status string `json:"status"`

	// Reason classifies non-completed outcomes.
	Reason string `json:"reason,omitempty"`

	// Error is the final error message, if any.
	Error string `json:"error,omitempty"`

	Attempts int `json:"attempts,omitempty"`

	// Elapsed excludes backoff pauses.
	Elapsed time.Duration `json:"elapsed_ns"`
	Backoff time.Duration `json:"backoff_ns,omitempty"`

	// Path is the store location of the unit output.
	Path string `json:"path,omitempty"`

	// Levels is set for adaptive depth profiles.
	Levels int `json:"levels,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire run,
// allowing partial results when some units fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Unit is the unit identity related to this error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeAccessDenied indicates an authentication or permission failure.
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// ErrCodeNotFound indicates the source holds no data for a unit.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeTimeout indicates a unit timed out on every attempt.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeThrottled indicates rate limiting that never cleared.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeStore indicates the output store failed.
	ErrCodeStore = "STORE"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress milestones.
type ProgressRecord struct {
	// Done is the number of units with an outcome.
	Done int `json:"done"`

	// Total is the number of planned units.
	Total int `json:"total"`

	// Percent is the completed share at this milestone.
	Percent int `json:"percent"`

	// ETA estimates remaining time from the mean unit elapsed time.
	ETA      time.Duration `json:"eta_ns"`
	ETAHuman string        `json:"eta"`
}

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted at the end of a run with per-status counts
// and the identities of units a user may want to re-run or investigate.
type SummaryRecord struct {
	Total int `json:"total"`

	// Counts maps unit status to the number of units with it.
	Counts map[string]int `json:"counts"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	TimedOut   []string `json:"timed_out,omitempty"`
	DataAbsent []string `json:"data_absent,omitempty"`
	Failed     []string `json:"failed,omitempty"`

	// Aborted is set when a fatal error stopped the run.
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
