// Package runlog keeps one JSON record per extraction run.
//
// Records are informational: they let an operator see what ran against an
// output root and how it ended. Resumability never consults them; the unit
// files themselves are the ledger.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"

	"github.com/3leaps/gohindcast/pkg/output"
)

// DirName is the run-log directory under a local output root.
const DirName = "_runs"

// State is the lifecycle state of a run.
//
// NOTE: These values are persisted and are part of the on-disk contract.
type State string

const (
	StateRunning     State = "running"
	StateSuccess     State = "success"
	StatePartial     State = "partial"
	StateAborted     State = "aborted"
	StateInterrupted State = "interrupted"
	StateUnknown     State = "unknown"
)

// Record is the persistent record of one run.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	RunID        string    `json:"run_id"`
	Source       string    `json:"source"`
	State        State     `json:"state"`
	ManifestPath string    `json:"manifest_path,omitempty"`
	OutputRoot   string    `json:"output_root"`
	Region       string    `json:"region,omitempty"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`
	Units        int       `json:"units"`
	DryRun       bool      `json:"dry_run,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	EndedAt *time.Time            `json:"ended_at,omitempty"`
	Summary *output.SummaryRecord `json:"summary,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Store persists and loads Records from a directory:
//
//	<dir>/<run_id>.json
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: strings.TrimSpace(dir)}
}

// ForOutput returns the store for an output root. Local roots keep their
// runs next to the data; blob roots use the application data directory.
func ForOutput(root string) *Store {
	if local, ok := localPath(root); ok {
		return NewStore(filepath.Join(local, DirName))
	}
	return NewStore(filepath.Join(gfconfig.GetAppDataDir("gohindcast"), "runs", slug(root)))
}

func localPath(root string) (string, bool) {
	if rest, ok := strings.CutPrefix(root, "file://"); ok {
		return rest, true
	}
	if strings.Contains(root, "://") {
		return "", false
	}
	return root, true
}

var slugRE = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func slug(s string) string {
	return strings.Trim(slugRE.ReplaceAllString(s, "_"), "_")
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record path for runID.
func (s *Store) Path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Write atomically replaces the record for r.RunID.
func (s *Store) Write(r *Record) error {
	if r == nil {
		return fmt.Errorf("run record is nil")
	}
	runID := strings.TrimSpace(r.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if s.dir == "" {
		return fmt.Errorf("run log dir is empty")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(s.dir, runID+".json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(runID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads the record for runID. A record left running by a process that
// no longer exists is reported as interrupted.
func (s *Store) Get(runID string) (*Record, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.Path(runID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s.json is empty", runID)
	}

	var r Record
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return nil, fmt.Errorf("parse %s.json: %w", runID, err)
	}

	if r.State == StateRunning && r.PID > 0 && r.PID != os.Getpid() && !isProcessAlive(r.PID) {
		r.State = StateInterrupted
	}
	return &r, nil
}

// List returns all readable records, newest first. A missing directory
// yields no records.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run log dir: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Finish sets the terminal state, end time and summary of r.
func (r *Record) Finish(state State, sum *output.SummaryRecord, err error, at time.Time) {
	at = at.UTC()
	r.State = state
	r.EndedAt = &at
	r.Summary = sum
	if err != nil {
		r.Error = err.Error()
	}
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	return p.Signal(syscall.Signal(0)) == nil
}
