// Package extract drives an extraction run: it plans units for a region and
// time window, executes them chunk by chunk through the fetch worker and
// aggregates the outcomes into a Summary.
//
// Units of one chunk (the same time window and box, fanned out per variable)
// all finish before the next chunk starts. A FatalAbort outcome stops the run
// without attempting the remaining units; everything already stored stays
// valid and a later run resumes from it.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gohindcast/pkg/fetch"
	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/output"
	"github.com/3leaps/gohindcast/pkg/planner"
	"github.com/3leaps/gohindcast/pkg/progress"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// ErrNoWindow is returned when no window is given and the source has no
// bounded valid range to default to.
var ErrNoWindow = errors.New("no time window: source has no bounded valid range")

// AbortError reports a run stopped by a fatal unit outcome.
type AbortError struct {
	Unit   string
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extraction aborted at %s (%s)", e.Unit, e.Reason)
	}
	return fmt.Sprintf("extraction aborted at %s (%s): %v", e.Unit, e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Config configures an Orchestrator.
type Config struct {
	// Worker executes units. Required.
	Worker *fetch.Worker

	// Output receives plan, unit, progress and summary records.
	// Default: output.Discard()
	Output output.Writer

	Logger *zap.Logger

	// RunID correlates records and logs.
	RunID string

	// ProgressPercent is the milestone interval. Default: 5
	ProgressPercent int

	// Parallelism overrides the source's per-chunk parallelism when > 0.
	Parallelism int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs extractions.
type Orchestrator struct {
	worker      *fetch.Worker
	out         output.Writer
	log         *zap.Logger
	runID       string
	percent     int
	parallelism int
	now         func() time.Time
}

// New returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Worker == nil {
		return nil, errors.New("extract: worker is required")
	}
	o := &Orchestrator{
		worker:      cfg.Worker,
		out:         cfg.Output,
		log:         cfg.Logger,
		runID:       cfg.RunID,
		percent:     cfg.ProgressPercent,
		parallelism: cfg.Parallelism,
		now:         cfg.Now,
	}
	if o.out == nil {
		o.out = output.Discard()
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.percent <= 0 {
		o.percent = progress.DefaultPercent
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Request is the input to Run.
type Request struct {
	Adapter source.Adapter
	Region  geo.Region

	// Window is clamped to the source's valid range. Nil selects the whole
	// valid range and a zero bound is taken from it.
	Window *geo.TimeWindow

	// Variables overrides the source's configured variables when set.
	Variables []string

	// DryRun plans and reports without executing units.
	DryRun bool
}

// PlanRequest resolves req against the adapter's descriptor into the
// planner input.
func PlanRequest(req Request) (planner.Request, error) {
	if req.Adapter == nil {
		return planner.Request{}, errors.New("extract: adapter is required")
	}
	desc := req.Adapter.Descriptor()

	if err := req.Region.Validate(); err != nil {
		return planner.Request{}, err
	}

	var window geo.TimeWindow
	if req.Window != nil {
		w := *req.Window
		if w.Start.IsZero() {
			w.Start = desc.ValidRange.Start
		}
		if w.End.IsZero() {
			w.End = desc.ValidRange.End
		}
		if w.Start.IsZero() || w.End.IsZero() {
			return planner.Request{}, ErrNoWindow
		}
		if err := w.Validate(); err != nil {
			return planner.Request{}, err
		}
		clamped, err := w.Clamp(desc.ValidRange)
		if err != nil {
			return planner.Request{}, err
		}
		window = clamped
	} else {
		if desc.ValidRange.Start.IsZero() || desc.ValidRange.End.IsZero() {
			return planner.Request{}, ErrNoWindow
		}
		window = desc.ValidRange
	}

	limits := desc.Limits
	if len(req.Variables) > 0 {
		limits.Variables = append([]string(nil), req.Variables...)
	}

	return planner.Request{
		Source: desc.Name,
		Region: req.Region,
		Window: window,
		Limits: limits,
		Depth:  desc.Depth,
	}, nil
}

// Run plans and executes req. The returned summary is non-nil whenever
// planning succeeded; the error is an *AbortError when a unit aborted the
// run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	preq, err := PlanRequest(req)
	if err != nil {
		return nil, err
	}
	desc := req.Adapter.Descriptor()

	total := planner.Count(preq)
	sum := newSummary(o.runID, desc.Name, preq.Region, preq.Window, total, o.now())
	sum.DryRun = req.DryRun

	log := o.log.With(zap.String("run_id", o.runID), zap.String("source", desc.Name))
	log.Info("Extraction planned",
		zap.String("region", preq.Region.String()),
		zap.String("window", preq.Window.String()),
		zap.Int("units", total),
	)
	if err := o.out.WritePlan(ctx, planRecord(preq, total, req.DryRun)); err != nil {
		log.Warn("Failed to write plan record", zap.Error(err))
	}

	if !req.DryRun {
		o.execute(ctx, req.Adapter, preq, desc, sum, log)
	}

	sum.Duration = o.now().Sub(sum.Started)
	if err := o.out.WriteSummary(ctx, sum.Record()); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Failed to write summary record", zap.Error(err))
	}
	log.Info("Extraction finished",
		zap.Int("completed", sum.Counts[unit.StatusCompleted]),
		zap.Int("skipped", sum.Counts[unit.StatusSkipped]),
		zap.Int("timed_out", sum.Counts[unit.StatusTimedOut]),
		zap.Int("errored", sum.Counts[unit.StatusErrored]),
		zap.Bool("aborted", sum.Aborted),
		zap.Duration("duration", sum.Duration),
	)

	if sum.Aborted {
		return sum, &AbortError{Unit: sum.AbortUnit, Reason: sum.AbortReason, Err: sum.AbortErr}
	}
	return sum, nil
}

// recorder appends outcomes and emits their records. Calls are serialized.
type recorder struct {
	mu      sync.Mutex
	o       *Orchestrator
	ctx     context.Context
	sum     *Summary
	rep     *progress.Reporter
	log     *zap.Logger
	aborted atomic.Bool
}

func (r *recorder) record(out unit.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sum.add(out)
	if out.Status == unit.StatusAborted {
		r.aborted.Store(true)
	}

	path := ""
	if out.Status == unit.StatusCompleted || out.Status == unit.StatusSkipped {
		path = r.o.worker.Store().PathFor(out.Unit)
	}
	if err := r.o.out.WriteUnit(r.ctx, unitRecord(out, path)); err != nil && r.ctx.Err() == nil {
		r.log.Warn("Failed to write unit record", zap.Error(err))
	}
	if rec := errorRecord(out); rec != nil {
		_ = r.o.out.WriteError(r.ctx, rec)
	}

	if snap, ok := r.rep.Observe(out); ok {
		r.log.Info("Extraction progress",
			zap.Int("percent", snap.Percent),
			zap.Int("done", snap.Done),
			zap.Int("total", snap.Total),
			zap.Duration("eta", snap.ETA.Round(time.Second)),
		)
		_ = r.o.out.WriteProgress(r.ctx, &output.ProgressRecord{
			Done:     snap.Done,
			Total:    snap.Total,
			Percent:  snap.Percent,
			ETA:      snap.ETA,
			ETAHuman: snap.ETA.Round(time.Second).String(),
		})
	}
}

func (o *Orchestrator) execute(ctx context.Context, a source.Adapter, preq planner.Request, desc source.Descriptor, sum *Summary, log *zap.Logger) {
	parallel := desc.Parallelism
	if o.parallelism > 0 {
		parallel = o.parallelism
	}

	rec := &recorder{
		o:   o,
		ctx: ctx,
		sum: sum,
		rep: progress.New(sum.Total, o.percent),
		log: log,
	}

	var (
		chunk []unit.Unit
		key   string
	)
	for u := range planner.Plan(preq) {
		if len(chunk) > 0 && u.ChunkKey() != key {
			o.runChunk(ctx, a, chunk, parallel, rec)
			if rec.aborted.Load() {
				return
			}
			chunk = chunk[:0]
		}
		key = u.ChunkKey()
		chunk = append(chunk, u)
	}
	if len(chunk) > 0 {
		o.runChunk(ctx, a, chunk, parallel, rec)
	}
}

// runChunk executes one chunk and returns once every started unit has an
// outcome. Units not yet started when another unit aborts are dropped.
func (o *Orchestrator) runChunk(ctx context.Context, a source.Adapter, chunk []unit.Unit, parallel int, rec *recorder) {
	if parallel < 2 || len(chunk) < 2 {
		for _, u := range chunk {
			rec.record(o.worker.Execute(ctx, u, a))
			if rec.aborted.Load() {
				return
			}
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(parallel)
	for _, u := range chunk {
		g.Go(func() error {
			if rec.aborted.Load() {
				return nil
			}
			rec.record(o.worker.Execute(ctx, u, a))
			return nil
		})
	}
	_ = g.Wait()
}

func planRecord(preq planner.Request, total int, dryRun bool) *output.PlanRecord {
	rec := &output.PlanRecord{
		Region:   preq.Region.Key(),
		Start:    preq.Window.Start,
		End:      preq.Window.End,
		TimeStep: preq.Limits.TimeStep.String(),
		Units:    total,
		DryRun:   dryRun,
	}
	if preq.Limits.SplitVariables {
		rec.Variables = preq.Limits.Variables
	}
	switch preq.Depth.Kind {
	case planner.DepthFixedKind:
		rec.Depth = preq.Depth.Range.Key()
	case planner.DepthAdaptiveKind:
		rec.Depth = "adaptive"
	}
	return rec
}

func unitRecord(o unit.Outcome, path string) *output.UnitRecord {
	rec := &output.UnitRecord{
		ID:       o.Unit.ID(),
		Variable: o.Unit.Variable,
		Depth:    o.Unit.DepthKey(),
		Start:    o.Unit.Window.Start,
		End:      o.Unit.Window.End,
		Status:   string(o.Status),
		Reason:   o.Reason,
		Attempts: o.Attempts,
		Elapsed:  o.Elapsed,
		Backoff:  o.Backoff,
		Path:     path,
		Levels:   len(o.Parts),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// errorRecord returns the error record for failed outcomes, nil otherwise.
func errorRecord(o unit.Outcome) *output.ErrorRecord {
	var code string
	switch {
	case o.Status == unit.StatusTimedOut:
		code = output.ErrCodeTimeout
	case o.DataAbsent():
		code = output.ErrCodeNotFound
	case o.Reason == unit.ReasonStore:
		code = output.ErrCodeStore
	case o.Reason == unit.ReasonMaxAttempts:
		code = output.ErrCodeThrottled
	case o.Reason == unit.ReasonFatal:
		code = output.ErrCodeAccessDenied
	case o.Status == unit.StatusErrored, o.Status == unit.StatusAborted:
		code = output.ErrCodeInternal
	default:
		return nil
	}
	return &output.ErrorRecord{
		Code:    code,
		Message: o.Detail(),
		Unit:    o.Unit.ID(),
	}
}
