// Package fetch executes single units: it checks the store, drives the
// adapter through request, fetch and parse, persists the payload and retries
// failures as the retry policy decides.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/retry"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
	"github.com/3leaps/gohindcast/pkg/unitstore"
)

// Clock returns the current time.
type Clock func() time.Time

// Sleeper pauses for d. It returns early with ctx.Err() when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config configures a Worker.
type Config struct {
	// Store is required.
	Store unitstore.Store

	// Policy classifies failures. Default: retry.New(retry.DefaultConfig())
	Policy *retry.Policy

	// Limiter throttles outbound requests. Nil means unlimited.
	Limiter *rate.Limiter

	// Clock and Sleep default to the wall clock and a context-aware timer.
	Clock Clock
	Sleep Sleeper

	Logger *zap.Logger
}

// Worker executes units. A Worker is safe for concurrent use when its
// adapter and store are.
type Worker struct {
	store   unitstore.Store
	policy  *retry.Policy
	limiter *rate.Limiter
	now     Clock
	sleep   Sleeper
	log     *zap.Logger
}

// New returns a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("fetch: store is required")
	}
	w := &Worker{
		store:   cfg.Store,
		policy:  cfg.Policy,
		limiter: cfg.Limiter,
		now:     cfg.Clock,
		sleep:   cfg.Sleep,
		log:     cfg.Logger,
	}
	if w.policy == nil {
		w.policy = retry.New(retry.DefaultConfig())
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.sleep == nil {
		w.sleep = SleepContext
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	return w, nil
}

// Store returns the worker's unit store.
func (w *Worker) Store() unitstore.Store {
	return w.store
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs u against a and returns its outcome. Transient, data-absent
// and malformed failures are captured in the outcome; only FatalAbort
// decisions, store failures and cancellation yield StatusAborted.
func (w *Worker) Execute(ctx context.Context, u unit.Unit, a source.Adapter) unit.Outcome {
	if u.Profile {
		if prober, ok := a.(source.DepthProber); ok {
			return w.executeProfile(ctx, u, a, prober)
		}
	}
	return w.executeUnit(ctx, u, a)
}

// run tracks one unit's timing. Elapsed excludes time spent in backoff.
type run struct {
	w     *Worker
	start time.Time
	out   unit.Outcome
}

func (w *Worker) begin(u unit.Unit) *run {
	return &run{w: w, start: w.now(), out: unit.Outcome{Unit: u}}
}

func (r *run) finish(status unit.Status, reason string, err error) unit.Outcome {
	r.out.Status = status
	r.out.Reason = reason
	r.out.Err = err
	r.out.Elapsed = r.w.now().Sub(r.start) - r.out.Backoff
	if r.out.Elapsed < 0 {
		r.out.Elapsed = 0
	}
	return r.out
}

// pause sleeps for d and books the time actually paused as backoff.
func (r *run) pause(ctx context.Context, d time.Duration) error {
	before := r.w.now()
	err := r.w.sleep(ctx, d)
	r.out.Backoff += r.w.now().Sub(before)
	return err
}

func (r *run) interrupted(ctx context.Context, err error) unit.Outcome {
	if err == nil {
		err = ctx.Err()
	}
	return r.finish(unit.StatusAborted, unit.ReasonInterrupted, err)
}

func (w *Worker) executeUnit(ctx context.Context, u unit.Unit, a source.Adapter) unit.Outcome {
	r := w.begin(u)
	log := w.log.With(zap.String("unit", u.ID()))

	done, err := w.store.Exists(ctx, u)
	if err != nil {
		return r.finish(unit.StatusAborted, unit.ReasonStore, err)
	}
	if done {
		log.Debug("Unit already done")
		return r.finish(unit.StatusSkipped, "", nil)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.interrupted(ctx, err)
		}
		r.out.Attempts = attempt

		payload, err := w.attempt(ctx, u, a)
		if err == nil {
			if err := w.store.Write(ctx, u, payload); err != nil {
				if ctx.Err() != nil {
					return r.interrupted(ctx, err)
				}
				return r.finish(unit.StatusAborted, unit.ReasonStore, err)
			}
			log.Debug("Unit completed",
				zap.Int("attempts", attempt),
				zap.Int("observations", len(payload.Observations)),
			)
			return r.finish(unit.StatusCompleted, "", nil)
		}
		if ctx.Err() != nil {
			return r.interrupted(ctx, err)
		}

		d := w.policy.Classify(err, attempt)
		switch d.Action {
		case retry.RetryAfterBackoff:
			log.Warn("Fetch failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", d.Backoff),
				zap.Error(err),
			)
			if err := r.pause(ctx, d.Backoff); err != nil {
				return r.interrupted(ctx, err)
			}
		case retry.RetryImmediate:
			log.Debug("Fetch failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		case retry.FatalAbort:
			log.Error("Fetch failed, aborting run", zap.String("reason", d.Reason), zap.Error(err))
			return r.finish(unit.StatusAborted, d.Reason, err)
		default:
			log.Info("Fetch failed, recording unit",
				zap.String("status", string(d.Status)),
				zap.String("reason", d.Reason),
				zap.Error(err),
			)
			return r.finish(d.Status, d.Reason, err)
		}
	}
}

// attempt performs one build, fetch and parse cycle.
func (w *Worker) attempt(ctx context.Context, u unit.Unit, a source.Adapter) (*source.Payload, error) {
	req, err := a.BuildRequest(u)
	if err != nil {
		return nil, classified(err, fault.ErrBadRequest)
	}
	if err := w.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := a.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	payload, err := a.Parse(raw)
	if err != nil {
		return nil, classified(err, fault.ErrMalformedResponse)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: adapter returned no payload", fault.ErrMalformedResponse)
	}
	payload.Unit = u
	return payload, nil
}

func (w *Worker) wait(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	return w.limiter.Wait(ctx)
}

// classified wraps err in sentinel unless it already carries a class.
func classified(err, sentinel error) error {
	if fault.Classify(err) != fault.ClassUnknown {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// executeProfile probes the number of depth levels at u's location, fetches
// each level as its own unit and finally writes a marker at the profile path
// so a completed profile is skipped without probing again.
func (w *Worker) executeProfile(ctx context.Context, u unit.Unit, a source.Adapter, prober source.DepthProber) unit.Outcome {
	r := w.begin(u)
	log := w.log.With(zap.String("unit", u.ID()))

	done, err := w.store.Exists(ctx, u)
	if err != nil {
		return r.finish(unit.StatusAborted, unit.ReasonStore, err)
	}
	if done {
		return r.finish(unit.StatusSkipped, "", nil)
	}

	var levels int
	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return r.interrupted(ctx, err)
		}
		r.out.Attempts = iter

		var perr error
		if perr = w.wait(ctx); perr == nil {
			levels, perr = prober.ProbeDepth(ctx, u)
		}
		if perr == nil {
			break
		}
		if ctx.Err() != nil {
			return r.interrupted(ctx, perr)
		}

		d := w.policy.ClassifyProbe(perr, iter)
		switch d.Action {
		case retry.RetryImmediate:
			log.Debug("Depth probe failed, retrying", zap.Int("iteration", iter), zap.Error(perr))
		case retry.RetryAfterBackoff:
			log.Warn("Depth probe failed, backing off", zap.Duration("backoff", d.Backoff), zap.Error(perr))
			if err := r.pause(ctx, d.Backoff); err != nil {
				return r.interrupted(ctx, err)
			}
		case retry.FatalAbort:
			return r.finish(unit.StatusAborted, d.Reason, perr)
		default:
			return r.finish(d.Status, d.Reason, perr)
		}
	}

	if levels <= 0 {
		return r.finish(unit.StatusErrored, unit.ReasonDataAbsent,
			fmt.Errorf("%w: no valid depth levels", fault.ErrNotFound))
	}
	log.Debug("Depth probe complete", zap.Int("levels", levels))

	statuses := make([]unit.Status, 0, levels)
	for level := 1; level <= levels; level++ {
		part := w.executeUnit(ctx, u.WithLevel(level), a)
		r.out.Parts = append(r.out.Parts, part)
		r.out.Backoff += part.Backoff
		statuses = append(statuses, part.Status)
		if part.Status == unit.StatusAborted {
			break
		}
	}

	// The profile reports the first part carrying its worst status.
	if worst := unit.Worst(statuses...); worst != unit.StatusCompleted && worst != unit.StatusSkipped {
		for _, part := range r.out.Parts {
			if part.Status == worst {
				return r.finish(worst, part.Reason, fmt.Errorf("level %d: %w", part.Unit.Level, part.Err))
			}
		}
	}

	marker := &source.Payload{Unit: u}
	marker.SetAttr("depth_levels", strconv.Itoa(levels))
	if err := w.store.Write(ctx, u, marker); err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, err)
		}
		return r.finish(unit.StatusAborted, unit.ReasonStore, err)
	}
	return r.finish(unit.StatusCompleted, "", nil)
}
