package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/fetch"
	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/output"
	"github.com/3leaps/gohindcast/pkg/planner"
	"github.com/3leaps/gohindcast/pkg/retry"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
	"github.com/3leaps/gohindcast/pkg/unitstore"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func window(start, end time.Time) *geo.TimeWindow {
	return &geo.TimeWindow{Start: start, End: end}
}

// fakeAdapter serves every unit with one observation, failing units whose
// window start matches a scripted key.
type fakeAdapter struct {
	desc source.Descriptor

	mu        sync.Mutex
	failures  map[string][]error
	calls     int
	events    []string
	active    int
	maxActive int
	work      time.Duration
	clock     *fakeClock
	levels    int
}

func newFakeAdapter(desc source.Descriptor) *fakeAdapter {
	if desc.Name == "" {
		desc.Name = "fake"
	}
	if desc.ValidRange.Start.IsZero() {
		desc.ValidRange = geo.TimeWindow{Start: day(1980, 1, 1), End: day(2030, 1, 1)}
	}
	return &fakeAdapter{desc: desc, failures: map[string][]error{}}
}

// failOn scripts errs for units whose window starts at start and, when
// variable is not empty, whose variable matches.
func (a *fakeAdapter) failOn(start time.Time, variable string, errs ...error) {
	a.failures[failKey(start, variable)] = errs
}

func failKey(start time.Time, variable string) string {
	return start.Format(time.RFC3339) + "/" + variable
}

func (a *fakeAdapter) Descriptor() source.Descriptor { return a.desc }

func (a *fakeAdapter) BuildRequest(u unit.Unit) (*source.Request, error) {
	return &source.Request{Unit: u, URL: "fake://" + u.ID()}, nil
}

func (a *fakeAdapter) Fetch(_ context.Context, req *source.Request) (*source.Raw, error) {
	u := req.Unit

	a.mu.Lock()
	a.calls++
	a.active++
	if a.active > a.maxActive {
		a.maxActive = a.active
	}
	a.events = append(a.events, "start "+u.ChunkKey())
	var err error
	for _, key := range []string{failKey(u.Window.Start, u.Variable), failKey(u.Window.Start, "")} {
		if errs := a.failures[key]; len(errs) > 0 {
			err = errs[0]
			a.failures[key] = errs[1:]
			break
		}
	}
	if a.clock != nil {
		a.clock.Advance(a.work)
	}
	a.mu.Unlock()

	if a.clock == nil && a.work > 0 {
		time.Sleep(a.work)
	}

	a.mu.Lock()
	a.active--
	a.events = append(a.events, "end "+u.ChunkKey())
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &source.Raw{Request: req, Body: []byte("ok"), Received: time.Now()}, nil
}

func (a *fakeAdapter) Parse(raw *source.Raw) (*source.Payload, error) {
	u := raw.Request.Unit
	return &source.Payload{
		Unit: u,
		Observations: []source.Observation{{
			Time: u.Window.Start, Lat: u.Region.South, Lon: u.Region.West,
			Depth: math.NaN(), Variable: u.Variable, Value: 1.25,
		}},
	}, nil
}

func (a *fakeAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type profileAdapter struct {
	*fakeAdapter
}

func (a profileAdapter) ProbeDepth(context.Context, unit.Unit) (int, error) {
	return a.levels, nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	sleeps int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps++
	c.mu.Unlock()
	return nil
}

type harness struct {
	store unitstore.Store
	clock *fakeClock
	out   *bytes.Buffer
	orch  *Orchestrator
}

func newHarness(t *testing.T, root string, cfg retry.Config) *harness {
	t.Helper()
	store, err := unitstore.NewFileStore(root, unitstore.Options{})
	require.NoError(t, err)

	clock := &fakeClock{now: day(2026, 1, 1)}
	w, err := fetch.New(fetch.Config{
		Store:  store,
		Policy: retry.New(cfg),
		Clock:  clock.Now,
		Sleep:  clock.Sleep,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	orch, err := New(Config{
		Worker: w,
		Output: output.NewJSONLWriter(&buf, "run-test", "fake"),
		RunID:  "run-test",
		Now:    clock.Now,
	})
	require.NoError(t, err)
	return &harness{store: store, clock: clock, out: &buf, orch: orch}
}

func recordTypes(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var types []string
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		types = append(types, rec.Type)
	}
	return types
}

func TestRun_SinglePointMonth(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{
		Name:   "ww3",
		Limits: planner.Limits{TimeStep: planner.Months(1)},
	})

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 2, 1)),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Total)
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, unit.StatusCompleted, sum.Outcomes[0].Status)
	assert.True(t, sum.OK())

	ok, err := h.store.Exists(context.Background(), sum.Outcomes[0].Unit)
	require.NoError(t, err)
	assert.True(t, ok)

	types := recordTypes(t, h.out)
	require.NotEmpty(t, types)
	assert.Equal(t, output.TypePlan, types[0])
	assert.Contains(t, types, output.TypeUnit)
	assert.Contains(t, types, output.TypeProgress)
	assert.Equal(t, output.TypeSummary, types[len(types)-1])
	assert.Contains(t, sum.Report(), "All units completed")
}

func TestRun_SecondRunSkipsEverything(t *testing.T) {
	root := t.TempDir()
	req := func(a source.Adapter) Request {
		return Request{
			Adapter: a,
			Region:  geo.Point(41, -124),
			Window:  window(day(2015, 1, 1), day(2015, 7, 1)),
		}
	}
	desc := source.Descriptor{
		Limits: planner.Limits{TimeStep: planner.Months(1), Variables: []string{"a", "b"}, SplitVariables: true},
	}

	first := newFakeAdapter(desc)
	sum, err := newHarness(t, root, retry.DefaultConfig()).orch.Run(context.Background(), req(first))
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Counts[unit.StatusCompleted])

	second := newFakeAdapter(desc)
	sum, err = newHarness(t, root, retry.DefaultConfig()).orch.Run(context.Background(), req(second))
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Counts[unit.StatusSkipped])
	assert.Zero(t, sum.Counts[unit.StatusCompleted])
	assert.Zero(t, second.Calls(), "no fetches for already stored units")
	assert.True(t, sum.OK())
}

func TestRun_RateLimitedThenSucceeds(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.RateLimitCooldown = 2 * time.Minute
	h := newHarness(t, t.TempDir(), cfg)

	a := newFakeAdapter(source.Descriptor{Limits: planner.Limits{TimeStep: planner.Months(1)}})
	a.clock = h.clock
	a.work = 5 * time.Second
	a.failOn(day(2015, 1, 1), "", fault.ErrRateLimited, fault.ErrRateLimited)

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 2, 1)),
	})
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 1)
	o := sum.Outcomes[0]
	assert.Equal(t, unit.StatusCompleted, o.Status)
	assert.Equal(t, 3, o.Attempts)
	assert.GreaterOrEqual(t, h.clock.slept, 2*cfg.RateLimitCooldown)
	assert.GreaterOrEqual(t, o.Backoff, 2*cfg.RateLimitCooldown)
	assert.Equal(t, 15*time.Second, o.Elapsed, "recorded elapsed excludes backoff")
}

func TestRun_ManyRateLimitsBelowCap(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 10
	h := newHarness(t, t.TempDir(), cfg)

	a := newFakeAdapter(source.Descriptor{Limits: planner.Limits{TimeStep: planner.Months(1)}})
	errs := make([]error, 9)
	for i := range errs {
		errs[i] = fmt.Errorf("%w: quota", fault.ErrRateLimited)
	}
	a.failOn(day(2015, 1, 1), "", errs...)

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 2, 1)),
	})
	require.NoError(t, err)
	assert.Equal(t, unit.StatusCompleted, sum.Outcomes[0].Status)
	assert.Equal(t, 9, h.clock.sleeps)
}

func TestRun_NotFoundDoesNotStopLaterUnits(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{Limits: planner.Limits{TimeStep: planner.Months(1)}})
	a.failOn(day(2015, 2, 1), "", fmt.Errorf("%w: no rows for station", fault.ErrNotFound))

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 5, 1)),
	})
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 4)
	assert.Equal(t, unit.StatusCompleted, sum.Outcomes[0].Status)
	assert.Equal(t, unit.StatusErrored, sum.Outcomes[1].Status)
	assert.True(t, sum.Outcomes[1].DataAbsent())
	assert.Equal(t, unit.StatusCompleted, sum.Outcomes[2].Status)
	assert.Equal(t, unit.StatusCompleted, sum.Outcomes[3].Status)
	assert.Equal(t, 4, a.Calls(), "not-found is not retried")

	assert.Len(t, sum.DataAbsent, 1)
	assert.Empty(t, sum.Failed)
	assert.False(t, sum.OK())
	assert.Contains(t, sum.Report(), "No data at source")
}

func TestRun_FatalStopsRun(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{Limits: planner.Limits{TimeStep: planner.Months(1)}})
	a.failOn(day(2015, 2, 1), "", fmt.Errorf("%w: invalid api key", fault.ErrUnauthorized))

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 6, 1)),
	})
	require.Error(t, err)

	var abort *AbortError
	require.True(t, errors.As(err, &abort))
	assert.Equal(t, unit.ReasonFatal, abort.Reason)
	assert.ErrorIs(t, err, fault.ErrUnauthorized)

	require.NotNil(t, sum)
	assert.Equal(t, 5, sum.Total)
	require.Len(t, sum.Outcomes, 2)
	assert.Equal(t, unit.StatusCompleted, sum.Outcomes[0].Status)
	assert.Equal(t, unit.StatusAborted, sum.Outcomes[1].Status)
	assert.Equal(t, 2, a.Calls())
	assert.True(t, sum.Aborted)
	assert.Contains(t, sum.Report(), "3 units were not attempted")

	ok, err := h.store.Exists(context.Background(), sum.Outcomes[0].Unit)
	require.NoError(t, err)
	assert.True(t, ok, "completed units survive the abort")
}

func TestRun_TimeoutReportRecommendsRerun(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, t.TempDir(), cfg)

	a := newFakeAdapter(source.Descriptor{Limits: planner.Limits{TimeStep: planner.Months(1)}})
	a.failOn(day(2015, 1, 1), "", fault.ErrTimeout, fault.ErrTimeout)

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 3, 1)),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Counts[unit.StatusTimedOut])
	assert.Len(t, sum.TimedOut, 1)
	assert.Contains(t, sum.Report(), "re-run the same extraction")

	// The re-run resumes only the timed out unit.
	a2 := newFakeAdapter(a.desc)
	sum, err = h.orch.Run(context.Background(), Request{
		Adapter: a2,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 3, 1)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, a2.Calls())
	assert.True(t, sum.OK())
}

func TestRun_FanOutCompletesChunkBeforeNext(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{
		Limits: planner.Limits{
			TimeStep:       planner.Months(1),
			Variables:      []string{"Thgt", "Tper", "Tdir", "whgt"},
			SplitVariables: true,
		},
		Parallelism: 4,
	})
	a.work = 5 * time.Millisecond
	a.failOn(day(2015, 1, 1), "Tper", fault.ErrNotFound)

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2015, 4, 1)),
	})
	require.NoError(t, err)
	assert.Len(t, sum.Outcomes, 12)
	assert.Equal(t, 1, sum.Counts[unit.StatusErrored])
	assert.Greater(t, a.maxActive, 1, "variables of one chunk run concurrently")
	assert.LessOrEqual(t, a.maxActive, 4)

	// Every start of chunk k+1 follows every end of chunk k.
	lastEnd := map[string]int{}
	firstStart := map[string]int{}
	var order []string
	for i, ev := range a.events {
		var kind, key string
		_, _ = fmt.Sscanf(ev, "%s %s", &kind, &key)
		switch kind {
		case "start":
			if _, ok := firstStart[key]; !ok {
				firstStart[key] = i
				order = append(order, key)
			}
		case "end":
			lastEnd[key] = i
		}
	}
	require.Len(t, order, 3)
	for k := 1; k < len(order); k++ {
		assert.Less(t, lastEnd[order[k-1]], firstStart[order[k]])
	}
}

func TestRun_AdaptiveDepth(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	fa := newFakeAdapter(source.Descriptor{
		Limits: planner.Limits{TimeStep: planner.Years(1)},
		Depth:  planner.DepthAdaptive(),
	})
	fa.levels = 4
	a := profileAdapter{fa}

	req := Request{
		Adapter: a,
		Region:  geo.Point(30, -140),
		Window:  window(day(2010, 1, 1), day(2012, 1, 1)),
	}
	sum, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, sum.Outcomes, 2)
	for _, o := range sum.Outcomes {
		assert.Equal(t, unit.StatusCompleted, o.Status)
		assert.Len(t, o.Parts, 4)
	}
	assert.Equal(t, 8, fa.Calls())

	sum, err = h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Counts[unit.StatusSkipped])
	assert.Equal(t, 8, fa.Calls())
}

func TestRun_WindowDefaultsAndClamp(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{
		ValidRange: geo.TimeWindow{Start: day(2015, 1, 1), End: day(2015, 3, 1)},
		Limits:     planner.Limits{TimeStep: planner.Months(1)},
	})

	sum, err := h.orch.Run(context.Background(), Request{Adapter: a, Region: geo.Point(41, -124)})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)

	sum, err = h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2014, 6, 1), day(2015, 2, 1)),
	})
	require.NoError(t, err)
	assert.Equal(t, day(2015, 1, 1), sum.Window.Start)
	assert.Equal(t, 1, sum.Total)

	_, err = h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2020, 1, 1), day(2021, 1, 1)),
	})
	assert.ErrorIs(t, err, geo.ErrEmptyWindow)
}

func TestRun_NoWindowWithoutValidRange(t *testing.T) {
	a := newFakeAdapter(source.Descriptor{})
	a.desc.ValidRange = geo.TimeWindow{}

	_, err := PlanRequest(Request{Adapter: a, Region: geo.Point(41, -124)})
	assert.ErrorIs(t, err, ErrNoWindow)
}

func TestRun_DryRunExecutesNothing(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{Limits: planner.Limits{TimeStep: planner.Months(1)}})

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter: a,
		Region:  geo.Point(41, -124),
		Window:  window(day(2015, 1, 1), day(2016, 1, 1)),
		DryRun:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Total)
	assert.Empty(t, sum.Outcomes)
	assert.Zero(t, a.Calls())
	assert.Contains(t, sum.Report(), "Dry run: 12 units")
}

func TestRun_VariableOverride(t *testing.T) {
	h := newHarness(t, t.TempDir(), retry.DefaultConfig())
	a := newFakeAdapter(source.Descriptor{
		Limits: planner.Limits{TimeStep: planner.Months(1), Variables: []string{"a", "b", "c"}, SplitVariables: true},
	})

	sum, err := h.orch.Run(context.Background(), Request{
		Adapter:   a,
		Region:    geo.Point(41, -124),
		Window:    window(day(2015, 1, 1), day(2015, 2, 1)),
		Variables: []string{"b"},
	})
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 1)
	assert.Equal(t, "b", sum.Outcomes[0].Unit.Variable)
}

func TestNew_RequiresWorker(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSummary_ReportSeparatesFailures(t *testing.T) {
	u := unit.Unit{Source: "s", Region: geo.Point(1, 2), Window: geo.TimeWindow{Start: day(2015, 1, 1), End: day(2015, 2, 1)}}
	sum := newSummary("r", "s", u.Region, u.Window, 3, day(2026, 1, 1))
	sum.add(unit.Outcome{Unit: u, Status: unit.StatusCompleted})
	sum.add(unit.Outcome{Unit: u.WithLevel(1), Status: unit.StatusErrored, Reason: unit.ReasonDataAbsent, Err: fault.ErrNotFound})
	sum.add(unit.Outcome{Unit: u.WithLevel(2), Status: unit.StatusErrored, Reason: unit.ReasonMalformedRequest, Err: errors.New("bad bbox")})

	report := sum.Report()
	assert.Contains(t, report, "No data at source")
	assert.Contains(t, report, "Failed (investigate")
	assert.Contains(t, report, "malformed_request: bad bbox")
	assert.NotContains(t, report, "Timed out")

	rec := sum.Record()
	assert.Equal(t, 2, rec.Counts["errored"])
	assert.Len(t, rec.DataAbsent, 1)
	assert.Len(t, rec.Failed, 1)
}
