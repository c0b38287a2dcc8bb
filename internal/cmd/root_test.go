package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gohindcast/internal/config"
	"github.com/3leaps/gohindcast/pkg/extract"
	"github.com/3leaps/gohindcast/pkg/manifest"
	"github.com/3leaps/gohindcast/pkg/match"
	"github.com/3leaps/gohindcast/pkg/runlog"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unit"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestVersionString(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("1.2.3", "abc123", "2024-01-15")
	out := versionString()
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "2024-01-15")
}

func TestFlagOverrides(t *testing.T) {
	reset := func() {
		rootLogLevel, rootLogFormat, rootVerbose = "", "", false
	}
	defer reset()

	reset()
	assert.Nil(t, flagOverrides())

	rootLogLevel = "warn"
	rootLogFormat = "json"
	assert.Equal(t, map[string]any{"logging": map[string]any{"level": "warn", "format": "json"}}, flagOverrides())

	rootVerbose = true
	got := flagOverrides()["logging"].(map[string]any)
	assert.Equal(t, "debug", got["level"], "verbose wins over --log-level")
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitInvalidArgument, "Invalid manifest", cause)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitInvalidArgument, ee.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Invalid manifest")
	assert.Contains(t, err.Error(), "boom")
}

func TestGetAppIdentity_AfterInit(t *testing.T) {
	orig, origCfg := appIdentity, appConfig
	defer func() { appIdentity, appConfig = orig, origCfg }()

	isolateHome(t)
	rootCmd.SetContext(context.Background())
	require.NoError(t, initRuntime(rootCmd, nil))

	id := GetAppIdentity()
	require.NotNil(t, id)
	assert.Equal(t, config.DefaultIdentity.BinaryName, id.BinaryName)
	require.NotNil(t, appConfig)
	assert.Equal(t, 5, appConfig.Run.ProgressPercent)
}

func TestApplyRunOverrides(t *testing.T) {
	spec := source.Spec{RateLimit: 2}
	spec.Retry.MaxAttempts = 10

	applyRunOverrides(&spec, manifest.RunConfig{})
	assert.Equal(t, 10, spec.Retry.MaxAttempts)
	assert.InDelta(t, 2.0, spec.RateLimit, 1e-9)

	applyRunOverrides(&spec, manifest.RunConfig{MaxAttempts: 3, RateLimit: 0.5})
	assert.Equal(t, 3, spec.Retry.MaxAttempts)
	assert.InDelta(t, 0.5, spec.RateLimit, 1e-9)
}

func TestSelectVariables(t *testing.T) {
	spec := source.Spec{Name: "ww3-hindcast", Variables: []string{"Thgt", "Tper", "Tdir", "shgt"}}

	tests := []struct {
		name    string
		sel     manifest.VariablesConfig
		want    []string
		wantErr error
	}{
		{name: "no selection keeps source list"},
		{name: "glob", sel: manifest.VariablesConfig{Includes: []string{"T*"}}, want: []string{"Thgt", "Tper", "Tdir"}},
		{name: "exclude", sel: manifest.VariablesConfig{Includes: []string{"T*"}, Excludes: []string{"Tdir"}}, want: []string{"Thgt", "Tper"}},
		{name: "no match", sel: manifest.VariablesConfig{Includes: []string{"water_*"}}, wantErr: match.ErrNoMatch},
		{name: "bad pattern", sel: manifest.VariablesConfig{Includes: []string{"[T"}}, wantErr: match.ErrInvalidPattern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectVariables(spec, tt.sel)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateWriter(t *testing.T) {
	for _, dest := range []string{"", "stdout", "stderr", "none"} {
		w, cleanup, err := createWriter(dest, "run-1", "ww3-hindcast")
		require.NoError(t, err, dest)
		require.NotNil(t, w)
		cleanup()
	}

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, cleanup, err := createWriter("file:"+path, "run-1", "ww3-hindcast")
	require.NoError(t, err)
	require.NotNil(t, w)
	cleanup()
	_, err = os.Stat(path)
	assert.NoError(t, err)

	_, _, err = createWriter("file:"+filepath.Join(t.TempDir(), "missing", "events.jsonl"), "run-1", "x")
	assert.Error(t, err)
}

func TestRunState(t *testing.T) {
	ctx := context.Background()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	done := &extract.Summary{Total: 2, Counts: map[unit.Status]int{unit.StatusCompleted: 1, unit.StatusSkipped: 1}}
	partial := &extract.Summary{Total: 2, Counts: map[unit.Status]int{unit.StatusCompleted: 1, unit.StatusErrored: 1}}
	aborted := &extract.Summary{Total: 2, Aborted: true, Counts: map[unit.Status]int{unit.StatusAborted: 1}}

	assert.Equal(t, runlog.StateSuccess, runState(ctx, done, nil))
	assert.Equal(t, runlog.StatePartial, runState(ctx, partial, nil))
	assert.Equal(t, runlog.StateAborted, runState(ctx, aborted, nil))
	assert.Equal(t, runlog.StateAborted, runState(ctx, done, errors.New("boom")))
	assert.Equal(t, runlog.StateInterrupted, runState(canceled, partial, nil))
}

func TestOpenJob(t *testing.T) {
	origCfg := appConfig
	defer func() { appConfig = origCfg }()
	isolateHome(t)
	appConfig = &config.Config{HTTP: config.HTTPConfig{Timeout: time.Minute, UserAgent: "gohindcast"}}

	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
source: ww3-hindcast
point:
  lat: 41
  lon: -124
time:
  start: 2015-01-01
  end: 2015-03-01
variables:
  includes: ["Thgt", "Tper"]
output:
  root: `+filepath.Join(dir, "out")+`
run:
  max_attempts: 3
`), 0o644))

	j, err := openJob(context.Background(), path, "run-1", jobOptions{dryRun: true})
	require.NoError(t, err)
	defer j.close()

	assert.Equal(t, "ww3-hindcast", j.spec.Name)
	assert.Equal(t, 3, j.spec.Retry.MaxAttempts)
	assert.Equal(t, []string{"Thgt", "Tper"}, j.adapter.Descriptor().Limits.Variables)

	req := j.request()
	assert.True(t, req.DryRun)
	require.NotNil(t, req.Window)
	assert.Equal(t, time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC), req.Window.End)

	preq, err := extract.PlanRequest(req)
	require.NoError(t, err)
	units, err := scanPlan(context.Background(), j.store, preq)
	require.NoError(t, err)
	assert.Len(t, units, 4, "two months by two split variables")
	assert.Zero(t, countDone(units))
}

func TestOpenJob_Errors(t *testing.T) {
	origCfg := appConfig
	defer func() { appConfig = origCfg }()
	isolateHome(t)
	appConfig = &config.Config{HTTP: config.HTTPConfig{Timeout: time.Minute}}

	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "nope.yaml")},
		{name: "unknown source", path: write("unknown.yaml", "version: \"1.0\"\nsource: nope\npoint: {lat: 1, lon: 1}\noutput: {root: "+dir+"}\n")},
		{name: "no matching variables", path: write("vars.yaml", "version: \"1.0\"\nsource: ww3-hindcast\npoint: {lat: 1, lon: 1}\nvariables: {includes: [\"zzz*\"]}\noutput: {root: "+dir+"}\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openJob(context.Background(), tt.path, "run-1", jobOptions{})
			var ee *ExitError
			require.True(t, errors.As(err, &ee), "got %v", err)
			assert.Equal(t, foundry.ExitInvalidArgument, ee.Code)
		})
	}
}

func isolateHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv("GOHINDCAST_CATALOG", "")
}
