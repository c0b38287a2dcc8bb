package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gohindcast/internal/observability"
	"github.com/3leaps/gohindcast/pkg/catalog"
	"github.com/3leaps/gohindcast/pkg/extract"
	"github.com/3leaps/gohindcast/pkg/geo"
	"github.com/3leaps/gohindcast/pkg/manifest"
	"github.com/3leaps/gohindcast/pkg/match"
	"github.com/3leaps/gohindcast/pkg/output"
	"github.com/3leaps/gohindcast/pkg/source"
	"github.com/3leaps/gohindcast/pkg/unitstore"
)

// job is a manifest resolved against the catalog: the adapter is open and
// the store is ready.
type job struct {
	path     string
	manifest *manifest.Manifest
	spec     source.Spec
	adapter  source.Adapter
	store    unitstore.Store
	region   geo.Region
	window   *geo.TimeWindow
	runID    string
}

// jobOptions are command-line overrides applied on top of the manifest.
type jobOptions struct {
	root    string
	catalog string
	dryRun  bool
}

// openJob loads the manifest at path and prepares everything a run needs.
// Errors are already ExitErrors.
func openJob(ctx context.Context, path, runID string, opts jobOptions) (*job, error) {
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", path),
			zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if opts.root != "" {
		m.Output.Root = opts.root
	}
	if opts.dryRun {
		m.Run.DryRun = true
	}

	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	catalogPath := opts.catalog
	if catalogPath == "" {
		catalogPath = cfg.Catalog
	}
	cat, err := catalog.Resolve(catalogPath)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to load source catalog", err)
	}
	spec, err := cat.Get(m.Source)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Unknown source", err)
	}
	applyRunOverrides(&spec, m.Run)

	variables, err := selectVariables(spec, m.Variables)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid variable selection", err)
	}

	region, err := m.GeoRegion()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid region", err)
	}
	window, err := m.Window()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid time window", err)
	}

	sc := &source.Context{
		RunID:       runID,
		UserAgent:   cfg.HTTP.UserAgent + "/" + versionInfo.Version,
		HTTPTimeout: cfg.HTTP.Timeout,
		Credentials: cfg.Credentials.AsMap(),
		Logger:      observability.CLILogger,
	}
	if len(variables) > 0 {
		sc.Variables = map[string][]string{spec.Name: variables}
	}

	adapter, err := catalog.DefaultRegistry().Open(sc, spec)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to configure source", err)
	}

	store, err := unitstore.Open(ctx, m.Output.Root, unitstore.Options{
		Layout:      m.Output.Layout,
		Format:      m.Output.Format,
		Compression: m.Output.Compression,
		RawExt:      m.Output.RawExt,
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open output root", err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", path),
		zap.String("source", spec.Name),
		zap.String("kind", spec.Kind),
		zap.String("region", region.String()),
		zap.Strings("variables", adapter.Descriptor().Limits.Variables))

	return &job{
		path:     path,
		manifest: m,
		spec:     spec,
		adapter:  adapter,
		store:    store,
		region:   region,
		window:   window,
		runID:    runID,
	}, nil
}

// request returns the orchestrator input for the job.
func (j *job) request() extract.Request {
	return extract.Request{
		Adapter: j.adapter,
		Region:  j.region,
		Window:  j.window,
		DryRun:  j.manifest.Run.DryRun,
	}
}

// close releases the store.
func (j *job) close() {
	if c, ok := j.store.(io.Closer); ok {
		_ = c.Close()
	}
}

// applyRunOverrides folds manifest run settings into the source spec.
func applyRunOverrides(spec *source.Spec, run manifest.RunConfig) {
	if run.MaxAttempts > 0 {
		spec.Retry.MaxAttempts = run.MaxAttempts
	}
	if run.RateLimit > 0 {
		spec.RateLimit = run.RateLimit
	}
}

// selectVariables applies the manifest patterns to the source's variables.
// A nil result keeps the source's configured list.
func selectVariables(spec source.Spec, sel manifest.VariablesConfig) ([]string, error) {
	m, err := match.New(match.Config{Includes: sel.Includes, Excludes: sel.Excludes})
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return nil, nil
	}
	vars, err := m.Select(spec.Variables)
	if err != nil {
		return nil, fmt.Errorf("source %s offers %s: %w", spec.Name, strings.Join(spec.Variables, ", "), err)
	}
	return vars, nil
}

// createWriter creates an event writer for dest. Returns the writer, a
// cleanup function, and any error.
func createWriter(dest, runID, sourceName string) (output.Writer, func(), error) {
	switch dest {
	case "", "stdout":
		w := output.NewJSONLWriter(os.Stdout, runID, sourceName)
		return w, func() { _ = w.Close() }, nil
	case "stderr":
		w := output.NewJSONLWriter(os.Stderr, runID, sourceName)
		return w, func() { _ = w.Close() }, nil
	case "none":
		w := output.Discard()
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create events file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID, sourceName)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
