package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gohindcast/internal/observability"
	"github.com/3leaps/gohindcast/pkg/extract"
	"github.com/3leaps/gohindcast/pkg/fetch"
	"github.com/3leaps/gohindcast/pkg/retry"
	"github.com/3leaps/gohindcast/pkg/runlog"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run an extraction job from manifest",
	Long: `Run an extraction as defined in a YAML or JSON manifest file.

The manifest names a catalog source, the region or point, the time window,
variable selection and the output root. Units already present under the
output root are skipped, so re-running an interrupted job resumes it.

JSONL event records go to the manifest's events destination (stdout by
default); logs and the final report go to stderr.

Example:
  gohindcast extract --job ww3.yaml
  gohindcast extract --job ww3.yaml --root ./data --events file:events.jsonl
  gohindcast extract --job ww3.yaml --dry-run`,
	RunE: runExtract,
}

var (
	extractJobPath  string
	extractRoot     string
	extractEvents   string
	extractCatalog  string
	extractDryRun   bool
	extractQuiet    bool
	extractNoRunLog bool
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractJobPath, "job", "j", "", "Path to job manifest (required)")
	extractCmd.Flags().StringVar(&extractRoot, "root", "", "Override output root")
	extractCmd.Flags().StringVarP(&extractEvents, "events", "e", "", "Override events destination (stdout|stderr|none|file:<path>)")
	extractCmd.Flags().StringVar(&extractCatalog, "catalog", "", "Source catalog merged over the built-in one")
	extractCmd.Flags().BoolVar(&extractDryRun, "dry-run", false, "Plan and report without fetching")
	extractCmd.Flags().BoolVarP(&extractQuiet, "quiet", "q", false, "Suppress the final report")
	extractCmd.Flags().BoolVar(&extractNoRunLog, "no-run-log", false, "Do not write a run record under the output root")

	_ = extractCmd.MarkFlagRequired("job")
}

func runExtract(cmd *cobra.Command, args []string) error {
	// Interrupt is the only cancellation path; completed units stay on disk.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	j, err := openJob(ctx, extractJobPath, runID, jobOptions{
		root:    extractRoot,
		catalog: extractCatalog,
		dryRun:  extractDryRun,
	})
	if err != nil {
		return err
	}
	defer j.close()

	m := j.manifest
	if extractEvents != "" {
		m.Output.Events = extractEvents
	}
	writer, cleanup, err := createWriter(m.Output.Events, runID, j.spec.Name)
	if err != nil {
		observability.CLILogger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create events output", err)
	}
	defer cleanup()

	desc := j.adapter.Descriptor()
	var limiter *rate.Limiter
	if desc.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(desc.RateLimit), 1)
	}
	log := observability.CLILogger.With(zap.String("run_id", runID))

	worker, err := fetch.New(fetch.Config{
		Store:   j.store,
		Policy:  retry.New(desc.Retry),
		Limiter: limiter,
		Logger:  log,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create worker", err)
	}

	orch, err := extract.New(extract.Config{
		Worker:          worker,
		Output:          writer,
		Logger:          log,
		RunID:           runID,
		ProgressPercent: progressPercent(m.Run.ProgressPercent),
		Parallelism:     m.Run.Parallelism,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create orchestrator", err)
	}

	req := j.request()
	preq, err := extract.PlanRequest(req)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid extraction request", err)
	}

	var runs *runlog.Store
	var rec *runlog.Record
	if !extractNoRunLog && !m.Run.DryRun {
		runs = runlog.ForOutput(m.Output.Root)
		rec = &runlog.Record{
			RunID:        runID,
			Source:       j.spec.Name,
			State:        runlog.StateRunning,
			ManifestPath: j.path,
			OutputRoot:   m.Output.Root,
			Region:       preq.Region.Key(),
			Start:        preq.Window.Start,
			End:          preq.Window.End,
			PID:          os.Getpid(),
			CreatedAt:    time.Now().UTC(),
		}
		if err := runs.Write(rec); err != nil {
			log.Warn("Failed to write run record", zap.Error(err))
			runs = nil
		}
	}

	log.Info("Starting extraction",
		zap.String("source", j.spec.Name),
		zap.String("root", m.Output.Root),
		zap.Float64("rate_limit", desc.RateLimit),
		zap.Bool("dry_run", m.Run.DryRun))

	sum, runErr := orch.Run(ctx, req)

	if runs != nil && sum != nil {
		rec.Units = sum.Total
		rec.Finish(runState(ctx, sum, runErr), sum.Record(), runErr, time.Now())
		if err := runs.Write(rec); err != nil {
			log.Warn("Failed to write run record", zap.Error(err))
		}
	}
	if sum != nil && !extractQuiet {
		_, _ = fmt.Fprint(os.Stderr, sum.Report())
	}

	switch {
	case ctx.Err() != nil:
		return exitError(foundry.ExitSignalInt, "Extraction interrupted; re-run to resume", ctx.Err())
	case runErr != nil:
		var abort *extract.AbortError
		if errors.As(runErr, &abort) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Extraction aborted", runErr)
		}
		return exitError(foundry.ExitInvalidArgument, "Extraction failed", runErr)
	}
	return nil
}

func progressPercent(manifestValue int) int {
	if manifestValue > 0 {
		return manifestValue
	}
	if cfg := appConfig; cfg != nil {
		return cfg.Run.ProgressPercent
	}
	return 0
}

// runState maps a finished run to its run-log state.
func runState(ctx context.Context, sum *extract.Summary, err error) runlog.State {
	switch {
	case ctx.Err() != nil:
		return runlog.StateInterrupted
	case err != nil || sum.Aborted:
		return runlog.StateAborted
	case sum.OK():
		return runlog.StateSuccess
	}
	return runlog.StatePartial
}
