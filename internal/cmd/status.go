package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gohindcast/pkg/extract"
	"github.com/3leaps/gohindcast/pkg/runlog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show resume status of a job",
	Long: `Show how much of a job is already on disk and the recent runs
recorded against its output root.

Progress is derived from the unit files alone; run records are shown for
context only.

Example:
  gohindcast status --job ww3.yaml
  gohindcast status --job ww3.yaml --runs 10`,
	RunE: runStatus,
}

var (
	statusJobPath string
	statusRoot    string
	statusCatalog string
	statusRuns    int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusJobPath, "job", "j", "", "Path to job manifest (required)")
	statusCmd.Flags().StringVar(&statusRoot, "root", "", "Override output root")
	statusCmd.Flags().StringVar(&statusCatalog, "catalog", "", "Source catalog merged over the built-in one")
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "Number of recent runs to show (0 to hide)")

	_ = statusCmd.MarkFlagRequired("job")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	j, err := openJob(ctx, statusJobPath, "", jobOptions{root: statusRoot, catalog: statusCatalog, dryRun: true})
	if err != nil {
		return err
	}
	defer j.close()

	preq, err := extract.PlanRequest(j.request())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid extraction request", err)
	}
	units, err := scanPlan(ctx, j.store, preq)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to check output root", err)
	}

	done := countDone(units)
	pct := 100.0
	if len(units) > 0 {
		pct = float64(done) * 100 / float64(len(units))
	}
	fmt.Printf("Source:   %s\n", j.spec.Name)
	fmt.Printf("Region:   %s\n", preq.Region)
	fmt.Printf("Window:   %s\n", preq.Window)
	fmt.Printf("Root:     %s\n", j.manifest.Output.Root)
	fmt.Printf("Units:    %d planned, %d done, %d missing (%.1f%%)\n", len(units), done, len(units)-done, pct)

	if statusRuns <= 0 {
		return nil
	}
	runs, err := runlog.ForOutput(j.manifest.Output.Root).List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read run log", err)
	}
	fmt.Println()
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	if len(runs) > statusRuns {
		runs = runs[:statusRuns]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSOURCE\tSTATE\tSTARTED\tCOMPLETED\tERRORS")
	for _, r := range runs {
		completed, errored := "-", "-"
		if r.Summary != nil {
			completed = fmt.Sprint(r.Summary.Counts["completed"])
			errored = fmt.Sprint(r.Summary.Counts["errored"] + r.Summary.Counts["timed_out"])
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Source, r.State, r.CreatedAt.Format("2006-01-02 15:04"), completed, errored)
	}
	_ = w.Flush()
	return nil
}
