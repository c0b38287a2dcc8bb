package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gohindcast/pkg/extract"
	"github.com/3leaps/gohindcast/pkg/planner"
	"github.com/3leaps/gohindcast/pkg/unitstore"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "List the units a job would fetch",
	Long: `List every unit planned for a job manifest and whether its output
already exists under the output root. Nothing is fetched.

Example:
  gohindcast plan --job ww3.yaml
  gohindcast plan --job ww3.yaml --missing --output jsonl`,
	RunE: runPlan,
}

var (
	planJobPath string
	planRoot    string
	planCatalog string
	planOutput  string
	planMissing bool
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planJobPath, "job", "j", "", "Path to job manifest (required)")
	planCmd.Flags().StringVar(&planRoot, "root", "", "Override output root")
	planCmd.Flags().StringVar(&planCatalog, "catalog", "", "Source catalog merged over the built-in one")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "table", "Output format (table|jsonl)")
	planCmd.Flags().BoolVar(&planMissing, "missing", false, "Only list units without output")

	_ = planCmd.MarkFlagRequired("job")
}

// plannedUnit is one row of the plan listing.
type plannedUnit struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	if planOutput != "table" && planOutput != "jsonl" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("expected table or jsonl"))
	}

	ctx := cmd.Context()
	j, err := openJob(ctx, planJobPath, "", jobOptions{root: planRoot, catalog: planCatalog, dryRun: true})
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

	if planOutput == "jsonl" {
		enc := json.NewEncoder(os.Stdout)
		for _, u := range units {
			if planMissing && u.Exists {
				continue
			}
			if err := enc.Encode(u); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write plan", err)
			}
		}
		return nil
	}

	done := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UNIT\tSTATUS\tPATH")
	for _, u := range units {
		status := "missing"
		if u.Exists {
			done++
			status = "done"
			if planMissing {
				continue
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, status, u.Path)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(os.Stderr, "\n%d units planned for %s (%s, %s): %d done, %d missing\n",
		len(units), j.spec.Name, preq.Region, preq.Window, done, len(units)-done)
	return nil
}

// scanPlan expands preq and checks each unit against the store.
func scanPlan(ctx context.Context, store unitstore.Store, preq planner.Request) ([]plannedUnit, error) {
	var out []plannedUnit
	for u := range planner.Plan(preq) {
		ok, err := store.Exists(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", u.ID(), err)
		}
		out = append(out, plannedUnit{ID: u.ID(), Path: store.PathFor(u), Exists: ok})
	}
	return out, nil
}

// countDone returns how many of the planned units exist.
func countDone(units []plannedUnit) int {
	n := 0
	for _, u := range units {
		if u.Exists {
			n++
		}
	}
	return n
}

