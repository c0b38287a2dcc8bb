package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gohindcast/pkg/catalog"
	"github.com/3leaps/gohindcast/pkg/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List catalog sources and their limits",
	Long: `List the sources of the built-in catalog merged with the user
catalog, with the limits that drive unit planning.

Example:
  gohindcast sources
  gohindcast sources --catalog ./my-catalog.yaml --output json`,
	RunE: runSources,
}

var (
	sourcesCatalog string
	sourcesOutput  string
)

func init() {
	rootCmd.AddCommand(sourcesCmd)

	sourcesCmd.Flags().StringVar(&sourcesCatalog, "catalog", "", "Source catalog merged over the built-in one")
	sourcesCmd.Flags().StringVarP(&sourcesOutput, "output", "o", "table", "Output format (table|json)")
}

func runSources(cmd *cobra.Command, args []string) error {
	if sourcesOutput != "table" && sourcesOutput != "json" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("expected table or json"))
	}

	path := sourcesCatalog
	if path == "" {
		if cfg, err := runtimeConfig(cmd.Context()); err == nil {
			path = cfg.Catalog
		}
	}
	cat, err := catalog.Resolve(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load source catalog", err)
	}

	if sourcesOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cat.Sources); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write sources", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tVALID\tSTEP\tSPAN\tDEPTH\tVARIABLES")
	for _, s := range cat.Sources {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name,
			s.Kind,
			validRange(s),
			s.TimeStep,
			spanLimit(s),
			depthMode(s),
			variableList(s),
		)
	}
	_ = w.Flush()
	return nil
}

func validRange(s source.Spec) string {
	start, end := "*", "*"
	if !s.ValidStart.IsZero() {
		start = s.ValidStart.UTC().Format("2006-01-02")
	}
	if !s.ValidEnd.IsZero() {
		end = s.ValidEnd.UTC().Format("2006-01-02")
	}
	return start + ".." + end
}

func spanLimit(s source.Spec) string {
	if s.MaxLatSpan <= 0 && s.MaxLonSpan <= 0 {
		return "-"
	}
	return fmt.Sprintf("%gx%g", s.MaxLatSpan, s.MaxLonSpan)
}

func depthMode(s source.Spec) string {
	switch s.Depth {
	case "", source.DepthModeNone:
		return "-"
	case source.DepthModeFixed:
		if s.DepthRange != nil {
			return fmt.Sprintf("fixed %g..%g", s.DepthRange.Min, s.DepthRange.Max)
		}
	}
	return s.Depth
}

func variableList(s source.Spec) string {
	vars := strings.Join(s.Variables, ",")
	if s.SplitVariables {
		vars += " (split)"
	}
	if len(s.Stations) > 0 {
		vars += fmt.Sprintf(" [%d stations]", len(s.Stations))
	}
	return vars
}
