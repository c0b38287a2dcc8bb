package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(versionString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func versionString() string {
	v := crucible.GetVersion()
	s := fmt.Sprintf("gohindcast %s (commit %s, built %s)\n", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	s += fmt.Sprintf("  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if v.Gofulmen != "" {
		s += fmt.Sprintf("  gofulmen: v%s\n", v.Gofulmen)
	}
	if v.Crucible != "" {
		s += fmt.Sprintf("  crucible: v%s\n", v.Crucible)
	}
	return s
}
