// Package cmd implements the gohindcast command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gohindcast/internal/config"
	"github.com/3leaps/gohindcast/internal/observability"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}
	appIdentity *config.AppIdentity
	appConfig   *config.Config
)

var (
	rootConfigFile string
	rootLogLevel   string
	rootLogFormat  string
	rootVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "gohindcast",
	Short: "Resumable extraction of ocean and wave hindcast data",
	Long: `gohindcast extracts bounded spatial and temporal slices of remote
scientific datasets (ocean reanalyses, wave hindcasts, buoy archives) into
local or object storage.

Every request is split into units that are fetched, retried and written
independently. Re-running the same job skips units that are already on
disk, so an interrupted extraction resumes where it stopped.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootConfigFile, "config", "", "Config file (default: user config dir)")
	flags.StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flags.StringVar(&rootLogFormat, "log-format", "", "Log format (console|json)")
	flags.BoolVarP(&rootVerbose, "verbose", "v", false, "Shorthand for --log-level debug")
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the application identity once the CLI has
// initialised, or nil.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	observability.InitCLILogger(config.DefaultIdentity.BinaryName, false)

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.Message, zap.Error(ee.Err), zap.Int("exit_code", ee.Code))
		return ee.Code
	}
	observability.CLILogger.Error("Command failed", zap.Error(err))
	return 1
}

// initRuntime loads configuration and rebuilds the logger before any
// command runs.
func initRuntime(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity
	appIdentity = &id

	config.SetConfigFile(rootConfigFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if err := observability.Configure(id.BinaryName, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// flagOverrides maps persistent flags onto config keys.
func flagOverrides() map[string]any {
	logging := map[string]any{}
	if rootLogLevel != "" {
		logging["level"] = rootLogLevel
	}
	if rootVerbose {
		logging["level"] = "debug"
	}
	if rootLogFormat != "" {
		logging["format"] = rootLogFormat
	}
	if len(logging) == 0 {
		return nil
	}
	return map[string]any{"logging": logging}
}

// runtimeConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests).
func runtimeConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs and terminates the process immediately.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
