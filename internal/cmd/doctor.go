package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gohindcast/internal/observability"
	"github.com/3leaps/gohindcast/pkg/catalog"
	"github.com/3leaps/gohindcast/pkg/source"
)

var (
	doctorSource string
	doctorS3     bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  gohindcast doctor                        # Full environment check
  gohindcast doctor --source ww3-hindcast  # Also validate one catalog source
  gohindcast doctor --s3                   # AWS credential checks (s3archive, s3:// roots)`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorSource, "source", "", "Validate a catalog source configuration")
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Run AWS credential checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorSource != "" {
		totalChecks++
	}
	if doctorS3 {
		totalChecks += 2
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Gofulmen and Crucible
	version := crucible.GetVersion()
	if version.Gofulmen != "" && version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen/Crucible... ✅ v%s / v%s", checkNum, totalChecks, version.Gofulmen, version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Gofulmen/Crucible... ⚠️  version metadata unavailable", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 4: Source catalog
	cat, catPath, err := doctorCatalog(cmd.Context())
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking source catalog... ❌ %v", checkNum, totalChecks, err),
			zap.String("catalog", catPath))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking source catalog... ✅ %d sources", checkNum, totalChecks, len(cat.Sources)),
			zap.String("catalog", catPath),
			zap.Strings("sources", cat.Names()))
	}
	checkNum++

	// Check 5: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorSource != "" {
		if !checkSource(cat, doctorSource, checkNum, totalChecks) {
			allChecks = false
		}
		checkNum++
	}

	if doctorS3 {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
}

// doctorCatalog resolves the catalog the other commands would use.
func doctorCatalog(ctx context.Context) (*catalog.Catalog, string, error) {
	path := catalog.UserPath()
	explicit := ""
	if cfg, err := runtimeConfig(ctx); err == nil && cfg.Catalog != "" {
		explicit = cfg.Catalog
		path = explicit
	}
	cat, err := catalog.Resolve(explicit)
	return cat, path, err
}

// checkSource opens the named source's adapter without fetching.
func checkSource(cat *catalog.Catalog, name string, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	if cat == nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking source %s... ❌ catalog unavailable", checkNum, totalChecks, name))
		return false
	}
	spec, err := cat.Get(name)
	if err == nil {
		sc := &source.Context{Logger: log}
		if cfg := appConfig; cfg != nil {
			sc.Credentials = cfg.Credentials.AsMap()
		}
		_, err = catalog.DefaultRegistry().Open(sc, spec)
	}
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking source %s... ❌ %v", checkNum, totalChecks, name, err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking source %s... ✅ %s", checkNum, totalChecks, name, spec.Kind),
		zap.String("source", name),
		zap.String("kind", spec.Kind))
	return true
}

// runS3Checks runs AWS credential checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Checks:")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	credSource := creds.Source
	if credSource == "" {
		credSource = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, credSource),
		zap.String("credential_source", credSource))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Set GOHINDCAST_S3_ACCESS_KEY_ID and GOHINDCAST_S3_SECRET_ACCESS_KEY for s3archive sources")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), set the endpoint option on the")
	log.Info("s3archive source, or AWS_ENDPOINT_URL for s3:// output roots.")
	log.Info("")
}
