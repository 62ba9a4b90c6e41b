package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/config"
	errwrap "github.com/3leaps/ckptctl/internal/errors"
	"github.com/3leaps/ckptctl/internal/observability"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Checks the toolchain, configuration, the engine profile's binaries, the jobs
directory and the archive ledger.

Examples:
  ckptctl doctor                 # Full environment check
  ckptctl doctor --engine criu   # Check another engine profile
  ckptctl doctor --provider s3   # S3 archive checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	log := observability.CLILogger

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 8
	if doctorProvider == "s3" {
		totalChecks = 10
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

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible == "" {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
		zap.String("crucible_version", version.Crucible))
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Configuration
	cfg, err := currentConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Cannot load configuration", checkNum, totalChecks),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Cannot load configuration",
			errwrap.WrapInternal(ctx, err, "Cannot load configuration"))
	}
	if used := config.ConfigFileUsed(); used != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ %s", checkNum, totalChecks, used),
			zap.String("config_file", used))
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ defaults (no config file)", checkNum, totalChecks))
	}
	checkNum++

	// Check 5: Engine binaries
	profile, err := cfg.EngineProfile("")
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking engine profile... ❌ %v", checkNum, totalChecks, err))
		allChecks = false
	} else if missing := missingBinaries(profile.Binaries()); len(missing) > 0 {
		log.Warn(fmt.Sprintf("[%d/%d] Checking engine %s... ⚠️  not on PATH: %v", checkNum, totalChecks, profile.Name, missing),
			zap.Strings("missing", missing))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking engine %s... ✅ %d binaries found", checkNum, totalChecks, profile.Name, len(profile.Binaries())),
			zap.Strings("binaries", profile.Binaries()))
	}
	checkNum++

	// Check 6: Jobs directory
	if err := checkWritableDir(cfg.Jobs.Dir); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking jobs directory... ❌ %s", checkNum, totalChecks, cfg.Jobs.Dir),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking jobs directory... ✅ %s", checkNum, totalChecks, cfg.Jobs.Dir),
			zap.String("jobs_dir", cfg.Jobs.Dir))
	}
	checkNum++

	// Check 7: Archive ledger
	if led, err := openLedger(ctx, cfg); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking archive ledger... ❌ Cannot open ledger", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		_ = led.Close()
		where := cfg.Archive.LedgerPath
		if cfg.Archive.LedgerURL != "" {
			where = "remote"
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking archive ledger... ✅ %s", checkNum, totalChecks, where))
	}
	checkNum++

	// Check 8: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorProvider == "s3" {
		allChecks = runS3Checks(ctx, cfg.Archive.S3, checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

func missingBinaries(bins []string) []string {
	var missing []string
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			missing = append(missing, b)
		}
	}
	return missing
}

// checkWritableDir creates dir if needed and verifies a file can be
// written in it.
func checkWritableDir(dir string) error {
	if dir == "" {
		return errors.New("not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, s3cfg config.S3Config, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Provider Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if s3cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s3cfg.Region))
	}
	if s3cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s3cfg.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
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

	maskedKey := maskAccessKey(creds.AccessKeyID)
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for S3 archive destinations:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile and set archive.s3.profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - archive.s3.endpoint (or CKPTCTL_S3_ENDPOINT)")
	log.Info("")
}
