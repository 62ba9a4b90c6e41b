// Package cmd is the ckptctl command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/ckptctl/internal/config"
	"github.com/3leaps/ckptctl/internal/observability"
	"github.com/3leaps/ckptctl/internal/server/handlers"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/launch"
	"github.com/3leaps/ckptctl/pkg/restart"
)

var (
	cfgFile    string
	verbose    bool
	logLevel   string
	logProfile string
	engineName string

	appIdentity *config.Identity
	appConfig   *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   "ckptctl",
	Short: "Launch, checkpoint and restart coordinated jobs",
	Long: `ckptctl drives distributed jobs under a checkpoint/restart engine.

It starts the engine coordinator, launches one worker step per allocation
context, waits for every worker to join and supervises the job to a terminal
state. Checkpoints can be requested on demand, on a schedule, or by the
coordinator itself, and finished checkpoint artifacts can be archived to a
local directory or S3.

Exit codes: 0 completed, 1 failed, 2 timed out, 3 coordinator start failed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./ckptctl.yaml or the user config dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logProfile, "log-profile", "", "Log profile: console or structured")
	pf.StringVar(&engineName, "engine", "", "Engine profile (default from config: dmtcp)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for the version command and the
// control server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity used for config lookups, or nil
// before the first command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if verbose {
		logging["level"] = "debug"
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}
	if engineName != "" {
		overrides["engine"] = map[string]any{"profile": engineName}
	}

	cfg, err := config.LoadFile(ctx, cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	appConfig = cfg
	appIdentity = config.GetIdentity()

	name := "ckptctl"
	if appIdentity != nil && appIdentity.BinaryName != "" {
		name = appIdentity.BinaryName
	}
	if err := observability.InitCLILoggerWith(name, observability.LoggerOptions{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize logging", err)
	}
	return nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// currentConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
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

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// outcomeError reports a supervised job that ended in a state other than
// Completed.
type outcomeError struct {
	state  jobstate.State
	reason string
	err    error
}

func (e *outcomeError) Error() string {
	msg := fmt.Sprintf("job %s", e.state)
	if e.reason != "" {
		msg += ": " + e.reason
	}
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *outcomeError) Unwrap() error {
	return e.err
}

// Exit codes for job outcomes.
const (
	ExitCompleted              = 0
	ExitFailed                 = 1
	ExitTimedOut               = 2
	ExitCoordinatorStartFailed = 3
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitCompleted
	}
	var oe *outcomeError
	if errors.As(err, &oe) {
		return launch.ExitCode(oe.state)
	}
	switch {
	case errors.Is(err, coordinator.ErrCoordinatorStartFailed):
		return ExitCoordinatorStartFailed
	case errors.Is(err, restart.ErrTimedOut):
		return ExitTimedOut
	case errors.Is(err, restart.ErrRestartFailed), errors.Is(err, launch.ErrPartialMembership):
		return ExitFailed
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailed
}
