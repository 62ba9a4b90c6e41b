package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/config"
	"github.com/3leaps/ckptctl/internal/observability"
	"github.com/3leaps/ckptctl/pkg/allocation"
	"github.com/3leaps/ckptctl/pkg/jobregistry"
	"github.com/3leaps/ckptctl/pkg/jobspec"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/launch"
)

var (
	launchExpected      int
	launchName          string
	launchInterval      time.Duration
	launchCkptDir       string
	launchSchedule      string
	launchHosts         []string
	launchHostfile      string
	launchTolerateFewer bool
	launchArchive       string
	launchServe         string
	launchNoServe       bool
	launchDetach        bool
	launchOutput        string
	launchManagedID     string
)

var launchCmd = &cobra.Command{
	Use:   "launch [jobspec] [-- command [args...]]",
	Short: "Launch a job under a fresh coordinator and supervise it",
	Long: `Launch starts an engine coordinator, spawns one launcher step per
allocation context and waits until the expected number of workers has
joined. The job is then supervised until it completes, fails or reaches its
monitor ceiling.

The job is described by a YAML or JSON job spec, or given directly after
'--' together with --expected.

Progress is written as JSONL records to stdout (or --output). While the job
runs, a control server on the loopback interface serves /status and
/checkpoint; 'ckptctl checkpoint <job_id>' uses it.

Examples:
  ckptctl launch job.yaml
  ckptctl launch --expected 4 --interval 10m -- ./solver --steps 1000
  ckptctl launch job.yaml --hosts 'node[01-04]' --archive s3://bucket/ckpt
  ckptctl launch job.yaml --detach`,
	Args: cobra.ArbitraryArgs,
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)

	f := launchCmd.Flags()
	f.IntVarP(&launchExpected, "expected", "n", 0, "Expected number of workers")
	f.StringVar(&launchName, "name", "", "Job name")
	f.DurationVar(&launchInterval, "interval", 0, "Engine-driven checkpoint interval (0 = none)")
	f.StringVar(&launchCkptDir, "ckpt-dir", "", "Checkpoint artifact directory")
	f.StringVar(&launchSchedule, "schedule", "", "Controller-driven checkpoint schedule: cron expression or duration")
	f.StringSliceVar(&launchHosts, "hosts", nil, "Allocation hosts (node lists like node[01-04] are expanded)")
	f.StringVar(&launchHostfile, "hostfile", "", "Allocation hostfile")
	f.BoolVar(&launchTolerateFewer, "tolerate-fewer", false, "Proceed with a partial (non-zero) worker count")
	f.StringVar(&launchArchive, "archive", "", "Archive checkpoint artifacts to a directory, file:// or s3:// destination")
	f.StringVar(&launchServe, "serve", "", "Control server address (default from config: 127.0.0.1 on a free port)")
	f.BoolVar(&launchNoServe, "no-serve", false, "Do not start the control server")
	f.BoolVarP(&launchDetach, "detach", "d", false, "Run the controller in the background and print its job id")
	f.StringVarP(&launchOutput, "output", "o", "-", "JSONL record output file (- for stdout)")
	f.StringVar(&launchManagedID, "_managed-job-id", "", "")
	_ = f.MarkHidden("_managed-job-id")
}

// loadLaunchSpec builds the spec from a file or a command after '--' and
// applies flag overrides.
func loadLaunchSpec(cmd *cobra.Command, args []string) (*jobspec.Spec, string, error) {
	var (
		spec     *jobspec.Spec
		specPath string
		err      error
	)
	dash := cmd.ArgsLenAtDash()
	switch {
	case dash >= 0:
		if dash > 0 {
			return nil, "", fmt.Errorf("give either a job spec or a command after '--', not both")
		}
		command := args[dash:]
		if len(command) == 0 {
			return nil, "", fmt.Errorf("no command after '--'")
		}
		spec = &jobspec.Spec{Command: append([]string(nil), command...)}
	case len(args) == 1:
		specPath, err = filepath.Abs(args[0])
		if err != nil {
			return nil, "", err
		}
		spec, err = jobspec.Load(specPath)
		if err != nil {
			return nil, "", err
		}
	default:
		return nil, "", fmt.Errorf("expected a job spec path or a command after '--'")
	}

	flags := cmd.Flags()
	if flags.Changed("expected") {
		spec.ExpectedWorkers = launchExpected
	}
	if flags.Changed("name") {
		spec.Name = launchName
	}
	if flags.Changed("interval") {
		spec.Checkpoint.Interval = launchInterval
	}
	if flags.Changed("ckpt-dir") {
		dir, err := filepath.Abs(launchCkptDir)
		if err != nil {
			return nil, "", err
		}
		spec.Checkpoint.Dir = dir
	}
	if flags.Changed("schedule") {
		spec.Checkpoint.Schedule = launchSchedule
	}
	if flags.Changed("hosts") {
		spec.Allocation.Hosts = launchHosts
	}
	if flags.Changed("hostfile") {
		spec.Allocation.Hostfile = launchHostfile
	}
	if flags.Changed("tolerate-fewer") {
		spec.Membership.TolerateFewer = launchTolerateFewer
	}
	if flags.Changed("archive") {
		spec.Checkpoint.Archive.Enabled = strings.TrimSpace(launchArchive) != ""
		spec.Checkpoint.Archive.Destination = launchArchive
	}

	spec.ApplyDefaults()
	if err := spec.Check(); err != nil {
		return nil, "", fmt.Errorf("invalid job spec: %w", err)
	}
	return spec, specPath, nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.CLILogger

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	spec, specPath, err := loadLaunchSpec(cmd, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job", err)
	}

	if launchDetach {
		if specPath == "" {
			return exitError(foundry.ExitInvalidArgument, "--detach requires a job spec file", errors.New("commands after '--' cannot be detached"))
		}
		return detachJob(cfg, jobregistry.KindLaunch, spec.DisplayName(), specPath, forwardedArgs(cmd, "detach", "output"))
	}

	profile, err := cfg.EngineProfile("")
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid engine profile", err)
	}
	contexts, err := allocation.Resolve(allocation.Options{
		Hosts:    spec.Allocation.Hosts,
		Hostfile: spec.Allocation.Hostfile,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to resolve allocation", err)
	}

	store := jobsStore(cfg)
	jobID := launchManagedID
	if jobID == "" {
		jobID = newJobID()
	}
	rec, err := bindRecorder(store, launchManagedID, &jobregistry.JobRecord{
		JobID:           jobID,
		Name:            spec.DisplayName(),
		Kind:            jobregistry.KindLaunch,
		State:           jobstate.Unstarted,
		Engine:          profile.Name,
		SpecPath:        specPath,
		ExpectedWorkers: spec.ExpectedWorkers,
		CheckpointDir:   spec.Checkpoint.Dir,
		ArchiveDest:     spec.Checkpoint.Archive.Destination,
		PID:             os.Getpid(),
		RuntimeDir:      store.RuntimeDir(jobID),
	}, logger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to record job", err)
	}

	client, coord, err := newCoordinator(cfg, profile, logger)
	if err != nil {
		rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
		return exitError(foundry.ExitInvalidArgument, "Invalid engine profile", err)
	}

	var archive *launch.Archive
	if spec.Checkpoint.Archive.Enabled {
		dest, sink, err := openSink(ctx, cfg, spec.Checkpoint.Archive.Destination, true)
		if err != nil {
			rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive destination", err)
		}
		led, err := openLedger(ctx, cfg)
		if err != nil {
			rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
			return exitError(foundry.ExitFileWriteError, "Failed to open archive ledger", err)
		}
		defer func() { _ = led.Close() }()
		archive = &launch.Archive{Sink: sink, Ledger: led, Destination: dest}
	}

	jw, err := openOutput(launchOutput, jobID, profile.Name)
	if err != nil {
		rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer func() { _ = jw.Close() }()

	control := newJobControl(jobID, spec)
	out := membershipTap{Writer: jw, observe: control.observe}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !launchNoServe {
		srv, err := startControlServer(cfg, launchServe, control, logger)
		if err != nil {
			rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start control server", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		url := srv.URL()
		rec.Update(func(r *jobregistry.JobRecord) { r.ControlURL = url })
		logger.Info("control server ready", zap.String("url", url))
	}

	heartbeat := func(ctx context.Context, h *launch.Handle) error {
		return rec.Heartbeat(ctx, cfg.Jobs.HeartbeatInterval, func(r *jobregistry.JobRecord) {
			r.Checkpoints = h.Scheduler.Completed()
		})
	}

	ctrl, err := launch.New(launch.Options{
		Profile:     profile,
		Coordinator: recordingCoordinator{Coordinator: coord, rec: rec},
		Client:      client,
		Contexts:    contexts,
		RuntimeDir:  store.RuntimeDir(jobID),
		Host:        cfg.Coordinator.Host,
		JobID:       jobID,
		Archive:     archive,
		Tasks:       []launch.Task{heartbeat},
		OnState: func(from, to jobstate.State) {
			control.setState(to)
			rec.OnState(from, to)
		},
		CheckpointTimeout: cfg.Coordinator.CheckpointTimeout,
		StepGrace:         cfg.Launch.StepGrace,
		TailLines:         cfg.Launch.TailLines,
		Output:            out,
		Logger:            logger.Named("launch"),
	})
	if err != nil {
		rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
		return exitError(foundry.ExitInvalidArgument, "Invalid launch configuration", err)
	}

	logger.Info("launching job",
		zap.String("job_id", jobID),
		zap.String("name", spec.DisplayName()),
		zap.Int("expected_workers", spec.ExpectedWorkers),
		zap.Int("contexts", len(contexts)),
		zap.String("engine", profile.Name))

	h, err := ctrl.Launch(sigCtx, spec)
	if err != nil {
		code := ExitCode(err)
		rec.Finish(jobstate.Failed, err.Error(), code)
		if sigCtx.Err() != nil && ctx.Err() == nil {
			return exitError(foundry.ExitSignalInt, "Interrupted", err)
		}
		logLaunchFailure(logger, err)
		return err
	}
	control.attach(h)
	rec.Update(func(r *jobregistry.JobRecord) { r.StepLogs = h.StepLogs() })

	res := ctrl.Supervise(sigCtx, h)
	rec.Update(func(r *jobregistry.JobRecord) {
		r.Checkpoints = res.Checkpoints
		r.Archived = res.Archived
	})
	rec.Finish(res.State, res.Reason, launch.ExitCode(res.State))

	logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("state", res.State.String()),
		zap.String("reason", res.Reason),
		zap.Int("checkpoints", res.Checkpoints),
		zap.Int64("archived", res.Archived),
		zap.Duration("duration", res.Duration))

	if res.State != jobstate.Completed {
		for _, line := range res.LogTail {
			logger.Warn(line)
		}
		return &outcomeError{state: res.State, reason: res.Reason}
	}
	return nil
}

func logLaunchFailure(logger *zap.Logger, err error) {
	var f *launch.Failure
	if !errors.As(err, &f) {
		return
	}
	for _, line := range f.Tails() {
		logger.Warn(line)
	}
}

// detachJob starts the controller for target in the background and prints
// where to find it.
func detachJob(cfg *config.Config, kind jobregistry.Kind, name, target string, args []string) error {
	executor := jobregistry.NewExecutor(cfg.Jobs.Dir)
	rec, err := executor.StartBackground(jobregistry.BackgroundRequest{
		Kind:   kind,
		Name:   name,
		Target: target,
		Args:   args,
		Dedupe: true,
	})
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to start background job", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(os.Stdout, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(os.Stdout, "stderr=%s\n", rec.StderrPath)
	return nil
}
