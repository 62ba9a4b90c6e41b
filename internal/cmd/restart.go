package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/observability"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/jobregistry"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/restart"
)

var (
	restartInterval        time.Duration
	restartCeiling         time.Duration
	restartMonitorInterval time.Duration
	restartFromArchive     string
	restartGeneration      int
	restartDetach          bool
	restartOutput          string
	restartManagedID       string
)

var restartCmd = &cobra.Command{
	Use:   "restart <checkpoint_dir>",
	Short: "Resume a job from its checkpoint artifacts",
	Long: `Restart starts a fresh coordinator, runs the resume script found in the
checkpoint directory against it and monitors the resumed job until it
completes, fails or reaches the ceiling.

The checkpoint interval is taken from --interval, then from the resume
script, then from the metadata written at launch, then the default.

With --from-archive the checkpoint set is first restored from an archive
destination into <checkpoint_dir>.

Examples:
  ckptctl restart /scratch/job-42/ckpt
  ckptctl restart ./ckpt --from-archive s3://bucket/ckpt --generation 12
  ckptctl restart ./ckpt --ceiling 6h --detach`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)

	f := restartCmd.Flags()
	f.DurationVar(&restartInterval, "interval", 0, "Checkpoint interval for the resumed job (overrides recovered metadata)")
	f.DurationVar(&restartCeiling, "ceiling", 0, "Monitoring ceiling (default from config: 24h)")
	f.DurationVar(&restartMonitorInterval, "monitor-interval", 0, "Coordinator status poll interval (default from config)")
	f.StringVar(&restartFromArchive, "from-archive", "", "Restore the checkpoint set from this archive destination first")
	f.IntVar(&restartGeneration, "generation", 0, "Archive generation to restore (0 = latest)")
	f.BoolVarP(&restartDetach, "detach", "d", false, "Run the controller in the background and print its job id")
	f.StringVarP(&restartOutput, "output", "o", "-", "JSONL record output file (- for stdout)")
	f.StringVar(&restartManagedID, "_managed-job-id", "", "")
	_ = f.MarkHidden("_managed-job-id")
}

func runRestart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.CLILogger

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid checkpoint directory", err)
	}

	if restartFromArchive != "" {
		if err := restoreArchive(ctx, restartFromArchive, restartGeneration, dir); err != nil {
			return err
		}
	}
	if _, err := os.Stat(dir); err != nil {
		return exitError(foundry.ExitFileNotFound, "Checkpoint directory not found", err)
	}

	if restartDetach {
		return detachJob(cfg, jobregistry.KindRestart, filepath.Base(dir), dir,
			forwardedArgs(cmd, "detach", "output", "from-archive", "generation"))
	}

	profile, err := cfg.EngineProfile("")
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid engine profile", err)
	}

	store := jobsStore(cfg)
	jobID := restartManagedID
	if jobID == "" {
		jobID = newJobID()
	}
	rec, err := bindRecorder(store, restartManagedID, &jobregistry.JobRecord{
		JobID:         jobID,
		Name:          filepath.Base(dir),
		Kind:          jobregistry.KindRestart,
		State:         jobstate.Unstarted,
		Engine:        profile.Name,
		RestartFrom:   dir,
		CheckpointDir: dir,
		PID:           os.Getpid(),
		RuntimeDir:    store.RuntimeDir(jobID),
	}, logger)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to record job", err)
	}

	client, coord, err := newCoordinator(cfg, profile, logger)
	if err != nil {
		rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
		return exitError(foundry.ExitInvalidArgument, "Invalid engine profile", err)
	}

	out, err := openOutput(restartOutput, jobID, profile.Name)
	if err != nil {
		rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer func() { _ = out.Close() }()

	monitorInterval := cfg.Restart.MonitorInterval
	if restartMonitorInterval > 0 {
		monitorInterval = restartMonitorInterval
	}
	ceiling := cfg.Restart.Ceiling
	if restartCeiling > 0 {
		ceiling = restartCeiling
	}

	ctrl, err := restart.New(restart.Options{
		Profile:         profile,
		Coordinator:     recordingCoordinator{Coordinator: coord, rec: rec},
		Querier:         client,
		RuntimeDir:      store.RuntimeDir(jobID),
		Host:            cfg.Coordinator.Host,
		JobID:           jobID,
		Interval:        restartInterval,
		MonitorInterval: monitorInterval,
		Ceiling:         ceiling,
		OnState:         rec.OnState,
		StopGrace:       cfg.Launch.StepGrace,
		TailLines:       cfg.Launch.TailLines,
		Output:          out,
		Logger:          logger.Named("restart"),
	})
	if err != nil {
		rec.Finish(jobstate.Failed, err.Error(), ExitFailed)
		return exitError(foundry.ExitInvalidArgument, "Invalid restart configuration", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hbCtx, stopHeartbeat := context.WithCancel(sigCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		_ = rec.Heartbeat(hbCtx, cfg.Jobs.HeartbeatInterval, nil)
	}()

	res, err := ctrl.Restart(sigCtx, dir)
	stopHeartbeat()
	<-hbDone

	state := res.State
	if state == "" {
		state = jobstate.Failed
	}
	reason := res.Reason
	if reason == "" && err != nil {
		reason = err.Error()
	}
	rec.Finish(state, reason, ExitCode(err))

	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("state", state.String()),
		zap.String("reason", reason),
		zap.Duration("interval", res.Interval),
		zap.String("interval_source", res.IntervalSource),
		zap.Duration("duration", res.Duration),
	}
	if res.Progress != nil {
		fields = append(fields,
			zap.Int("step", res.Progress.Step),
			zap.Int("total", res.Progress.Total),
			zap.Int("restarts", res.Progress.Restarts))
	}
	logger.Info("restart finished", fields...)

	if err != nil {
		for _, line := range res.LogTail {
			logger.Warn(line)
		}
		if sigCtx.Err() != nil && ctx.Err() == nil {
			return exitError(foundry.ExitSignalInt, "Interrupted", err)
		}
		return err
	}
	return nil
}

// restoreArchive materializes generation gen of an archive into dir.
func restoreArchive(ctx context.Context, rawDest string, gen int, dir string) error {
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	_, sink, err := openSink(ctx, cfg, rawDest, false)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive destination", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create checkpoint directory", err)
	}
	res, err := checkpoint.Restore(ctx, sink, gen, dir)
	if err != nil {
		return exitError(foundry.ExitFileReadError, fmt.Sprintf("Failed to restore from %s", rawDest), err)
	}
	observability.CLILogger.Info("restored checkpoint set",
		zap.Int("generation", res.Generation),
		zap.String("dir", res.Dir),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes))
	return nil
}
