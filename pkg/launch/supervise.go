package launch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobspec"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/membership"
	"github.com/3leaps/ckptctl/pkg/output"
)

// finalScanTimeout bounds the archive pass made after supervision ends.
const finalScanTimeout = 5 * time.Minute

// Result describes a supervised job that reached a terminal state.
type Result struct {
	JobID    string
	State    jobstate.State
	Reason   string
	Endpoint coordinator.Endpoint

	Monitor     membership.MonitorResult
	Checkpoints int
	Archived    int64
	Duration    time.Duration

	// LogTail is set for Failed and TimedOut jobs.
	LogTail []string
}

// Run launches spec and supervises it to completion. A launch that never
// reaches Running returns its error with a zero Result.
func (c *Controller) Run(ctx context.Context, spec *jobspec.Spec) (Result, error) {
	h, err := c.Launch(ctx, spec)
	if err != nil {
		return Result{}, err
	}
	return c.Supervise(ctx, h), nil
}

// Supervise monitors a Running job until it completes, fails or reaches the
// monitor ceiling. The archiver, the controller-driven checkpoint schedule
// and any extra tasks run next to the monitor and stop when it decides.
//
// Unless the handle was released, the launcher steps and the coordinator
// are stopped afterwards, TimedOut included.
func (c *Controller) Supervise(ctx context.Context, h *Handle) Result {
	spec := h.Spec
	alive := func(ctx context.Context) bool {
		return c.opts.Coordinator.VerifyAlive(ctx, h.Endpoint)
	}

	archiver := c.newArchiver(h, alive)

	tracker := membership.NewTracker(c.opts.Client, c.logger)
	tracker.OnSnapshot(func(s membership.Snapshot) {
		_ = c.out.WriteMembership(context.WithoutCancel(ctx), &output.MembershipRecord{
			Endpoint:  h.Endpoint.String(),
			Connected: s.Connected,
			Expected:  spec.ExpectedWorkers,
		})
	})

	g, gctx := errgroup.WithContext(ctx)
	sideCtx, stopSide := context.WithCancel(gctx)
	defer stopSide()

	var mon membership.MonitorResult
	g.Go(func() error {
		defer stopSide()
		mon = tracker.Monitor(gctx, h.Endpoint, h.steps, membership.MonitorConfig{
			Interval:     spec.Monitor.Interval,
			Ceiling:      spec.Monitor.Ceiling,
			PriorNonZero: h.Await.SawNonZero,
		})
		return nil
	})

	if archiver != nil {
		g.Go(func() error {
			if err := archiver.Run(sideCtx); err != nil {
				c.logger.Warn("archiver stopped", zap.Error(err))
			}
			return nil
		})
	}

	if expr := spec.Checkpoint.Schedule; expr != "" {
		sched, err := checkpoint.ParseSchedule(expr)
		if err == nil {
			g.Go(func() error {
				if err := h.Scheduler.RunPeriodic(sideCtx, sched, alive); err != nil {
					c.logger.Warn("checkpoint schedule stopped", zap.Error(err))
				}
				return nil
			})
		}
	}

	for _, task := range c.opts.Tasks {
		g.Go(func() error {
			if err := task(sideCtx, h); err != nil && sideCtx.Err() == nil {
				c.logger.Warn("supervision task failed", zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()

	bg := context.WithoutCancel(ctx)
	if archiver != nil {
		sctx, cancel := context.WithTimeout(bg, finalScanTimeout)
		if _, err := archiver.Scan(sctx); err != nil {
			c.logger.Warn("final archive scan failed", zap.Error(err))
			c.writeError(bg, output.ErrCodeArchiveFailed, err, nil)
		}
		cancel()
	}

	if err := h.State.Transition(mon.State); err != nil {
		c.logger.Warn("terminal transition rejected", zap.Error(err))
	}

	res := Result{
		JobID:       h.JobID,
		State:       mon.State,
		Reason:      mon.Reason,
		Endpoint:    h.Endpoint,
		Monitor:     mon,
		Checkpoints: h.Scheduler.Completed(),
		Duration:    time.Since(h.Started),
	}
	if archiver != nil {
		res.Archived = archiver.Archived()
	}
	if mon.State != jobstate.Completed {
		f := &Failure{StepTails: h.stepTails(c.opts.TailLines), CoordinatorTail: c.opts.Coordinator.Tail(h.Endpoint, c.opts.TailLines)}
		res.LogTail = f.Tails()
	}

	if h.Released() {
		c.logger.Info("supervision released; leaving processes running")
	} else {
		h.Terminate(c.opts.StepGrace)
		if err := c.opts.Coordinator.Stop(bg, h.Endpoint); err != nil {
			c.logger.Warn("coordinator stop failed", zap.Error(err))
		}
	}

	if mon.State == jobstate.TimedOut {
		c.writeError(bg, output.ErrCodeTimedOut, fmt.Errorf("job timed out: %s", mon.Reason), nil)
	}
	c.writeSummary(bg, h, res)

	c.logger.Info("job finished",
		zap.String("state", string(res.State)),
		zap.String("reason", res.Reason),
		zap.Int("checkpoints", res.Checkpoints),
		zap.Int64("archived", res.Archived),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (c *Controller) newArchiver(h *Handle, alive checkpoint.AliveFunc) *checkpoint.Archiver {
	spec := h.Spec
	if c.opts.Archive == nil || !spec.Checkpoint.Archive.Enabled {
		return nil
	}
	a, err := checkpoint.NewArchiver(c.opts.Archive.Sink, c.opts.Archive.Ledger, checkpoint.ArchiverConfig{
		Dir:          spec.Checkpoint.Dir,
		Destination:  c.opts.Archive.Destination,
		Include:      spec.Checkpoint.Archive.Include,
		Exclude:      spec.Checkpoint.Archive.Exclude,
		PollInterval: spec.Checkpoint.Archive.PollInterval,
		JobID:        h.JobID,
	}, checkpoint.ArchiverOptions{
		Alive:  alive,
		Output: c.out,
		Logger: c.logger.Named("archiver"),
	})
	if err != nil {
		c.logger.Warn("archiver disabled", zap.Error(err))
		c.writeError(context.Background(), output.ErrCodeArchiveFailed, err, nil)
		return nil
	}
	return a
}

func (c *Controller) writeSummary(ctx context.Context, h *Handle, res Result) {
	_ = c.out.WriteSummary(ctx, &output.SummaryRecord{
		State:         string(res.State),
		Reason:        res.Reason,
		ExitCode:      ExitCode(res.State),
		Endpoint:      h.Endpoint.String(),
		Expected:      h.Spec.ExpectedWorkers,
		MaxObserved:   maxObserved(h.Await, res.Monitor),
		Checkpoints:   res.Checkpoints,
		Archived:      res.Archived,
		Duration:      res.Duration,
		DurationHuman: res.Duration.Round(time.Millisecond).String(),
		LogTail:       res.LogTail,
	})
}

func maxObserved(a membership.AwaitResult, m membership.MonitorResult) int {
	n := a.MaxObserved
	if m.HasLast && m.Last.Connected > n {
		n = m.Last.Connected
	}
	return n
}

// ExitCode maps a terminal state to the process exit code.
func ExitCode(s jobstate.State) int {
	switch s {
	case jobstate.Completed:
		return 0
	case jobstate.TimedOut:
		return 2
	default:
		return 1
	}
}
