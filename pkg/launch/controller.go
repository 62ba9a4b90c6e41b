// Package launch drives a job from an unstarted spec to Running and then
// supervises it to a terminal state.
//
// A launch starts a coordinator, spawns one launcher step per allocation
// context, and waits for the expected number of workers to join. Jobs that
// never reach full membership are classified and torn down; jobs that do
// are monitored alongside the artifact archiver and the controller-driven
// checkpoint schedule.
package launch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/allocation"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/engine"
	"github.com/3leaps/ckptctl/pkg/jobspec"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/membership"
	"github.com/3leaps/ckptctl/pkg/output"
	"github.com/3leaps/ckptctl/pkg/proc"
	"github.com/3leaps/ckptctl/pkg/provider"
)

// Step environment variables.
const (
	EnvSlot      = "CKPTCTL_SLOT"
	EnvSlotIndex = "CKPTCTL_SLOT_INDEX"
	EnvJobID     = "CKPTCTL_JOB_ID"
)

// Defaults.
const (
	DefaultStepGrace = 10 * time.Second
	DefaultTailLines = 20
	CoordinatorLog   = "coordinator.log"
)

// Coordinator starts and stops coordinators. *coordinator.Handle
// implements it.
type Coordinator interface {
	Start(ctx context.Context, policy coordinator.BindPolicy) (coordinator.Endpoint, error)
	VerifyAlive(ctx context.Context, ep coordinator.Endpoint) bool
	Stop(ctx context.Context, ep coordinator.Endpoint) error
	Tail(ep coordinator.Endpoint, n int) []string
}

// Client queries a running coordinator. *coordinator.Client implements it.
type Client interface {
	membership.Querier
	checkpoint.Requester
}

// Archive configures artifact archiving for a launch. The destination and
// patterns come from the job spec.
type Archive struct {
	Sink        provider.ObjectPutter
	Ledger      checkpoint.Ledger
	Destination provider.Destination
}

// Task is an extra supervision task run next to the completion monitor.
// It is cancelled when the monitor finishes. Errors are logged.
type Task func(ctx context.Context, h *Handle) error

// Options configures a Controller.
type Options struct {
	Profile     engine.Profile
	Coordinator Coordinator
	Client      Client

	// Contexts are the execution slots; one launcher step is started per
	// context. Empty means a single local context.
	Contexts []allocation.Context

	// RuntimeDir holds the port file and coordinator and step logs.
	RuntimeDir string

	// Host is advertised to workers. Defaults to the local hostname.
	Host string

	JobID string

	// Archive enables the archiver when the spec asks for it.
	Archive *Archive

	Tasks []Task

	// OnState observes every state transition.
	OnState func(from, to jobstate.State)

	// CheckpointTimeout bounds one checkpoint request.
	CheckpointTimeout time.Duration

	StepGrace time.Duration
	TailLines int

	Output output.Writer
	Logger *zap.Logger
}

// Controller launches and supervises jobs.
type Controller struct {
	opts   Options
	out    output.Writer
	logger *zap.Logger
}

// New validates opts and returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Coordinator == nil || opts.Client == nil {
		return nil, errors.New("launch requires a coordinator and a client")
	}
	if len(opts.Profile.Launch) == 0 {
		return nil, fmt.Errorf("engine profile %q has no launch template", opts.Profile.Name)
	}
	if opts.RuntimeDir == "" {
		return nil, errors.New("launch requires a runtime dir")
	}
	if len(opts.Contexts) == 0 {
		opts.Contexts = []allocation.Context{{Index: 0}}
	}
	if opts.StepGrace <= 0 {
		opts.StepGrace = DefaultStepGrace
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.Output == nil {
		opts.Output = output.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{opts: opts, out: opts.Output, logger: opts.Logger}, nil
}

// Launch starts the coordinator and the launcher steps and waits for
// membership. It returns a Handle in Running, or an error after tearing
// everything down:
//   - coordinator start errors match coordinator.ErrCoordinatorStartFailed;
//   - membership failures are *Failure values matching ErrPartialMembership.
func (c *Controller) Launch(ctx context.Context, spec *jobspec.Spec) (*Handle, error) {
	spec.ApplyDefaults()
	if err := spec.Check(); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}
	if spec.Checkpoint.Archive.Enabled {
		if err := checkpoint.ValidatePatterns(append(append([]string(nil), spec.Checkpoint.Archive.Include...), spec.Checkpoint.Archive.Exclude...)...); err != nil {
			return nil, err
		}
	}
	if spec.Checkpoint.Schedule != "" {
		if _, err := checkpoint.ParseSchedule(spec.Checkpoint.Schedule); err != nil {
			return nil, err
		}
	}

	state := jobstate.NewHolder(c.onState)
	h := &Handle{JobID: c.opts.JobID, Spec: spec, State: state, Started: time.Now().UTC()}

	if err := state.Transition(jobstate.CoordinatorStarting); err != nil {
		return nil, err
	}
	ep, err := c.opts.Coordinator.Start(ctx, coordinator.BindPolicy{
		Host:       c.opts.Host,
		RuntimeDir: c.opts.RuntimeDir,
		LogPath:    filepath.Join(c.opts.RuntimeDir, CoordinatorLog),
		Interval:   spec.Checkpoint.Interval,
		CkptDir:    spec.Checkpoint.Dir,
		Env:        spec.EnvList(),
		Dir:        spec.WorkDir,
	})
	if err != nil {
		_ = state.Transition(jobstate.Failed)
		c.writeError(ctx, output.ErrCodeCoordinatorStartFailed, err, nil)
		return nil, err
	}
	h.Endpoint = ep
	_ = state.Transition(jobstate.CoordinatorReady)
	c.logger.Info("coordinator ready", zap.String("endpoint", ep.String()), zap.Int("pid", ep.PID))

	if spec.Checkpoint.Dir != "" {
		meta := checkpoint.Meta{
			JobID:           c.opts.JobID,
			Name:            spec.DisplayName(),
			Engine:          c.opts.Profile.Name,
			Command:         spec.Command,
			ExpectedWorkers: spec.ExpectedWorkers,
			Interval:        spec.Checkpoint.Interval,
			Endpoint:        ep.String(),
			CreatedAt:       h.Started,
		}
		if err := checkpoint.WriteMeta(spec.Checkpoint.Dir, meta); err != nil {
			c.logger.Warn("write checkpoint metadata failed", zap.Error(err))
		}
	}

	_ = state.Transition(jobstate.Launching)
	procs, logs, err := c.startSteps(spec, ep)
	if err != nil {
		g := newStepGroup(procs)
		g.terminate(c.opts.StepGrace)
		h.steps = g
		f := &Failure{Reason: WorkersFailedToJoin, Expected: spec.ExpectedWorkers, Err: err}
		return nil, c.fail(ctx, h, f)
	}
	h.steps = newStepGroup(procs)
	h.logs = logs
	_ = state.Transition(jobstate.AwaitingMembership)

	tracker := membership.NewTracker(c.opts.Client, c.logger)
	tracker.OnSnapshot(func(s membership.Snapshot) {
		_ = c.out.WriteMembership(context.WithoutCancel(ctx), &output.MembershipRecord{
			Endpoint:  ep.String(),
			Connected: s.Connected,
			Expected:  spec.ExpectedWorkers,
		})
	})

	// Stop waiting as soon as the steps finish; membership can no longer
	// grow.
	awaitCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-h.steps.Done():
			cancel()
		case <-awaitCtx.Done():
		}
	}()
	res := tracker.AwaitFullMembership(awaitCtx, ep, spec.ExpectedWorkers, spec.Membership.Interval, spec.Membership.MaxAttempts)
	cancel()
	h.Await = res

	switch {
	case ctx.Err() != nil:
		f := &Failure{Reason: classify(res, true), Observed: res.Last.Connected, Expected: spec.ExpectedWorkers, Last: res.Last, Err: ctx.Err()}
		return nil, c.fail(context.WithoutCancel(ctx), h, f)

	case res.Outcome == membership.Reached:
		c.logger.Info("full membership reached", zap.Int("connected", res.Last.Connected), zap.Int("expected", spec.ExpectedWorkers))

	case !h.steps.failed() && isDone(h.steps) && enoughObserved(spec, res):
		// Finished before the count was confirmed; the completion monitor
		// decides how to classify it.
		c.logger.Info("launcher steps exited before full membership was observed",
			zap.Int("max_observed", res.MaxObserved),
			zap.Int("expected", spec.ExpectedWorkers))

	case spec.Membership.TolerateFewer && res.Last.Connected > 0:
		c.logger.Warn("proceeding with partial membership",
			zap.Int("connected", res.Last.Connected),
			zap.Int("expected", spec.ExpectedWorkers))
		c.writeError(ctx, output.ErrCodePartialMembership,
			fmt.Errorf("%w: %d of %d workers (tolerated)", ErrPartialMembership, res.Last.Connected, spec.ExpectedWorkers), nil)

	default:
		alive := c.opts.Coordinator.VerifyAlive(ctx, ep)
		f := &Failure{
			Reason:   classify(res, alive),
			Observed: res.Last.Connected,
			Expected: spec.ExpectedWorkers,
			Last:     res.Last,
			Err:      res.LastErr,
		}
		switch {
		case h.steps.failed():
			sr, _ := h.steps.Exited()
			f.Err = fmt.Errorf("launcher step exited with code %d", sr.ExitCode)
		case isDone(h.steps):
			if f.Reason != CoordinatorUnreachable && res.SawNonZero {
				f.Reason = WorkersCrashed
			}
			f.Observed = res.MaxObserved
			f.Err = errors.New("launcher steps exited before full membership")
		}
		return nil, c.fail(ctx, h, f)
	}

	h.Scheduler = checkpoint.NewScheduler(c.opts.Client, ep, state, checkpoint.SchedulerOptions{
		Timeout: c.opts.CheckpointTimeout,
		Output:  c.out,
		Logger:  c.logger,
	})
	if err := state.Transition(jobstate.Running); err != nil {
		return nil, err
	}
	return h, nil
}

// enoughObserved reports whether steps that already exited left behind a
// membership the job may proceed with.
func enoughObserved(spec *jobspec.Spec, res membership.AwaitResult) bool {
	if res.MaxObserved >= spec.ExpectedWorkers {
		return true
	}
	return spec.Membership.TolerateFewer && res.MaxObserved > 0
}

func isDone(g *stepGroup) bool {
	_, exited := g.Exited()
	return exited
}

// startSteps spawns one launcher step per allocation context. On error the
// steps started so far are returned for cleanup.
func (c *Controller) startSteps(spec *jobspec.Spec, ep coordinator.Endpoint) ([]*proc.Process, []string, error) {
	var (
		procs []*proc.Process
		logs  []string
	)
	for _, actx := range c.opts.Contexts {
		argv, err := c.opts.Profile.ExpandStep(engine.Vars{
			Host:     ep.Host,
			Port:     ep.Port,
			Interval: spec.Checkpoint.Interval,
			CkptDir:  spec.Checkpoint.Dir,
			Slot:     actx.Host,
			Command:  spec.Command,
		})
		if err != nil {
			return procs, logs, fmt.Errorf("render launcher step %d: %w", actx.Index, err)
		}

		slot := actx.Host
		if slot == "" {
			slot = "local"
		}
		env := append(spec.EnvList(),
			EnvSlot+"="+slot,
			EnvSlotIndex+"="+strconv.Itoa(actx.Index),
		)
		if c.opts.JobID != "" {
			env = append(env, EnvJobID+"="+c.opts.JobID)
		}

		base := filepath.Join(c.opts.RuntimeDir, fmt.Sprintf("step-%d", actx.Index))
		p, err := proc.Start(proc.Spec{
			Path:       argv[0],
			Args:       argv[1:],
			Env:        env,
			Dir:        spec.WorkDir,
			StdoutPath: base + ".out",
			StderrPath: base + ".err",
		})
		if err != nil {
			return procs, logs, fmt.Errorf("start launcher step %d: %w", actx.Index, err)
		}
		c.logger.Info("launcher step started",
			zap.Int("index", actx.Index),
			zap.String("slot", slot),
			zap.Int("pid", p.PID()),
		)
		procs = append(procs, p)
		logs = append(logs, base+".out", base+".err")
	}
	return procs, logs, nil
}

// fail captures diagnostics, tears the job down and records Failed.
func (c *Controller) fail(ctx context.Context, h *Handle, f *Failure) error {
	f.StepTails = h.stepTails(c.opts.TailLines)
	f.CoordinatorTail = c.opts.Coordinator.Tail(h.Endpoint, c.opts.TailLines)

	h.Terminate(c.opts.StepGrace)
	if err := c.opts.Coordinator.Stop(ctx, h.Endpoint); err != nil {
		c.logger.Warn("coordinator stop failed", zap.Error(err))
	}
	_ = h.State.Transition(jobstate.Failed)

	c.logger.Error("launch failed",
		zap.String("reason", string(f.Reason)),
		zap.Int("observed", f.Observed),
		zap.Int("expected", f.Expected),
		zap.Error(f.Err),
	)
	c.writeError(ctx, output.ErrCodePartialMembership, f, map[string]any{
		"reason":   f.Reason,
		"observed": f.Observed,
		"expected": f.Expected,
		"log_tail": f.Tails(),
	})
	return f
}

func (c *Controller) onState(from, to jobstate.State) {
	c.logger.Debug("job state", zap.String("from", string(from)), zap.String("to", string(to)))
	_ = c.out.WriteState(context.Background(), &output.StateRecord{From: string(from), To: string(to)})
	if c.opts.OnState != nil {
		c.opts.OnState(from, to)
	}
}

func (c *Controller) writeError(ctx context.Context, code string, err error, details any) {
	_ = c.out.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		Details: details,
	})
}
