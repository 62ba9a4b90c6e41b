// Package restart resumes a job from a checkpoint artifact directory under
// a fresh coordinator and monitors it to a terminal state.
package restart

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/engine"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/launch"
	"github.com/3leaps/ckptctl/pkg/membership"
	"github.com/3leaps/ckptctl/pkg/output"
	"github.com/3leaps/ckptctl/pkg/proc"
	"github.com/3leaps/ckptctl/pkg/progress"
)

// Sentinel errors.
var (
	ErrRestartFailed = errors.New("restart failed")
	ErrTimedOut      = errors.New("restart timed out")
)

// Defaults.
const (
	DefaultMonitorInterval = 2 * time.Second
	DefaultCeiling         = 24 * time.Hour
	DefaultTailLines       = 20
	ScriptLog              = "restart"
)

// Failure is returned for a restart that ended Failed or TimedOut.
type Failure struct {
	State  jobstate.State
	Reason string

	Monitor         membership.MonitorResult
	ScriptTail      []string
	CoordinatorTail []string

	Err error
}

func (f *Failure) sentinel() error {
	if f.State == jobstate.TimedOut {
		return ErrTimedOut
	}
	return ErrRestartFailed
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.sentinel(), f.Reason)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.sentinel()}
	}
	return []error{f.sentinel(), f.Err}
}

// Options configures a Controller.
type Options struct {
	Profile     engine.Profile
	Coordinator launch.Coordinator
	Querier     membership.Querier

	RuntimeDir string
	Host       string
	JobID      string

	// Interval overrides the recovered checkpoint interval.
	Interval time.Duration

	MonitorInterval time.Duration
	Ceiling         time.Duration

	// ProgressFile is read from the artifact directory after the restart
	// ends. Defaults to progress.DefaultFileName.
	ProgressFile string

	OnState   func(from, to jobstate.State)
	StopGrace time.Duration
	TailLines int

	Output output.Writer
	Logger *zap.Logger
}

// Result describes a finished restart.
type Result struct {
	JobID    string
	State    jobstate.State
	Reason   string
	Endpoint coordinator.Endpoint

	Script         string
	Interval       time.Duration
	IntervalSource string

	Monitor  membership.MonitorResult
	Progress *progress.State
	Duration time.Duration
	LogTail  []string
}

// Controller runs restarts.
type Controller struct {
	opts   Options
	out    output.Writer
	logger *zap.Logger
}

// New validates opts and returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Coordinator == nil || opts.Querier == nil {
		return nil, errors.New("restart requires a coordinator and a querier")
	}
	if len(opts.Profile.Restart) == 0 {
		return nil, fmt.Errorf("engine profile %q has no restart template", opts.Profile.Name)
	}
	if opts.RuntimeDir == "" {
		return nil, errors.New("restart requires a runtime dir")
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = DefaultMonitorInterval
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.ProgressFile == "" {
		opts.ProgressFile = progress.DefaultFileName
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = launch.DefaultStepGrace
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

// Restart resumes the job whose artifacts are in dir.
//
// The error is nil only for Completed. Failed and TimedOut restarts return a
// *Failure alongside the Result; a coordinator that never starts returns an
// error matching coordinator.ErrCoordinatorStartFailed.
func (c *Controller) Restart(ctx context.Context, dir string) (Result, error) {
	started := time.Now()
	res := Result{JobID: c.opts.JobID}

	dir, err := filepath.Abs(dir)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}
	script, err := FindResumeScript(dir, c.opts.Profile)
	if err != nil {
		c.writeError(ctx, output.ErrCodeRestartFailed, err)
		return res, err
	}
	res.Script = script
	res.Interval, res.IntervalSource = ResolveInterval(dir, script, c.opts.Interval)
	c.logger.Info("resuming from checkpoint",
		zap.String("dir", dir),
		zap.String("script", script),
		zap.Duration("interval", res.Interval),
		zap.String("interval_source", res.IntervalSource),
	)

	state := jobstate.NewHolder(c.onState)
	_ = state.Transition(jobstate.CoordinatorStarting)
	ep, err := c.opts.Coordinator.Start(ctx, coordinator.BindPolicy{
		Host:       c.opts.Host,
		RuntimeDir: c.opts.RuntimeDir,
		LogPath:    filepath.Join(c.opts.RuntimeDir, launch.CoordinatorLog),
		Interval:   res.Interval,
		CkptDir:    dir,
		Dir:        dir,
	})
	if err != nil {
		_ = state.Transition(jobstate.Failed)
		res.State = jobstate.Failed
		res.Reason = "coordinator start failed"
		c.writeError(ctx, output.ErrCodeCoordinatorStartFailed, err)
		return res, err
	}
	res.Endpoint = ep
	_ = state.Transition(jobstate.CoordinatorReady)
	_ = state.Transition(jobstate.Launching)

	argv, err := engine.Expand(c.opts.Profile.Restart, engine.Vars{
		Host:     ep.Host,
		Port:     ep.Port,
		Interval: res.Interval,
		CkptDir:  dir,
		Script:   script,
	})
	var task *proc.Process
	if err == nil {
		base := filepath.Join(c.opts.RuntimeDir, ScriptLog)
		task, err = proc.Start(proc.Spec{
			Path:       argv[0],
			Args:       argv[1:],
			Dir:        dir,
			StdoutPath: base + ".out",
			StderrPath: base + ".err",
		})
	}
	if err != nil {
		c.stopCoordinator(ctx, ep)
		_ = state.Transition(jobstate.Failed)
		res.State = jobstate.Failed
		res.Reason = "resume script did not start"
		res.Duration = time.Since(started)
		f := &Failure{State: jobstate.Failed, Reason: res.Reason, Err: err}
		c.finish(ctx, &res, f)
		return res, f
	}
	c.logger.Info("resume script started", zap.Int("pid", task.PID()), zap.String("endpoint", ep.String()))
	_ = state.Transition(jobstate.Running)

	tracker := membership.NewTracker(c.opts.Querier, c.logger)
	tracker.OnSnapshot(func(s membership.Snapshot) {
		_ = c.out.WriteMembership(context.WithoutCancel(ctx), &output.MembershipRecord{
			Endpoint:  ep.String(),
			Connected: s.Connected,
		})
	})
	mon := tracker.Monitor(ctx, ep, task, membership.MonitorConfig{
		Interval: c.opts.MonitorInterval,
		Ceiling:  c.opts.Ceiling,
	})
	_ = state.Transition(mon.State)

	res.State = mon.State
	res.Reason = mon.Reason
	res.Monitor = mon

	bg := context.WithoutCancel(ctx)
	var f *Failure
	if mon.State != jobstate.Completed {
		f = &Failure{
			State:           mon.State,
			Reason:          mon.Reason,
			Monitor:         mon,
			ScriptTail:      task.Tail(c.opts.TailLines),
			CoordinatorTail: c.opts.Coordinator.Tail(ep, c.opts.TailLines),
		}
		res.LogTail = append(append([]string(nil), f.CoordinatorTail...), f.ScriptTail...)
	}

	_ = task.Terminate(c.opts.StopGrace)
	c.stopCoordinator(bg, ep)

	if st, found, err := progress.Load(filepath.Join(dir, c.opts.ProgressFile)); err != nil {
		c.logger.Warn("read progress state failed", zap.Error(err))
	} else if found {
		res.Progress = &st
		c.logger.Info("worker progress",
			zap.Int("step", st.Step),
			zap.Int("total", st.Total),
			zap.Int("counter", st.Counter),
			zap.Int("restarts", st.Restarts),
		)
	}

	res.Duration = time.Since(started)
	c.finish(bg, &res, f)
	if f != nil {
		return res, f
	}
	return res, nil
}

func (c *Controller) stopCoordinator(ctx context.Context, ep coordinator.Endpoint) {
	if err := c.opts.Coordinator.Stop(ctx, ep); err != nil {
		c.logger.Warn("coordinator stop failed", zap.Error(err))
	}
}

func (c *Controller) finish(ctx context.Context, res *Result, f *Failure) {
	if f != nil {
		code := output.ErrCodeRestartFailed
		if f.State == jobstate.TimedOut {
			code = output.ErrCodeTimedOut
		}
		c.writeError(ctx, code, f)
	}
	lastSeen := 0
	if res.Monitor.HasLast {
		lastSeen = res.Monitor.Last.Connected
	}
	_ = c.out.WriteSummary(ctx, &output.SummaryRecord{
		State:         string(res.State),
		Reason:        res.Reason,
		ExitCode:      launch.ExitCode(res.State),
		Endpoint:      res.Endpoint.String(),
		MaxObserved:   lastSeen,
		Duration:      res.Duration,
		DurationHuman: res.Duration.Round(time.Millisecond).String(),
		LogTail:       res.LogTail,
	})
}

func (c *Controller) onState(from, to jobstate.State) {
	_ = c.out.WriteState(context.Background(), &output.StateRecord{From: string(from), To: string(to)})
	if c.opts.OnState != nil {
		c.opts.OnState(from, to)
	}
}

func (c *Controller) writeError(ctx context.Context, code string, err error) {
	_ = c.out.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{Code: code, Message: err.Error()})
}
