package membership

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/proc"
)

// DefaultGoneAfter is how many consecutive failed queries, after the task
// has exited cleanly, mean the coordinator left with its last member.
const DefaultGoneAfter = 2

// Task is a supervised process the monitor watches alongside membership.
// *proc.Process implements it.
type Task interface {
	Done() <-chan struct{}
	Exited() (proc.Result, bool)
}

// MonitorConfig bounds a completion monitor.
type MonitorConfig struct {
	Interval time.Duration
	// Ceiling is the hard wall-clock limit.
	Ceiling time.Duration
	// PriorNonZero seeds the drain watch when membership was already seen
	// (for example after AwaitFullMembership reached its target).
	PriorNonZero bool
	// GoneAfter overrides DefaultGoneAfter.
	GoneAfter int
}

// MonitorResult is the terminal classification of a monitored job.
type MonitorResult struct {
	// State is Completed, Failed or TimedOut.
	State  jobstate.State
	Reason string

	Drained      bool
	SawNonZero   bool
	TaskExited   bool
	Task         proc.Result
	Last         Snapshot
	HasLast      bool
	Elapsed      time.Duration
	LastQueryErr error
}

// Monitor watches membership and a task until the job reaches a terminal
// state or the ceiling expires.
//
// Completed needs both a drain and a clean task exit. A clean exit with
// members seen earlier and a coordinator that stopped answering also counts
// as completion, since coordinators commonly exit with their last member.
// Any non-zero task exit is Failed, as is a clean exit when no member was
// ever observed. Reaching the ceiling is TimedOut.
func (t *Tracker) Monitor(ctx context.Context, ep coordinator.Endpoint, task Task, cfg MonitorConfig) MonitorResult {
	start := time.Now()
	if cfg.GoneAfter <= 0 {
		cfg.GoneAfter = DefaultGoneAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	w := NewDrainWatch(cfg.PriorNonZero)
	ceiling := time.NewTimer(cfg.Ceiling)
	defer ceiling.Stop()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	done := task.Done()

	finish := func(state jobstate.State, reason string) MonitorResult {
		res := MonitorResult{
			State:        state,
			Reason:       reason,
			Drained:      w.Drained(),
			SawNonZero:   w.SawNonZero(),
			Elapsed:      time.Since(start),
			LastQueryErr: w.LastErr(),
		}
		res.Task, res.TaskExited = task.Exited()
		res.Last, res.HasLast = w.Last()
		t.logger.Info("monitor finished",
			zap.String("state", string(state)),
			zap.String("reason", reason),
			zap.Bool("drained", res.Drained),
			zap.Bool("task_exited", res.TaskExited),
			zap.Duration("elapsed", res.Elapsed),
		)
		return res
	}

	observe := func() {
		s, err := t.Snapshot(ctx, ep)
		if err != nil {
			w.ObserveError(err)
			return
		}
		w.Observe(s)
	}

	// decide returns a terminal state once the evidence is sufficient.
	decide := func() (jobstate.State, string, bool) {
		res, exited := task.Exited()
		if !exited {
			return "", "", false
		}
		if !res.Success() {
			if res.Err != nil {
				return jobstate.Failed, fmt.Sprintf("task failed: %v", res.Err), true
			}
			return jobstate.Failed, fmt.Sprintf("task exited with code %d", res.ExitCode), true
		}
		if w.Drained() {
			return jobstate.Completed, "members drained and task exited cleanly", true
		}
		if !w.SawNonZero() {
			// Every successful reading so far was zero.
			if _, ok := w.Last(); ok || w.ConsecutiveFailures() > 0 {
				return jobstate.Failed, "task exited without any member ever joining", true
			}
			return "", "", false
		}
		if w.ConsecutiveFailures() >= cfg.GoneAfter {
			return jobstate.Completed, "task exited cleanly and coordinator left with its last member", true
		}
		return "", "", false
	}

	observe()
	for {
		if state, reason, ok := decide(); ok {
			return finish(state, reason)
		}

		select {
		case <-ctx.Done():
			return finish(jobstate.Failed, fmt.Sprintf("monitoring cancelled: %v", ctx.Err()))
		case <-ceiling.C:
			reason := "ceiling reached"
			if _, exited := task.Exited(); !exited {
				reason += " with task still running"
			}
			if last, ok := w.Last(); ok && last.Connected > 0 {
				reason += fmt.Sprintf(" and %d members connected", last.Connected)
			}
			return finish(jobstate.TimedOut, reason)
		case <-done:
			done = nil
			observe()
		case <-ticker.C:
			observe()
		}
	}
}
