// Package checkpoint requests checkpoints from a running job's coordinator,
// on demand or on a controller-driven schedule, and archives the artifacts
// the engine writes.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/output"
)

var (
	// ErrCheckpointRequestFailed is non-fatal: the job keeps running.
	ErrCheckpointRequestFailed = errors.New("checkpoint request failed")

	// ErrNotRunning is returned when a checkpoint is requested outside the
	// Running state.
	ErrNotRunning = errors.New("job is not running")

	// ErrCheckpointInFlight rejects a request while another is outstanding.
	ErrCheckpointInFlight = fmt.Errorf("%w: another checkpoint is in flight", ErrCheckpointRequestFailed)
)

// DefaultRequestTimeout bounds one checkpoint request.
const DefaultRequestTimeout = 10 * time.Minute

// Requester asks a coordinator to checkpoint every member.
// *coordinator.Client implements it.
type Requester interface {
	RequestCheckpoint(ctx context.Context, ep coordinator.Endpoint) error
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Timeout time.Duration
	Output  output.Writer
	Logger  *zap.Logger
}

// Scheduler serializes checkpoint requests for one job.
type Scheduler struct {
	req     Requester
	ep      coordinator.Endpoint
	state   *jobstate.Holder
	timeout time.Duration
	out     output.Writer
	logger  *zap.Logger

	inFlight  atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64
}

// NewScheduler returns a scheduler for the job whose state is held by state.
func NewScheduler(req Requester, ep coordinator.Endpoint, state *jobstate.Holder, opts SchedulerOptions) *Scheduler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.Output == nil {
		opts.Output = output.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		req:     req,
		ep:      ep,
		state:   state,
		timeout: opts.Timeout,
		out:     opts.Output,
		logger:  opts.Logger,
	}
}

// Endpoint returns the coordinator this scheduler targets.
func (s *Scheduler) Endpoint() coordinator.Endpoint { return s.ep }

// Completed returns the number of checkpoints the coordinator acknowledged.
func (s *Scheduler) Completed() int { return int(s.completed.Load()) }

// Failed returns the number of requests the coordinator rejected or that
// timed out.
func (s *Scheduler) Failed() int { return int(s.failed.Load()) }

// InFlight reports whether a request is outstanding.
func (s *Scheduler) InFlight() bool { return s.inFlight.Load() }

// RequestCheckpoint issues an on-demand checkpoint and blocks until the
// coordinator answers. The job passes through Checkpointing and returns to
// Running whether or not the request succeeded.
func (s *Scheduler) RequestCheckpoint(ctx context.Context) error {
	return s.request(ctx, output.TriggerOnDemand)
}

func (s *Scheduler) request(ctx context.Context, trigger string) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.reject(ctx, trigger, ErrCheckpointInFlight)
		return ErrCheckpointInFlight
	}
	defer s.inFlight.Store(false)

	ok, err := s.state.CompareAndTransition(jobstate.Running, jobstate.Checkpointing)
	if err != nil {
		return err
	}
	if !ok {
		err := fmt.Errorf("%w (state %s)", ErrNotRunning, s.state.Load())
		s.reject(ctx, trigger, err)
		return err
	}
	defer func() {
		// A terminal transition may have won the race; leave it alone.
		_, _ = s.state.CompareAndTransition(jobstate.Checkpointing, jobstate.Running)
	}()

	s.writeRecord(ctx, &output.CheckpointRecord{
		Endpoint: s.ep.String(),
		Trigger:  trigger,
		Status:   output.CheckpointRequested,
	})

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reqErr := s.req.RequestCheckpoint(rctx, s.ep)
	elapsed := time.Since(start)

	if reqErr != nil {
		s.failed.Add(1)
		err := fmt.Errorf("%w: %w", ErrCheckpointRequestFailed, reqErr)
		s.logger.Warn("checkpoint request failed",
			zap.String("endpoint", s.ep.String()),
			zap.String("trigger", trigger),
			zap.Duration("elapsed", elapsed),
			zap.Error(reqErr),
		)
		s.writeRecord(ctx, &output.CheckpointRecord{
			Endpoint: s.ep.String(),
			Trigger:  trigger,
			Status:   output.CheckpointFailed,
			Duration: elapsed,
			Error:    reqErr.Error(),
		})
		_ = s.out.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeCheckpointRequestFailed,
			Message: reqErr.Error(),
			Details: map[string]string{"trigger": trigger},
		})
		return err
	}

	s.completed.Add(1)
	s.logger.Info("checkpoint completed",
		zap.String("endpoint", s.ep.String()),
		zap.String("trigger", trigger),
		zap.Duration("elapsed", elapsed),
	)
	s.writeRecord(ctx, &output.CheckpointRecord{
		Endpoint: s.ep.String(),
		Trigger:  trigger,
		Status:   output.CheckpointCompleted,
		Duration: elapsed,
	})
	return nil
}

func (s *Scheduler) reject(ctx context.Context, trigger string, err error) {
	s.logger.Debug("checkpoint request rejected", zap.String("trigger", trigger), zap.Error(err))
	s.writeRecord(ctx, &output.CheckpointRecord{
		Endpoint: s.ep.String(),
		Trigger:  trigger,
		Status:   output.CheckpointRejected,
		Error:    err.Error(),
	})
}

func (s *Scheduler) writeRecord(ctx context.Context, rec *output.CheckpointRecord) {
	if err := s.out.WriteCheckpoint(ctx, rec); err != nil {
		s.logger.Debug("checkpoint record not written", zap.Error(err))
	}
}
