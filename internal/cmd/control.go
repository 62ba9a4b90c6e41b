package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/config"
	"github.com/3leaps/ckptctl/internal/server"
	"github.com/3leaps/ckptctl/internal/server/handlers"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/jobspec"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/launch"
	"github.com/3leaps/ckptctl/pkg/output"
)

// jobControl exposes a launch to the control server. The handle is set
// once the job reaches Running.
type jobControl struct {
	jobID string
	spec  *jobspec.Spec

	handle    atomic.Pointer[launch.Handle]
	connected atomic.Int64

	mu    sync.Mutex
	state jobstate.State
}

func newJobControl(jobID string, spec *jobspec.Spec) *jobControl {
	c := &jobControl{jobID: jobID, spec: spec, state: jobstate.Unstarted}
	c.connected.Store(-1)
	return c
}

func (c *jobControl) attach(h *launch.Handle) {
	c.handle.Store(h)
}

func (c *jobControl) setState(s jobstate.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *jobControl) currentState() jobstate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *jobControl) observe(connected int) {
	c.connected.Store(int64(connected))
}

func (c *jobControl) Status(context.Context) handlers.JobStatus {
	st := handlers.JobStatus{
		JobID:           c.jobID,
		Name:            c.spec.DisplayName(),
		State:           c.currentState().String(),
		ExpectedWorkers: c.spec.ExpectedWorkers,
		CheckpointDir:   c.spec.Checkpoint.Dir,
	}
	if n := c.connected.Load(); n >= 0 {
		v := int(n)
		st.Connected = &v
	}
	if h := c.handle.Load(); h != nil {
		st.Endpoint = h.Endpoint.String()
		started := h.Started
		st.StartedAt = &started
		if h.Scheduler != nil {
			st.Checkpoints = h.Scheduler.Completed()
			st.FailedRequests = h.Scheduler.Failed()
			st.InFlight = h.Scheduler.InFlight()
		}
	}
	return st
}

func (c *jobControl) RequestCheckpoint(ctx context.Context) (handlers.CheckpointResponse, error) {
	h := c.handle.Load()
	if h == nil || h.Scheduler == nil {
		return handlers.CheckpointResponse{}, fmt.Errorf("%w (state %s)", checkpoint.ErrNotRunning, c.currentState())
	}
	started := time.Now()
	if err := h.RequestCheckpoint(ctx); err != nil {
		return handlers.CheckpointResponse{}, err
	}
	return handlers.CheckpointResponse{
		JobID:       c.jobID,
		Status:      "completed",
		Checkpoints: h.Scheduler.Completed(),
		Duration:    time.Since(started),
	}, nil
}

// checkHealth fails once the job has left supervision.
func (c *jobControl) checkHealth(context.Context) error {
	if s := c.currentState(); s.Terminal() {
		return fmt.Errorf("job is %s", s)
	}
	return nil
}

// membershipTap forwards records and reports membership counts.
type membershipTap struct {
	output.Writer
	observe func(connected int)
}

func (t membershipTap) WriteMembership(ctx context.Context, rec *output.MembershipRecord) error {
	t.observe(rec.Connected)
	return t.Writer.WriteMembership(ctx, rec)
}

// startControlServer serves job on addr, or on the configured host and
// port when addr is empty.
func startControlServer(cfg *config.Config, addr string, job *jobControl, logger *zap.Logger) (*server.Server, error) {
	host, port := cfg.Server.Host, cfg.Server.Port
	if addr != "" {
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --serve address %q: %w", addr, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return nil, fmt.Errorf("invalid --serve port %q", p)
		}
		host, port = h, n
	}

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("job", handlers.HealthCheckerFunc(job.checkHealth))

	srv := server.New(host, port,
		server.WithJob(job),
		server.WithLogger(logger.Named("server")),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}
