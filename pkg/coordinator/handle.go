// Package coordinator owns checkpoint coordinator processes: starting them
// on an OS-assigned port, discovering the published endpoint, checking
// liveness, querying them and stopping them.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/engine"
	"github.com/3leaps/ckptctl/pkg/poll"
	"github.com/3leaps/ckptctl/pkg/proc"
)

// Start and stop defaults.
const (
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultMaxAttempts      = 60
	DefaultLivenessAttempts = 10
	DefaultStopGrace        = 5 * time.Second
	PortFileName            = "coordinator.port"
)

// BindPolicy controls how a coordinator is started.
type BindPolicy struct {
	// Host is the address workers use to reach the coordinator. Defaults to
	// the local hostname.
	Host string

	// RuntimeDir holds the port file. Required unless PortFile is set.
	RuntimeDir string
	PortFile   string

	// LogPath receives coordinator stdout and stderr.
	LogPath string

	// Interval is passed to the coordinator for engine-driven periodic
	// checkpoints. Zero disables them.
	Interval time.Duration
	CkptDir  string

	Env []string
	Dir string

	PollInterval     time.Duration
	MaxAttempts      int
	LivenessAttempts int
}

func (b BindPolicy) portFile() (string, error) {
	if strings.TrimSpace(b.PortFile) != "" {
		return b.PortFile, nil
	}
	if strings.TrimSpace(b.RuntimeDir) == "" {
		return "", fmt.Errorf("runtime dir or port file is required")
	}
	return filepath.Join(b.RuntimeDir, PortFileName), nil
}

// Handle starts and stops coordinators and answers liveness checks.
type Handle struct {
	client    *Client
	logger    *zap.Logger
	stopGrace time.Duration

	pollInterval     time.Duration
	maxAttempts      int
	livenessAttempts int

	mu      sync.Mutex
	procs   map[string]*proc.Process
	stopped map[string]bool
}

// NewHandle returns a Handle that queries coordinators through client.
func NewHandle(client *Client, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{
		client:    client,
		logger:    logger,
		stopGrace: DefaultStopGrace,
		procs:     map[string]*proc.Process{},
		stopped:   map[string]bool{},
	}
}

// SetStopGrace overrides how long Stop waits before killing.
func (h *Handle) SetStopGrace(d time.Duration) {
	if d > 0 {
		h.stopGrace = d
	}
}

// SetStartBounds sets the start polling bounds used when a BindPolicy
// leaves them zero.
func (h *Handle) SetStartBounds(interval time.Duration, maxAttempts, livenessAttempts int) {
	h.pollInterval = interval
	h.maxAttempts = maxAttempts
	h.livenessAttempts = livenessAttempts
}

// Client returns the query client.
func (h *Handle) Client() *Client {
	return h.client
}

// Start spawns a coordinator on an OS-assigned port and returns once the
// port has been published and the coordinator answers a status query.
func (h *Handle) Start(ctx context.Context, policy BindPolicy) (Endpoint, error) {
	portFile, err := policy.portFile()
	if err != nil {
		return Endpoint{}, &StartError{Stage: "spawn", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(portFile), 0755); err != nil {
		return Endpoint{}, &StartError{Stage: "spawn", Err: err}
	}
	// A stale file from an earlier run must not be mistaken for this one.
	if err := os.Remove(portFile); err != nil && !os.IsNotExist(err) {
		return Endpoint{}, &StartError{Stage: "spawn", Err: err}
	}

	host := strings.TrimSpace(policy.Host)
	if host == "" {
		host, err = os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
	}

	interval := firstPositive(policy.PollInterval, h.pollInterval, DefaultPollInterval)
	attempts := firstPositive(policy.MaxAttempts, h.maxAttempts, DefaultMaxAttempts)
	liveAttempts := firstPositive(policy.LivenessAttempts, h.livenessAttempts, DefaultLivenessAttempts)

	argv, err := engine.Expand(h.client.Profile().Coordinator, engine.Vars{
		Host:     host,
		PortFile: portFile,
		Interval: policy.Interval,
		CkptDir:  policy.CkptDir,
	})
	if err != nil {
		return Endpoint{}, &StartError{Stage: "spawn", Err: err}
	}

	p, err := proc.Start(proc.Spec{
		Path:       argv[0],
		Args:       argv[1:],
		Env:        policy.Env,
		Dir:        policy.Dir,
		StdoutPath: policy.LogPath,
		StderrPath: policy.LogPath,
	})
	if err != nil {
		return Endpoint{}, &StartError{Stage: "spawn", Err: err}
	}
	h.logger.Info("coordinator spawned",
		zap.Int("pid", p.PID()),
		zap.String("port_file", portFile),
		zap.Strings("argv", argv),
	)

	var port int
	published := poll.Poll(ctx, func(context.Context) bool {
		var err error
		port, err = ReadPortFile(portFile)
		if err == nil {
			return true
		}
		// A daemonizing coordinator exits 0 after forking; anything else
		// before the port appears is a start failure.
		if res, exited := p.Exited(); exited && !res.Success() {
			return true
		}
		return false
	}, interval, attempts)

	if res, exited := p.Exited(); exited && !res.Success() && port == 0 {
		return Endpoint{}, &StartError{
			Stage: "spawn",
			Tail:  p.Tail(20),
			Err:   fmt.Errorf("coordinator exited with code %d", res.ExitCode),
		}
	}
	if !published.Ready() || port == 0 {
		_ = p.Terminate(h.stopGrace)
		return Endpoint{}, &StartError{
			Stage: "port_file",
			Tail:  p.Tail(20),
			Err:   fmt.Errorf("port file %s not published after %d attempts", portFile, published.Attempts),
		}
	}

	ep := Endpoint{Host: host, Port: port}
	if p.Alive() {
		ep.PID = p.PID()
	}

	alive := poll.Poll(ctx, func(ctx context.Context) bool {
		return h.VerifyAlive(ctx, ep)
	}, interval, liveAttempts)
	if !alive.Ready() {
		// The port is known here, so a coordinator that daemonized away
		// from p still gets a quit request.
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.stopGrace)
		if err := h.client.Quit(qctx, ep); err != nil {
			h.logger.Debug("coordinator quit after failed liveness check failed", zap.String("endpoint", ep.String()), zap.Error(err))
		}
		cancel()
		_ = p.Terminate(h.stopGrace)
		return Endpoint{}, &StartError{
			Stage: "liveness",
			Tail:  p.Tail(20),
			Err:   fmt.Errorf("coordinator at %s did not answer status after %d attempts", ep, alive.Attempts),
		}
	}

	h.mu.Lock()
	h.procs[ep.Addr()] = p
	delete(h.stopped, ep.Addr())
	h.mu.Unlock()

	h.logger.Info("coordinator ready",
		zap.String("endpoint", ep.String()),
		zap.Int("pid", ep.PID),
	)
	return ep, nil
}

// VerifyAlive reports whether the coordinator answers a status query.
func (h *Handle) VerifyAlive(ctx context.Context, ep Endpoint) bool {
	return h.client.Status(ctx, ep) == nil
}

// Stop terminates the coordinator at ep. It is best-effort and idempotent:
// a second call does nothing and returns nil.
func (h *Handle) Stop(ctx context.Context, ep Endpoint) error {
	key := ep.Addr()
	h.mu.Lock()
	if h.stopped[key] {
		h.mu.Unlock()
		return nil
	}
	h.stopped[key] = true
	p := h.procs[key]
	delete(h.procs, key)
	h.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, h.stopGrace)
	defer cancel()
	if err := h.client.Quit(qctx, ep); err != nil {
		h.logger.Debug("coordinator quit query failed", zap.String("endpoint", key), zap.Error(err))
	}

	if p != nil {
		if err := p.Terminate(h.stopGrace); err != nil {
			h.logger.Warn("coordinator terminate failed", zap.Int("pid", p.PID()), zap.Error(err))
		}
	}
	if ep.PID > 0 {
		forced, err := proc.TerminatePID(ctx, ep.PID, h.stopGrace)
		if err != nil {
			h.logger.Warn("coordinator signal failed", zap.Int("pid", ep.PID), zap.Error(err))
		}
		if forced {
			h.logger.Warn("coordinator killed after grace period", zap.Int("pid", ep.PID))
		}
	}

	h.logger.Info("coordinator stopped", zap.String("endpoint", key))
	return nil
}

// Tail returns the last coordinator log lines for an endpoint this handle
// started.
func (h *Handle) Tail(ep Endpoint, n int) []string {
	h.mu.Lock()
	p := h.procs[ep.Addr()]
	h.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Tail(n)
}

func firstPositive[T time.Duration | int](vals ...T) T {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
