// Package proc supervises OS processes started by the controller.
//
// A Process is started in the background and observed through Done, Exited
// and Wait. Output goes either to log files (when paths are given) or to a
// bounded in-memory line buffer, so the last lines are always available for
// failure diagnostics.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultTailLines is the number of output lines kept in memory when no log
// file is configured.
const DefaultTailLines = 200

// ErrNotStarted is returned when a Spec has no executable.
var ErrNotStarted = errors.New("process not started")

// Spec describes a process to start.
type Spec struct {
	// Path is the executable. Bare names are resolved via PATH.
	Path string
	Args []string
	// Env entries are appended to the controller's environment.
	Env []string
	Dir string

	// StdoutPath and StderrPath receive process output when set. Files are
	// opened in append mode so a restart can share a log with its parent job.
	StdoutPath string
	StderrPath string
}

// String renders the command line for logs.
func (s Spec) String() string {
	parts := append([]string{s.Path}, s.Args...)
	return strings.Join(parts, " ")
}

// Result describes a finished process.
type Result struct {
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Err      error
}

// Success reports a zero exit without a wait error.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Process is a started OS process.
type Process struct {
	spec    Spec
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
	ring    *lineRing

	mu     sync.Mutex
	result Result
}

// Start spawns the process and returns once it is running.
func Start(spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, fmt.Errorf("%w: empty command", ErrNotStarted)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = sysProcAttr()
	// A daemonizing child can inherit our pipes; do not let Wait hang on it.
	cmd.WaitDelay = 2 * time.Second

	p := &Process{
		spec: spec,
		cmd:  cmd,
		done: make(chan struct{}),
		ring: newLineRing(DefaultTailLines),
	}

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	stdout, err := p.outputWriter(spec.StdoutPath, &closers)
	if err != nil {
		closeAll()
		return nil, err
	}
	stderr, err := p.outputWriter(spec.StderrPath, &closers)
	if err != nil {
		closeAll()
		return nil, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	p.pid = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		closeAll()
		res := Result{Started: p.started, Stopped: time.Now().UTC(), Err: err}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The exit code carries the failure.
			res.Err = nil
		}
		p.mu.Lock()
		p.result = res
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *Process) outputWriter(path string, closers *[]io.Closer) (io.Writer, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return p.ring, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	*closers = append(*closers, f)
	return f, nil
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.pid
}

// Spec returns the spec the process was started with.
func (p *Process) Spec() Spec {
	return p.spec
}

// Started returns the start time.
func (p *Process) Started() time.Time {
	return p.started
}

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited returns the result and true once the process has finished.
func (p *Process) Exited() (Result, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, true
	default:
		return Result{}, false
	}
}

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	_, exited := p.Exited()
	return !exited
}

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		res, _ := p.Exited()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Signal delivers sig to the process group.
func (p *Process) Signal(sig os.Signal) error {
	if !p.Alive() {
		return nil
	}
	return signalGroup(p.cmd.Process, sig)
}

// Terminate asks the process group to exit and kills it after grace.
// Calling Terminate on an exited process is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if err := signalGroup(p.cmd.Process, termSignal); err != nil && p.Alive() {
		return fmt.Errorf("terminate pid %d: %w", p.pid, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	_ = signalGroup(p.cmd.Process, os.Kill)
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	return nil
}

// Tail returns up to n of the most recent output lines. Log files are read
// when configured, otherwise the in-memory buffer is used. When stdout and
// stderr are separate the budget is shared between them, stdout first.
func (p *Process) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	var (
		streams [][]string
		seen    = map[string]bool{}
		memory  bool
	)
	for _, path := range []string{p.spec.StdoutPath, p.spec.StderrPath} {
		if strings.TrimSpace(path) == "" {
			memory = true
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		if lines, err := TailFile(path, n); err == nil {
			streams = append(streams, lines)
		}
	}
	if memory {
		streams = append(streams, p.ring.Last(n))
	}
	return shareTail(streams, n)
}

// shareTail keeps at most n lines overall, handing out the budget one line
// per stream in turn so a chatty stream cannot hide a quiet one.
func shareTail(streams [][]string, n int) []string {
	take := make([]int, len(streams))
	for left := n; left > 0; {
		progressed := false
		for i, lines := range streams {
			if left > 0 && take[i] < len(lines) {
				take[i]++
				left--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	var out []string
	for i, lines := range streams {
		out = append(out, lines[len(lines)-take[i]:]...)
	}
	return out
}
