package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/ckptctl/pkg/jobstate"
)

// ManagedJobFlag is the hidden flag a background child receives so it
// adopts the record its parent wrote instead of creating a new one.
const ManagedJobFlag = "--_managed-job-id"

// Executor spawns and manages background controllers.
//
// A background job is a child process running this binary's own launch or
// restart command in managed mode, with stdout/stderr captured to per-job
// log files.
type Executor struct {
	store *Store

	// Executable overrides the binary that is re-executed. Defaults to
	// os.Executable().
	Executable string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stderr.log")
}

// BackgroundRequest describes a controller to run in the background.
type BackgroundRequest struct {
	Kind Kind
	Name string

	// Target is the job spec path for launches and the artifact directory
	// for restarts.
	Target string

	// Args are passed through to the child after the target.
	Args []string

	// Dedupe refuses to start when an active job already has the same
	// target.
	Dedupe bool
}

// StartBackground spawns a managed child process running:
//
//	ckptctl <launch|restart> <target> [args...] --_managed-job-id <job_id>
//
// It returns after the child successfully starts.
func (e *Executor) StartBackground(req BackgroundRequest) (*JobRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if req.Kind != KindLaunch && req.Kind != KindRestart {
		return nil, fmt.Errorf("unknown job kind %q", req.Kind)
	}

	target, err := filepath.Abs(strings.TrimSpace(req.Target))
	if err != nil {
		return nil, fmt.Errorf("resolve target path: %w", err)
	}
	if strings.TrimSpace(req.Target) == "" {
		return nil, fmt.Errorf("target path is required")
	}
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("target not found: %s", target)
	}

	if req.Dedupe {
		if existing, _ := e.store.List(); len(existing) > 0 {
			for _, j := range existing {
				if j.Active() && j.target() == target {
					return nil, fmt.Errorf("duplicate active job exists: %s", j.JobID)
				}
			}
		}
	}

	exe := e.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	jobID := uuid.New().String()
	if err := os.MkdirAll(e.store.RuntimeDir(jobID), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	args := append([]string{string(req.Kind), target}, req.Args...)
	args = append(args, ManagedJobFlag, jobID)

	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	now := time.Now().UTC()
	rec := &JobRecord{
		JobID:      jobID,
		Name:       strings.TrimSpace(req.Name),
		Kind:       req.Kind,
		State:      jobstate.Unstarted,
		RuntimeDir: e.store.RuntimeDir(jobID),
		CreatedAt:  now,
		StdoutPath: e.StdoutPath(jobID),
		StderrPath: e.StderrPath(jobID),
	}
	if req.Kind == KindLaunch {
		rec.SpecPath = target
	} else {
		rec.RestartFrom = target
	}
	// Written before the child starts so its first Update finds the record.
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = e.store.Delete(jobID)
		return nil, fmt.Errorf("start managed %s: %w", req.Kind, err)
	}
	pid := cmd.Process.Pid
	// The child is reaped by whoever outlives it; we never wait on it.
	_ = cmd.Process.Release()

	return e.store.Update(jobID, func(r *JobRecord) error {
		if r.PID == 0 {
			r.PID = pid
		}
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		hb := now
		r.LastHeartbeat = &hb
		return nil
	})
}

func (r *JobRecord) target() string {
	if r.Kind == KindRestart {
		return strings.TrimSpace(r.RestartFrom)
	}
	return strings.TrimSpace(r.SpecPath)
}
