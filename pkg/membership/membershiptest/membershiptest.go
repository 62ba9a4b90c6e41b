// Package membershiptest provides scripted coordinators and tasks for tests.
package membershiptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/engine"
	"github.com/3leaps/ckptctl/pkg/proc"
)

// Fail marks a scripted reading as a failed query.
const Fail = -1

// ErrUnreachable is the error returned for Fail readings.
var ErrUnreachable = &coordinator.QueryError{Op: "list", Err: errors.New("coordinator unreachable")}

// Script is a Querier replaying a sequence of member counts. Once the
// sequence is exhausted the last reading repeats.
type Script struct {
	mu       sync.Mutex
	readings []int
	calls    int
	onCall   func(call int)
}

// NewScript returns a Script for the given counts. Use Fail for a failed
// query.
func NewScript(readings ...int) *Script {
	return &Script{readings: readings}
}

// OnCall registers a hook run before each reading is served.
func (s *Script) OnCall(fn func(call int)) {
	s.mu.Lock()
	s.onCall = fn
	s.mu.Unlock()
}

// Set replaces the readings not yet served.
func (s *Script) Set(readings ...int) {
	s.mu.Lock()
	s.readings = append([]int(nil), readings...)
	s.mu.Unlock()
}

// Calls returns how many queries were served.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Script) ListMembers(_ context.Context, _ coordinator.Endpoint) ([]engine.Member, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	n := Fail
	if len(s.readings) > 0 {
		n = s.readings[0]
		if len(s.readings) > 1 {
			s.readings = s.readings[1:]
		}
	}
	s.mu.Unlock()

	if n < 0 {
		return nil, ErrUnreachable
	}
	members := make([]engine.Member, n)
	for i := range members {
		members[i] = engine.Member{ID: fmt.Sprint(i + 1), Name: "worker", State: "RUNNING"}
	}
	return members, nil
}

// Task is a controllable stand-in for a supervised process.
type Task struct {
	mu     sync.Mutex
	done   chan struct{}
	result proc.Result
	exited bool
}

// NewTask returns a running task.
func NewTask() *Task {
	return &Task{done: make(chan struct{})}
}

// Exit finishes the task with the given exit code. Later calls are ignored.
func (t *Task) Exit(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return
	}
	t.exited = true
	t.result = proc.Result{ExitCode: code}
	close(t.done)
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Exited() (proc.Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.exited
}
