package launch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3leaps/ckptctl/pkg/checkpoint"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobspec"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/membership"
	"github.com/3leaps/ckptctl/pkg/proc"
)

// Handle is a launched job under supervision.
type Handle struct {
	JobID    string
	Endpoint coordinator.Endpoint
	Spec     *jobspec.Spec
	State    *jobstate.Holder

	// Scheduler issues checkpoint requests against Endpoint.
	Scheduler *checkpoint.Scheduler

	// Await is the membership wait that let the job reach Running.
	Await membership.AwaitResult

	Started time.Time

	steps    *stepGroup
	logs     []string
	released atomic.Bool
}

// Task returns the launcher steps as one supervised task.
func (h *Handle) Task() membership.Task {
	return h.steps
}

// Steps returns the launcher step processes.
func (h *Handle) Steps() []*proc.Process {
	return h.steps.procs
}

// StepLogs returns the launcher step log paths.
func (h *Handle) StepLogs() []string {
	return append([]string(nil), h.logs...)
}

// RequestCheckpoint issues an on-demand checkpoint.
func (h *Handle) RequestCheckpoint(ctx context.Context) error {
	return h.Scheduler.RequestCheckpoint(ctx)
}

// Release drops supervision of the OS processes: when supervision ends the
// launcher steps and the coordinator are left running.
func (h *Handle) Release() {
	h.released.Store(true)
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Terminate stops every launcher step, killing after grace.
func (h *Handle) Terminate(grace time.Duration) {
	h.steps.terminate(grace)
}

func (h *Handle) stepTails(n int) map[int][]string {
	return h.steps.tails(n)
}

// stepGroup is done once every step has exited or any step exits non-zero.
type stepGroup struct {
	procs []*proc.Process

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	result proc.Result
	exited bool
}

func newStepGroup(procs []*proc.Process) *stepGroup {
	g := &stepGroup{procs: procs, done: make(chan struct{})}
	results := make(chan proc.Result, len(procs))
	for _, p := range procs {
		go func() {
			<-p.Done()
			res, _ := p.Exited()
			results <- res
		}()
	}
	go func() {
		var last proc.Result
		for range procs {
			res := <-results
			if !res.Success() {
				g.finish(res)
				return
			}
			if res.Stopped.After(last.Stopped) {
				last = res
			}
		}
		g.finish(last)
	}()
	return g
}

func (g *stepGroup) finish(res proc.Result) {
	g.once.Do(func() {
		g.mu.Lock()
		g.result = res
		g.exited = true
		g.mu.Unlock()
		close(g.done)
	})
}

func (g *stepGroup) Done() <-chan struct{} {
	return g.done
}

func (g *stepGroup) Exited() (proc.Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.exited
}

// failed reports whether the group finished because a step failed.
func (g *stepGroup) failed() bool {
	res, exited := g.Exited()
	return exited && !res.Success()
}

func (g *stepGroup) terminate(grace time.Duration) {
	var wg sync.WaitGroup
	for _, p := range g.procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Terminate(grace)
		}()
	}
	wg.Wait()
}

func (g *stepGroup) tails(n int) map[int][]string {
	out := make(map[int][]string, len(g.procs))
	for i, p := range g.procs {
		out[i] = p.Tail(n)
	}
	return out
}
