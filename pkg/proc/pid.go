package proc

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/3leaps/ckptctl/pkg/poll"
)

// StopPollInterval is how often TerminatePID re-checks a signalled process.
const StopPollInterval = 250 * time.Millisecond

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}

// TerminatePID sends SIGTERM to pid, waits up to grace for it to exit and
// then sends SIGKILL. forced reports whether SIGKILL was needed. A pid that
// is already gone is not an error.
func TerminatePID(ctx context.Context, pid int, grace time.Duration) (forced bool, err error) {
	if !Alive(pid) {
		return false, nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if !Alive(pid) {
			return false, nil
		}
		return false, err
	}

	gone := poll.Poll(ctx, func(context.Context) bool { return !Alive(pid) },
		StopPollInterval, poll.AttemptsFor(grace, StopPollInterval))
	if gone.Ready() {
		return false, nil
	}

	if err := p.Signal(syscall.SIGKILL); err != nil && Alive(pid) {
		return true, err
	}
	return true, nil
}
