package launch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/3leaps/ckptctl/pkg/membership"
)

// ErrPartialMembership indicates the expected number of workers never
// joined the coordinator.
var ErrPartialMembership = errors.New("partial membership")

// FailureReason classifies a launch that never reached Running.
type FailureReason string

const (
	// CoordinatorUnreachable: every membership query failed or the
	// coordinator no longer answers.
	CoordinatorUnreachable FailureReason = "coordinator_unreachable"

	// WorkersFailedToJoin: the count never reached the target and the
	// workers did not visibly drop out.
	WorkersFailedToJoin FailureReason = "workers_failed_to_join"

	// WorkersCrashed: members were observed and then the count fell to zero.
	WorkersCrashed FailureReason = "workers_crashed"
)

// Failure is the terminal error of a launch that did not reach Running.
type Failure struct {
	Reason   FailureReason
	Observed int
	Expected int
	Last     membership.Snapshot

	// StepTails holds the last output lines of each launcher step, keyed
	// by allocation index.
	StepTails       map[int][]string
	CoordinatorTail []string

	// Err is the underlying cause, if any (a step that failed to start,
	// the last query error).
	Err error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s (%d of %d workers)", ErrPartialMembership, f.Reason, f.Observed, f.Expected)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrPartialMembership}
	}
	return []error{ErrPartialMembership, f.Err}
}

// Tails flattens the captured log lines, coordinator first.
func (f *Failure) Tails() []string {
	out := append([]string(nil), f.CoordinatorTail...)
	idx := make([]int, 0, len(f.StepTails))
	for i := range f.StepTails {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		for _, l := range f.StepTails[i] {
			out = append(out, fmt.Sprintf("step-%d: %s", i, l))
		}
	}
	return out
}

func classify(res membership.AwaitResult, alive bool) FailureReason {
	if !alive || (res.Polls > 0 && res.FailedQueries == res.Polls) {
		return CoordinatorUnreachable
	}
	if res.SawNonZero && res.Last.Connected == 0 {
		return WorkersCrashed
	}
	return WorkersFailedToJoin
}
