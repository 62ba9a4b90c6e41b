// Package membership observes which workers a coordinator reports as
// connected and classifies those observations.
//
// Snapshots are never cached: every poll issues a fresh query, and a failed
// query is reported separately from a coordinator that reports zero members.
package membership

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/engine"
	"github.com/3leaps/ckptctl/pkg/poll"
)

// Querier lists coordinator members. *coordinator.Client implements it.
type Querier interface {
	ListMembers(ctx context.Context, ep coordinator.Endpoint) ([]engine.Member, error)
}

// Snapshot is one point-in-time membership observation.
type Snapshot struct {
	Connected int             `json:"connected"`
	Members   []engine.Member `json:"members,omitempty"`
	Taken     time.Time       `json:"taken"`
}

// Tracker queries membership through a Querier.
type Tracker struct {
	q      Querier
	logger *zap.Logger
	now    func() time.Time

	onSnapshot func(Snapshot)
}

// NewTracker returns a Tracker. logger may be nil.
func NewTracker(q Querier, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{q: q, logger: logger, now: time.Now}
}

// OnSnapshot registers a callback invoked for every successful snapshot.
func (t *Tracker) OnSnapshot(fn func(Snapshot)) {
	t.onSnapshot = fn
}

// Snapshot issues one membership query. Errors wrap
// coordinator.ErrQueryFailed.
func (t *Tracker) Snapshot(ctx context.Context, ep coordinator.Endpoint) (Snapshot, error) {
	members, err := t.q.ListMembers(ctx, ep)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{Connected: len(members), Members: members, Taken: t.now().UTC()}
	if t.onSnapshot != nil {
		t.onSnapshot(s)
	}
	return s, nil
}

// AwaitOutcome classifies AwaitFullMembership.
type AwaitOutcome int

const (
	Reached AwaitOutcome = iota
	NeverReached
)

func (o AwaitOutcome) String() string {
	if o == Reached {
		return "reached"
	}
	return "never_reached"
}

// AwaitResult carries the outcome plus what was seen on the way.
type AwaitResult struct {
	Outcome  AwaitOutcome
	Expected int
	// Last is the most recent successful snapshot.
	Last Snapshot
	// MaxObserved is the highest connected count seen.
	MaxObserved int
	// SawNonZero reports whether any reading was above zero.
	SawNonZero bool
	Polls      int
	// FailedQueries counts polls whose query failed.
	FailedQueries int
	LastErr       error
}

// AwaitFullMembership polls until at least expected members are connected or
// maxAttempts polls have been made.
func (t *Tracker) AwaitFullMembership(ctx context.Context, ep coordinator.Endpoint, expected int, interval time.Duration, maxAttempts int) AwaitResult {
	res := AwaitResult{Outcome: NeverReached, Expected: expected}

	outcome := poll.Poll(ctx, func(ctx context.Context) bool {
		res.Polls++
		s, err := t.Snapshot(ctx, ep)
		if err != nil {
			res.FailedQueries++
			res.LastErr = err
			t.logger.Debug("membership query failed", zap.String("endpoint", ep.String()), zap.Error(err))
			return false
		}
		res.Last = s
		if s.Connected > res.MaxObserved {
			res.MaxObserved = s.Connected
		}
		if s.Connected > 0 {
			res.SawNonZero = true
		}
		t.logger.Debug("membership",
			zap.Int("connected", s.Connected),
			zap.Int("expected", expected),
			zap.Int("poll", res.Polls),
		)
		return s.Connected >= expected
	}, interval, maxAttempts)

	if outcome.Ready() {
		res.Outcome = Reached
	}
	return res
}

// DrainOutcome classifies AwaitDrain.
type DrainOutcome int

const (
	// Drained means a zero reading followed a non-zero reading.
	Drained DrainOutcome = iota
	// StillConnected means the timeout expired with members connected.
	StillConnected
	// TimedOut means the timeout expired without a decisive reading.
	TimedOut
)

func (o DrainOutcome) String() string {
	switch o {
	case Drained:
		return "drained"
	case StillConnected:
		return "still_connected"
	default:
		return "timed_out"
	}
}

// DrainResult carries the outcome of AwaitDrain.
type DrainResult struct {
	Outcome DrainOutcome
	Last    Snapshot
	HasLast bool
	Polls   int
}

// AwaitDrain polls until membership drops to zero after having been
// non-zero, or timeout elapses.
func (t *Tracker) AwaitDrain(ctx context.Context, ep coordinator.Endpoint, interval, timeout time.Duration) DrainResult {
	return t.AwaitDrainFrom(ctx, ep, NewDrainWatch(false), interval, timeout)
}

// AwaitDrainFrom is AwaitDrain with prior observations carried in w.
func (t *Tracker) AwaitDrainFrom(ctx context.Context, ep coordinator.Endpoint, w *DrainWatch, interval, timeout time.Duration) DrainResult {
	var res DrainResult
	attempts := poll.AttemptsFor(timeout, interval) + 1

	outcome := poll.Poll(ctx, func(ctx context.Context) bool {
		res.Polls++
		s, err := t.Snapshot(ctx, ep)
		if err != nil {
			w.ObserveError(err)
			return false
		}
		return w.Observe(s)
	}, interval, attempts)

	res.Last, res.HasLast = w.Last()
	switch {
	case outcome.Ready():
		res.Outcome = Drained
	case res.HasLast && res.Last.Connected > 0:
		res.Outcome = StillConnected
	default:
		res.Outcome = TimedOut
	}
	return res
}

// DrainWatch tracks readings across polls to decide when membership has
// drained. A zero reading counts only after a non-zero one.
type DrainWatch struct {
	sawNonZero  bool
	drained     bool
	last        Snapshot
	hasLast     bool
	consecFails int
	lastErr     error
}

// NewDrainWatch returns a watch. priorNonZero seeds the watch with a
// non-zero reading observed before it was created.
func NewDrainWatch(priorNonZero bool) *DrainWatch {
	return &DrainWatch{sawNonZero: priorNonZero}
}

// Observe records a snapshot and reports whether membership has drained.
func (w *DrainWatch) Observe(s Snapshot) bool {
	w.last = s
	w.hasLast = true
	w.consecFails = 0
	w.lastErr = nil
	if s.Connected > 0 {
		w.sawNonZero = true
		w.drained = false
		return false
	}
	if w.sawNonZero {
		w.drained = true
	}
	return w.drained
}

// ObserveError records a failed query.
func (w *DrainWatch) ObserveError(err error) {
	w.consecFails++
	w.lastErr = err
}

// Drained reports whether drain has been observed.
func (w *DrainWatch) Drained() bool { return w.drained }

// SawNonZero reports whether any non-zero reading was observed.
func (w *DrainWatch) SawNonZero() bool { return w.sawNonZero }

// Last returns the most recent successful snapshot.
func (w *DrainWatch) Last() (Snapshot, bool) { return w.last, w.hasLast }

// ConsecutiveFailures is the number of failed queries since the last
// successful one.
func (w *DrainWatch) ConsecutiveFailures() int { return w.consecFails }

// LastErr is the most recent query error since the last success.
func (w *DrainWatch) LastErr() error { return w.lastErr }
