package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/membership/membershiptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testEP = coordinator.Endpoint{Host: "127.0.0.1", Port: 7779}

const tick = 2 * time.Millisecond

func TestSnapshot_QueryFailedDistinctFromZero(t *testing.T) {
	tr := NewTracker(membershiptest.NewScript(0, membershiptest.Fail), nil)

	s, err := tr.Snapshot(context.Background(), testEP)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Connected)
	assert.False(t, s.Taken.IsZero())

	_, err = tr.Snapshot(context.Background(), testEP)
	require.Error(t, err)
	assert.True(t, coordinator.IsQueryFailed(err))
}

func TestSnapshot_NeverCached(t *testing.T) {
	script := membershiptest.NewScript(1, 2, 3)
	tr := NewTracker(script, nil)
	var seen []int
	tr.OnSnapshot(func(s Snapshot) { seen = append(seen, s.Connected) })

	for i := 0; i < 3; i++ {
		_, err := tr.Snapshot(context.Background(), testEP)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, script.Calls())
}

func TestAwaitFullMembership_ReachedAfterFourthPoll(t *testing.T) {
	script := membershiptest.NewScript(0, 0, 3, 8)
	tr := NewTracker(script, nil)

	res := tr.AwaitFullMembership(context.Background(), testEP, 8, tick, 10)
	assert.Equal(t, Reached, res.Outcome)
	assert.Equal(t, 4, res.Polls)
	assert.Equal(t, 8, res.Last.Connected)
	assert.Equal(t, 8, res.MaxObserved)
}

func TestAwaitFullMembership_NeverReached(t *testing.T) {
	script := membershiptest.NewScript(0)
	tr := NewTracker(script, nil)

	res := tr.AwaitFullMembership(context.Background(), testEP, 8, tick, 10)
	assert.Equal(t, NeverReached, res.Outcome)
	assert.Equal(t, 10, res.Polls)
	assert.Equal(t, 10, script.Calls())
	assert.False(t, res.SawNonZero)
	assert.Equal(t, 0, res.MaxObserved)
	assert.Equal(t, 0, res.FailedQueries)
}

func TestAwaitFullMembership_ReachedIffExpectedSeenWithinAttempts(t *testing.T) {
	cases := []struct {
		name     string
		readings []int
		expected int
		attempts int
		want     AwaitOutcome
	}{
		{"exact on last attempt", []int{0, 1, 2}, 2, 3, Reached},
		{"one attempt too few", []int{0, 1, 2}, 2, 2, NeverReached},
		{"first poll", []int{4}, 4, 1, Reached},
		{"partial forever", []int{3}, 4, 5, NeverReached},
		{"failures then full", []int{membershiptest.Fail, membershiptest.Fail, 4}, 4, 5, Reached},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(membershiptest.NewScript(tc.readings...), nil)
			res := tr.AwaitFullMembership(context.Background(), testEP, tc.expected, tick, tc.attempts)
			assert.Equal(t, tc.want, res.Outcome)
		})
	}
}

func TestAwaitFullMembership_TracksFailures(t *testing.T) {
	tr := NewTracker(membershiptest.NewScript(membershiptest.Fail), nil)
	res := tr.AwaitFullMembership(context.Background(), testEP, 2, tick, 3)
	assert.Equal(t, NeverReached, res.Outcome)
	assert.Equal(t, 3, res.FailedQueries)
	assert.Error(t, res.LastErr)
}

func TestAwaitFullMembership_TransientNonZero(t *testing.T) {
	tr := NewTracker(membershiptest.NewScript(0, 2, 0), nil)
	res := tr.AwaitFullMembership(context.Background(), testEP, 4, tick, 5)
	assert.Equal(t, NeverReached, res.Outcome)
	assert.True(t, res.SawNonZero)
	assert.Equal(t, 2, res.MaxObserved)
	assert.Equal(t, 0, res.Last.Connected)
}

func TestAwaitDrain(t *testing.T) {
	cases := []struct {
		name     string
		readings []int
		want     DrainOutcome
	}{
		{"zeros without prior non-zero", []int{0, 0, 0}, TimedOut},
		{"counts down to zero", []int{2, 1, 0}, Drained},
		{"stays connected", []int{2, 2, 2}, StillConnected},
		{"unreachable", []int{membershiptest.Fail}, TimedOut},
		{"failure between readings", []int{2, membershiptest.Fail, 0}, Drained},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(membershiptest.NewScript(tc.readings...), nil)
			res := tr.AwaitDrain(context.Background(), testEP, tick, 20*tick)
			assert.Equal(t, tc.want, res.Outcome)
		})
	}
}

func TestAwaitDrainFrom_PriorNonZero(t *testing.T) {
	tr := NewTracker(membershiptest.NewScript(0), nil)
	res := tr.AwaitDrainFrom(context.Background(), testEP, NewDrainWatch(true), tick, 10*tick)
	assert.Equal(t, Drained, res.Outcome)
	assert.Equal(t, 1, res.Polls)
}

func TestDrainWatch_ReconnectResetsDrain(t *testing.T) {
	w := NewDrainWatch(false)
	assert.False(t, w.Observe(Snapshot{Connected: 0}))
	assert.False(t, w.Observe(Snapshot{Connected: 3}))
	assert.True(t, w.Observe(Snapshot{Connected: 0}))
	assert.False(t, w.Observe(Snapshot{Connected: 1}))
	assert.False(t, w.Drained())
	assert.True(t, w.SawNonZero())

	w.ObserveError(assert.AnError)
	w.ObserveError(assert.AnError)
	assert.Equal(t, 2, w.ConsecutiveFailures())
	w.Observe(Snapshot{Connected: 1})
	assert.Equal(t, 0, w.ConsecutiveFailures())
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "reached", Reached.String())
	assert.Equal(t, "never_reached", NeverReached.String())
	assert.Equal(t, "drained", Drained.String())
	assert.Equal(t, "still_connected", StillConnected.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}
