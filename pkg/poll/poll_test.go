package poll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_ReadyOnFirstTrue(t *testing.T) {
	calls := 0
	res := Poll(context.Background(), func(context.Context) bool {
		calls++
		return calls == 3
	}, time.Millisecond, 10)

	require.Equal(t, Ready, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.True(t, res.Ready())
}

func TestPoll_ExhaustedIsNotAnError(t *testing.T) {
	calls := 0
	res := Poll(context.Background(), func(context.Context) bool {
		calls++
		return false
	}, time.Millisecond, 4)

	assert.Equal(t, Exhausted, res.Outcome)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, calls)
}

func TestPoll_ZeroAttemptsStillTriesOnce(t *testing.T) {
	calls := 0
	res := Poll(context.Background(), func(context.Context) bool {
		calls++
		return false
	}, time.Hour, 0)

	assert.Equal(t, Exhausted, res.Outcome)
	assert.Equal(t, 1, calls)
}

func TestPoll_NoSleepAfterLastAttempt(t *testing.T) {
	start := time.Now()
	Poll(context.Background(), func(context.Context) bool { return false }, 200*time.Millisecond, 1)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := Poll(ctx, func(context.Context) bool {
		calls++
		if calls == 2 {
			cancel()
		}
		return false
	}, time.Millisecond, 100)

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, 2, calls)
}

func TestAttemptsFor(t *testing.T) {
	assert.Equal(t, 10, AttemptsFor(10*time.Second, time.Second))
	assert.Equal(t, 1, AttemptsFor(time.Millisecond, time.Second))
	assert.Equal(t, 1, AttemptsFor(time.Second, 0))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "cancelled", Cancelled.String())
}
