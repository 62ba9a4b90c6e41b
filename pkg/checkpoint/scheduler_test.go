package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/output"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testEP = coordinator.Endpoint{Host: "node01", Port: 7779}

// blockingRequester holds each request until release is closed.
type blockingRequester struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	err     error
}

func newBlockingRequester() *blockingRequester {
	return &blockingRequester{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingRequester) RequestCheckpoint(ctx context.Context, _ coordinator.Endpoint) error {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type funcRequester func(ctx context.Context, ep coordinator.Endpoint) error

func (f funcRequester) RequestCheckpoint(ctx context.Context, ep coordinator.Endpoint) error {
	return f(ctx, ep)
}

func runningHolder(t *testing.T) *jobstate.Holder {
	t.Helper()
	h := jobstate.NewHolder(nil)
	for _, s := range []jobstate.State{
		jobstate.CoordinatorStarting, jobstate.CoordinatorReady, jobstate.Launching,
		jobstate.AwaitingMembership, jobstate.Running,
	} {
		require.NoError(t, h.Transition(s))
	}
	return h
}

func TestRequestCheckpoint_SecondRejectedWhileInFlight(t *testing.T) {
	req := newBlockingRequester()
	state := runningHolder(t)
	s := NewScheduler(req, testEP, state, SchedulerOptions{})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = s.RequestCheckpoint(context.Background())
	}()
	<-req.started

	assert.True(t, s.InFlight())
	assert.Equal(t, jobstate.Checkpointing, state.Load())

	err := s.RequestCheckpoint(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCheckpointInFlight)
	assert.ErrorIs(t, err, ErrCheckpointRequestFailed)
	assert.Equal(t, int32(1), req.calls.Load(), "second request must not reach the coordinator")

	close(req.release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, jobstate.Running, state.Load())
	assert.False(t, s.InFlight())
	assert.Equal(t, 1, s.Completed())

	// Accepted again once the first completed.
	require.NoError(t, s.RequestCheckpoint(context.Background()))
	assert.Equal(t, 2, s.Completed())
}

func TestRequestCheckpoint_NotRunning(t *testing.T) {
	calls := 0
	req := funcRequester(func(context.Context, coordinator.Endpoint) error { calls++; return nil })

	fresh := NewScheduler(req, testEP, jobstate.NewHolder(nil), SchedulerOptions{})
	assert.ErrorIs(t, fresh.RequestCheckpoint(context.Background()), ErrNotRunning)

	done := runningHolder(t)
	require.NoError(t, done.Transition(jobstate.Completed))
	s := NewScheduler(req, testEP, done, SchedulerOptions{})
	assert.ErrorIs(t, s.RequestCheckpoint(context.Background()), ErrNotRunning)
	assert.Zero(t, calls)
	assert.Equal(t, jobstate.Completed, done.Load())
}

func TestRequestCheckpoint_FailureIsNonFatal(t *testing.T) {
	boom := errors.New("coordinator refused")
	state := runningHolder(t)
	var buf bytes.Buffer
	w := output.NewJSONLWriter(&buf, "job-1", "dmtcp")

	s := NewScheduler(funcRequester(func(context.Context, coordinator.Endpoint) error { return boom }),
		testEP, state, SchedulerOptions{Output: w})

	err := s.RequestCheckpoint(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCheckpointRequestFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, jobstate.Running, state.Load())
	assert.Equal(t, 1, s.Failed())
	assert.Contains(t, buf.String(), output.ErrCodeCheckpointRequestFailed)
	assert.Contains(t, buf.String(), `"status":"failed"`)
}

func TestRequestCheckpoint_TerminalStateWinsRace(t *testing.T) {
	state := runningHolder(t)
	req := funcRequester(func(context.Context, coordinator.Endpoint) error {
		// The monitor concludes while the request is outstanding.
		require.NoError(t, state.Transition(jobstate.Completed))
		return nil
	})
	s := NewScheduler(req, testEP, state, SchedulerOptions{})
	require.NoError(t, s.RequestCheckpoint(context.Background()))
	assert.Equal(t, jobstate.Completed, state.Load())
}

func TestRequestCheckpoint_Timeout(t *testing.T) {
	req := newBlockingRequester()
	state := runningHolder(t)
	s := NewScheduler(req, testEP, state, SchedulerOptions{Timeout: 20 * time.Millisecond})

	err := s.RequestCheckpoint(context.Background())
	assert.ErrorIs(t, err, ErrCheckpointRequestFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, jobstate.Running, state.Load())
}
