package checkpoint

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobstate"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		want    Schedule
		wantErr bool
	}{
		{expr: "", want: Schedule{}},
		{expr: "15m", want: Schedule{Every: 15 * time.Minute}},
		{expr: "*/30 * * * *", want: Schedule{Cron: "*/30 * * * *"}},
		{expr: "@hourly", want: Schedule{Cron: "@hourly"}},
		{expr: "@every 10m", want: Schedule{Cron: "@every 10m"}},
		{expr: "-5m", wantErr: true},
		{expr: "* * * *", wantErr: true},
		{expr: "0 0 * * * *", wantErr: true},
		{expr: "61 * * * *", wantErr: true},
		{expr: "@sometimes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, Schedule{}.IsZero())
	assert.Equal(t, "1m0s", Schedule{Every: time.Minute}.String())
}

func TestRunPeriodic_IssuesScheduledCheckpoints(t *testing.T) {
	var calls atomic.Int32
	req := funcRequester(func(context.Context, coordinator.Endpoint) error {
		calls.Add(1)
		return nil
	})
	s := NewScheduler(req, testEP, runningHolder(t), SchedulerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunPeriodic(ctx, Schedule{Every: 10 * time.Millisecond}, nil) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, s.Completed(), 2)
}

func TestRunPeriodic_StopsWhenCoordinatorGone(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	var calls atomic.Int32
	req := funcRequester(func(context.Context, coordinator.Endpoint) error {
		calls.Add(1)
		return nil
	})
	s := NewScheduler(req, testEP, runningHolder(t), SchedulerOptions{})

	done := make(chan error, 1)
	go func() {
		done <- s.RunPeriodic(context.Background(), Schedule{Every: 10 * time.Millisecond},
			func(context.Context) bool { return alive.Load() })
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	alive.Store(false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not stop after coordinator disappeared")
	}
}

func TestRunPeriodic_SkipsWhileNotRunning(t *testing.T) {
	var calls atomic.Int32
	req := funcRequester(func(context.Context, coordinator.Endpoint) error {
		calls.Add(1)
		return nil
	})
	s := NewScheduler(req, testEP, runningHolder(t), SchedulerOptions{})
	require.NoError(t, s.state.Transition(jobstate.Failed))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, s.RunPeriodic(ctx, Schedule{Every: 10 * time.Millisecond}, nil))
	assert.Zero(t, calls.Load())
}

func TestRunPeriodic_EmptySchedule(t *testing.T) {
	s := NewScheduler(funcRequester(nil), testEP, runningHolder(t), SchedulerOptions{})
	assert.Error(t, s.RunPeriodic(context.Background(), Schedule{}, nil))
}
