package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"

	"github.com/3leaps/ckptctl/internal/config"
	"github.com/3leaps/ckptctl/pkg/coordinator"
	"github.com/3leaps/ckptctl/pkg/jobstate"
	"github.com/3leaps/ckptctl/pkg/launch"
	"github.com/3leaps/ckptctl/pkg/restart"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)

			info := buildInfo()
			assert.Equal(t, tt.version, info["version"])
			assert.Equal(t, tt.commit, info["commit"])
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after set", func(t *testing.T) {
		orig := appIdentity
		defer func() { appIdentity = orig }()

		appIdentity = &config.Identity{BinaryName: "ckptctl", EnvPrefix: "CKPTCTL", ConfigName: "ckptctl"}
		assert.Same(t, appIdentity, GetAppIdentity())
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitCompleted},
		{name: "completed outcome", err: &outcomeError{state: jobstate.Completed}, want: 0},
		{name: "failed outcome", err: &outcomeError{state: jobstate.Failed, reason: "step exited"}, want: ExitFailed},
		{name: "timed out outcome", err: &outcomeError{state: jobstate.TimedOut}, want: ExitTimedOut},
		{
			name: "outcome wins over wrapped cause",
			err:  &outcomeError{state: jobstate.Failed, err: coordinator.ErrCoordinatorStartFailed},
			want: ExitFailed,
		},
		{
			name: "coordinator start failure",
			err:  fmt.Errorf("launch: %w", coordinator.ErrCoordinatorStartFailed),
			want: ExitCoordinatorStartFailed,
		},
		{name: "restart timed out", err: fmt.Errorf("monitor: %w", restart.ErrTimedOut), want: ExitTimedOut},
		{name: "restart failed", err: restart.ErrRestartFailed, want: ExitFailed},
		{name: "partial membership", err: launch.ErrPartialMembership, want: ExitFailed},
		{
			name: "exit error carries its code",
			err:  exitError(foundry.ExitInvalidArgument, "bad flag", errors.New("boom")),
			want: foundry.ExitInvalidArgument,
		},
		{name: "plain error", err: errors.New("boom"), want: ExitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")
	err := exitError(foundry.ExitFileWriteError, "Failed to record job", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Failed to record job")
	assert.Contains(t, err.Error(), "disk full")

	bare := exitError(2, "Interrupted", nil)
	assert.Equal(t, "Interrupted (exit code 2)", bare.Error())
}

func TestOutcomeError(t *testing.T) {
	err := &outcomeError{state: jobstate.TimedOut, reason: "ceiling reached"}
	assert.Equal(t, "job timed_out: ceiling reached", err.Error())
}
