package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/3leaps/ckptctl/internal/errors"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
)

// JobStatus is the body of GET /status.
type JobStatus struct {
	JobID           string     `json:"job_id"`
	Name            string     `json:"name,omitempty"`
	State           string     `json:"state"`
	Endpoint        string     `json:"endpoint,omitempty"`
	ExpectedWorkers int        `json:"expected_workers"`
	Connected       *int       `json:"connected,omitempty"`
	Checkpoints     int        `json:"checkpoints"`
	FailedRequests  int        `json:"failed_requests"`
	InFlight        bool       `json:"in_flight"`
	CheckpointDir   string     `json:"checkpoint_dir,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// CheckpointResponse is the body of a successful POST /checkpoint.
type CheckpointResponse struct {
	JobID       string        `json:"job_id"`
	Status      string        `json:"status"`
	Checkpoints int           `json:"checkpoints"`
	Duration    time.Duration `json:"duration_ns"`
}

// JobControl is the supervised job the server exposes.
type JobControl interface {
	Status(ctx context.Context) JobStatus
	RequestCheckpoint(ctx context.Context) (CheckpointResponse, error)
}

// StatusHandler serves GET /status.
func StatusHandler(job JobControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteJSON(w, http.StatusOK, job.Status(r.Context()))
	}
}

// CheckpointHandler serves POST /checkpoint. The request blocks until the
// engine confirms the checkpoint or the request fails.
func CheckpointHandler(job JobControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := job.RequestCheckpoint(r.Context())
		if err != nil {
			respondWithError(w, r, checkpointError(err))
			return
		}
		apperrors.WriteJSON(w, http.StatusOK, resp)
	}
}

// Error codes for checkpoint requests; the CLI maps them back to sentinels.
const (
	CodeNotRunning       = "JOB_NOT_RUNNING"
	CodeInFlight         = "CHECKPOINT_IN_FLIGHT"
	CodeCheckpointFailed = "CHECKPOINT_REQUEST_FAILED"
)

func checkpointError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, checkpoint.ErrNotRunning):
		return apperrors.Wrap(err, CodeNotRunning, http.StatusConflict, "checkpoint rejected")
	case errors.Is(err, checkpoint.ErrCheckpointInFlight):
		return apperrors.Wrap(err, CodeInFlight, http.StatusConflict, "checkpoint rejected")
	case errors.Is(err, checkpoint.ErrCheckpointRequestFailed):
		return apperrors.Wrap(err, CodeCheckpointFailed, http.StatusBadGateway, "checkpoint failed")
	default:
		return apperrors.Wrap(err, apperrors.CodeInternal, http.StatusInternalServerError, "checkpoint failed")
	}
}
