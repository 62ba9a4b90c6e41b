package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/3leaps/ckptctl/internal/errors"
	"github.com/3leaps/ckptctl/internal/server/handlers"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeJob struct {
	err   error
	calls int
}

func (f *fakeJob) Status(context.Context) handlers.JobStatus {
	return handlers.JobStatus{JobID: "job-1", State: "running", ExpectedWorkers: 2, Checkpoints: f.calls}
}

func (f *fakeJob) RequestCheckpoint(context.Context) (handlers.CheckpointResponse, error) {
	if f.err != nil {
		return handlers.CheckpointResponse{}, f.err
	}
	f.calls++
	return handlers.CheckpointResponse{JobID: "job-1", Status: "completed", Checkpoints: f.calls}, nil
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		t.Run(fmt.Sprint(port), func(t *testing.T) {
			assert.Equal(t, port, New("127.0.0.1", port).Port())
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/version", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0, WithJob(&fakeJob{}))

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/health/startup", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/status", http.StatusOK},
		{"POST", "/checkpoint", http.StatusOK},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(ep.method, ep.path, nil))
			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s", ep.method, ep.path)
		})
	}
}

func TestServer_JobRoutesNeedAJob(t *testing.T) {
	srv := New("127.0.0.1", 0)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/checkpoint", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CheckpointErrors(t *testing.T) {
	tests := []struct {
		err      error
		status   int
		wantCode string
	}{
		{checkpoint.ErrNotRunning, http.StatusConflict, handlers.CodeNotRunning},
		{checkpoint.ErrCheckpointInFlight, http.StatusConflict, handlers.CodeInFlight},
		{fmt.Errorf("%w: engine said no", checkpoint.ErrCheckpointRequestFailed), http.StatusBadGateway, handlers.CodeCheckpointFailed},
		{assert.AnError, http.StatusInternalServerError, apperrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			srv := New("127.0.0.1", 0, WithJob(&fakeJob{err: tt.err}))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/checkpoint", nil))

			assert.Equal(t, tt.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestServer_StartServeShutdown(t *testing.T) {
	job := &fakeJob{}
	srv := New("127.0.0.1", 0, WithJob(job))
	require.NoError(t, srv.Start())
	assert.NotZero(t, srv.Port())
	require.Error(t, srv.Start())

	resp, err := http.Post(srv.URL()+"/checkpoint", "application/json", nil)
	require.NoError(t, err)
	var cp handlers.CheckpointResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cp))
	_ = resp.Body.Close()
	assert.Equal(t, 1, cp.Checkpoints)

	resp, err = http.Get(srv.URL() + "/status")
	require.NoError(t, err)
	var st handlers.JobStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	assert.Equal(t, "job-1", st.JobID)
	assert.Equal(t, 1, st.Checkpoints)

	http.DefaultClient.CloseIdleConnections()
	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))
}
