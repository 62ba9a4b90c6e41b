package jobregistry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/pkg/jobstate"
)

// DefaultHeartbeatInterval is how often a supervising controller refreshes
// its record.
const DefaultHeartbeatInterval = 30 * time.Second

// Recorder keeps one job record current while a controller supervises it.
// Write failures are logged and never interrupt supervision.
type Recorder struct {
	store  *Store
	jobID  string
	logger *zap.Logger
}

// NewRecorder writes rec (stamping the current process as its controller
// when no PID is set) and returns a Recorder bound to it.
func NewRecorder(store *Store, rec *JobRecord, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := store.Write(rec); err != nil {
		return nil, err
	}
	return &Recorder{store: store, jobID: rec.JobID, logger: logger}, nil
}

// AttachRecorder binds to an existing record, typically one written by
// Executor.StartBackground for this process.
func AttachRecorder(store *Store, jobID string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := store.Get(jobID); err != nil {
		return nil, err
	}
	return &Recorder{store: store, jobID: jobID, logger: logger}, nil
}

func (r *Recorder) JobID() string {
	return r.jobID
}

// Update applies fn to the record.
func (r *Recorder) Update(fn func(*JobRecord)) {
	_, err := r.store.Update(r.jobID, func(rec *JobRecord) error {
		fn(rec)
		return nil
	})
	if err != nil {
		r.logger.Warn("job record update failed", zap.String("job_id", r.jobID), zap.Error(err))
	}
}

// OnState records a state transition. It has the signature of the
// controllers' OnState hooks.
func (r *Recorder) OnState(_, to jobstate.State) {
	now := time.Now().UTC()
	r.Update(func(rec *JobRecord) {
		rec.State = to
		rec.Orphaned = false
		rec.LastHeartbeat = &now
		if rec.StartedAt == nil && to != jobstate.Unstarted {
			rec.StartedAt = &now
		}
		if to.Terminal() && rec.EndedAt == nil {
			rec.EndedAt = &now
		}
	})
}

// Finish stores the outcome of a supervised job.
func (r *Recorder) Finish(state jobstate.State, reason string, exitCode int) {
	now := time.Now().UTC()
	r.Update(func(rec *JobRecord) {
		if state != "" {
			rec.State = state
		}
		rec.Reason = reason
		code := exitCode
		rec.ExitCode = &code
		if rec.EndedAt == nil {
			rec.EndedAt = &now
		}
		rec.LastHeartbeat = &now
	})
}

// Heartbeat refreshes LastHeartbeat every interval until ctx is done. sync,
// when set, runs inside the same update.
func (r *Recorder) Heartbeat(ctx context.Context, interval time.Duration, sync func(*JobRecord)) error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			now := time.Now().UTC()
			r.Update(func(rec *JobRecord) {
				rec.LastHeartbeat = &now
				if sync != nil {
					sync(rec)
				}
			})
		}
	}
}
