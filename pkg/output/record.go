// Package output provides JSONL event output for supervised jobs.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently, so a
// supervising process can tail the stream while the job runs.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: ckptctl.<type>.v<version>
const (
	// TypeState identifies job state transition records.
	TypeState = "ckptctl.state.v1"

	// TypeMembership identifies membership snapshot records.
	TypeMembership = "ckptctl.membership.v1"

	// TypeCheckpoint identifies checkpoint request records.
	TypeCheckpoint = "ckptctl.checkpoint.v1"

	// TypeArchive identifies archived artifact records.
	TypeArchive = "ckptctl.archive.v1"

	// TypeError identifies error records.
	TypeError = "ckptctl.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "ckptctl.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "ckptctl.state.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for the supervised job.
	JobID string `json:"job_id"`

	// Engine identifies the checkpoint engine profile (e.g., "dmtcp").
	Engine string `json:"engine"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StateRecord is emitted on every job state transition.
type StateRecord struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// MembershipRecord is the data payload for membership observations.
type MembershipRecord struct {
	Endpoint  string `json:"endpoint"`
	Connected int    `json:"connected"`
	Expected  int    `json:"expected,omitempty"`
}

// CheckpointRecord is the data payload for checkpoint requests.
type CheckpointRecord struct {
	Endpoint string `json:"endpoint"`

	// Trigger is "on_demand" or "scheduled".
	Trigger string `json:"trigger"`

	// Status is "requested", "completed", "rejected" or "failed".
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Checkpoint trigger and status values.
const (
	TriggerOnDemand  = "on_demand"
	TriggerScheduled = "scheduled"

	CheckpointRequested = "requested"
	CheckpointCompleted = "completed"
	CheckpointRejected  = "rejected"
	CheckpointFailed    = "failed"
)

// ArchiveRecord is the data payload for an archived checkpoint artifact.
type ArchiveRecord struct {
	Name        string    `json:"name"`
	SourcePath  string    `json:"source_path"`
	Destination string    `json:"destination"`
	Generation  int64     `json:"generation"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
}

// ErrorRecord is the data payload for errors.
//
// Non-fatal errors (a failed checkpoint request, a failed archive copy) are
// emitted as records while the job keeps running.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeCoordinatorStartFailed  = "COORDINATOR_START_FAILED"
	ErrCodeQueryFailed             = "QUERY_FAILED"
	ErrCodePartialMembership       = "PARTIAL_MEMBERSHIP"
	ErrCodeCheckpointRequestFailed = "CHECKPOINT_REQUEST_FAILED"
	ErrCodeRestartFailed           = "RESTART_FAILED"
	ErrCodeTimedOut                = "TIMED_OUT"
	ErrCodeArchiveFailed           = "ARCHIVE_FAILED"
	ErrCodeInternal                = "INTERNAL"
)

// SummaryRecord is emitted once when supervision ends.
type SummaryRecord struct {
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	ExitCode int    `json:"exit_code"`
	Endpoint string `json:"endpoint,omitempty"`

	Expected    int `json:"expected,omitempty"`
	MaxObserved int `json:"max_observed"`

	Checkpoints int   `json:"checkpoints"`
	Archived    int64 `json:"archived"`

	// Duration is the total supervision duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// LogTail carries the last diagnostic log lines on failure.
	LogTail []string `json:"log_tail,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
