package jobregistry

import (
	"time"

	"github.com/3leaps/ckptctl/pkg/jobstate"
)

// Kind distinguishes how a supervised job was started.
type Kind string

const (
	KindLaunch  Kind = "launch"
	KindRestart Kind = "restart"
)

// Endpoint is the coordinator address recorded for a job.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	PID  int    `json:"pid,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// NOTE: field names are part of the on-disk contract; extend additively.
type JobRecord struct {
	JobID  string         `json:"job_id"`
	Name   string         `json:"name,omitempty"`
	Kind   Kind           `json:"kind"`
	State  jobstate.State `json:"state"`
	Reason string         `json:"reason,omitempty"`
	Engine string         `json:"engine,omitempty"`

	// SpecPath is the job spec for launches; RestartFrom the artifact dir
	// for restarts.
	SpecPath    string `json:"spec_path,omitempty"`
	RestartFrom string `json:"restart_from,omitempty"`

	ExpectedWorkers int    `json:"expected_workers,omitempty"`
	CheckpointDir   string `json:"checkpoint_dir,omitempty"`
	ArchiveDest     string `json:"archive_destination,omitempty"`

	// PID is the supervising controller process.
	PID         int       `json:"pid,omitempty"`
	Coordinator *Endpoint `json:"coordinator,omitempty"`

	// ControlURL is the controller's HTTP control server, when one runs.
	ControlURL string `json:"control_url,omitempty"`

	RuntimeDir     string   `json:"runtime_dir,omitempty"`
	CoordinatorLog string   `json:"coordinator_log,omitempty"`
	StepLogs       []string `json:"step_logs,omitempty"`

	Checkpoints int   `json:"checkpoints,omitempty"`
	Archived    int64 `json:"archived,omitempty"`
	ExitCode    *int  `json:"exit_code,omitempty"`

	// Orphaned marks a non-terminal record whose controller is gone.
	Orphaned bool `json:"orphaned,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}

// Active reports whether the job is still supervised.
func (r *JobRecord) Active() bool {
	return !r.State.Terminal() && !r.Orphaned
}

// DisplayState is the state shown to operators.
func (r *JobRecord) DisplayState() string {
	if r.Orphaned {
		return "orphaned"
	}
	if r.State == "" {
		return string(jobstate.Unstarted)
	}
	return r.State.String()
}
