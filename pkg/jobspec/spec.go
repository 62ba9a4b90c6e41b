// Package jobspec defines and loads job specs: what to run under the
// coordinator, how many workers must join, and how checkpoints are handled.
package jobspec

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Spec describes a job to launch.
type Spec struct {
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`

	// Command is the worker command, executed under the engine launcher.
	Command []string `json:"command" yaml:"command"`

	// ExpectedWorkers is how many members must join before the job counts as
	// running.
	ExpectedWorkers int `json:"expected_workers" yaml:"expected_workers"`

	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	Checkpoint CheckpointSpec `json:"checkpoint" yaml:"checkpoint,omitempty"`
	Membership MembershipSpec `json:"membership" yaml:"membership,omitempty"`
	Monitor    MonitorSpec    `json:"monitor" yaml:"monitor,omitempty"`
	Allocation AllocationSpec `json:"allocation" yaml:"allocation,omitempty"`
}

// CheckpointSpec configures periodic checkpoints and archiving.
type CheckpointSpec struct {
	// Interval is passed to the coordinator; the engine drives timing.
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Dir is where the engine writes checkpoint artifacts.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Schedule drives checkpoints from the controller: a cron expression
	// or a Go duration.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"`

	Archive ArchiveSpec `json:"archive" yaml:"archive,omitempty"`
}

// ArchiveSpec configures the artifact archiver.
type ArchiveSpec struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Destination is a local path, file:// URI or s3://bucket/prefix URI.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Include and Exclude are doublestar patterns matched against entry
	// names at the top of the checkpoint directory.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// MembershipSpec bounds the wait for workers to join.
type MembershipSpec struct {
	Interval    time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// TolerateFewer lets a job with some, but not all, workers proceed.
	TolerateFewer bool `json:"tolerate_fewer,omitempty" yaml:"tolerate_fewer,omitempty"`
}

// MonitorSpec bounds completion monitoring.
type MonitorSpec struct {
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Ceiling  time.Duration `json:"ceiling,omitempty" yaml:"ceiling,omitempty"`
}

// AllocationSpec lists execution contexts.
type AllocationSpec struct {
	Hosts    []string `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Hostfile string   `json:"hostfile,omitempty" yaml:"hostfile,omitempty"`
}

// Default values for optional fields.
const (
	DefaultVersion             = "1.0"
	DefaultMembershipInterval  = time.Second
	DefaultMembershipAttempts  = 60
	DefaultMonitorInterval     = 2 * time.Second
	DefaultMonitorCeiling      = 24 * time.Hour
	DefaultArchivePollInterval = 5 * time.Second
)

// DefaultArchiveExclude skips files the engine is still writing.
var DefaultArchiveExclude = []string{"*.temp", "*.tmp"}

// ApplyDefaults fills in default values for optional fields.
func (s *Spec) ApplyDefaults() {
	if s.Version == "" {
		s.Version = DefaultVersion
	}
	if s.Membership.Interval <= 0 {
		s.Membership.Interval = DefaultMembershipInterval
	}
	if s.Membership.MaxAttempts <= 0 {
		s.Membership.MaxAttempts = DefaultMembershipAttempts
	}
	if s.Monitor.Interval <= 0 {
		s.Monitor.Interval = DefaultMonitorInterval
	}
	if s.Monitor.Ceiling <= 0 {
		s.Monitor.Ceiling = DefaultMonitorCeiling
	}
	if s.Checkpoint.Archive.PollInterval <= 0 {
		s.Checkpoint.Archive.PollInterval = DefaultArchivePollInterval
	}
	if s.Checkpoint.Archive.Exclude == nil {
		s.Checkpoint.Archive.Exclude = append([]string(nil), DefaultArchiveExclude...)
	}
}

// Check verifies invariants the schema cannot express.
func (s *Spec) Check() error {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return fmt.Errorf("command is required")
	}
	if s.ExpectedWorkers <= 0 {
		return fmt.Errorf("expected_workers must be greater than zero")
	}
	if s.Checkpoint.Archive.Enabled && strings.TrimSpace(s.Checkpoint.Dir) == "" {
		return fmt.Errorf("checkpoint.archive requires checkpoint.dir")
	}
	if s.Checkpoint.Archive.Enabled && strings.TrimSpace(s.Checkpoint.Archive.Destination) == "" {
		return fmt.Errorf("checkpoint.archive requires a destination")
	}
	return nil
}

// EnvList returns Env as sorted KEY=VALUE entries.
func (s *Spec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// DisplayName returns Name, or the command's base name.
func (s *Spec) DisplayName() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	if len(s.Command) == 0 {
		return ""
	}
	cmd := s.Command[0]
	if i := strings.LastIndexByte(cmd, '/'); i >= 0 {
		cmd = cmd[i+1:]
	}
	return cmd
}

// FromCommand builds a spec from a command line, for launches without a
// spec file.
func FromCommand(command []string, expected int) (*Spec, error) {
	s := &Spec{Command: append([]string(nil), command...), ExpectedWorkers: expected}
	s.ApplyDefaults()
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}
