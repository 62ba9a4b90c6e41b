// Package progress persists a worker's step progress explicitly so a resumed
// worker continues from recorded state rather than from in-memory counters.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultFileName is the state file name used inside a checkpoint directory.
const DefaultFileName = "progress.json"

// State is the persisted progress of one worker.
type State struct {
	// Step is the next step to run.
	Step  int `json:"step"`
	Total int `json:"total"`
	// Counter increases once per completed step and never resets across
	// restarts.
	Counter   int       `json:"counter"`
	Workers   int       `json:"workers,omitempty"`
	Restarts  int       `json:"restarts"`
	Host      string    `json:"host,omitempty"`
	PID       int       `json:"pid,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done reports whether every step has run.
func (s State) Done() bool {
	return s.Total > 0 && s.Step >= s.Total
}

// Advance records one completed step.
func (s *State) Advance(now time.Time) {
	s.Step++
	s.Counter++
	s.UpdatedAt = now.UTC()
}

// Load reads state from path. found is false when the file does not exist.
func Load(path string) (state State, found bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return State{}, false, fmt.Errorf("progress file %s is empty", path)
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return State{}, false, fmt.Errorf("parse progress file: %w", err)
	}
	if state.Step < 0 || state.Counter < 0 {
		return State{}, false, fmt.Errorf("progress file %s has negative counters", path)
	}
	return state, true, nil
}

// Save writes state atomically.
func Save(path string, state State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close progress: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename progress: %w", err)
	}
	return nil
}

// Resume loads state from path, or starts fresh with total steps. A loaded
// state counts as a restart.
func Resume(path string, total int, now time.Time) (State, bool, error) {
	state, found, err := Load(path)
	if err != nil {
		return State{}, false, err
	}
	if !found {
		return State{Total: total, UpdatedAt: now.UTC()}, false, nil
	}
	state.Restarts++
	if total > 0 {
		state.Total = total
	}
	state.UpdatedAt = now.UTC()
	return state, true, nil
}
