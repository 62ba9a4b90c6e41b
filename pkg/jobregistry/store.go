package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/ckptctl/pkg/proc"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//	<root>/<job_id>/run/           coordinator port file and logs, step logs
//
// Root is expected to be under the app data dir. Checkpoint directories
// live elsewhere and are never touched by the store.
type Store struct {
	root string

	mu sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// RuntimeDir holds the job's coordinator and launcher step files.
func (s *Store) RuntimeDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "run")
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

func (s *Store) Write(record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(record)
}

func (s *Store) write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *Store) read(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}
	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &record, nil
}

// Get loads a record. A non-terminal record whose controller process is
// gone is marked orphaned and written back.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(jobID)
	if err != nil {
		return nil, err
	}
	if !record.State.Terminal() && !record.Orphaned && record.PID > 0 && !proc.Alive(record.PID) {
		record.Orphaned = true
		now := time.Now().UTC()
		record.LastHeartbeat = &now
		_ = s.write(record)
	}
	return record, nil
}

// Update applies fn to the stored record and writes it back atomically with
// respect to other Update calls on this Store.
func (s *Store) Update(jobID string, fn func(*JobRecord) error) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.read(jobID)
	if err != nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.write(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Delete removes a record and its registry directory (logs included).
func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.JobPath(jobID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return err
	}
	return os.RemoveAll(s.JobDir(jobID))
}

// List returns all records, newest first.
func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})
	return out, nil
}

// Resolve finds a job by full id or unique id prefix.
func (s *Store) Resolve(idOrPrefix string) (*JobRecord, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if r, err := s.Get(idOrPrefix); err == nil {
		return r, nil
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var match *JobRecord
	for i := range all {
		if strings.HasPrefix(all[i].JobID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("job id prefix %q is ambiguous", idOrPrefix)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrPrefix)
	}
	return match, nil
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}
