package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3leaps/ckptctl/pkg/ledger"
)

// Artifact is one archived checkpoint entry.
type Artifact = ledger.Artifact

// MetaFileName is the sidecar written into the checkpoint directory at
// launch so a later restart can recover job settings.
const MetaFileName = "ckptctl-meta.json"

// Meta is the launch sidecar.
type Meta struct {
	JobID           string        `json:"job_id"`
	Name            string        `json:"name,omitempty"`
	Engine          string        `json:"engine,omitempty"`
	Command         []string      `json:"command,omitempty"`
	ExpectedWorkers int           `json:"expected_workers,omitempty"`
	Interval        time.Duration `json:"interval_ns,omitempty"`
	Endpoint        string        `json:"endpoint,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// WriteMeta writes the sidecar atomically.
func WriteMeta(dir string, m Meta) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, ".ckptctl-meta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, MetaFileName))
}

// ReadMeta loads the sidecar. found is false when there is none.
func ReadMeta(dir string) (m Meta, found bool, err error) {
	b, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false, fmt.Errorf("parse %s: %w", MetaFileName, err)
	}
	return m, true, nil
}
