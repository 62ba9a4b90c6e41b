package jobspec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
name: solver
command: ["./solver", "--steps", "100"]
expected_workers: 4
env:
  OMP_NUM_THREADS: "2"
workdir: run
checkpoint:
  interval: 2m
  dir: ckpt
  schedule: "*/10 * * * *"
  archive:
    enabled: true
    destination: file:///archive/solver
    include: ["ckpt_*.dmtcp"]
membership:
  interval: 500ms
  max_attempts: 20
monitor:
  ceiling: 6h
`

func TestLoadFromBytes_YAML(t *testing.T) {
	spec, err := LoadFromBytes([]byte(validYAML), "job.yaml")
	require.NoError(t, err)

	assert.Equal(t, "solver", spec.Name)
	assert.Equal(t, []string{"./solver", "--steps", "100"}, spec.Command)
	assert.Equal(t, 4, spec.ExpectedWorkers)
	assert.Equal(t, 2*time.Minute, spec.Checkpoint.Interval)
	assert.Equal(t, 500*time.Millisecond, spec.Membership.Interval)
	assert.Equal(t, 20, spec.Membership.MaxAttempts)
	assert.Equal(t, 6*time.Hour, spec.Monitor.Ceiling)
	assert.Equal(t, DefaultMonitorInterval, spec.Monitor.Interval)
	assert.Equal(t, DefaultArchiveExclude, spec.Checkpoint.Archive.Exclude)
	assert.Equal(t, []string{"OMP_NUM_THREADS=2"}, spec.EnvList())
}

func TestLoadFromBytes_JSON(t *testing.T) {
	spec, err := LoadFromBytes([]byte(`{"command":["app"],"expected_workers":1,"checkpoint":{"interval":"90s"}}`), "job.json")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, spec.Checkpoint.Interval)
	assert.Equal(t, "app", spec.DisplayName())
}

func TestLoadFromBytes_SchemaRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "command: [a]\nexpected_workers: 1\nbogus: true\n",
		"zero workers":    "command: [a]\nexpected_workers: 0\n",
		"missing command": "expected_workers: 2\n",
		"bad duration":    "command: [a]\nexpected_workers: 1\nmembership:\n  interval: soon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(doc), "job.yaml")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed), "got %v", err)
		})
	}
}

func TestLoadFromBytes_ArchiveNeedsDir(t *testing.T) {
	_, err := LoadFromBytes([]byte("command: [a]\nexpected_workers: 1\ncheckpoint:\n  archive:\n    enabled: true\n    destination: /tmp/a\n"), "job.yaml")
	assert.ErrorContains(t, err, "checkpoint.dir")
}

func TestLoadFromBytes_Empty(t *testing.T) {
	_, err := LoadFromBytes([]byte("  \n"), "job.yaml")
	assert.Error(t, err)
}

func TestLoad_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run"), spec.WorkDir)
	assert.Equal(t, filepath.Join(dir, "ckpt"), spec.Checkpoint.Dir)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestFromCommand(t *testing.T) {
	spec, err := FromCommand([]string{"/opt/bin/solver", "-n", "3"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "solver", spec.DisplayName())
	assert.Equal(t, DefaultMembershipAttempts, spec.Membership.MaxAttempts)

	_, err = FromCommand(nil, 3)
	assert.Error(t, err)
	_, err = FromCommand([]string{"a"}, 0)
	assert.Error(t, err)
}
