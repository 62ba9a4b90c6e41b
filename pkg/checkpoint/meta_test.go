package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")

	_, found, err := ReadMeta(dir)
	require.NoError(t, err)
	assert.False(t, found)

	want := Meta{
		JobID:           "job-1",
		Name:            "solver",
		Engine:          "dmtcp",
		Command:         []string{"./solver", "-n", "4"},
		ExpectedWorkers: 4,
		Interval:        90 * time.Second,
		Endpoint:        "node1:7779",
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, WriteMeta(dir, want))

	got, found, err := ReadMeta(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadMetaCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetaFileName), []byte("{"), 0o644))
	_, _, err := ReadMeta(dir)
	assert.Error(t, err)
}
