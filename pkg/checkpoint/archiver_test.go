package checkpoint

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ckptctl/pkg/ledger"
	"github.com/3leaps/ckptctl/pkg/provider"
	"github.com/3leaps/ckptctl/pkg/provider/file"
)

type archiveFixture struct {
	ckptDir    string
	sink       *file.Provider
	dest       provider.Destination
	ledger     *ledger.Ledger
	ledgerPath string
	clock      time.Time
}

func newArchiveFixture(t *testing.T) *archiveFixture {
	t.Helper()
	root := t.TempDir()
	f := &archiveFixture{
		ckptDir:    filepath.Join(root, "ckpt"),
		dest:       provider.Destination{Type: provider.ProviderFile, Path: filepath.Join(root, "archive")},
		ledgerPath: filepath.Join(root, "ledger.db"),
		clock:      time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, os.MkdirAll(f.ckptDir, 0o755))

	sink, err := file.New(file.Config{BaseDir: f.dest.Path, Create: true})
	require.NoError(t, err)
	f.sink = sink

	led, err := ledger.Open(context.Background(), ledger.Config{Path: f.ledgerPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	f.ledger = led
	return f
}

func (f *archiveFixture) archiver(t *testing.T, cfg ArchiverConfig, opts ArchiverOptions) *Archiver {
	t.Helper()
	cfg.Dir = f.ckptDir
	cfg.Destination = f.dest
	if opts.Now == nil {
		opts.Now = func() time.Time { return f.clock }
	}
	a, err := NewArchiver(f.sink, f.ledger, cfg, opts)
	require.NoError(t, err)
	return a
}

func (f *archiveFixture) write(t *testing.T, name, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(f.ckptDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func (f *archiveFixture) archivedContent(t *testing.T, key string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dest.Path, filepath.FromSlash(key)))
	require.NoError(t, err)
	return string(data)
}

func names(arts []ledger.Artifact) []string {
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.Name)
	}
	return out
}

func TestGenerationDir(t *testing.T) {
	at := time.Date(2026, 10, 17, 9, 5, 3, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "gen-000042-20261017T070503Z", GenerationDir(42, at))
}

func TestScan_StableNameNewContentArchivedAgain(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	ctx := context.Background()
	t0 := f.clock.Add(-time.Hour)

	f.write(t, "ckpt_demo_1.dmtcp", "image v1", t0)
	res, err := a.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Generation)
	assert.Equal(t, []string{"ckpt_demo_1.dmtcp"}, names(res.Archived))
	assert.Equal(t, "image v1", f.archivedContent(t, res.Archived[0].Key))

	// Unchanged content is never copied twice.
	res, err = a.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Generation)
	assert.Empty(t, res.Archived)
	assert.Equal(t, 1, res.Unchanged)

	// The engine overwrites in place.
	f.clock = f.clock.Add(time.Minute)
	f.write(t, "ckpt_demo_1.dmtcp", "image v2", t0.Add(time.Minute))
	res, err = a.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Generation)
	assert.Equal(t, "gen-000002-20261017T120100Z/ckpt_demo_1.dmtcp", res.Archived[0].Key)
	assert.Equal(t, "image v2", f.archivedContent(t, res.Archived[0].Key))

	// Generation one is untouched.
	assert.Equal(t, "image v1", f.archivedContent(t, "gen-000001-20261017T120000Z/ckpt_demo_1.dmtcp"))
	assert.Equal(t, int64(2), a.Archived())
	assert.Equal(t, int64(2), a.Generations())
}

func TestScan_SameContentTouchedIsNotNew(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	ctx := context.Background()

	f.write(t, "ckpt_a.dmtcp", "same", f.clock.Add(-time.Hour))
	_, err := a.Scan(ctx)
	require.NoError(t, err)

	f.write(t, "ckpt_a.dmtcp", "same", f.clock)
	res, err := a.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Archived)
}

func TestScan_RevertedContentArchivedAgain(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	ctx := context.Background()
	base := f.clock.Add(-time.Hour)

	for i, content := range []string{"A", "B", "A"} {
		f.clock = f.clock.Add(time.Minute)
		f.write(t, "ckpt_a.dmtcp", content, base.Add(time.Duration(i)*time.Minute))
		res, err := a.Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Generation, "content %s", content)
		require.Len(t, res.Archived, 1)
		assert.Equal(t, content, f.archivedContent(t, res.Archived[0].Key))
	}

	res, err := a.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Archived)
	assert.Equal(t, 1, res.Unchanged)

	dir := filepath.Join(t.TempDir(), "restored")
	restored, err := Restore(ctx, f.sink, 0, dir)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Generation)
	data, err := os.ReadFile(filepath.Join(dir, "ckpt_a.dmtcp"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
}

func TestScan_OrderedByModTime(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	base := f.clock.Add(-time.Hour)

	f.write(t, "c", "3", base.Add(1*time.Second))
	f.write(t, "a", "1", base.Add(3*time.Second))
	f.write(t, "b", "2", base.Add(2*time.Second))

	res, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, names(res.Archived))
	assert.Equal(t, 1, res.Generation, "one pass is one generation")
}

func TestScan_IncludeExclude(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{
		Include: []string{"ckpt_*.dmtcp", "dmtcp_restart_script*.sh"},
		Exclude: []string{"*.temp"},
	}, ArchiverOptions{})
	now := f.clock.Add(-time.Minute)

	f.write(t, "ckpt_a.dmtcp", "a", now)
	f.write(t, "ckpt_b.dmtcp.temp", "partial", now)
	f.write(t, "dmtcp_restart_script.sh", "#!/bin/sh", now)
	f.write(t, "notes.txt", "n", now)

	res, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ckpt_a.dmtcp", "dmtcp_restart_script.sh"}, names(res.Archived))
}

func TestNewArchiver_InvalidPattern(t *testing.T) {
	f := newArchiveFixture(t)
	_, err := NewArchiver(f.sink, f.ledger, ArchiverConfig{Dir: f.ckptDir, Include: []string{"[unclosed"}}, ArchiverOptions{})
	assert.Error(t, err)

	_, err = NewArchiver(f.sink, f.ledger, ArchiverConfig{}, ArchiverOptions{})
	assert.Error(t, err)
}

func TestScan_DirectoryEntryHashedRecursively(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	ctx := context.Background()
	now := f.clock.Add(-time.Minute)

	f.write(t, "ckpt_rank0/part1", "p1", now)
	f.write(t, "ckpt_rank0/sub/part2", "p2", now)

	res, err := a.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Archived, 1)
	assert.Equal(t, int64(4), res.Archived[0].Size)
	assert.Equal(t, "p2", f.archivedContent(t, res.Archived[0].Key+"/sub/part2"))

	// A change deep in the tree makes the whole entry new.
	f.clock = f.clock.Add(time.Minute)
	f.write(t, "ckpt_rank0/sub/part2", "p2-changed", now)
	res, err = a.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, res.Archived, 1)
	assert.Equal(t, 2, res.Generation)
}

func TestScan_MissingDirIsEmpty(t *testing.T) {
	f := newArchiveFixture(t)
	require.NoError(t, os.RemoveAll(f.ckptDir))
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	res, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Generation)
}

func TestScan_NeverDeletesSource(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{}, ArchiverOptions{})
	f.write(t, "ckpt_a.dmtcp", "a", f.clock)
	_, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.ckptDir, "ckpt_a.dmtcp"))
}

func TestScan_LedgerSurvivesControllerRestart(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	f.write(t, "ckpt_a.dmtcp", "a", f.clock)

	_, err := f.archiver(t, ArchiverConfig{}, ArchiverOptions{}).Scan(ctx)
	require.NoError(t, err)

	// A second archiver over the same ledger sees nothing new.
	res, err := f.archiver(t, ArchiverConfig{}, ArchiverOptions{}).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Archived)

	f.write(t, "ckpt_b.dmtcp", "b", f.clock)
	res, err = f.archiver(t, ArchiverConfig{}, ArchiverOptions{}).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Generation)
}

// flakySink fails the first put and delegates afterwards.
type flakySink struct {
	inner provider.ObjectPutter
	fails atomic.Int32
}

func (s *flakySink) PutObject(ctx context.Context, key string, body io.Reader, n int64) error {
	if s.fails.Add(-1) >= 0 {
		return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderS3, Key: key, Err: provider.ErrThrottled}
	}
	return s.inner.PutObject(ctx, key, body, n)
}

func shortRetryBackoff(t *testing.T) {
	t.Helper()
	orig := putRetryBackoff
	putRetryBackoff = time.Millisecond
	t.Cleanup(func() { putRetryBackoff = orig })
}

func TestScan_ThrottledPutRetriedInPass(t *testing.T) {
	shortRetryBackoff(t)
	f := newArchiveFixture(t)
	sink := &flakySink{inner: f.sink}
	sink.fails.Store(putAttempts - 1)
	a, err := NewArchiver(sink, f.ledger, ArchiverConfig{Dir: f.ckptDir, Destination: f.dest}, ArchiverOptions{Now: func() time.Time { return f.clock }})
	require.NoError(t, err)
	f.write(t, "ckpt_a.dmtcp", "a", f.clock)

	res, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []string{"ckpt_a.dmtcp"}, names(res.Archived))
}

func TestScan_FailedCopyRetriedNextPass(t *testing.T) {
	shortRetryBackoff(t)
	f := newArchiveFixture(t)
	sink := &flakySink{inner: f.sink}
	sink.fails.Store(putAttempts)
	a, err := NewArchiver(sink, f.ledger, ArchiverConfig{Dir: f.ckptDir, Destination: f.dest}, ArchiverOptions{Now: func() time.Time { return f.clock }})
	require.NoError(t, err)
	f.write(t, "ckpt_a.dmtcp", "a", f.clock)

	res, err := a.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, res.Archived)

	res, err = a.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ckpt_a.dmtcp"}, names(res.Archived))
	assert.Equal(t, 2, res.Generation)
}

type discardSink struct{}

func (discardSink) PutObject(_ context.Context, _ string, body io.Reader, _ int64) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

func TestCopyFile_DetectsContentChange(t *testing.T) {
	f := newArchiveFixture(t)
	a, err := NewArchiver(discardSink{}, f.ledger, ArchiverConfig{Dir: f.ckptDir, Destination: f.dest}, ArchiverOptions{})
	require.NoError(t, err)
	f.write(t, "x", "new content", f.clock)

	err = a.copyFile(context.Background(), filepath.Join(f.ckptDir, "x"), "k", 11, "not-the-hash")
	assert.True(t, errors.Is(err, ErrContentChanged))
}

func TestRun_FinalScanThenStopsWhenCoordinatorGone(t *testing.T) {
	f := newArchiveFixture(t)
	var alive atomic.Bool
	alive.Store(true)
	a := f.archiver(t, ArchiverConfig{PollInterval: 5 * time.Millisecond}, ArchiverOptions{
		Alive: func(context.Context) bool { return alive.Load() },
		Now:   time.Now,
	})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	f.write(t, "ckpt_a.dmtcp", "a", time.Now())
	require.Eventually(t, func() bool { return a.Archived() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The last checkpoint lands just as the coordinator exits.
	alive.Store(false)
	f.write(t, "ckpt_b.dmtcp", "b", time.Now())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("archiver did not stop")
	}
	assert.GreaterOrEqual(t, a.Archived(), int64(1))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newArchiveFixture(t)
	a := f.archiver(t, ArchiverConfig{PollInterval: 5 * time.Millisecond}, ArchiverOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
