package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ckptctl/pkg/provider"
)

func newSink(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "archive"), Create: true})
	require.NoError(t, err)
	return p
}

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.PutObject(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	assert.Error(t, err)
}

func TestPutObject_WritesAtomically(t *testing.T) {
	p := newSink(t)
	put(t, p, "gen-000001-20261017T120000Z/ckpt_a.dmtcp", "image-a")

	data, err := os.ReadFile(filepath.Join(p.BaseDir(), "gen-000001-20261017T120000Z", "ckpt_a.dmtcp"))
	require.NoError(t, err)
	assert.Equal(t, "image-a", string(data))

	entries, err := os.ReadDir(filepath.Join(p.BaseDir(), "gen-000001-20261017T120000Z"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not remain")
}

func TestPutObject_ShortBody(t *testing.T) {
	p := newSink(t)
	err := p.PutObject(context.Background(), "gen-000001-x/a", strings.NewReader("abc"), 10)
	require.Error(t, err)

	_, err = p.Head(context.Background(), "gen-000001-x/a")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestPutObject_UnknownLength(t *testing.T) {
	p := newSink(t)
	require.NoError(t, p.PutObject(context.Background(), "a", strings.NewReader("abc"), -1))
	meta, err := p.Head(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Size)
}

func TestPathTraversalRejected(t *testing.T) {
	p := newSink(t)
	err := p.PutObject(context.Background(), "../escape", strings.NewReader("x"), 1)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(p.BaseDir()), "escape"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(p.BaseDir(), "escape"))
	assert.True(t, os.IsNotExist(statErr), "no silent rewrite into the base dir")

	for _, key := range []string{"gen-1/../../escape", "a/..", ".."} {
		_, err := p.Head(context.Background(), key)
		assert.Error(t, err, key)
		assert.NotErrorIs(t, err, provider.ErrNotFound, key)
	}

	// Dots inside a name are fine.
	require.NoError(t, p.PutObject(context.Background(), "gen-1/ckpt..dmtcp", strings.NewReader("x"), 1))
}

func TestGetObject(t *testing.T) {
	p := newSink(t)
	put(t, p, "gen-000002-x/dmtcp_restart_script.sh", "#!/bin/sh\n")

	body, n, err := p.GetObject(context.Background(), "gen-000002-x/dmtcp_restart_script.sh")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	_, _, err = p.GetObject(context.Background(), "missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestHead_DirectoryIsNotFound(t *testing.T) {
	p := newSink(t)
	put(t, p, "gen-000001-x/a", "a")
	_, err := p.Head(context.Background(), "gen-000001-x")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestList_PrefixAndPaging(t *testing.T) {
	p := newSink(t)
	put(t, p, "gen-000001-x/a", "1")
	put(t, p, "gen-000001-x/b", "2")
	put(t, p, "gen-000002-y/a", "3")
	put(t, p, "other/z", "4")

	ctx := context.Background()
	res, err := p.List(ctx, provider.ListOptions{Prefix: "gen-000001"})
	require.NoError(t, err)
	var keys []string
	for _, o := range res.Objects {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"gen-000001-x/a", "gen-000001-x/b"}, keys)

	page, err := p.List(ctx, provider.ListOptions{Prefix: "gen-", MaxKeys: 2})
	require.NoError(t, err)
	assert.True(t, page.IsTruncated)
	assert.Len(t, page.Objects, 2)

	next, err := p.List(ctx, provider.ListOptions{Prefix: "gen-", MaxKeys: 2, ContinuationToken: page.ContinuationToken})
	require.NoError(t, err)
	assert.False(t, next.IsTruncated)
	require.Len(t, next.Objects, 1)
	assert.Equal(t, "gen-000002-y/a", next.Objects[0].Key)

	all, err := provider.ListAll(ctx, p, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestList_MissingRoot(t *testing.T) {
	p, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	res, err := p.List(context.Background(), provider.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)
}
