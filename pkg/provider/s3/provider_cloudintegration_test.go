//go:build cloudintegration

package s3_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ckptctl/pkg/provider"
	"github.com/3leaps/ckptctl/pkg/provider/s3"
	"github.com/3leaps/ckptctl/test/cloudtest"
)

func newSink(t *testing.T, ctx context.Context, bucket, prefix string) *s3.Provider {
	t.Helper()
	p, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSink_PutGetRoundTrip_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	p := newSink(t, ctx, bucket, "jobs/demo")

	payload := []byte("checkpoint image bytes")
	key := "gen-000001-20261017T120000Z/ckpt_demo_1.dmtcp"
	require.NoError(t, p.PutObject(ctx, key, bytes.NewReader(payload), int64(len(payload))))

	// Stored under the prefix, reported relative to it.
	assert.Equal(t, payload, cloudtest.GetObject(t, ctx, bucket, "jobs/demo/"+key))

	meta, err := p.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), meta.Size)

	body, n, err := p.GetObject(ctx, key)
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, got)

	objs, err := provider.ListAll(ctx, p, "gen-")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)
}

func TestSink_Errors_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	t.Run("missing object", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		p := newSink(t, ctx, bucket, "")
		_, err := p.Head(ctx, "gen-000009-x/missing")
		assert.ErrorIs(t, err, provider.ErrNotFound)
	})

	t.Run("missing bucket", func(t *testing.T) {
		p := newSink(t, ctx, "ckptctl-nonexistent-bucket-12345", "")
		_, err := p.List(ctx, provider.ListOptions{})
		require.Error(t, err)
		var provErr *provider.ProviderError
		require.ErrorAs(t, err, &provErr)
		assert.ErrorIs(t, err, provider.ErrBucketNotFound)
	})
}

func TestSink_ListStaysUnderPrefix_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	// Generations written by an earlier controller, plus an unrelated job.
	cloudtest.PutObject(t, ctx, bucket, "jobs/demo/gen-000001-20261017T120000Z/ckpt_a.dmtcp", []byte("a-v1"))
	cloudtest.PutObject(t, ctx, bucket, "jobs/demo/gen-000001-20261017T120000Z/dmtcp_restart_script.sh", []byte("#!/bin/sh\n"))
	cloudtest.PutObject(t, ctx, bucket, "jobs/other/gen-000001-20261017T120000Z/ckpt_b.dmtcp", []byte("b"))

	p := newSink(t, ctx, bucket, "jobs/demo")
	require.NoError(t, p.PutObject(ctx, "gen-000002-20261017T121000Z/ckpt_a.dmtcp", bytes.NewReader([]byte("a-v2")), 4))

	objs, err := provider.ListAll(ctx, p, "")
	require.NoError(t, err)
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.ElementsMatch(t, []string{
		"gen-000001-20261017T120000Z/ckpt_a.dmtcp",
		"gen-000001-20261017T120000Z/dmtcp_restart_script.sh",
		"gen-000002-20261017T121000Z/ckpt_a.dmtcp",
	}, keys)

	assert.ElementsMatch(t, []string{
		"jobs/demo/gen-000001-20261017T120000Z/ckpt_a.dmtcp",
		"jobs/demo/gen-000001-20261017T120000Z/dmtcp_restart_script.sh",
		"jobs/demo/gen-000002-20261017T121000Z/ckpt_a.dmtcp",
	}, cloudtest.ListKeys(t, ctx, bucket, "jobs/demo/"))
	assert.Equal(t, []string{"jobs/other/gen-000001-20261017T120000Z/ckpt_b.dmtcp"}, cloudtest.ListKeys(t, ctx, bucket, "jobs/other/"))
}
