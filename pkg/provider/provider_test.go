package provider

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		raw  string
		want Destination
	}{
		{"/var/ckpt/archive", Destination{Type: ProviderFile, Path: "/var/ckpt/archive"}},
		{"archive/", Destination{Type: ProviderFile, Path: "archive"}},
		{"file:///var/ckpt/archive", Destination{Type: ProviderFile, Path: "/var/ckpt/archive"}},
		{"s3://ckpt-bucket", Destination{Type: ProviderS3, Bucket: "ckpt-bucket"}},
		{"s3://ckpt-bucket/jobs/lulesh/", Destination{Type: ProviderS3, Bucket: "ckpt-bucket", Prefix: "jobs/lulesh"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDestination(tt.raw)
			require.NoError(t, err)
			tt.want.Path = filepath.FromSlash(tt.want.Path)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDestination_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "s3://", "gs://bucket/x"} {
		_, err := ParseDestination(raw)
		assert.ErrorIs(t, err, ErrInvalidDestination, raw)
	}
}

func TestDestination_Locate(t *testing.T) {
	d := Destination{Type: ProviderS3, Bucket: "b", Prefix: "jobs"}
	assert.Equal(t, "s3://b/jobs/gen-000001-x/a", d.Locate("gen-000001-x/a"))
	assert.Equal(t, "s3://b/jobs", d.String())

	f := Destination{Type: ProviderFile, Path: "/srv/archive"}
	assert.Equal(t, filepath.Join("/srv/archive", "gen-000001-x", "a"), f.Locate("gen-000001-x/a"))
}

func TestProviderError(t *testing.T) {
	err := &ProviderError{Op: "PutObject", Provider: ProviderS3, Bucket: "b", Key: "k", Err: ErrThrottled}
	assert.Equal(t, "s3 PutObject: b/k: request throttled", err.Error())
	assert.True(t, IsRetryable(err))
	assert.False(t, IsNotFound(err))

	local := &ProviderError{Op: "Head", Provider: ProviderFile, Key: "k", Err: ErrNotFound}
	assert.Equal(t, "file Head: k: object not found", local.Error())
	assert.True(t, IsNotFound(local))
	assert.True(t, errors.Is(local, ErrNotFound))
	assert.False(t, IsAccessDenied(local))
}
