// Package s3 stores archived checkpoint generations in an S3 bucket or an
// S3-compatible object store. Each generation directory becomes a key prefix
// under the configured job prefix.
package s3

import "strings"

// Config locates the archive bucket for one destination such as
// s3://ckpt-archive/jobs/lulesh.
//
// Credentials come from AccessKeyID/SecretAccessKey when both are set, and
// otherwise from the SDK default chain (environment, shared credentials,
// Profile from shared config, then instance or task roles). Batch nodes
// usually rely on the environment or an instance role.
//
// Region falls back to DefaultAWSRegion on AWS only. With Endpoint set
// (MinIO, Ceph RGW on a cluster) no region is assumed and ForcePathStyle is
// normally needed.
type Config struct {
	// Bucket holds the archive. Required.
	Bucket string

	// Prefix scopes every generation under a common key prefix, usually
	// one per job. Leading and trailing slashes are ignored.
	Prefix string

	Region string

	// Endpoint overrides the AWS endpoint, e.g.
	// http://minio.cluster.local:9000.
	Endpoint string

	// Profile names a shared-config profile.
	Profile string

	// AccessKeyID and SecretAccessKey must be set together. They take
	// precedence over the default chain.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// MaxKeys is the page size when listing generations. Zero means
	// DefaultMaxKeys; larger values are clamped to MaxAllowedKeys.
	MaxKeys int
}

// DefaultMaxKeys is the listing page size when Config.MaxKeys is zero.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the largest page size S3 accepts.
const MaxAllowedKeys = 1000

// DefaultAWSRegion applies on AWS when no region is configured anywhere.
const DefaultAWSRegion = "us-east-1"

// Validate checks the settings a sink cannot start without.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	for _, seg := range strings.Split(c.Prefix, "/") {
		if seg == ".." {
			return &ConfigError{Field: "Prefix", Message: "prefix must not contain '..' segments"}
		}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
