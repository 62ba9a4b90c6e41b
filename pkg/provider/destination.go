package provider

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Destination is a parsed retention sink location.
//
// Accepted forms:
//
//	/var/ckpt/archive          plain path (file sink)
//	file:///var/ckpt/archive   file URI
//	s3://bucket/some/prefix    S3 bucket with optional key prefix
type Destination struct {
	Type ProviderType

	// Path is the root directory for file sinks.
	Path string

	// Bucket and Prefix locate S3 sinks. Prefix never has leading or
	// trailing slashes.
	Bucket string
	Prefix string
}

// ParseDestination parses a retention sink location.
func ParseDestination(raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, fmt.Errorf("%w: empty destination", ErrInvalidDestination)
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Destination{Type: ProviderFile, Path: filepath.Clean(raw)}, nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		u, err := url.Parse(raw)
		if err != nil {
			return Destination{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/dir
			p = u.Host + u.Path
		}
		if p == "" {
			return Destination{}, fmt.Errorf("%w: file destination has no path", ErrInvalidDestination)
		}
		return Destination{Type: ProviderFile, Path: filepath.Clean(filepath.FromSlash(p))}, nil
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Destination{}, fmt.Errorf("%w: s3 destination has no bucket", ErrInvalidDestination)
		}
		return Destination{Type: ProviderS3, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	default:
		return Destination{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDestination, scheme)
	}
}

// String renders the destination in URI form.
func (d Destination) String() string {
	switch d.Type {
	case ProviderS3:
		if d.Prefix == "" {
			return "s3://" + d.Bucket
		}
		return "s3://" + d.Bucket + "/" + d.Prefix
	default:
		return "file://" + filepath.ToSlash(d.Path)
	}
}

// Locate renders the full location of a sink-relative key, for logs and
// output records.
func (d Destination) Locate(key string) string {
	key = strings.TrimPrefix(key, "/")
	switch d.Type {
	case ProviderS3:
		return "s3://" + path.Join(d.Bucket, d.Prefix, key)
	default:
		return filepath.Join(d.Path, filepath.FromSlash(key))
	}
}
