package checkpoint

import (
	"context"
	"fmt"

	"github.com/3leaps/ckptctl/pkg/provider"
	"github.com/3leaps/ckptctl/pkg/provider/file"
	"github.com/3leaps/ckptctl/pkg/provider/s3"
)

// S3Options carries S3 connection settings that a destination URI cannot
// express.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// OpenSink opens the retention sink a destination names. File sinks create
// their root directory when create is true.
func OpenSink(ctx context.Context, dest provider.Destination, s3opts S3Options, create bool) (provider.Sink, error) {
	switch dest.Type {
	case provider.ProviderFile:
		return file.New(file.Config{BaseDir: dest.Path, Create: create})
	case provider.ProviderS3:
		return s3.New(ctx, s3.Config{
			Bucket:         dest.Bucket,
			Prefix:         dest.Prefix,
			Region:         s3opts.Region,
			Endpoint:       s3opts.Endpoint,
			Profile:        s3opts.Profile,
			ForcePathStyle: s3opts.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported sink type %q", provider.ErrInvalidDestination, dest.Type)
	}
}
