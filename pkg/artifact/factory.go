package artifact

import (
	"context"
	"fmt"
	"strings"
)

// Open constructs a store from a root URI:
//
//	s3://bucket/prefix   S3-backed store
//	gs://bucket/prefix   GCS-backed store (requires the gcp build tag)
//	file://dir or dir    filesystem store
func Open(ctx context.Context, root string, opts ...FileOption) (Store, error) {
	switch {
	case strings.HasPrefix(root, "s3://"):
		bucket, prefix, err := splitBucketURI(root, "s3://")
		if err != nil {
			return nil, err
		}
		return NewS3Store(ctx, S3Config{Bucket: bucket, Prefix: prefix})
	case strings.HasPrefix(root, "gs://"):
		bucket, prefix, err := splitBucketURI(root, "gs://")
		if err != nil {
			return nil, err
		}
		return newGCSStore(ctx, bucket, prefix)
	case strings.HasPrefix(root, "file://"):
		return NewFileStore(strings.TrimPrefix(root, "file://"), opts...)
	default:
		return NewFileStore(root, opts...)
	}
}

func splitBucketURI(uri, scheme string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(uri, scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("artifact: %s root %q has no bucket", scheme, uri)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, nil
}
