// Package storage opens the blob buckets that hold watermarks and reports.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// OpenBucket opens location as a bucket. A location with a URL scheme
// (s3://, gs://, mem://, file://) is opened through the gocloud URL mux;
// anything else is a local directory, created if missing.
func OpenBucket(ctx context.Context, location string) (*blob.Bucket, error) {
	if location == "" {
		return nil, fmt.Errorf("storage: empty bucket location")
	}

	if u, err := url.Parse(location); err == nil && u.Scheme != "" && strings.Contains(location, "://") {
		bkt, err := blob.OpenBucket(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", location, err)
		}
		return bkt, nil
	}

	dir, err := filepath.Abs(location)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", location, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	bkt, err := fileblob.OpenBucket(dir, &fileblob.Options{NoTempDir: true})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", dir, err)
	}
	return bkt, nil
}
