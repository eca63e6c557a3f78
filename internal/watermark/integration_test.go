//go:build integration

package watermark

import (
	"context"
	"testing"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/ordersync/internal/testutils"
)

func TestIntegration_S3Store(t *testing.T) {
	ctx := context.Background()
	env := testutils.StartMinio(t, ctx, "state")

	bkt, err := blob.OpenBucket(ctx, env.BucketURL)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bkt.Close()

	s := NewBlobStore(bkt, DefaultPrefix)

	if _, ok, err := s.Read(ctx, "o1"); err != nil || ok {
		t.Fatalf("Read on empty bucket = %v, %v; want absent", ok, err)
	}

	ts := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	if err := s.Write(ctx, "o1", ts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := s.Read(ctx, "o1")
	if err != nil || !ok {
		t.Fatalf("Read = %v, %v", ok, err)
	}
	if !got.Equal(ts) {
		t.Errorf("Read = %v, want %v", got, ts)
	}

	if err := s.Write(ctx, "o1", ts.Add(-time.Hour)); err == nil {
		t.Error("expected regression error")
	}
}
