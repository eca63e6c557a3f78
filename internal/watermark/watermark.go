// Package watermark persists, per order, the newest run that was fetched
// successfully.
//
// Each order's watermark is a single object "<prefix><order>.txt" holding a
// stamp such as "2024-05-01:06". Objects are replaced whole, never appended.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/ordersync/internal/sequencer"
)

// DefaultPrefix is the key prefix watermarks live under.
const DefaultPrefix = "latest/"

// ErrRegression is returned when a write would move a watermark backwards.
var ErrRegression = errors.New("watermark: refusing to move backwards")

// Store reads and writes per-order watermarks.
type Store interface {
	// Read returns the stored watermark. ok is false when none exists.
	Read(ctx context.Context, orderID string) (t time.Time, ok bool, err error)
	// Write replaces the stored watermark.
	Write(ctx context.Context, orderID string, t time.Time) error
}

// BlobStore is a Store backed by a gocloud.dev bucket.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobStore stores watermarks in bucket under prefix.
func NewBlobStore(bucket *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, prefix: prefix}
}

func (s *BlobStore) key(orderID string) string {
	return s.prefix + orderID + ".txt"
}

// Read implements Store.
func (s *BlobStore) Read(ctx context.Context, orderID string) (time.Time, bool, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(orderID))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark %s: %w", orderID, err)
	}

	t, err := sequencer.ParseStamp(string(data))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("order %s: %w", orderID, err)
	}
	return t, true, nil
}

// Write implements Store. A write older than the stored value fails with
// ErrRegression; an equal value is a no-op rewrite.
func (s *BlobStore) Write(ctx context.Context, orderID string, t time.Time) error {
	prev, ok, err := s.Read(ctx, orderID)
	if err != nil {
		return err
	}
	if ok && t.Before(prev) {
		return fmt.Errorf("%w: order %s stored %s, new %s", ErrRegression, orderID,
			sequencer.FormatStamp(prev), sequencer.FormatStamp(t))
	}

	opts := &blob.WriterOptions{ContentType: "text/plain"}
	if err := s.bucket.WriteAll(ctx, s.key(orderID), []byte(sequencer.FormatStamp(t)), opts); err != nil {
		return fmt.Errorf("write watermark %s: %w", orderID, err)
	}
	return nil
}

// Delete removes a stored watermark. Deleting a missing watermark is not an error.
func (s *BlobStore) Delete(ctx context.Context, orderID string) error {
	err := s.bucket.Delete(ctx, s.key(orderID))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete watermark %s: %w", orderID, err)
	}
	return nil
}

// Entry is a stored watermark.
type Entry struct {
	OrderID string
	Time    time.Time
}

// List returns every stored watermark.
func (s *BlobStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("list watermarks: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".txt") {
			continue
		}
		orderID := strings.TrimSuffix(strings.TrimPrefix(obj.Key, s.prefix), ".txt")
		t, ok, err := s.Read(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, Entry{OrderID: orderID, Time: t})
		}
	}
	return entries, nil
}
