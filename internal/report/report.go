// Package report renders batch results as human-readable objects in a blob
// bucket: a summary per order with one CSV row per file, and a failures list
// with one URL per line.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/ordersync/internal/batch"
	"github.com/ligustah/ordersync/internal/downloader"
)

// StampLayout names report objects of one invocation.
const StampLayout = "02-Jan-2006-15-04-05"

const (
	headerTimeLayout = "02/01/2006 15:04:05"
	rowTimeLayout    = "15-04-05.000000"
)

var columns = []string{
	"order",
	"duration",
	"time_to_first_byte",
	"fileSize",
	"fileId",
	"error",
	"errMsg",
	"file",
	"currentTime",
}

// Sink writes report objects to a bucket.
type Sink struct {
	bucket  *blob.Bucket
	workers int
}

// NewSink creates a sink. workers is shown in summary headers.
func NewSink(bucket *blob.Bucket, workers int) *Sink {
	return &Sink{bucket: bucket, workers: workers}
}

// SummaryKey returns the key of an order's summary.
func SummaryKey(orderID, stamp string) string {
	return "results/summary-" + orderID + "-" + stamp + ".txt"
}

// FailuresKey returns the key of an order's failures list.
func FailuresKey(orderID, stamp string) string {
	return "failures/summary-" + orderID + "-" + stamp + ".txt"
}

// WriteBatch writes the summary of a finished batch and, when files failed,
// its failures list. started is when the order's processing began.
func (s *Sink) WriteBatch(ctx context.Context, orderID, stamp string, started time.Time, b *downloader.Batch) error {
	if len(b.Outcomes) == 0 {
		return nil
	}

	if len(b.Manifest) > 0 {
		var buf bytes.Buffer
		for _, e := range b.Manifest {
			buf.WriteString(e.URL + "\n")
		}
		if err := s.write(ctx, FailuresKey(orderID, stamp), buf.Bytes()); err != nil {
			return err
		}
	}

	finished := time.Now()
	var total int64
	for _, o := range b.Outcomes {
		total += o.Bytes
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "The download of order [%s] started at: %s finished at: %s\n",
		orderID, started.Format(headerTimeLayout), finished.Format(headerTimeLayout))
	fmt.Fprintf(&buf, "Total Files: %d Total time taken: %.2fs Total Size: %d Workers: %d\n",
		len(b.Outcomes), finished.Sub(started).Seconds(), total, s.workers)
	buf.WriteString("===== Detail Section =====\n")

	w := csv.NewWriter(&buf)
	w.Write(columns)
	for _, o := range b.Outcomes {
		w.Write(row(o))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}

	return s.write(ctx, SummaryKey(orderID, stamp), buf.Bytes())
}

// WriteRetry appends recovered files to the summary and replaces the
// failures list with the files that failed again.
func (s *Sink) WriteRetry(ctx context.Context, orderID, stamp string, res *batch.Result) error {
	if len(res.Recovered) > 0 {
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		for _, o := range res.Recovered {
			w.Write([]string{
				orderID, "0", "0", "0", o.Task.FileID, "false", "RETRY-OK", o.Task.Dest,
				o.Finished.Format(rowTimeLayout),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("render retry rows: %w", err)
		}
		if err := s.append(ctx, SummaryKey(orderID, stamp), buf.Bytes()); err != nil {
			return err
		}
	}

	key := FailuresKey(orderID, stamp)
	if len(res.Residual) == 0 {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}

	var buf bytes.Buffer
	for _, o := range res.Residual {
		fmt.Fprintf(&buf, "File %s FAILED on retry. errMsg: %v status: %d\n", o.Task.FileID, o.Err, o.StatusCode())
	}
	return s.write(ctx, key, buf.Bytes())
}

func row(o downloader.Outcome) []string {
	errMsg := ""
	if o.Err != nil {
		errMsg = o.Err.Error()
	}
	return []string{
		o.Task.OrderID,
		strconv.FormatFloat(o.Duration.Seconds(), 'f', 3, 64),
		strconv.FormatFloat(o.TTFB.Seconds(), 'f', 3, 64),
		strconv.FormatInt(o.Bytes, 10),
		o.Task.FileID,
		strconv.FormatBool(!o.Success),
		errMsg,
		o.Task.Dest,
		o.Finished.Format(rowTimeLayout),
	}
}

func (s *Sink) write(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "text/plain"}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// append adds data to the end of an object. Buckets have no append, so the
// object is read and rewritten whole.
func (s *Sink) append(ctx context.Context, key string, data []byte) error {
	existing, err := s.bucket.ReadAll(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return s.write(ctx, key, append(existing, data...))
}
