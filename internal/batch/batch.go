// Package batch decides what happens to a batch after its queue drains:
// whether failed files get a second, serial attempt or the whole invocation
// is abandoned.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ligustah/ordersync/internal/downloader"
)

// Reason names the rule that aborted a batch.
type Reason string

const (
	ReasonVolume   Reason = "volume"   // too many failures in absolute terms
	ReasonTotal    Reason = "total"    // every file failed
	ReasonMajority Reason = "majority" // most files failed
)

// AbortError is returned when a batch has too many failures to retry.
type AbortError struct {
	Reason    Reason
	Failures  int
	Attempted int
}

// Rate returns the failure percentage.
func (e *AbortError) Rate() float64 {
	return rate(e.Failures, e.Attempted)
}

func (e *AbortError) Error() string {
	switch e.Reason {
	case ReasonVolume:
		return fmt.Sprintf("batch aborted: %d failures is more than can be recovered", e.Failures)
	case ReasonTotal:
		return fmt.Sprintf("batch aborted: all %d files failed", e.Attempted)
	default:
		return fmt.Sprintf("batch aborted: %d of %d files failed (%.1f%%)", e.Failures, e.Attempted, e.Rate())
	}
}

func rate(failures, attempted int) float64 {
	if attempted == 0 {
		return 0
	}
	return float64(failures) / float64(attempted) * 100
}

// Policy holds the escalation thresholds.
type Policy struct {
	// MaxFailures aborts when exceeded.
	MaxFailures int
	// MajorityPercent and MajorityMinFailures abort when both are exceeded.
	MajorityPercent     float64
	MajorityMinFailures int
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxFailures:         100,
		MajorityPercent:     50,
		MajorityMinFailures: 50,
	}
}

// Decide returns an *AbortError when a batch with the given failure count
// must not be retried, and nil when a serial retry pass may go ahead. Rules
// are evaluated in order: volume, total, majority.
func (p Policy) Decide(failures, attempted int) error {
	if failures == 0 {
		return nil
	}
	switch {
	case failures > p.MaxFailures:
		return &AbortError{Reason: ReasonVolume, Failures: failures, Attempted: attempted}
	case failures >= attempted:
		return &AbortError{Reason: ReasonTotal, Failures: failures, Attempted: attempted}
	case rate(failures, attempted) > p.MajorityPercent && failures > p.MajorityMinFailures:
		return &AbortError{Reason: ReasonMajority, Failures: failures, Attempted: attempted}
	}
	return nil
}

// Retrier makes a single attempt at a task.
type Retrier interface {
	Once(ctx context.Context, task downloader.Task) downloader.Outcome
}

// Result is the outcome of a retry pass.
type Result struct {
	Recovered []downloader.Outcome
	Residual  []downloader.Outcome
}

// RetryPass re-attempts failed files one at a time after a delay.
type RetryPass struct {
	Retrier   Retrier
	Delay     time.Duration
	FailLimit int
	Logger    *slog.Logger
}

// Run waits for the delay then tries each manifest entry once, in order.
func (r *RetryPass) Run(ctx context.Context, manifest []downloader.ManifestEntry) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if len(manifest) == 0 {
		return &Result{}, nil
	}

	logger.Info("waiting before retry pass", "files", len(manifest), "delay", r.Delay)
	timer := time.NewTimer(r.Delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}

	res := &Result{}
	for _, entry := range manifest {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		logger.Debug("retrying file", "order", entry.OrderID, "file", entry.FileID)

		o := r.Retrier.Once(ctx, entry.Task(r.FailLimit))
		if o.Success {
			res.Recovered = append(res.Recovered, o)
			continue
		}
		logger.Warn("file failed on retry", "order", entry.OrderID, "file", entry.FileID, "error", o.Err)
		res.Residual = append(res.Residual, o)
	}
	return res, nil
}
