package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	ohttp "github.com/ligustah/ordersync/internal/http"
	"github.com/ligustah/ordersync/internal/metrics"
	"github.com/ligustah/ordersync/internal/progress"
)

var (
	// ErrTerminated is returned for tasks aborted because the circuit breaker tripped.
	ErrTerminated = errors.New("downloader: worker terminated by monitor")

	// ErrRetriesExhausted is returned when a task used its whole attempt budget.
	ErrRetriesExhausted = errors.New("downloader: retries exhausted")
)

// Fetcher streams one URL to a file. *http.Client from internal/http
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header, dest string) (*ohttp.FetchResult, error)
}

// Options configures the downloader.
type Options struct {
	// Workers is the number of parallel download workers.
	// Default: 4
	Workers int

	// Header is sent with every file request.
	Header http.Header

	// FillGaps treats files already on disk as downloaded.
	FillGaps bool

	// PollInterval is how often the monitor checks the workers.
	// Default: 10s
	PollInterval time.Duration

	// GracePeriod is how long every worker must stay in backoff before the
	// monitor trips the circuit.
	// Default: 30s
	GracePeriod time.Duration

	// Backoff maps a failed attempt count and budget to a wait.
	// Default: Backoff
	Backoff func(attempt, failLimit int) time.Duration

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Downloader runs batches of tasks through a worker pool.
type Downloader struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
}

// New creates a downloader.
func New(fetcher Fetcher, opts Options) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = Backoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Downloader{fetcher: fetcher, opts: opts, logger: logger}
}

// Workers returns the pool size.
func (d *Downloader) Workers() int {
	return d.opts.Workers
}

// Run downloads tasks with the worker pool and returns one outcome per task.
// When the circuit breaker trips, the batch is still returned along with a
// *CircuitBreakerError.
func (d *Downloader) Run(ctx context.Context, tasks []Task) (*Batch, error) {
	start := time.Now()
	state := NewCircuitState()
	outcomes := &OutcomeLog{}
	queue := NewQueue()

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	var monitor errgroup.Group
	monitor.Go(func() error {
		m := &Monitor{
			state:   state,
			workers: d.opts.Workers,
			poll:    d.opts.PollInterval,
			grace:   d.opts.GracePeriod,
			logger:  d.logger,
			onTrip:  d.opts.Metrics.CircuitTripped,
		}
		return m.Run(monitorCtx)
	})

	var workers errgroup.Group
	for range d.opts.Workers {
		workers.Go(func() error {
			for {
				task, ok := queue.Get()
				if !ok {
					return nil
				}
				outcomes.Append(d.process(ctx, state, task))
				queue.Done()
			}
		})
	}

	for _, t := range tasks {
		queue.Put(t)
	}
	queue.Join()
	queue.Stop(d.opts.Workers)
	workers.Wait()

	stopMonitor()
	monitor.Wait()

	batch := &Batch{
		Outcomes: outcomes.Outcomes(),
		Manifest: outcomes.Manifest(),
		Tripped:  state.Tripped(),
		Elapsed:  time.Since(start),
	}
	if batch.Tripped {
		return batch, &CircuitBreakerError{
			Workers:  d.opts.Workers,
			Grace:    d.opts.GracePeriod,
			Failures: batch.Failures(),
		}
	}
	return batch, nil
}

// Once makes a single attempt at a task, outside the pool and without retry.
func (d *Downloader) Once(ctx context.Context, task Task) Outcome {
	start := time.Now()
	o := d.attempt(ctx, task)
	o.Duration = time.Since(start)
	o.Finished = time.Now()
	return o
}

// process runs one task through the retry loop and reports it.
func (d *Downloader) process(ctx context.Context, state *CircuitState, task Task) Outcome {
	if d.opts.Progress != nil {
		d.opts.Progress.FileStarted()
	}

	start := time.Now()
	o := d.retry(ctx, state, task)
	o.Duration = time.Since(start)
	o.Finished = time.Now()

	d.record(o)
	return o
}

func (d *Downloader) record(o Outcome) {
	reporter := d.opts.Progress
	switch {
	case o.Skipped:
		d.opts.Metrics.FileFinished(metrics.StatusSkipped, o.Bytes, o.Duration, 0)
		if reporter != nil {
			reporter.FileSkipped()
		}
	case o.Success:
		d.opts.Metrics.FileFinished(metrics.StatusSuccess, o.Bytes, o.Duration, o.TTFB)
		if reporter != nil {
			reporter.FileCompleted(o.Bytes)
		}
	default:
		d.opts.Metrics.FileFinished(metrics.StatusFailed, 0, o.Duration, 0)
		if reporter != nil {
			reporter.FileFailed()
		}
		d.logger.Warn("file failed",
			"order", o.Task.OrderID,
			"file", o.Task.FileID,
			"retries", o.Retries,
			"error", o.Err)
	}
}

// retry attempts a task until it succeeds, its budget runs out, the circuit
// trips, or ctx is cancelled.
func (d *Downloader) retry(ctx context.Context, state *CircuitState, task Task) Outcome {
	if o, ok := d.existing(task); ok {
		return o
	}
	if state.Tripped() {
		return Outcome{Task: task, Err: ErrTerminated}
	}

	limit := max(task.FailLimit, 1)
	failures := 0
	for {
		o := d.attempt(ctx, task)
		o.Retries = failures
		if o.Success {
			return o
		}
		if ctx.Err() != nil {
			return o
		}

		failures++
		if failures >= limit {
			o.Retries = failures - 1
			o.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, o.Err)
			return o
		}
		if state.Tripped() {
			o.Err = fmt.Errorf("%w: %w", ErrTerminated, o.Err)
			return o
		}

		d.opts.Metrics.Retry()
		wait := d.opts.Backoff(failures, limit)
		d.logger.Debug("retrying file",
			"file", task.FileID,
			"attempt", failures,
			"wait", wait,
			"error", o.Err)

		err := d.sleep(ctx, state, wait)
		if state.Tripped() {
			o.Err = fmt.Errorf("%w: %w", ErrTerminated, o.Err)
			return o
		}
		if err != nil {
			o.Err = err
			return o
		}
	}
}

// sleep waits in backoff, counted as a waiting worker. It returns early when
// the circuit trips or ctx is cancelled.
func (d *Downloader) sleep(ctx context.Context, state *CircuitState, wait time.Duration) error {
	state.Enter()
	d.opts.Metrics.WorkerWaiting(1)
	if d.opts.Progress != nil {
		d.opts.Progress.WorkerWaiting(1)
	}
	defer func() {
		state.Leave()
		d.opts.Metrics.WorkerWaiting(-1)
		if d.opts.Progress != nil {
			d.opts.Progress.WorkerWaiting(-1)
		}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-state.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

// existing reports a file already on disk as skipped when filling gaps.
func (d *Downloader) existing(task Task) (Outcome, bool) {
	if !d.opts.FillGaps {
		return Outcome{}, false
	}
	info, err := os.Stat(task.Dest)
	if err != nil || info.IsDir() {
		return Outcome{}, false
	}
	return Outcome{Task: task, Success: true, Skipped: true, Bytes: info.Size()}, true
}

// attempt fetches a task once.
func (d *Downloader) attempt(ctx context.Context, task Task) Outcome {
	if err := os.MkdirAll(task.Folder(), 0o755); err != nil {
		return Outcome{Task: task, Err: fmt.Errorf("create folder: %w", err)}
	}

	res, err := d.fetcher.Fetch(ctx, task.URL, d.opts.Header, task.Dest)
	if err != nil {
		return Outcome{Task: task, Err: err}
	}

	size := res.Bytes
	if info, err := os.Stat(task.Dest); err == nil {
		size = info.Size()
	}
	return Outcome{Task: task, Success: true, Bytes: size, TTFB: res.TTFB}
}

// WithProgress returns a copy of d that reports to p.
func (d *Downloader) WithProgress(p *progress.Reporter) *Downloader {
	c := *d
	c.opts.Progress = p
	return &c
}
