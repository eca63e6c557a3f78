package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// OrderID is the order being fetched (for display).
	OrderID string

	// Runs lists the runs in the batch (for display).
	Runs []string

	// TotalFiles is the number of files in the batch.
	TotalFiles int

	// Workers is the number of parallel workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 2s
	UpdateInterval time.Duration
}

// Reporter outputs human-readable progress for one batch of files.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	completed      atomic.Int32
	skipped        atomic.Int32
	failed         atomic.Int32
	inProgress     atomic.Int32
	waiting        atomic.Int32
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 2 * time.Second
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the batch header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[ordersync] Order: %s | Runs: %v | Files: %d | Workers: %d\n",
		r.opts.OrderID,
		r.opts.Runs,
		r.opts.TotalFiles,
		r.opts.Workers,
	)

	go r.updateLoop()
}

// Stop prints the final status and stops updates. It waits for the final
// status to be written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// FileStarted marks a file as in progress.
func (r *Reporter) FileStarted() {
	r.inProgress.Add(1)
}

// FileCompleted marks a file as downloaded.
func (r *Reporter) FileCompleted(size int64) {
	r.completedBytes.Add(size)
	r.completed.Add(1)
	r.inProgress.Add(-1)
}

// FileSkipped marks a file as already present on disk.
func (r *Reporter) FileSkipped() {
	r.skipped.Add(1)
	r.inProgress.Add(-1)
}

// FileFailed marks a file as failed.
func (r *Reporter) FileFailed() {
	r.failed.Add(1)
	r.inProgress.Add(-1)
}

// WorkerWaiting adjusts the number of workers sleeping in backoff.
func (r *Reporter) WorkerWaiting(delta int) {
	r.waiting.Add(int32(delta))
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) finished() int {
	return int(r.completed.Load() + r.skipped.Load() + r.failed.Load())
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	bytes := r.completedBytes.Load()
	finished := r.finished()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(bytes-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = bytes

	var percent float64
	eta := "calculating..."
	if r.opts.TotalFiles > 0 {
		percent = float64(finished) / float64(r.opts.TotalFiles) * 100
		if finished > 0 {
			perFile := now.Sub(r.startTime) / time.Duration(finished)
			eta = formatDuration(perFile * time.Duration(r.opts.TotalFiles-finished))
		}
	}

	fmt.Fprintf(r.opts.Output, "[ordersync] Progress: %.1f%% | %d/%d files | %s | Speed: %s/s | ETA: %s\n",
		percent,
		finished,
		r.opts.TotalFiles,
		formatBytes(bytes),
		formatBytes(int64(speed)),
		eta,
	)
	fmt.Fprintf(r.opts.Output, "[ordersync] Files: %d ok | %d skipped | %d failed | %d in-progress | %d waiting\n",
		r.completed.Load(),
		r.skipped.Load(),
		r.failed.Load(),
		r.inProgress.Load(),
		r.waiting.Load(),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	bytes := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(bytes) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "[ordersync] Done: %d ok | %d skipped | %d failed of %d files\n",
		r.completed.Load(),
		r.skipped.Load(),
		r.failed.Load(),
		r.opts.TotalFiles,
	)
	fmt.Fprintf(r.opts.Output, "[ordersync] Total: %s in %s | Average speed: %s/s\n",
		formatBytes(bytes),
		formatDuration(duration),
		formatBytes(int64(avgSpeed)),
	)
}

// formatBytes renders b with binary units.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGT"[exp])
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm %ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
