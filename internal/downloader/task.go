package downloader

import (
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	ohttp "github.com/ligustah/ordersync/internal/http"
)

// Task is one file to download. Tasks are immutable once queued.
type Task struct {
	OrderID string
	Run     string
	FileID  string
	URL     string
	// Dest is the full destination path of the file.
	Dest string
	// FailLimit is the number of failed attempts after which the task gives up.
	FailLimit int
}

// Folder returns the directory the file is written to.
func (t Task) Folder() string {
	return filepath.Dir(t.Dest)
}

// Outcome is the recorded result of one task.
type Outcome struct {
	Task    Task
	Success bool
	// Skipped is set when the file already existed and was not fetched.
	Skipped  bool
	Bytes    int64
	TTFB     time.Duration
	Duration time.Duration
	// Retries counts failed attempts before the final one.
	Retries  int
	Err      error
	Finished time.Time
}

// StatusCode returns the HTTP status of a failed outcome, or 0.
func (o Outcome) StatusCode() int {
	var httpErr *ohttp.HTTPError
	if errors.As(o.Err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// ManifestEntry is a failed task carried forward for a later retry. It holds
// plain data only.
type ManifestEntry struct {
	OrderID    string
	Run        string
	FileID     string
	URL        string
	Folder     string
	Dest       string
	StatusCode int
	Reason     string
}

// Task rebuilds the task to retry with the given attempt budget.
func (e ManifestEntry) Task(failLimit int) Task {
	return Task{
		OrderID:   e.OrderID,
		Run:       e.Run,
		FileID:    e.FileID,
		URL:       e.URL,
		Dest:      e.Dest,
		FailLimit: failLimit,
	}
}

func newManifestEntry(o Outcome) ManifestEntry {
	e := ManifestEntry{
		OrderID:    o.Task.OrderID,
		Run:        o.Task.Run,
		FileID:     o.Task.FileID,
		URL:        o.Task.URL,
		Folder:     o.Task.Folder(),
		Dest:       o.Task.Dest,
		StatusCode: o.StatusCode(),
	}
	if o.Err != nil {
		e.Reason = o.Err.Error()
	}
	return e
}

// OutcomeLog collects outcomes from concurrent workers. Every failed outcome
// also lands in the retry manifest.
type OutcomeLog struct {
	mu       sync.Mutex
	outcomes []Outcome
	manifest []ManifestEntry
}

// Append records an outcome.
func (l *OutcomeLog) Append(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outcomes = append(l.outcomes, o)
	if !o.Success {
		l.manifest = append(l.manifest, newManifestEntry(o))
	}
}

// Len returns the number of recorded outcomes.
func (l *OutcomeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.outcomes)
}

// Outcomes returns a copy of the recorded outcomes in completion order.
func (l *OutcomeLog) Outcomes() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.outcomes)
}

// Manifest returns a copy of the retry manifest.
func (l *OutcomeLog) Manifest() []ManifestEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.manifest)
}

// Batch is the result of downloading one set of tasks.
type Batch struct {
	Outcomes []Outcome
	Manifest []ManifestEntry
	// Tripped is set when the circuit breaker aborted the batch.
	Tripped bool
	Elapsed time.Duration
}

// Attempted returns the number of tasks in the batch.
func (b *Batch) Attempted() int {
	return len(b.Outcomes)
}

// Failures returns the number of failed tasks.
func (b *Batch) Failures() int {
	return len(b.Manifest)
}
