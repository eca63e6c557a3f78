package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ohttp "github.com/ligustah/ordersync/internal/http"
	"github.com/ligustah/ordersync/internal/metrics"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	// fail returns the error for the n-th call (1-based) to url, or nil.
	fail func(url string, n int) error
}

func newFakeFetcher(fail func(url string, n int) error) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), fail: fail}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, header http.Header, dest string) (*ohttp.FetchResult, error) {
	f.mu.Lock()
	f.calls[url]++
	n := f.calls[url]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail != nil {
		if err := f.fail(url, n); err != nil {
			return nil, err
		}
	}

	data := []byte("payload:" + url)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, err
	}
	return &ohttp.FetchResult{Path: dest, Bytes: int64(len(data)), TTFB: time.Millisecond}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func serverError(url string) error {
	return &ohttp.HTTPError{URL: url, Status: "500 Internal Server Error", StatusCode: 500}
}

func noWait(int, int) time.Duration { return time.Millisecond }

func makeTasks(dir string, n, failLimit int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		id := fmt.Sprintf("file%02d_+00", i)
		tasks[i] = Task{
			OrderID:   "o1",
			Run:       "00",
			FileID:    id,
			URL:       "http://catalog/" + id,
			Dest:      filepath.Join(dir, "o1_00", id+".grib2"),
			FailLimit: failLimit,
		}
	}
	return tasks
}

func TestRunRecordsEveryTask(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			dir := t.TempDir()
			fetcher := newFakeFetcher(func(url string, n int) error {
				if url == "http://catalog/file03_+00" {
					return serverError(url)
				}
				return nil
			})
			d := New(fetcher, Options{Workers: workers, Backoff: noWait})

			batch, err := d.Run(context.Background(), makeTasks(dir, 25, 3))
			require.NoError(t, err)

			assert.Len(t, batch.Outcomes, 25)
			assert.Equal(t, 25, batch.Attempted())
			assert.Equal(t, 1, batch.Failures())
			assert.False(t, batch.Tripped)

			seen := make(map[string]bool)
			for _, o := range batch.Outcomes {
				assert.False(t, seen[o.Task.FileID], "duplicate outcome for %s", o.Task.FileID)
				seen[o.Task.FileID] = true
			}
		})
	}
}

func TestRunRetryThenSuccess(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(func(url string, n int) error {
		if url == "http://catalog/file01_+00" && n <= 2 {
			return serverError(url)
		}
		return nil
	})
	m := metrics.New()
	d := New(fetcher, Options{Workers: 2, Backoff: noWait, Metrics: m})

	batch, err := d.Run(context.Background(), makeTasks(dir, 3, 30))
	require.NoError(t, err)
	require.Empty(t, batch.Manifest)

	for _, o := range batch.Outcomes {
		assert.True(t, o.Success)
		if o.Task.FileID == "file01_+00" {
			assert.Equal(t, 2, o.Retries)
		} else {
			assert.Zero(t, o.Retries)
		}
		data, err := os.ReadFile(o.Task.Dest)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), o.Bytes)
	}
	assert.Equal(t, 3, fetcher.Calls("http://catalog/file01_+00"))
}

func TestRunRetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(func(url string, n int) error { return serverError(url) })

	var waits []int
	var mu sync.Mutex
	d := New(fetcher, Options{
		Workers: 1,
		Backoff: func(attempt, limit int) time.Duration {
			mu.Lock()
			waits = append(waits, attempt)
			mu.Unlock()
			return time.Millisecond
		},
	})

	batch, err := d.Run(context.Background(), makeTasks(dir, 1, 5))
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 1)

	o := batch.Outcomes[0]
	assert.False(t, o.Success)
	assert.Equal(t, 4, o.Retries)
	assert.ErrorIs(t, o.Err, ErrRetriesExhausted)
	assert.Equal(t, 500, o.StatusCode())
	assert.Equal(t, 5, fetcher.Calls(o.Task.URL))
	assert.Equal(t, []int{1, 2, 3, 4}, waits)

	require.Len(t, batch.Manifest, 1)
	entry := batch.Manifest[0]
	assert.Equal(t, "file00_+00", entry.FileID)
	assert.Equal(t, filepath.Join(dir, "o1_00"), entry.Folder)
	assert.Equal(t, 500, entry.StatusCode)
	assert.Contains(t, entry.Reason, "retries exhausted")
}

func TestRunCircuitBreaker(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(func(url string, n int) error { return serverError(url) })
	m := metrics.New()
	d := New(fetcher, Options{
		Workers:      2,
		Backoff:      func(int, int) time.Duration { return time.Hour },
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  20 * time.Millisecond,
		Metrics:      m,
	})

	done := make(chan struct{})
	var batch *Batch
	var err error
	go func() {
		defer close(done)
		batch, err = d.Run(context.Background(), makeTasks(dir, 6, 30))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not terminate after circuit tripped")
	}

	var cbErr *CircuitBreakerError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, 2, cbErr.Workers)
	assert.Equal(t, 6, cbErr.Failures)

	require.True(t, batch.Tripped)
	assert.Len(t, batch.Outcomes, 6)
	for _, o := range batch.Outcomes {
		assert.False(t, o.Success)
		assert.ErrorIs(t, o.Err, ErrTerminated)
	}
	// Only the two tasks in flight when the circuit tripped were requested.
	assert.Equal(t, 2, fetcher.TotalCalls())
}

func TestRunFillGaps(t *testing.T) {
	dir := t.TempDir()
	tasks := makeTasks(dir, 2, 3)
	require.NoError(t, os.MkdirAll(tasks[0].Folder(), 0o755))
	require.NoError(t, os.WriteFile(tasks[0].Dest, []byte("existing"), 0o644))

	fetcher := newFakeFetcher(nil)
	d := New(fetcher, Options{Workers: 2, FillGaps: true})

	batch, err := d.Run(context.Background(), tasks)
	require.NoError(t, err)

	for _, o := range batch.Outcomes {
		assert.True(t, o.Success)
		if o.Task.FileID == tasks[0].FileID {
			assert.True(t, o.Skipped)
			assert.Equal(t, int64(len("existing")), o.Bytes)
		}
	}
	assert.Zero(t, fetcher.Calls(tasks[0].URL))
	assert.Equal(t, 1, fetcher.Calls(tasks[1].URL))
}

func TestRunOverwritesWithoutFillGaps(t *testing.T) {
	dir := t.TempDir()
	tasks := makeTasks(dir, 1, 3)
	require.NoError(t, os.MkdirAll(tasks[0].Folder(), 0o755))
	require.NoError(t, os.WriteFile(tasks[0].Dest, []byte("stale"), 0o644))

	d := New(newFakeFetcher(nil), Options{Workers: 1})
	batch, err := d.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.False(t, batch.Outcomes[0].Skipped)

	data, err := os.ReadFile(tasks[0].Dest)
	require.NoError(t, err)
	assert.Equal(t, "payload:"+tasks[0].URL, string(data))
}

func TestRunContextCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(newFakeFetcher(nil), Options{Workers: 2})
	batch, err := d.Run(ctx, makeTasks(dir, 4, 30))
	require.NoError(t, err)

	assert.Len(t, batch.Outcomes, 4)
	for _, o := range batch.Outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

func TestRunEmpty(t *testing.T) {
	d := New(newFakeFetcher(nil), Options{Workers: 3})
	batch, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, batch.Outcomes)
}

func TestOnce(t *testing.T) {
	dir := t.TempDir()
	fetcher := newFakeFetcher(func(url string, n int) error {
		if n == 1 {
			return serverError(url)
		}
		return nil
	})
	d := New(fetcher, Options{})
	task := makeTasks(dir, 1, 30)[0]

	first := d.Once(context.Background(), task)
	assert.False(t, first.Success)
	assert.Equal(t, 500, first.StatusCode())
	assert.Equal(t, 1, fetcher.Calls(task.URL))

	second := d.Once(context.Background(), task)
	assert.True(t, second.Success)
	assert.Equal(t, 2, fetcher.Calls(task.URL))
}

func TestRunWithHTTPClient(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := newFlakyServer(t, &mu, &hits)

	dir := t.TempDir()
	client := ohttp.NewClient(ohttp.DefaultOptions())
	d := New(client, Options{
		Workers: 2,
		Header:  http.Header{"X-Api-Key": {"k"}},
		Backoff: noWait,
	})

	tasks := []Task{{
		OrderID:   "o1",
		Run:       "00",
		FileID:    "a_+00",
		URL:       server.URL + "/a_+00",
		Dest:      filepath.Join(dir, "o1_00", "a_+00.grib2"),
		FailLimit: 30,
	}}

	batch, err := d.Run(context.Background(), tasks)
	require.NoError(t, err)
	require.True(t, batch.Outcomes[0].Success)
	assert.Equal(t, 2, batch.Outcomes[0].Retries)
	assert.Equal(t, 3, hits)

	data, err := os.ReadFile(tasks[0].Dest)
	require.NoError(t, err)
	assert.Equal(t, "GRIB", string(data))
}
