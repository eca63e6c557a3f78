package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/ligustah/ordersync/internal/batch"
	"github.com/ligustah/ordersync/internal/catalog"
	"github.com/ligustah/ordersync/internal/downloader"
	ohttp "github.com/ligustah/ordersync/internal/http"
	"github.com/ligustah/ordersync/internal/metrics"
	"github.com/ligustah/ordersync/internal/report"
	"github.com/ligustah/ordersync/internal/testutils"
	"github.com/ligustah/ordersync/internal/watermark"
)

var latestRun = time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)

type harness struct {
	fake       *testutils.FakeCatalog
	catalog    *catalog.Client
	watermarks *watermark.BlobStore
	reports    *blob.Bucket
	metrics    *metrics.Metrics
	dlOpts     downloader.Options
	opts       Options
}

// fileIDs returns n file ids for each run.
func fileIDs(n int, runs ...string) []string {
	var ids []string
	for _, run := range runs {
		for i := range n {
			ids = append(ids, fmt.Sprintf("param%d_+%s", i, run))
		}
	}
	return ids
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := testutils.NewFakeCatalog()
	fake.LatestRuns["mo-global"] = latestRun
	fake.Orders = []testutils.FakeOrder{{
		OrderID:            "o1",
		ModelID:            "mo-global",
		RequiredLatestRuns: []string{"00", "06", "12", "18"},
		FileIDs:            fileIDs(5, "00", "06", "12", "18"),
	}}
	server := fake.Start(t)

	httpOpts := ohttp.DefaultOptions()
	httpOpts.RetryAttempts = 0
	client := catalog.NewClient(ohttp.NewClient(httpOpts), server.URL, catalog.Credentials{APIKey: "k"}, nil)

	state := memblob.OpenBucket(nil)
	reports := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		state.Close()
		reports.Close()
	})

	m := metrics.New()
	return &harness{
		fake:       fake,
		catalog:    client,
		watermarks: watermark.NewBlobStore(state, watermark.DefaultPrefix),
		reports:    reports,
		metrics:    m,
		dlOpts: downloader.Options{
			Workers:      2,
			Header:       client.FileHeader(),
			PollInterval: 10 * time.Millisecond,
			GracePeriod:  time.Minute,
			Backoff:      func(int, int) time.Duration { return time.Millisecond },
			Metrics:      m,
		},
		opts: Options{
			Orders:    []string{"o1"},
			Latest:    true,
			Models:    []string{"mo-global", "mo-uk-deterministic-2km"},
			Location:  t.TempDir(),
			FailLimit: 30,
			Policy:    batch.DefaultPolicy(),
		},
	}
}

func (h *harness) runner() *Runner {
	dl := downloader.New(ohttp.NewClient(ohttp.DefaultOptions()), h.dlOpts)
	r := NewRunner(h.catalog, dl, h.watermarks, report.NewSink(h.reports, h.dlOpts.Workers), h.metrics, h.opts, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 20, 15, 0, 0, time.UTC) }
	return r
}

func (h *harness) seed(t *testing.T, ts time.Time) {
	t.Helper()
	require.NoError(t, h.watermarks.Write(context.Background(), "o1", ts))
}

func (h *harness) watermark(t *testing.T) time.Time {
	t.Helper()
	ts, ok, err := h.watermarks.Read(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, ok)
	return ts
}

func TestRunBackfill(t *testing.T) {
	h := newHarness(t)
	h.seed(t, latestRun.Add(-18*time.Hour))
	h.fake.FailTimes("param2_+12", 2)

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Orders, 1)

	res := summary.Orders[0]
	assert.Equal(t, []string{"06", "12", "18"}, res.Runs)
	assert.Equal(t, 15, res.Attempted)
	assert.Zero(t, res.Failed)
	assert.Equal(t, latestRun, res.Watermark)
	assert.Equal(t, latestRun, h.watermark(t))

	// The run before the watermark was not fetched.
	assert.Zero(t, h.fake.Hits("param0_+00"))
	assert.Equal(t, 3, h.fake.Hits("param2_+12"))

	data, err := os.ReadFile(filepath.Join(h.opts.Location, "downloaded", "o1_12", "param2_+12.grib2"))
	require.NoError(t, err)
	assert.Equal(t, testutils.Payload("param2_+12"), data)

	summaryKey := report.SummaryKey("o1", summary.Stamp)
	raw, err := h.reports.ReadAll(context.Background(), summaryKey)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Total Files: 15")

	exists, err := h.reports.Exists(context.Background(), report.FailuresKey("o1", summary.Stamp))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunRecordsRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, latestRun.Add(-18*time.Hour))
	h.fake.FailTimes("param2_+12", 2)

	r := h.runner()
	order := catalog.Order{OrderID: "o1", ModelID: "mo-global", RequiredLatestRuns: []string{"00", "06", "12", "18"}}
	runs, plan, err := r.plan(ctx, order, map[string]catalog.Run{})
	require.NoError(t, err)
	require.NotNil(t, plan)

	details, err := h.catalog.GetOrderDetails(ctx, "o1", runs)
	require.NoError(t, err)
	grouped, err := catalog.GroupByRun(details.Files, runs, 0)
	require.NoError(t, err)

	b, err := r.downloader.Run(ctx, r.tasks(order, runs, grouped, r.now()))
	require.NoError(t, err)

	require.Len(t, b.Outcomes, 15)
	retried := 0
	for _, o := range b.Outcomes {
		assert.True(t, o.Success, o.Task.FileID)
		if o.Retries > 0 {
			retried++
			assert.Equal(t, "param2_+12", o.Task.FileID)
			assert.Equal(t, 2, o.Retries)
		}
	}
	assert.Equal(t, 1, retried)
}

func TestRunFirstFetch(t *testing.T) {
	h := newHarness(t)

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"18"}, summary.Orders[0].Runs)
	assert.Equal(t, 5, summary.Orders[0].Attempted)
	assert.Equal(t, latestRun, h.watermark(t))
	assert.Zero(t, h.fake.Hits("param0_+12"))
}

func TestRunAlreadyDone(t *testing.T) {
	h := newHarness(t)
	h.seed(t, latestRun)

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Orders, 1)
	assert.True(t, summary.Orders[0].Skipped)
	assert.Zero(t, h.fake.Hits("param0_+18"))
	assert.Equal(t, latestRun, h.watermark(t))
}

func TestRunFiltersUnrequiredRuns(t *testing.T) {
	h := newHarness(t)
	h.fake.Orders[0].RequiredLatestRuns = []string{"06", "18"}
	h.seed(t, latestRun.Add(-18*time.Hour))

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"06", "18"}, summary.Orders[0].Runs)
	assert.Zero(t, h.fake.Hits("param0_+12"))
	assert.Equal(t, latestRun, h.watermark(t))
}

func TestRunExplicitRunsLeaveWatermark(t *testing.T) {
	h := newHarness(t)
	h.opts.Latest = false
	h.opts.Runs = []string{"00", "03"}

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"00"}, summary.Orders[0].Runs)
	assert.Equal(t, 5, summary.Orders[0].Attempted)
	assert.True(t, summary.Orders[0].Watermark.IsZero())

	_, ok, err := h.watermarks.Read(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunFolderDateAndGUIDNames(t *testing.T) {
	h := newHarness(t)
	h.opts.FolderDate = true
	h.opts.GUIDFileNames = true

	r := h.runner()
	n := 0
	r.newName = func() string {
		n++
		return fmt.Sprintf("guid-%d", n)
	}

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	folder := filepath.Join(h.opts.Location, "downloaded", "202405012015_18", "o1_18")
	entries, err := os.ReadDir(folder)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Name(), "guid-"), e.Name())
		assert.True(t, strings.HasSuffix(e.Name(), ".grib2"), e.Name())
	}
}

func TestRunLongFileIDUsesGeneratedName(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("x", 120) + "_+18"
	h.fake.Orders[0].FileIDs = []string{long}

	r := h.runner()
	r.newName = func() string { return "generated" }

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(h.opts.Location, "downloaded", "o1_18", "generated.grib2"))
	assert.NoError(t, err)
}

func TestRunResidualWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.opts.FailLimit = 2
	h.fake.FailAlways("param1_+18", 404)

	summary, err := h.runner().Run(context.Background())

	var residual *ResidualError
	require.ErrorAs(t, err, &residual)
	assert.Equal(t, 1, residual.Files)
	assert.Equal(t, []string{"o1"}, residual.Orders)
	assert.Equal(t, 1, summary.Orders[0].Failed)

	// A partially failed batch is still accepted.
	assert.Equal(t, latestRun, h.watermark(t))

	raw, err := h.reports.ReadAll(context.Background(), report.FailuresKey("o1", summary.Stamp))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "param1_+18")
}

func TestRunRetryPassRecovers(t *testing.T) {
	h := newHarness(t)
	h.opts.FailLimit = 2
	h.opts.Retry = true
	h.fake.FailTimes("param1_+18", 2)

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)

	res := summary.Orders[0]
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Recovered)
	assert.Zero(t, res.Residual)
	assert.Equal(t, 3, h.fake.Hits("param1_+18"))

	exists, err := h.reports.Exists(context.Background(), report.FailuresKey("o1", summary.Stamp))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunRetryPassResidual(t *testing.T) {
	h := newHarness(t)
	h.opts.FailLimit = 2
	h.opts.Retry = true
	h.fake.FailAlways("param1_+18", 404)

	summary, err := h.runner().Run(context.Background())

	var residual *ResidualError
	require.ErrorAs(t, err, &residual)
	assert.Equal(t, 1, summary.Orders[0].Residual)
	assert.Equal(t, 3, h.fake.Hits("param1_+18"))
	assert.Equal(t, latestRun, h.watermark(t))
}

func TestRunEscalationAbort(t *testing.T) {
	h := newHarness(t)
	h.opts.FailLimit = 2
	h.opts.Retry = true
	h.opts.Policy = batch.Policy{MaxFailures: 100, MajorityPercent: 50, MajorityMinFailures: 2}
	h.seed(t, latestRun.Add(-6*time.Hour))
	for _, id := range []string{"param0_+18", "param1_+18", "param2_+18"} {
		h.fake.FailAlways(id, 500)
	}

	_, err := h.runner().Run(context.Background())

	var abort *batch.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, batch.ReasonMajority, abort.Reason)
	assert.Equal(t, 3, abort.Failures)
	assert.Equal(t, 5, abort.Attempted)

	// No retry pass ran and the watermark stayed put.
	assert.Equal(t, 2, h.fake.Hits("param0_+18"))
	assert.Equal(t, latestRun.Add(-6*time.Hour), h.watermark(t))
}

func TestRunTotalFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.opts.FailLimit = 1
	h.opts.Retry = true
	h.fake.Orders[0].FileIDs = []string{"a_+18", "b_+18"}
	h.fake.FailAlways("a_+18", 500)
	h.fake.FailAlways("b_+18", 500)

	_, err := h.runner().Run(context.Background())

	var abort *batch.AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, batch.ReasonTotal, abort.Reason)

	_, ok, err := h.watermarks.Read(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunOutage(t *testing.T) {
	h := newHarness(t)
	h.dlOpts.Backoff = func(int, int) time.Duration { return time.Minute }
	h.dlOpts.PollInterval = 5 * time.Millisecond
	h.dlOpts.GracePeriod = 20 * time.Millisecond
	h.fake.SetDown(true)

	start := time.Now()
	summary, err := h.runner().Run(context.Background())
	require.ErrorIs(t, err, ErrOutage)
	assert.Less(t, time.Since(start), 10*time.Second)

	var cbErr *downloader.CircuitBreakerError
	assert.ErrorAs(t, err, &cbErr)
	assert.Equal(t, 5, summary.Orders[0].Failed)

	_, ok, err := h.watermarks.Read(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunUnknownModel(t *testing.T) {
	h := newHarness(t)
	h.opts.Models = []string{"mo-uk-deterministic-2km"}

	_, err := h.runner().Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestRunNoOrders(t *testing.T) {
	h := newHarness(t)
	h.fake.Orders = nil

	_, err := h.runner().Run(context.Background())
	assert.ErrorIs(t, err, ErrNoOrders)
}

func TestRunSkipsMissingOrders(t *testing.T) {
	h := newHarness(t)
	h.opts.Orders = []string{"missing", "O1"}

	summary, err := h.runner().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Orders, 1)
	assert.Equal(t, "o1", summary.Orders[0].OrderID)

	h.opts.Orders = []string{"missing"}
	_, err = h.runner().Run(context.Background())
	assert.ErrorIs(t, err, ErrNoOrders)
}

func TestRunCatalogUnreachable(t *testing.T) {
	h := newHarness(t)
	h.fake.APIKey = "other"

	_, err := h.runner().Run(context.Background())
	require.ErrorIs(t, err, ErrCatalogUnreachable)
	assert.ErrorIs(t, err, ohttp.ErrUnauthorized)
}

func TestRunUnparseableFileID(t *testing.T) {
	h := newHarness(t)
	h.fake.Orders[0].FileIDs = []string{"param0_+12", "no-run-marker"}
	h.seed(t, latestRun.Add(-12*time.Hour))

	_, err := h.runner().Run(context.Background())
	assert.ErrorIs(t, err, catalog.ErrUnparseableFileID)
}

func TestRunStorageError(t *testing.T) {
	h := newHarness(t)
	r := h.runner()
	r.watermarks = failingStore{}

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
}

type failingStore struct{}

func (failingStore) Read(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("bucket gone")
}

func (failingStore) Write(context.Context, string, time.Time) error {
	return errors.New("bucket gone")
}

func TestRunProgress(t *testing.T) {
	h := newHarness(t)
	var out syncBuffer
	h.opts.Progress = true
	h.opts.ProgressOutput = &out

	_, err := h.runner().Run(context.Background())
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "[ordersync] Order: o1 | Runs: [18] | Files: 5 | Workers: 2")
	assert.Contains(t, text, "[ordersync] Done: 5 ok | 0 skipped | 0 failed of 5 files")
}

// syncBuffer guards a buffer written by the progress goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
