package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/ordersync/internal/batch"
	"github.com/ligustah/ordersync/internal/catalog"
	"github.com/ligustah/ordersync/internal/downloader"
	ohttp "github.com/ligustah/ordersync/internal/http"
	"github.com/ligustah/ordersync/internal/metrics"
	"github.com/ligustah/ordersync/internal/progress"
	"github.com/ligustah/ordersync/internal/report"
	"github.com/ligustah/ordersync/internal/sequencer"
	"github.com/ligustah/ordersync/internal/watermark"
)

// downloadFolder is the directory under the location that receives files.
const downloadFolder = "downloaded"

// maxFileNameLen is the longest file id used verbatim as a file name.
const maxFileNameLen = 100

// Catalog is the subset of the catalog client the runner uses.
type Catalog interface {
	ListOrders(ctx context.Context) (*catalog.OrderList, error)
	GetOrderDetails(ctx context.Context, orderID string, runs []string) (*catalog.OrderDetails, error)
	GetLatestRun(ctx context.Context, modelID string) (catalog.Run, error)
	FileURL(orderID, fileID string) string
}

// Options configures an invocation.
type Options struct {
	// Orders lists the order ids to fetch, in processing order.
	Orders []string
	// Latest selects runs from the watermark instead of Runs.
	Latest bool
	// Runs lists explicit run labels.
	Runs []string
	// Models lists the models whose latest runs can be resolved.
	Models []string
	// HighFrequencyModels are treated as hourly in addition to "uk" models.
	HighFrequencyModels []string

	// Location is the root directory for downloaded files.
	Location       string
	FailLimit      int
	FolderDate     bool
	GUIDFileNames  bool
	BackdatedDate  string
	MaxFilesPerRun int
	PrintURLs      bool

	// Retry enables the serial retry pass.
	Retry      bool
	RetryDelay time.Duration
	Policy     batch.Policy

	// Progress enables console progress on ProgressOutput.
	Progress       bool
	ProgressOutput io.Writer
}

// OrderResult summarizes one processed order.
type OrderResult struct {
	OrderID   string
	Runs      []string
	Skipped   bool
	Attempted int
	Failed    int
	Recovered int
	Residual  int
	// Watermark is set when the order's watermark was advanced.
	Watermark time.Time
}

// Summary summarizes an invocation.
type Summary struct {
	Stamp  string
	Orders []OrderResult
}

// Runner executes invocations.
type Runner struct {
	catalog    Catalog
	downloader *downloader.Downloader
	watermarks watermark.Store
	reports    *report.Sink
	planner    *sequencer.Planner
	metrics    *metrics.Metrics
	opts       Options
	logger     *slog.Logger

	now     func() time.Time
	newName func() string
}

// NewRunner creates a runner.
func NewRunner(cat Catalog, dl *downloader.Downloader, wm watermark.Store, reports *report.Sink, m *metrics.Metrics, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.FailLimit <= 0 {
		opts.FailLimit = 30
	}
	if opts.Policy == (batch.Policy{}) {
		opts.Policy = batch.DefaultPolicy()
	}
	return &Runner{
		catalog:    cat,
		downloader: dl,
		watermarks: wm,
		reports:    reports,
		planner:    sequencer.New(logger),
		metrics:    m,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		newName:    func() string { return uuid.NewString() },
	}
}

// Run processes every requested order in turn. Fatal errors stop the
// invocation immediately; the summary covers the orders finished so far.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{Stamp: r.now().Format(report.StampLayout)}

	list, err := r.catalog.ListOrders(ctx)
	if err != nil {
		r.logFailure("listing orders failed", err)
		return summary, fmt.Errorf("%w: %w", ErrCatalogUnreachable, err)
	}
	if len(list.Orders) == 0 {
		return summary, ErrNoOrders
	}

	latest := make(map[string]catalog.Run)
	var residual ResidualError
	found := 0

	for _, id := range r.opts.Orders {
		order, ok := list.Find(id)
		if !ok {
			r.logger.Error("order not found in catalog, skipping", "order", id)
			continue
		}
		found++

		res, err := r.processOrder(ctx, order, summary.Stamp, latest)
		summary.Orders = append(summary.Orders, res)
		if err != nil {
			return summary, err
		}
		if res.Residual > 0 {
			residual.Files += res.Residual
			residual.Orders = append(residual.Orders, order.OrderID)
		}
	}

	if found == 0 {
		return summary, fmt.Errorf("%w: none of %v are active", ErrNoOrders, r.opts.Orders)
	}
	if residual.Files > 0 {
		return summary, &residual
	}
	return summary, nil
}

// plan decides which runs to fetch for an order. A nil plan result means
// explicit runs were requested.
func (r *Runner) plan(ctx context.Context, order catalog.Order, latest map[string]catalog.Run) ([]string, *sequencer.Result, error) {
	logger := r.logger.With("order", order.OrderID)

	if !r.opts.Latest {
		return r.planner.Select(r.opts.Runs, order.RequiredLatestRuns), nil, nil
	}

	if !slices.Contains(r.opts.Models, order.ModelID) {
		return nil, nil, fmt.Errorf("%w: %q (order %s)", ErrUnknownModel, order.ModelID, order.OrderID)
	}

	current, ok := latest[order.ModelID]
	if !ok {
		run, err := r.catalog.GetLatestRun(ctx, order.ModelID)
		if err != nil {
			r.logFailure("resolving latest run failed", err)
			return nil, nil, fmt.Errorf("%w: %w", ErrCatalogUnreachable, err)
		}
		latest[order.ModelID] = run
		current = run
	}

	stored, _, err := r.watermarks.Read(ctx, order.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	cadence := sequencer.CadenceFor(order.ModelID, r.opts.HighFrequencyModels)
	gen := sequencer.Generation{Label: current.Label, Time: current.Time}
	if gen.Label == "" {
		gen = sequencer.NewGeneration(current.Time)
	}
	res := r.planner.Plan(gen, stored, order.RequiredLatestRuns, cadence)
	if res.Done {
		logger.Info("order already up to date", "watermark", res.Watermark.String())
		return nil, &res, nil
	}

	var runs []string
	for _, label := range res.Labels() {
		if !slices.Contains(runs, label) {
			runs = append(runs, label)
		}
	}
	return runs, &res, nil
}

func (r *Runner) processOrder(ctx context.Context, order catalog.Order, stamp string, latest map[string]catalog.Run) (OrderResult, error) {
	logger := r.logger.With("order", order.OrderID)
	started := r.now()
	result := OrderResult{OrderID: order.OrderID}

	runs, plan, err := r.plan(ctx, order, latest)
	if err != nil {
		return result, err
	}
	if plan != nil && plan.Done {
		result.Skipped = true
		return result, nil
	}
	if len(runs) == 0 {
		logger.Warn("no required runs to fetch for order", "required", order.RequiredLatestRuns)
		result.Skipped = true
		return result, r.advance(ctx, order.OrderID, plan, &result)
	}
	result.Runs = runs

	details, err := r.catalog.GetOrderDetails(ctx, order.OrderID, runs)
	if err != nil {
		r.logFailure("fetching order details failed", err)
		return result, fmt.Errorf("%w: %w", ErrCatalogUnreachable, err)
	}
	grouped, err := catalog.GroupByRun(details.Files, runs, r.opts.MaxFilesPerRun)
	if err != nil {
		return result, fmt.Errorf("order %s: %w", order.OrderID, err)
	}

	tasks := r.tasks(order, runs, grouped, started)
	if len(tasks) == 0 {
		logger.Warn("no files available for requested runs, skipping", "runs", runs)
		result.Skipped = true
		return result, nil
	}
	logger.Info("fetching order", "runs", runs, "files", len(tasks))

	dl := r.downloader
	if r.opts.Progress {
		reporter := progress.NewReporter(progress.Options{
			OrderID:    order.OrderID,
			Runs:       runs,
			TotalFiles: len(tasks),
			Workers:    dl.Workers(),
			Output:     r.opts.ProgressOutput,
		})
		reporter.Start()
		dl = dl.WithProgress(reporter)
		defer reporter.Stop()
	}

	b, runErr := dl.Run(ctx, tasks)
	result.Attempted = b.Attempted()
	result.Failed = b.Failures()

	if err := r.reports.WriteBatch(ctx, order.OrderID, stamp, started, b); err != nil {
		return result, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	var cbErr *downloader.CircuitBreakerError
	if errors.As(runErr, &cbErr) {
		logger.Error("service outage detected, aborting", "failed", b.Failures(), "attempted", b.Attempted())
		r.logManifest(b.Manifest)
		return result, fmt.Errorf("%w: order %s: %w", ErrOutage, order.OrderID, runErr)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if b.Failures() > 0 {
		logger.Warn("files failed", "failed", b.Failures(), "attempted", b.Attempted(),
			"failures", report.FailuresKey(order.OrderID, stamp))

		if !r.opts.Retry {
			result.Residual = b.Failures()
		} else {
			if err := r.opts.Policy.Decide(b.Failures(), b.Attempted()); err != nil {
				var abort *batch.AbortError
				if errors.As(err, &abort) {
					r.metrics.EscalationAborted(string(abort.Reason))
				}
				logger.Error("too many failures to retry", "error", err)
				r.logManifest(b.Manifest)
				return result, err
			}

			pass := &batch.RetryPass{
				Retrier:   dl,
				Delay:     r.opts.RetryDelay,
				FailLimit: r.opts.FailLimit,
				Logger:    logger,
			}
			retried, err := pass.Run(ctx, b.Manifest)
			if err != nil {
				return result, err
			}
			if err := r.reports.WriteRetry(ctx, order.OrderID, stamp, retried); err != nil {
				return result, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			result.Recovered = len(retried.Recovered)
			result.Residual = len(retried.Residual)
			for _, o := range retried.Residual {
				r.logFailure("file still failing after retry", o.Err)
			}
		}
	}

	return result, r.advance(ctx, order.OrderID, plan, &result)
}

// advance persists the planned watermark. Explicit runs never touch it.
func (r *Runner) advance(ctx context.Context, orderID string, plan *sequencer.Result, result *OrderResult) error {
	if plan == nil {
		return nil
	}
	if err := r.watermarks.Write(ctx, orderID, plan.Watermark.Time); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	result.Watermark = plan.Watermark.Time
	r.logger.Info("watermark advanced", "order", orderID, "watermark", plan.Watermark.String())
	return nil
}

// tasks builds one task per file, in run order.
func (r *Runner) tasks(order catalog.Order, runs []string, grouped map[string][]string, started time.Time) []downloader.Task {
	var tasks []downloader.Task
	for _, run := range runs {
		folder := filepath.Join(r.opts.Location, downloadFolder, order.OrderID+"_"+run)
		if r.opts.FolderDate {
			folder = filepath.Join(r.opts.Location, downloadFolder,
				started.Format("200601021504")+"_"+run, order.OrderID+"_"+run)
		}

		for _, fileID := range grouped[run] {
			url := r.catalog.FileURL(order.OrderID, catalog.Backdate(fileID, r.opts.BackdatedDate))
			if r.opts.PrintURLs {
				r.logger.Info("file url", "order", order.OrderID, "url", url)
			}
			tasks = append(tasks, downloader.Task{
				OrderID:   order.OrderID,
				Run:       run,
				FileID:    fileID,
				URL:       url,
				Dest:      filepath.Join(folder, r.fileName(fileID)),
				FailLimit: r.opts.FailLimit,
			})
		}
	}
	return tasks
}

func (r *Runner) fileName(fileID string) string {
	if r.opts.GUIDFileNames || len(fileID) > maxFileNameLen {
		return r.newName() + ".grib2"
	}
	return fileID + ".grib2"
}

// logFailure logs an error with the URL, status and headers of the failed
// request when there is one.
func (r *Runner) logFailure(msg string, err error) {
	var httpErr *ohttp.HTTPError
	if errors.As(err, &httpErr) {
		r.logger.Error(msg,
			"url", httpErr.URL,
			"status", httpErr.Status,
			"headers", httpErr.Header,
			"body", string(httpErr.Body))
		return
	}
	r.logger.Error(msg, "error", err)
}

func (r *Runner) logManifest(manifest []downloader.ManifestEntry) {
	for _, e := range manifest {
		r.logger.Error("failed file", "order", e.OrderID, "url", e.URL, "status", e.StatusCode, "reason", e.Reason)
	}
}
