package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ligustah/ordersync/internal/batch"
	"github.com/ligustah/ordersync/internal/catalog"
	"github.com/ligustah/ordersync/internal/config"
	"github.com/ligustah/ordersync/internal/downloader"
	"github.com/ligustah/ordersync/internal/fetch"
	ohttp "github.com/ligustah/ordersync/internal/http"
	"github.com/ligustah/ordersync/internal/metrics"
	"github.com/ligustah/ordersync/internal/report"
	"github.com/ligustah/ordersync/internal/sequencer"
	"github.com/ligustah/ordersync/internal/storage"
	"github.com/ligustah/ordersync/internal/watermark"
)

func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)

	orders := fs.String("orders", "", "Comma separated order ids (required)")
	runs := fs.String("runs", "", `"latest" or a comma separated list of runs (default "00,06,12,18")`)
	workers := fs.Int("workers", 0, "Number of parallel download workers (default 4)")
	reportURL := fs.String("report-url", "", "Bucket URL or directory for reports (default: location)")
	failLimit := fs.Int("fail-limit", 0, "Attempts per file before giving up (default 30)")
	retry := fs.Bool("retry", false, "Retry failed files serially after the batch")
	retryDelay := fs.Duration("retry-delay", 0, "Wait before the serial retry pass (default 30s)")
	fillGaps := fs.Bool("fill-gaps", false, "Keep files already on disk instead of fetching them again")
	folderDate := fs.Bool("folder-date", false, "Nest download folders under a processing timestamp")
	guidNames := fs.Bool("guid-file-names", false, "Name downloaded files with random UUIDs")
	backdated := fs.String("backdated-date", "", "Fetch files of an earlier delivery (YYYYMMDD)")
	maxFiles := fs.Int("max-files-per-run", 0, "Limit the files fetched per run (0 = all)")
	showProgress := fs.Bool("progress", false, "Show download progress")
	printURLs := fs.Bool("print-urls", false, "Log every file URL")
	metricsFile := fs.String("metrics-file", "", "Write Prometheus metrics to this file at exit")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: ordersync fetch [options]

Download the files of one or more orders. With -runs latest, only the runs
published since the last successful fetch of each order are downloaded, and
the order's watermark is advanced afterwards.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load(config.Config{
		Orders:         config.SplitList(*orders),
		Runs:           *runs,
		Workers:        *workers,
		ReportURL:      *reportURL,
		FailLimit:      *failLimit,
		FillGaps:       *fillGaps,
		FolderDate:     *folderDate,
		GUIDFileNames:  *guidNames,
		BackdatedDate:  *backdated,
		MaxFilesPerRun: *maxFiles,
		Progress:       *showProgress,
		PrintURLs:      *printURLs,
		MetricsFile:    *metricsFile,
		Retry:          config.RetryConfig{Enabled: *retry, Delay: *retryDelay},
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := newLogger(common.verbose)
	m := metrics.New()
	defer func() {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Error("writing metrics failed", "error", err)
		}
	}()

	return fetchOrders(ctx, cfg, m, logger)
}

func fetchOrders(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) int {
	stateBucket, err := storage.OpenBucket(ctx, cfg.StateLocation())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer stateBucket.Close()

	reportBucket, err := storage.OpenBucket(ctx, cfg.ReportLocation())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer reportBucket.Close()

	httpOpts := httpOptions(cfg)
	httpOpts.Logger = logger
	client := ohttp.NewClient(httpOpts)

	cat := catalog.NewClient(client, cfg.BaseURL, catalog.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		APIKey:       cfg.APIKey,
	}, logger)

	dl := downloader.New(client, downloader.Options{
		Workers:      cfg.Workers,
		Header:       cat.FileHeader(),
		FillGaps:     cfg.FillGaps,
		PollInterval: cfg.Monitor.PollInterval,
		GracePeriod:  cfg.Monitor.GracePeriod,
		Metrics:      m,
		Logger:       logger,
	})

	policy := batch.DefaultPolicy()
	policy.MajorityMinFailures = cfg.Retry.MajorityMinFailures

	runner := fetch.NewRunner(cat, dl,
		watermark.NewBlobStore(stateBucket, watermark.DefaultPrefix),
		report.NewSink(reportBucket, cfg.Workers),
		m,
		fetch.Options{
			Orders:              cfg.Orders,
			Latest:              cfg.LatestRuns(),
			Runs:                cfg.RunList(),
			Models:              cfg.Models,
			HighFrequencyModels: cfg.HighFrequencyModels,
			Location:            cfg.Location,
			FailLimit:           cfg.FailLimit,
			FolderDate:          cfg.FolderDate,
			GUIDFileNames:       cfg.GUIDFileNames,
			BackdatedDate:       cfg.BackdatedDate,
			MaxFilesPerRun:      cfg.MaxFilesPerRun,
			PrintURLs:           cfg.PrintURLs,
			Retry:               cfg.Retry.Enabled,
			RetryDelay:          cfg.Retry.Delay,
			Policy:              policy,
			Progress:            cfg.Progress,
			ProgressOutput:      stderr,
		},
		logger)

	summary, err := runner.Run(ctx)
	printSummary(summary)

	code := exitCode(err)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

func printSummary(s *fetch.Summary) {
	if s == nil {
		return
	}
	for _, o := range s.Orders {
		if o.Skipped && o.Attempted == 0 {
			fmt.Fprintf(stderr, "[ordersync] %s: nothing to fetch\n", o.OrderID)
			continue
		}
		line := fmt.Sprintf("[ordersync] %s: runs %s, %d files, %d failed",
			o.OrderID, strings.Join(o.Runs, ","), o.Attempted, o.Failed)
		if o.Recovered > 0 || o.Residual > 0 {
			line += fmt.Sprintf(", %d recovered on retry, %d still failing", o.Recovered, o.Residual)
		}
		if !o.Watermark.IsZero() {
			line += ", watermark " + sequencer.FormatStamp(o.Watermark)
		}
		fmt.Fprintln(stderr, line)
	}
}

// exitCode maps an invocation error to its exit status.
func exitCode(err error) int {
	var (
		abort    *batch.AbortError
		residual *fetch.ResidualError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, fetch.ErrNoOrders):
		return ExitNoOrders
	case errors.Is(err, fetch.ErrCatalogUnreachable):
		return ExitCatalogUnreachable
	case errors.Is(err, fetch.ErrUnknownModel):
		return ExitUnknownModel
	case errors.Is(err, fetch.ErrStorage):
		return ExitStorageError
	case errors.As(err, &abort):
		return ExitBatchAborted
	case errors.Is(err, fetch.ErrOutage):
		return ExitOutage
	case errors.As(err, &residual):
		return ExitResidualErrors
	default:
		return ExitGeneralError
	}
}
