// Package progress prints live console progress for a batch of file
// downloads.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    OrderID:    "o1",
//	    TotalFiles: len(tasks),
//	    Workers:    4,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.FileStarted()
//	reporter.FileCompleted(size)
//
// # Output Format
//
//	[ordersync] Order: o1 | Runs: [00 06] | Files: 120 | Workers: 4
//	[ordersync] Progress: 45.0% | 54/120 files | 1.13 GB | Speed: 12.40 MB/s | ETA: 2m 10s
//	[ordersync] Files: 50 ok | 2 skipped | 2 failed | 4 in-progress | 1 waiting
package progress
