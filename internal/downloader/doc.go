// Package downloader fetches batches of files with a fixed pool of workers.
//
// # Usage
//
//	d := downloader.New(httpClient, downloader.Options{
//	    Workers: 4,
//	    Header:  catalogClient.FileHeader(),
//	})
//	batch, err := d.Run(ctx, tasks)
//
// # Worker Pool
//
// Tasks go onto an unbounded Queue. Each worker takes one task at a time and
// retries it, sleeping per Backoff between attempts, until it succeeds or
// its FailLimit is used up. Every task yields exactly one Outcome; failures
// also produce a ManifestEntry for a later retry pass. Once the queue has
// drained, one stop signal per worker ends the pool.
//
// # Circuit Breaker
//
// A Monitor polls the number of workers sleeping in backoff. When all of
// them are still waiting after a grace period, it trips the shared
// CircuitState: sleeping workers wake and give up, and tasks not yet started
// fail without a request. Run then returns a *CircuitBreakerError alongside
// the batch.
package downloader
