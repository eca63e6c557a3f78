// Package fetch runs one invocation: it resolves the requested orders
// against the catalog and, one order at a time, plans the runs to fetch,
// downloads their files, escalates or retries failures, writes reports and
// finally advances the order's watermark.
//
// Errors returned by Runner.Run are classified with errors.Is against the
// package's sentinels (and *batch.AbortError, *ResidualError) so the CLI can
// map each class to its own exit status.
package fetch
