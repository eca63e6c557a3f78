// Package sequencer decides which model runs an order still needs.
//
// Given the newest complete run reported by the catalog and the watermark
// left by the previous successful invocation, Plan walks forward in steps of
// the model's cadence and returns every run missed since then, capped at the
// cadence's lookback window and filtered against the runs the order is
// entitled to.
package sequencer
