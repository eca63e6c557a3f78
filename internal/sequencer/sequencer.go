package sequencer

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// StampLayout is the persisted representation of a run time.
const StampLayout = "2006-01-02:15"

// Generation is one model run: its two-digit hour label and its start time.
type Generation struct {
	Label string
	Time  time.Time
}

// NewGeneration returns the generation starting at t.
func NewGeneration(t time.Time) Generation {
	t = t.UTC().Truncate(time.Hour)
	return Generation{Label: fmt.Sprintf("%02d", t.Hour()), Time: t}
}

func (g Generation) String() string {
	return g.Time.Format(StampLayout)
}

// Cadence describes how often a model produces runs and how far back a
// catch-up may reach.
type Cadence struct {
	Increment   time.Duration
	MaxLookback int
}

var (
	// HighFrequency models run every hour.
	HighFrequency = Cadence{Increment: time.Hour, MaxLookback: 24}
	// LowFrequency models run every six hours.
	LowFrequency = Cadence{Increment: 6 * time.Hour, MaxLookback: 4}
)

// CadenceFor returns the cadence of a model. Models whose id contains "uk",
// or that appear in extra, are high frequency.
func CadenceFor(modelID string, extra []string) Cadence {
	id := strings.ToLower(modelID)
	if strings.Contains(id, "uk") {
		return HighFrequency
	}
	for _, m := range extra {
		if strings.EqualFold(m, modelID) {
			return HighFrequency
		}
	}
	return LowFrequency
}

// Result is the outcome of planning an order.
type Result struct {
	// Runs lists the generations to fetch, oldest first.
	Runs []Generation
	// Done is set when the watermark already covers the current run.
	Done bool
	// Watermark is the value to persist once the batch is accepted. When
	// Done it is the last-known generation.
	Watermark Generation
	// Dropped lists candidate generations the order is not entitled to.
	Dropped []Generation
}

// Labels returns the run labels of r.Runs.
func (r Result) Labels() []string {
	labels := make([]string, 0, len(r.Runs))
	for _, g := range r.Runs {
		labels = append(labels, g.Label)
	}
	return labels
}

// Planner computes the runs an order still needs.
type Planner struct {
	logger *slog.Logger
}

// New creates a planner. A nil logger discards warnings.
func New(logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{logger: logger}
}

// Plan returns the generations between the watermark (exclusive) and current
// (inclusive). A zero watermark means the order has never been fetched, in
// which case only current is returned. Candidates the order does not require
// are dropped with a warning.
func (p *Planner) Plan(current Generation, watermark time.Time, required []string, cadence Cadence) Result {
	if watermark.IsZero() {
		return p.filter(Result{
			Runs:      []Generation{current},
			Watermark: current,
		}, required)
	}

	last := NewGeneration(watermark)
	if !current.Time.After(last.Time) {
		return Result{Done: true, Watermark: last}
	}

	var runs []Generation
	for t := last.Time.Add(cadence.Increment); !t.After(current.Time); t = t.Add(cadence.Increment) {
		runs = append(runs, NewGeneration(t))
	}
	if len(runs) == 0 {
		// Current sits between cadence steps; fetch it on its own.
		runs = []Generation{current}
	}
	if cadence.MaxLookback > 0 && len(runs) > cadence.MaxLookback {
		p.logger.Warn("lookback window exceeded, skipping oldest runs",
			"skipped", len(runs)-cadence.MaxLookback,
			"oldest_kept", runs[len(runs)-cadence.MaxLookback].String())
		runs = runs[len(runs)-cadence.MaxLookback:]
	}

	return p.filter(Result{Runs: runs, Watermark: current}, required)
}

func (p *Planner) filter(r Result, required []string) Result {
	kept := r.Runs[:0:0]
	for _, g := range r.Runs {
		if slices.Contains(required, g.Label) {
			kept = append(kept, g)
			continue
		}
		p.logger.Warn("run not required by order, dropping", "run", g.Label, "time", g.String())
		r.Dropped = append(r.Dropped, g)
	}
	r.Runs = kept
	return r
}

// Select filters an explicit list of requested run labels against the runs
// the order requires, preserving request order.
func (p *Planner) Select(requested, required []string) []string {
	var kept []string
	for _, run := range requested {
		if slices.Contains(required, run) {
			kept = append(kept, run)
			continue
		}
		p.logger.Warn("run not required by order, dropping", "run", run)
	}
	return kept
}

// ParseStamp parses a persisted watermark stamp.
func ParseStamp(s string) (time.Time, error) {
	t, err := time.Parse(StampLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", s, err)
	}
	return t, nil
}

// FormatStamp renders t as a watermark stamp.
func FormatStamp(t time.Time) string {
	return t.UTC().Format(StampLayout)
}
