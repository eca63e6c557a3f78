package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CircuitState is shared by the workers of a batch and its monitor. It
// counts workers sleeping in backoff and carries a terminate flag that is
// set at most once and never cleared.
type CircuitState struct {
	waiting    atomic.Int32
	terminated atomic.Bool
	done       chan struct{}
}

// NewCircuitState returns an untripped state.
func NewCircuitState() *CircuitState {
	return &CircuitState{done: make(chan struct{})}
}

// Enter records a worker going to sleep in backoff.
func (s *CircuitState) Enter() { s.waiting.Add(1) }

// Leave records a worker waking from backoff.
func (s *CircuitState) Leave() { s.waiting.Add(-1) }

// Waiting returns the number of workers currently in backoff.
func (s *CircuitState) Waiting() int { return int(s.waiting.Load()) }

// Trip sets the terminate flag. It reports whether this call tripped it.
func (s *CircuitState) Trip() bool {
	if !s.terminated.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	return true
}

// Tripped reports whether the terminate flag is set.
func (s *CircuitState) Tripped() bool { return s.terminated.Load() }

// Done is closed when the state trips.
func (s *CircuitState) Done() <-chan struct{} { return s.done }

// CircuitBreakerError is returned when every worker was stuck in backoff for
// longer than the grace period.
type CircuitBreakerError struct {
	Workers  int           // Workers in the pool
	Grace    time.Duration // How long they were all waiting
	Failures int           // Failed tasks in the batch
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: all %d workers in backoff for over %s (%d files failed)",
		e.Workers, e.Grace, e.Failures)
}

// Monitor watches a CircuitState and trips it when every worker is waiting
// in backoff on two checks one grace period apart.
type Monitor struct {
	state   *CircuitState
	workers int
	poll    time.Duration
	grace   time.Duration
	logger  *slog.Logger
	onTrip  func()
}

// Run polls until ctx is cancelled or the state trips.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.state.Done():
			return nil
		case <-ticker.C:
		}

		if m.state.Waiting() < m.workers {
			continue
		}
		m.logger.Warn("all workers in backoff, re-checking after grace period",
			"workers", m.workers, "grace", m.grace)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.grace):
		}

		if waiting := m.state.Waiting(); waiting < m.workers {
			m.logger.Info("workers recovered", "waiting", waiting, "workers", m.workers)
			continue
		}
		if m.state.Trip() {
			m.logger.Error("all workers still in backoff, terminating batch",
				"workers", m.workers, "grace", m.grace)
			if m.onTrip != nil {
				m.onTrip()
			}
		}
		return nil
	}
}
