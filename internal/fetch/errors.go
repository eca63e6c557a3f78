package fetch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoOrders is returned when the catalog lists no active orders, or
	// none of the requested orders exist.
	ErrNoOrders = errors.New("no orders available")

	// ErrCatalogUnreachable wraps failed catalog requests.
	ErrCatalogUnreachable = errors.New("catalog unreachable")

	// ErrUnknownModel is returned when an order's model is not supported.
	ErrUnknownModel = errors.New("unknown model")

	// ErrOutage is returned when the circuit breaker aborted a batch.
	ErrOutage = errors.New("service outage")

	// ErrStorage wraps watermark and report bucket failures.
	ErrStorage = errors.New("storage error")
)

// ResidualError reports files still failing after the invocation finished.
type ResidualError struct {
	Files  int
	Orders []string
}

func (e *ResidualError) Error() string {
	return fmt.Sprintf("%d files remain in error (orders: %s)", e.Files, strings.Join(e.Orders, ", "))
}
