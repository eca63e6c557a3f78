// Package catalog is a client for the order catalog service.
//
// The catalog lists the caller's active orders, the files currently
// available for an order, and the newest complete run of each model. Every
// non-200 answer surfaces as an *http.HTTPError so callers can report the
// failing URL, status and headers.
package catalog
