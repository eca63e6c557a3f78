// Package testutils provides shared test infrastructure: an in-process fake
// of the catalog service for unit tests and a MinIO container for
// integration tests.
package testutils
