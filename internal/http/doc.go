// Package http provides the HTTP transport used to talk to the catalog service.
//
// This package handles:
//   - Connection pooling shared by all download workers
//   - JSON GET requests with retry and exponential backoff
//   - Single-shot streamed file downloads with time-to-first-byte capture
//   - A typed HTTPError carrying URL, status, headers and body excerpt
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	var orders catalog.OrderList
//	header, err := client.GetJSON(ctx, url, credentials, &orders)
//
//	// Download a file (no retry; the caller owns retry policy)
//	res, err := client.Fetch(ctx, url, credentials, "/data/file.grib2")
//	// res.Bytes, res.TTFB
package http
