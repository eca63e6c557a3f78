package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ligustah/ordersync/internal/catalog"
	"github.com/ligustah/ordersync/internal/config"
	ohttp "github.com/ligustah/ordersync/internal/http"
)

func runOrders(args []string) int {
	fs := flag.NewFlagSet("orders", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: ordersync orders [options]

List the active orders of the account with their model and required runs.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load(config.Config{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := requireCredentials(cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := newLogger(common.verbose)
	httpOpts := httpOptions(cfg)
	httpOpts.Logger = logger
	cat := catalog.NewClient(ohttp.NewClient(httpOpts), cfg.BaseURL, catalog.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		APIKey:       cfg.APIKey,
	}, logger)

	list, err := cat.ListOrders(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		var httpErr *ohttp.HTTPError
		if errors.As(err, &httpErr) {
			fmt.Fprintf(stderr, "  url: %s\n  status: %s\n  headers: %v\n", httpErr.URL, httpErr.Status, httpErr.Header)
		}
		return ExitCatalogUnreachable
	}
	if len(list.Orders) == 0 {
		fmt.Fprintln(stderr, "[ordersync] No active orders")
		return ExitNoOrders
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tMODEL\tRUNS\tNAME")
	for _, o := range list.Orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.OrderID, o.ModelID, strings.Join(o.RequiredLatestRuns, ","), o.Name)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	return ExitSuccess
}
