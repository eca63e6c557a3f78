package main

import (
	"flag"
	"fmt"
	"text/tabwriter"

	"github.com/ligustah/ordersync/internal/config"
	"github.com/ligustah/ordersync/internal/sequencer"
	"github.com/ligustah/ordersync/internal/storage"
	"github.com/ligustah/ordersync/internal/watermark"
)

func runState(args []string) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)

	order := fs.String("order", "", "Order id to show or reset (default: list all)")
	reset := fs.Bool("reset", false, "Delete the order's watermark so the next fetch starts fresh")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: ordersync state [options]

List stored watermarks, show the watermark of one order, or reset it.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *reset && *order == "" {
		fmt.Fprintln(stderr, "Error: -reset requires -order")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := common.load(config.Config{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	bkt, err := storage.OpenBucket(ctx, cfg.StateLocation())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer bkt.Close()

	store := watermark.NewBlobStore(bkt, watermark.DefaultPrefix)

	switch {
	case *reset:
		if err := store.Delete(ctx, *order); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		fmt.Fprintf(stderr, "[ordersync] Reset watermark of %s\n", *order)

	case *order != "":
		ts, ok, err := store.Read(ctx, *order)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		if !ok {
			fmt.Fprintf(stderr, "[ordersync] No watermark stored for %s\n", *order)
			return ExitSuccess
		}
		fmt.Fprintln(stdout, sequencer.FormatStamp(ts))

	default:
		entries, err := store.List(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ORDER\tWATERMARK")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.OrderID, sequencer.FormatStamp(e.Time))
		}
		if err := w.Flush(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
	}
	return ExitSuccess
}
