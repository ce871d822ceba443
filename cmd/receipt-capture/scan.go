package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/pipeline"
)

type scanOptions struct {
	Path string
	// Sets are field=value corrections applied before printing.
	Sets   []string
	Commit bool
	JSON   bool
}

// runScan drives one local image through the pipeline. Without Commit the
// draft is only printed and the uploaded copy removed again.
func runScan(ctx context.Context, deps pipeline.Deps, opts scanOptions, out io.Writer) error {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return fmt.Errorf("reading receipt: %w", err)
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Reading receipt..."),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(out)
		}),
	)
	if opts.JSON {
		bar = progressbar.NewOptions(100, progressbar.OptionSetWriter(io.Discard))
	}
	deps.OnProgress = func(percent int) {
		if err := bar.Set(percent); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}

	p := pipeline.New(deps)
	snap, err := p.Accept(ctx, capture.Source{
		Filename: filepath.Base(opts.Path),
		Data:     data,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", pipeline.Message(err), err)
	}
	if !bar.IsFinished() {
		bar.Finish()
	}

	if len(opts.Sets) > 0 {
		fields := make(map[string]string, len(opts.Sets))
		for _, set := range opts.Sets {
			name, value, ok := strings.Cut(set, "=")
			if !ok {
				p.Cancel(ctx)
				return fmt.Errorf("invalid --set %q: want field=value", set)
			}
			fields[strings.TrimSpace(name)] = value
		}
		if err := p.EditFields(fields); err != nil {
			p.Cancel(ctx)
			return fmt.Errorf("%s: %w", pipeline.Message(err), err)
		}
	}

	if !opts.Commit {
		snap = p.Snapshot()
		if err := p.Cancel(ctx); err != nil {
			slog.Warn("Failed to discard scanned receipt", "error", err)
		}
		return printScan(out, snap, opts.JSON)
	}

	if _, err := p.Confirm(ctx); err != nil {
		snap = p.Snapshot()
		p.Cancel(ctx)
		printScan(out, snap, opts.JSON)
		return fmt.Errorf("%s: %w", pipeline.Message(err), err)
	}
	return printScan(out, p.Snapshot(), opts.JSON)
}

func printScan(out io.Writer, snap pipeline.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	if snap.Warning != "" {
		fmt.Fprintf(out, "Warning: %s\n", snap.Warning)
	}
	if snap.ExpenseID != "" {
		fmt.Fprintf(out, "Saved expense %s\n", snap.ExpenseID)
		return nil
	}
	if snap.Draft == nil {
		return nil
	}

	d := snap.Draft
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Merchant\t%s\n", d.Merchant)
	fmt.Fprintf(tw, "Amount\t%s %s\n", d.Amount, d.Currency)
	fmt.Fprintf(tw, "Date\t%s\n", d.Date)
	fmt.Fprintf(tw, "Category\t%s\n", d.Category)
	fmt.Fprintf(tw, "Notes\t%s\n", d.Notes)
	if snap.ConfidenceLevel != "" {
		fmt.Fprintf(tw, "Confidence\t%.0f%% (%s)\n", d.Confidence*100, snap.ConfidenceLevel)
	}
	for _, item := range d.Items {
		fmt.Fprintf(tw, "  %s\t%s\n", item.Description, item.Amount)
	}
	if !snap.CanConfirm {
		fmt.Fprintln(tw, "\tmerchant and amount are needed before saving")
	}
	return tw.Flush()
}
