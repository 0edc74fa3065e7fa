package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"pricewatch/internal/ingest"
	"pricewatch/internal/pipeline"
)

// ProcessOptions configure a one-shot batch job.
type ProcessOptions struct {
	// File is the payload path; "" or "-" reads stdin.
	File string
	// FromFeed pulls the payload from the configured feed instead.
	FromFeed bool
	Stdin    io.Reader
	Output   io.Writer
}

// Process decodes one observation payload and runs it through the pipeline,
// printing the batch report as JSON.
func (a *App) Process(ctx context.Context, opts ProcessOptions) error {
	in := opts.Stdin
	if in == nil {
		in = os.Stdin
	}
	if opts.File != "" && opts.File != "-" {
		f, err := os.Open(opts.File)
		if err != nil {
			return fmt.Errorf("open observations: %w", err)
		}
		defer f.Close()
		in = f
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	batch, err := a.readBatch(ctx, opts, in)
	if err != nil {
		return err
	}

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.pipeline.ProcessBatch(ctx, batch)
	if encErr := writeReport(out, report); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		a.Logger.Warn().Int("failed", report.Failed).Msg("some products failed, check the log")
	}
	return nil
}

func (a *App) readBatch(ctx context.Context, opts ProcessOptions, in io.Reader) (ingest.Batch, error) {
	if !opts.FromFeed {
		return ingest.Decode(in, time.Now())
	}
	feed, err := ingest.NewFeed(a.Config.Feed, a.Logger)
	if err != nil {
		return ingest.Batch{}, err
	}
	return feed.Fetch(ctx)
}

func writeReport(w io.Writer, report pipeline.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
