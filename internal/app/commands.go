package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/arkilian/tlt/internal/enrich"
	"github.com/arkilian/tlt/internal/ingest"
	"github.com/arkilian/tlt/internal/pipeline"
	"github.com/arkilian/tlt/internal/report"
	"github.com/arkilian/tlt/internal/size"
	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/internal/transform"
)

type ingestOptions struct {
	Input       string `flag:"input" validate:"required"`
	Out         string `flag:"out" validate:"required"`
	Compression string `flag:"compression" validate:"oneof=zstd snappy none"`
}

type transformOptions struct {
	In          string `flag:"in" validate:"required"`
	Out         string `flag:"out" validate:"required"`
	MAUWindow   int    `flag:"mau-window" validate:"gte=1"`
	Compression string `flag:"compression" validate:"oneof=zstd snappy none"`
}

type reportOptions struct {
	In     string `flag:"in" validate:"required"`
	Out    string `flag:"out" validate:"required"`
	Events string `flag:"events"`
	XLSX   bool   `flag:"xlsx"`
	DPI    int    `flag:"dpi" validate:"gte=10,lte=1200"`
}

type sizeOptions struct {
	CSV     string `flag:"csv" validate:"required"`
	Parquet string `flag:"parquet" validate:"required"`
}

type enrichOptions struct {
	Input  string  `flag:"input" validate:"required"`
	Out    string  `flag:"out" validate:"required"`
	Seed   uint64  `flag:"seed"`
	StdDev float64 `flag:"stddev" validate:"gte=0"`
}

type runOptions struct {
	Input       string `flag:"input" validate:"required"`
	WorkDir     string `flag:"workdir" validate:"required"`
	MAUWindow   int    `flag:"mau-window" validate:"gte=1"`
	Compression string `flag:"compression" validate:"oneof=zstd snappy none"`
	XLSX        bool   `flag:"xlsx"`
}

func (a *App) renderConfig(dpi int) report.RenderConfig {
	rc := report.DefaultRenderConfig()
	rc.WidthIn = a.cfg.Report.WidthIn
	rc.HeightIn = a.cfg.Report.HeightIn
	rc.DPI = dpi
	return rc
}

func (a *App) wrote(loc string) {
	fmt.Fprintf(a.stdout, "Wrote: %s\n", loc)
}

func (a *App) runIngest(ctx context.Context, args []string) error {
	opts := ingestOptions{Compression: a.cfg.Ingest.Compression}
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.StringVar(&opts.Input, "input", "", "CSV file of raw events (path or s3://bucket/key)")
	fs.StringVar(&opts.Input, "i", "", "shorthand for -input")
	fs.StringVar(&opts.Out, "out", "", "output table; .sqlite, .sqlite3 or .db selects SQLite, otherwise Parquet")
	fs.StringVar(&opts.Out, "o", "", "shorthand for -out")
	fs.StringVar(&opts.Compression, "compression", opts.Compression, "Parquet codec: zstd, snappy or none")
	if err := a.parseCommand(fs, args, &opts); err != nil {
		return err
	}
	compression, err := table.ParseCompression(opts.Compression)
	if err != nil {
		return err
	}

	in, err := a.stager.Fetch(ctx, opts.Input)
	if err != nil {
		return err
	}
	out, err := a.stager.Target(opts.Out)
	if err != nil {
		return err
	}
	if _, err := ingest.CSV(ctx, in, out, ingest.Options{Compression: compression}); err != nil {
		return err
	}
	if err := a.stager.Publish(ctx, opts.Out); err != nil {
		return err
	}
	a.wrote(opts.Out)
	return nil
}

func (a *App) runTransform(ctx context.Context, args []string) error {
	opts := transformOptions{MAUWindow: a.cfg.Transform.MAUWindow, Compression: a.cfg.Ingest.Compression}
	fs := flag.NewFlagSet("transform", flag.ContinueOnError)
	fs.StringVar(&opts.In, "in", "", "events table written by ingest")
	fs.StringVar(&opts.Out, "out", "", "output aggregate table")
	fs.IntVar(&opts.MAUWindow, "mau-window", opts.MAUWindow, "rolling active-user window in days")
	fs.StringVar(&opts.Compression, "compression", opts.Compression, "Parquet codec: zstd, snappy or none")
	if err := a.parseCommand(fs, args, &opts); err != nil {
		return err
	}
	compression, err := table.ParseCompression(opts.Compression)
	if err != nil {
		return err
	}

	in, err := a.stager.Fetch(ctx, opts.In)
	if err != nil {
		return err
	}
	out, err := a.stager.Target(opts.Out)
	if err != nil {
		return err
	}
	topts := transform.Options{MAUWindow: opts.MAUWindow, Compression: compression}
	if _, err := transform.File(ctx, in, out, topts); err != nil {
		return err
	}
	if err := a.stager.Publish(ctx, opts.Out); err != nil {
		return err
	}
	a.wrote(opts.Out)
	return nil
}

func (a *App) runReport(ctx context.Context, args []string) error {
	opts := reportOptions{XLSX: a.cfg.Report.Workbook, DPI: a.cfg.Report.DPI}
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.StringVar(&opts.In, "in", "", "aggregate or events table")
	fs.StringVar(&opts.Out, "out", "", "output directory")
	fs.StringVar(&opts.Events, "events", "", "optional events table for the latency chart")
	fs.BoolVar(&opts.XLSX, "xlsx", opts.XLSX, "also write metrics.xlsx")
	fs.IntVar(&opts.DPI, "dpi", opts.DPI, "chart resolution in dots per inch")
	if err := a.parseCommand(fs, args, &opts); err != nil {
		return err
	}

	in, err := a.stager.Fetch(ctx, opts.In)
	if err != nil {
		return err
	}
	var events string
	if opts.Events != "" {
		// The events table only feeds an optional chart.
		if events, err = a.stager.Fetch(ctx, opts.Events); err != nil {
			slog.Debug("events table unavailable",
				slog.String("events", opts.Events),
				slog.String("error", err.Error()))
			events = ""
		}
	}
	out, err := a.stager.Target(opts.Out)
	if err != nil {
		return err
	}

	ropts := report.Options{EventsPath: events, Workbook: opts.XLSX, Render: a.renderConfig(opts.DPI)}
	if _, err := report.Generate(ctx, in, out, ropts); err != nil {
		return err
	}
	if err := a.stager.Publish(ctx, opts.Out); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wrote reports to: %s\n", opts.Out)
	return nil
}

func (a *App) runSize(ctx context.Context, args []string) error {
	var opts sizeOptions
	fs := flag.NewFlagSet("size", flag.ContinueOnError)
	fs.StringVar(&opts.CSV, "csv", "", "CSV file")
	fs.StringVar(&opts.Parquet, "parquet", "", "table file")
	if err := a.parseCommand(fs, args, &opts); err != nil {
		return err
	}

	paths, err := a.stager.FetchAll(ctx, opts.CSV, opts.Parquet)
	if err != nil {
		return err
	}
	text, err := size.Compare(paths[0], paths[1])
	if err != nil {
		return err
	}
	fmt.Fprint(a.stdout, text)
	return nil
}

func (a *App) runEnrich(ctx context.Context, args []string) error {
	opts := enrichOptions{Seed: a.cfg.Enrich.Seed, StdDev: a.cfg.Enrich.StdDev}
	fs := flag.NewFlagSet("enrich", flag.ContinueOnError)
	fs.StringVar(&opts.Input, "input", "", "CSV file of raw events")
	fs.StringVar(&opts.Out, "out", "", "output CSV")
	fs.Uint64Var(&opts.Seed, "seed", opts.Seed, "jitter seed")
	fs.Float64Var(&opts.StdDev, "stddev", opts.StdDev, "jitter standard deviation in ms")
	if err := a.parseCommand(fs, args, &opts); err != nil {
		return err
	}

	in, err := a.stager.Fetch(ctx, opts.Input)
	if err != nil {
		return err
	}
	out, err := a.stager.Target(opts.Out)
	if err != nil {
		return err
	}
	eopts := enrich.Options{
		Seed:        opts.Seed,
		StdDev:      opts.StdDev,
		DefaultBase: a.cfg.Enrich.DefaultBase,
		Bases:       a.cfg.Enrich.Bases,
	}
	if _, err := enrich.AddLatency(ctx, in, out, eopts); err != nil {
		return err
	}
	if err := a.stager.Publish(ctx, opts.Out); err != nil {
		return err
	}
	a.wrote(opts.Out)
	return nil
}

func (a *App) runPipeline(ctx context.Context, args []string) error {
	opts := runOptions{
		MAUWindow:   a.cfg.Transform.MAUWindow,
		Compression: a.cfg.Ingest.Compression,
		XLSX:        a.cfg.Report.Workbook,
	}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&opts.Input, "input", "", "CSV file of raw events")
	fs.StringVar(&opts.WorkDir, "workdir", "", "directory for events.parquet, agg.parquet and reports/")
	fs.IntVar(&opts.MAUWindow, "mau-window", opts.MAUWindow, "rolling active-user window in days")
	fs.StringVar(&opts.Compression, "compression", opts.Compression, "Parquet codec: zstd, snappy or none")
	fs.BoolVar(&opts.XLSX, "xlsx", opts.XLSX, "also write reports/metrics.xlsx")
	if err := a.parseCommand(fs, args, &opts); err != nil {
		return err
	}
	compression, err := table.ParseCompression(opts.Compression)
	if err != nil {
		return err
	}

	in, err := a.stager.Fetch(ctx, opts.Input)
	if err != nil {
		return err
	}
	work, err := a.stager.Target(opts.WorkDir)
	if err != nil {
		return err
	}
	plan := pipeline.Plan{
		RunID:     a.runID,
		Input:     in,
		WorkDir:   work,
		Ingest:    ingest.Options{Compression: compression},
		Transform: transform.Options{MAUWindow: opts.MAUWindow, Compression: compression},
		Report: report.Options{
			Workbook: opts.XLSX,
			Render:   a.renderConfig(a.cfg.Report.DPI),
		},
	}
	if _, err := pipeline.Run(ctx, plan); err != nil {
		return err
	}
	if err := a.stager.Publish(ctx, opts.WorkDir); err != nil {
		return err
	}
	a.wrote(joinLocation(opts.WorkDir, pipeline.EventsFile))
	a.wrote(joinLocation(opts.WorkDir, pipeline.AggFile))
	fmt.Fprintf(a.stdout, "Wrote reports to: %s\n", joinLocation(opts.WorkDir, pipeline.ReportsDir))
	return nil
}

func (a *App) runVersion(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := a.parseCommand(fs, args, &struct{}{}); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "tlt version %s (commit: %s)\n", version, commit)
	return nil
}
