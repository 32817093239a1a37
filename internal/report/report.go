// Package report renders a summary text file, a feature usage chart and an
// optional latency chart from an aggregate or raw events table.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/internal/table"
)

// Output file names.
const (
	MetricsFile = "metrics.txt"
	UsageChart  = "feature_usage.png"
	LatencyFile = "latency_by_feature.png"
	Workbook    = "metrics.xlsx"
)

// Options controls report generation.
type Options struct {
	// EventsPath is an optional raw events table for the latency chart
	EventsPath string
	// Workbook also writes metrics.xlsx
	Workbook bool
	Render   RenderConfig
}

// Result lists what Generate wrote.
type Result struct {
	OutDir  string
	Files   []string
	Summary *Summary
}

// Generate reads the table at inPath and writes the report files into outDir,
// creating it if needed.
func Generate(ctx context.Context, inPath, outDir string, opts Options) (*Result, error) {
	start := time.Now()
	rc := opts.Render.withDefaults()

	t, err := table.Read(ctx, inPath)
	if err != nil {
		return nil, err
	}
	summary, usage, err := Summarize(t)
	if err != nil {
		return nil, err
	}

	var latency []FeatureLatency
	withLatency := false
	if opts.EventsPath != "" {
		latency, withLatency = loadLatency(ctx, opts.EventsPath)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed,
			fmt.Sprintf("create directory %s", outDir), err)
	}
	res := &Result{OutDir: outDir, Summary: summary}
	out := &outputs{}
	defer out.discard()

	usagePlt, err := usagePlot(usage, rc)
	if err != nil {
		return nil, tlterrors.NewInternalError("render usage chart", err)
	}
	if err := out.render(filepath.Join(outDir, UsageChart), func(w io.Writer) error {
		return renderPNG(w, usagePlt, rc)
	}); err != nil {
		return nil, err
	}

	if withLatency {
		latencyPlt, err := latencyPlot(latency, rc)
		if err != nil {
			return nil, tlterrors.NewInternalError("render latency chart", err)
		}
		if err := out.render(filepath.Join(outDir, LatencyFile), func(w io.Writer) error {
			return renderPNG(w, latencyPlt, rc)
		}); err != nil {
			return nil, err
		}
	}

	if err := out.render(filepath.Join(outDir, MetricsFile), func(w io.Writer) error {
		_, err := io.WriteString(w, summary.Text())
		return err
	}); err != nil {
		return nil, err
	}

	if opts.Workbook {
		var agg *table.Table
		if summary.Aggregated {
			agg = t
		}
		if err := out.render(filepath.Join(outDir, Workbook), func(w io.Writer) error {
			return writeWorkbook(w, usage, agg)
		}); err != nil {
			return nil, err
		}
	}

	if res.Files, err = out.commit(); err != nil {
		return nil, err
	}

	slog.Info("report complete",
		slog.String("input", inPath),
		slog.String("output", outDir),
		slog.Bool("aggregated", summary.Aggregated),
		slog.Int("features", len(usage)),
		slog.Int("files", len(res.Files)),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

// loadLatency reads the optional events table. Any failure skips the chart.
func loadLatency(ctx context.Context, path string) ([]FeatureLatency, bool) {
	events, err := table.Read(ctx, path)
	if err != nil {
		slog.Debug("skipping latency chart",
			slog.String("events", path),
			slog.String("error", err.Error()))
		return nil, false
	}
	groups, ok := LatencyByFeature(events)
	if !ok {
		slog.Debug("skipping latency chart: events table has no feature_id",
			slog.String("events", path))
	}
	return groups, ok
}

// outputs stages report files under temp names so that a report is either
// written completely or not at all.
type outputs struct {
	pending []stagedFile
}

type stagedFile struct {
	tmp, path string
}

// render writes one file to a temp name beside path.
func (o *outputs) render(path string, fn func(io.Writer) error) error {
	tmp := filepath.Join(filepath.Dir(path),
		fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), strings.SplitN(uuid.New().String(), "-", 2)[0]))

	f, err := os.Create(tmp)
	if err != nil {
		return tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("create %s", path), err)
	}
	o.pending = append(o.pending, stagedFile{tmp: tmp, path: path})
	err = fn(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("write %s", path), err)
	}
	return nil
}

// commit renames every staged file into place. If a rename fails, the files
// already renamed are removed again.
func (o *outputs) commit() ([]string, error) {
	var done []string
	for _, sf := range o.pending {
		if err := os.Rename(sf.tmp, sf.path); err != nil {
			for _, p := range done {
				os.Remove(p)
			}
			return nil, tlterrors.NewStorageError(tlterrors.CodeWriteFailed, fmt.Sprintf("write %s", sf.path), err)
		}
		done = append(done, sf.path)
	}
	o.pending = nil
	return done, nil
}

// discard removes temp files that were never committed.
func (o *outputs) discard() {
	for _, sf := range o.pending {
		os.Remove(sf.tmp)
	}
	o.pending = nil
}
