// Package ingest turns a CSV of telemetry events into a validated, typed and
// time-ordered table artifact.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/pkg/types"
)

// RequiredColumns must be present in every input header.
var RequiredColumns = []string{types.ColTimestamp, types.ColUserID, types.ColEvent, types.ColFeatureID}

// identifierColumns must be non-empty on every row, checked in this order.
var identifierColumns = []string{types.ColUserID, types.ColEvent, types.ColFeatureID}

const utf8BOM = "\ufeff"

// Options controls how the ingested table is written.
type Options struct {
	// Format overrides extension-based format selection
	Format table.Format
	// Compression is the Parquet codec (default zstd)
	Compression table.Compression
}

// Stats summarizes a parsed input.
type Stats struct {
	Rows int
	// NullLatencies counts latency_ms values that were empty or unusable
	NullLatencies int
	// ExtraColumns lists carried-through columns beyond the event schema
	ExtraColumns []string
}

// Result describes a completed ingest.
type Result struct {
	Stats
	Path      string
	SizeBytes int64
}

// CSV reads the events at inputPath, validates and normalizes them, and writes
// the table to outPath. Nothing is written if validation fails.
func CSV(ctx context.Context, inputPath, outPath string, opts Options) (*Result, error) {
	start := time.Now()

	f, err := os.Open(inputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tlterrors.NotFound(inputPath)
		}
		return nil, tlterrors.NewStorageError(tlterrors.CodeReadFailed, fmt.Sprintf("open %s", inputPath), err)
	}
	defer f.Close()

	t, stats, err := Read(ctx, f)
	if err != nil {
		return nil, err
	}

	info, err := table.Write(ctx, outPath, t, table.WriteOptions{Format: opts.Format, Compression: opts.Compression})
	if err != nil {
		return nil, err
	}

	slog.Info("ingest complete",
		slog.String("input", inputPath),
		slog.String("output", outPath),
		slog.Int("rows", stats.Rows),
		slog.Int("null_latencies", stats.NullLatencies),
		slog.Duration("duration", time.Since(start)))

	return &Result{Stats: *stats, Path: info.Path, SizeBytes: info.SizeBytes}, nil
}

// Read parses CSV events from r into a table sorted by timestamp.
// Validation runs schema, then timestamps, then identifiers, failing on the first problem.
func Read(ctx context.Context, r io.Reader) (*table.Table, *Stats, error) {
	header, records, err := readRecords(r)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if name == "" {
			name = fmt.Sprintf("unnamed_%d", i)
			header[i] = name
		}
		if _, dup := index[name]; dup {
			return nil, nil, tlterrors.NewParseError(tlterrors.CodeMalformedCSV,
				fmt.Sprintf("duplicate column %q in header", name))
		}
		index[name] = i
	}

	var missing []string
	for _, name := range RequiredColumns {
		if _, ok := index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, nil, tlterrors.NewSchemaError(tlterrors.CodeMissingColumns,
			fmt.Sprintf("missing required columns: %v", missing)).
			With("missing", missing)
	}

	times, err := parseTimestamps(records, index[types.ColTimestamp])
	if err != nil {
		return nil, nil, err
	}

	for _, name := range identifierColumns {
		ci := index[name]
		for _, rec := range records {
			if rec[ci] == "" {
				return nil, nil, tlterrors.NewIntegrityError(
					fmt.Sprintf("column %q contains null/empty values", name))
			}
		}
	}

	stats := &Stats{Rows: len(records)}
	cols := make([]*table.Column, len(header))
	for ci, name := range header {
		switch name {
		case types.ColTimestamp:
			cols[ci] = table.NewTimestampColumn(name, times)
		case types.ColLatencyMS:
			vals, nulls := parseLatencies(records, ci)
			stats.NullLatencies = nulls
			cols[ci] = table.NewNullableFloat64Column(name, vals)
		default:
			if !isEventColumn(name) {
				stats.ExtraColumns = append(stats.ExtraColumns, name)
			}
			cols[ci] = table.NewStringColumn(name, column(records, ci))
		}
	}

	if stats.NullLatencies > 0 {
		slog.Debug("coerced unusable latency values to null", slog.Int("count", stats.NullLatencies))
	}

	t, err := table.New(cols...)
	if err != nil {
		return nil, nil, tlterrors.NewInternalError("build event table", err)
	}
	return t.Take(sortedOrder(times)), stats, nil
}

func readRecords(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, tlterrors.NewParseError(tlterrors.CodeMalformedCSV, "input has no header row")
	}
	if err != nil {
		return nil, nil, malformed(err)
	}
	header[0] = strings.TrimPrefix(header[0], utf8BOM)

	var records [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, malformed(err)
		}
		records = append(records, rec)
	}
	return header, records, nil
}

func malformed(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return tlterrors.Wrap(tlterrors.ErrCategoryParse, tlterrors.CodeMalformedCSV,
			fmt.Sprintf("malformed CSV at line %d", pe.Line), pe.Err)
	}
	return tlterrors.Wrap(tlterrors.ErrCategoryParse, tlterrors.CodeMalformedCSV, "malformed CSV", err)
}

// Tables store timestamps as int64 nanoseconds since the epoch.
var (
	minStorableTime = time.Unix(0, math.MinInt64).UTC()
	maxStorableTime = time.Unix(0, math.MaxInt64).UTC()
)

func parseTimestamps(records [][]string, ci int) ([]time.Time, error) {
	times := make([]time.Time, len(records))
	bad := 0
	for i, rec := range records {
		ts, ok := ParseTimestamp(rec[ci])
		if !ok || ts.Before(minStorableTime) || ts.After(maxStorableTime) {
			bad++
			continue
		}
		times[i] = ts
	}
	if bad > 0 {
		return nil, tlterrors.NewParseError(tlterrors.CodeBadTimestamp,
			fmt.Sprintf("%d timestamps could not be parsed", bad)).
			With("count", bad)
	}
	return times, nil
}

// parseLatencies coerces latency strings; empty, non-numeric, non-finite and
// negative values become null.
func parseLatencies(records [][]string, ci int) ([]*float64, int) {
	vals := make([]*float64, len(records))
	nulls := 0
	for i, rec := range records {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[ci]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			nulls++
			continue
		}
		vals[i] = &v
	}
	return vals, nulls
}

func column(records [][]string, ci int) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec[ci]
	}
	return out
}

func sortedOrder(times []time.Time) []int {
	order := make([]int, len(times))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return times[order[a]].Before(times[order[b]])
	})
	return order
}

func isEventColumn(name string) bool {
	switch name {
	case types.ColTimestamp, types.ColUserID, types.ColEvent, types.ColFeatureID, types.ColLatencyMS:
		return true
	}
	return false
}
