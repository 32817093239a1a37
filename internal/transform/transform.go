// Package transform rolls raw events up into per-day, per-feature aggregates
// with latency percentiles and distinct active-user counts.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/pkg/types"
)

// DefaultMAUWindow is the rolling active-user window in days.
const DefaultMAUWindow = 30

// Options controls aggregation.
type Options struct {
	// MAUWindow is the trailing window in days; must be positive
	MAUWindow int
	// Format overrides extension-based output format selection
	Format table.Format
	// Compression is the Parquet codec for the output
	Compression table.Compression
}

// DefaultOptions returns options with the default window.
func DefaultOptions() Options {
	return Options{MAUWindow: DefaultMAUWindow}
}

func (o Options) window() (int, error) {
	if o.MAUWindow <= 0 {
		return 0, tlterrors.NewParameterError(tlterrors.CodeInvalidWindow,
			fmt.Sprintf("mau window must be a positive integer, got %d", o.MAUWindow))
	}
	return o.MAUWindow, nil
}

// MAUColumn returns the aggregate column name for a window, e.g. "mau_30d".
func MAUColumn(window int) string {
	return fmt.Sprintf("%s%dd", types.MAUPrefix, window)
}

// Result holds the aggregate table and its typed rows.
type Result struct {
	Table     *table.Table
	Rows      []types.DailyAggregate
	Daily     []DailyActive
	MAUColumn string
	Path      string
}

type groupKey struct {
	day     int64
	feature string
}

type group struct {
	events    int64
	latencies []float64
}

// Aggregate computes daily aggregates from an events table. The table must
// have timestamp (TIMESTAMP), user_id and feature_id (STRING) columns;
// latency_ms is optional.
func Aggregate(events *table.Table, opts Options) (*Result, error) {
	window, err := opts.window()
	if err != nil {
		return nil, err
	}
	evs, hasLatency, err := loadEvents(events)
	if err != nil {
		return nil, err
	}

	groups := make(map[groupKey]*group)
	userDays := make(map[string]map[int64]struct{})
	for _, ev := range evs {
		day := dayNumber(ev.Timestamp)
		k := groupKey{day: day, feature: ev.FeatureID}
		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.events++
		if ev.LatencyMS != nil {
			g.latencies = append(g.latencies, *ev.LatencyMS)
		}

		set, ok := userDays[ev.UserID]
		if !ok {
			set = make(map[int64]struct{})
			userDays[ev.UserID] = set
		}
		set[day] = struct{}{}
	}

	keys := make([]groupKey, 0, len(groups))
	daySet := make(map[int64]struct{})
	for k := range groups {
		keys = append(keys, k)
		daySet[k.day] = struct{}{}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].day != keys[j].day {
			return keys[i].day < keys[j].day
		}
		return keys[i].feature < keys[j].feature
	})
	days := make([]int64, 0, len(daySet))
	for d := range daySet {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	daily := activeUsers(days, userDays, window)
	byDay := make(map[int64]DailyActive, len(daily))
	for i, d := range days {
		byDay[d] = daily[i]
	}

	rows := make([]types.DailyAggregate, len(keys))
	for i, k := range keys {
		g := groups[k]
		row := types.DailyAggregate{
			Date:      dayTime(k.day),
			FeatureID: k.feature,
			Events:    g.events,
			DAU:       byDay[k.day].DAU,
			MAU:       byDay[k.day].MAU,
		}
		if hasLatency && len(g.latencies) > 0 {
			sort.Float64s(g.latencies)
			p50, p95 := Quantile(g.latencies, 0.5), Quantile(g.latencies, 0.95)
			row.P50, row.P95 = &p50, &p95
		}
		rows[i] = row
	}

	mauCol := MAUColumn(window)
	t, err := buildTable(rows, mauCol)
	if err != nil {
		return nil, tlterrors.NewInternalError("build aggregate table", err)
	}
	return &Result{Table: t, Rows: rows, Daily: daily, MAUColumn: mauCol}, nil
}

// File reads the events table at inPath, aggregates it and writes the result
// to outPath. The window is validated before anything is read.
func File(ctx context.Context, inPath, outPath string, opts Options) (*Result, error) {
	start := time.Now()
	if _, err := opts.window(); err != nil {
		return nil, err
	}

	events, err := table.Read(ctx, inPath)
	if err != nil {
		return nil, err
	}

	res, err := Aggregate(events, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := table.Write(ctx, outPath, res.Table, table.WriteOptions{Format: opts.Format, Compression: opts.Compression})
	if err != nil {
		return nil, err
	}
	res.Path = info.Path

	slog.Info("transform complete",
		slog.String("input", inPath),
		slog.String("output", outPath),
		slog.Int("events", events.NumRows()),
		slog.Int("rows", len(res.Rows)),
		slog.String("mau_column", res.MAUColumn),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

// loadEvents validates the events table and converts it to typed records.
func loadEvents(t *table.Table) ([]types.Event, bool, error) {
	if missing := t.Missing(types.ColTimestamp, types.ColUserID, types.ColFeatureID); len(missing) > 0 {
		return nil, false, tlterrors.NewSchemaError(tlterrors.CodeMissingColumns,
			fmt.Sprintf("missing required columns: %v", missing)).
			With("missing", missing)
	}

	ts, _ := t.Column(types.ColTimestamp)
	users, _ := t.Column(types.ColUserID)
	features, _ := t.Column(types.ColFeatureID)
	if err := expectType(ts, types.TypeTimestamp); err != nil {
		return nil, false, err
	}
	if err := expectType(users, types.TypeString); err != nil {
		return nil, false, err
	}
	if err := expectType(features, types.TypeString); err != nil {
		return nil, false, err
	}
	if n := ts.NullCount(); n > 0 {
		return nil, false, tlterrors.NewParseError(tlterrors.CodeBadTimestamp,
			fmt.Sprintf("%d timestamps could not be parsed", n))
	}
	for _, c := range []*table.Column{users, features} {
		if c.NullCount() > 0 {
			return nil, false, tlterrors.NewIntegrityError(
				fmt.Sprintf("column %q contains null/empty values", c.Name))
		}
	}

	latency, hasLatency := t.Column(types.ColLatencyMS)
	if hasLatency && latency.Type != types.TypeFloat64 && latency.Type != types.TypeInt64 {
		return nil, false, tlterrors.NewSchemaError(tlterrors.CodeColumnType,
			fmt.Sprintf("column %q must be numeric, got %s", types.ColLatencyMS, latency.Type))
	}

	evs := make([]types.Event, t.NumRows())
	for i := range evs {
		evs[i] = types.Event{
			Timestamp: ts.Times[i],
			UserID:    users.Strings[i],
			FeatureID: features.Strings[i],
		}
		if hasLatency {
			if v, ok := latency.Float(i); ok {
				evs[i].LatencyMS = &v
			}
		}
	}
	return evs, hasLatency, nil
}

func expectType(c *table.Column, want types.ColumnType) error {
	if c.Type != want {
		return tlterrors.NewSchemaError(tlterrors.CodeColumnType,
			fmt.Sprintf("column %q must be %s, got %s", c.Name, want, c.Type))
	}
	return nil
}

func buildTable(rows []types.DailyAggregate, mauCol string) (*table.Table, error) {
	n := len(rows)
	dates := make([]time.Time, n)
	features := make([]string, n)
	events := make([]int64, n)
	p50 := make([]*float64, n)
	p95 := make([]*float64, n)
	dau := make([]int64, n)
	mau := make([]int64, n)
	for i, r := range rows {
		dates[i] = r.Date
		features[i] = r.FeatureID
		events[i] = r.Events
		p50[i] = r.P50
		p95[i] = r.P95
		dau[i] = r.DAU
		mau[i] = r.MAU
	}
	return table.New(
		table.NewTimestampColumn(types.ColDate, dates),
		table.NewStringColumn(types.ColFeatureID, features),
		table.NewInt64Column(types.ColEvents, events),
		table.NewNullableFloat64Column(types.ColP50, p50),
		table.NewNullableFloat64Column(types.ColP95, p95),
		table.NewInt64Column(types.ColDAU, dau),
		table.NewInt64Column(mauCol, mau),
	)
}
