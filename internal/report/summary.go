package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	tlterrors "github.com/arkilian/tlt/internal/errors"
	"github.com/arkilian/tlt/internal/ingest"
	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/pkg/types"
)

// Header is the first line of every metrics.txt.
const Header = "=== Telemetry Summary ==="

// Summary holds the figures written to metrics.txt.
type Summary struct {
	// Aggregated is true when the input carried date, feature_id and events
	Aggregated bool

	Days     int
	Events   int64
	Features int

	// Raw input only
	Users int

	// Aggregated input only; Has* report whether the source column existed
	HasDAU    bool
	MeanDAU   float64
	MaxDAU    int64
	MAUColumn string
	LatestMAU *int64
	MeanP50   *float64
	MeanP95   *float64
}

// Text renders the summary in metrics.txt layout.
func (s *Summary) Text() string {
	var b strings.Builder
	b.WriteString(Header + "\n")
	if !s.Aggregated {
		fmt.Fprintf(&b, "Days: %d\n", s.Days)
		fmt.Fprintf(&b, "Events: %d\n", s.Events)
		fmt.Fprintf(&b, "Unique users: %d\n", s.Users)
		fmt.Fprintf(&b, "Features: %d\n", s.Features)
		return b.String()
	}

	fmt.Fprintf(&b, "Aggregated days: %d\n", s.Days)
	fmt.Fprintf(&b, "Total events: %d\n", s.Events)
	fmt.Fprintf(&b, "Features: %d\n", s.Features)
	if s.HasDAU {
		fmt.Fprintf(&b, "Mean DAU: %.1f\n", s.MeanDAU)
		fmt.Fprintf(&b, "Max DAU: %d\n", s.MaxDAU)
	}
	if s.MAUColumn != "" && s.LatestMAU != nil {
		fmt.Fprintf(&b, "%s (most recent day): %d\n", strings.ToUpper(s.MAUColumn), *s.LatestMAU)
	}
	if s.MeanP50 != nil {
		fmt.Fprintf(&b, "Median latency p50 (overall mean): %.1f ms\n", *s.MeanP50)
	}
	if s.MeanP95 != nil {
		fmt.Fprintf(&b, "Tail latency p95 (overall mean): %.1f ms\n", *s.MeanP95)
	}
	return b.String()
}

// FeatureCount is one bar of the usage chart.
type FeatureCount struct {
	FeatureID string
	Events    int64
}

// IsAggregated reports whether t has the aggregate schema.
func IsAggregated(t *table.Table) bool {
	return t.Has(types.ColDate, types.ColFeatureID, types.ColEvents)
}

// Summarize computes the summary and per-feature usage of t, branching on its schema.
func Summarize(t *table.Table) (*Summary, []FeatureCount, error) {
	if IsAggregated(t) {
		return summarizeAggregated(t)
	}
	return summarizeRaw(t)
}

func summarizeAggregated(t *table.Table) (*Summary, []FeatureCount, error) {
	dates, _ := t.Column(types.ColDate)
	features, _ := t.Column(types.ColFeatureID)
	events, _ := t.Column(types.ColEvents)
	if err := expectNumeric(events); err != nil {
		return nil, nil, err
	}
	days, err := dayKeys(dates)
	if err != nil {
		return nil, nil, err
	}

	s := &Summary{Aggregated: true}
	usage := make(map[string]int64)
	distinctDays := make(map[int64]struct{})
	for i := 0; i < t.NumRows(); i++ {
		if days[i].ok {
			distinctDays[days[i].day] = struct{}{}
		}
		n, ok := events.Float(i)
		if !ok {
			continue
		}
		s.Events += int64(n)
		if f, ok := stringAt(features, i); ok {
			usage[f] += int64(n)
		}
	}
	s.Days = len(distinctDays)
	s.Features = distinctCount(features)

	if dau, ok := t.Column(types.ColDAU); ok {
		if err := expectNumeric(dau); err != nil {
			return nil, nil, err
		}
		perDay := maxByDay(days, dau)
		if len(perDay) > 0 {
			vals := make([]float64, 0, len(perDay))
			for _, v := range perDay {
				vals = append(vals, v)
			}
			s.HasDAU = true
			s.MeanDAU = stat.Mean(vals, nil)
			s.MaxDAU = int64(floats.Max(vals))
		}
	}

	if mau := mauColumn(t); mau != nil {
		if err := expectNumeric(mau); err != nil {
			return nil, nil, err
		}
		s.MAUColumn = mau.Name
		perDay := maxByDay(days, mau)
		if len(perDay) > 0 {
			latest := int64(math.MinInt64)
			for d := range perDay {
				if d > latest {
					latest = d
				}
			}
			v := int64(perDay[latest])
			s.LatestMAU = &v
		}
	}

	p50, has50 := t.Column(types.ColP50)
	p95, has95 := t.Column(types.ColP95)
	if has50 && has95 {
		s.MeanP50 = columnMean(p50)
		s.MeanP95 = columnMean(p95)
	}

	return s, rankUsage(usage), nil
}

func summarizeRaw(t *table.Table) (*Summary, []FeatureCount, error) {
	if missing := t.Missing(types.ColTimestamp, types.ColUserID, types.ColFeatureID); len(missing) > 0 {
		return nil, nil, tlterrors.NewSchemaError(tlterrors.CodeMissingColumns,
			fmt.Sprintf("missing required columns: %v", missing)).
			With("missing", missing)
	}
	ts, _ := t.Column(types.ColTimestamp)
	users, _ := t.Column(types.ColUserID)
	features, _ := t.Column(types.ColFeatureID)

	s := &Summary{
		Events:   int64(t.NumRows()),
		Users:    distinctCount(users),
		Features: distinctCount(features),
	}

	// Unparsable raw timestamps are not counted as days.
	distinctDays := make(map[int64]struct{})
	for i := 0; i < ts.Len(); i++ {
		if k, ok := dayKeyAt(ts, i); ok {
			distinctDays[k] = struct{}{}
		}
	}
	s.Days = len(distinctDays)

	usage := make(map[string]int64)
	for i := 0; i < features.Len(); i++ {
		if f, ok := stringAt(features, i); ok {
			usage[f]++
		}
	}
	return s, rankUsage(usage), nil
}

// rankUsage orders features by events descending, ties by feature name.
func rankUsage(usage map[string]int64) []FeatureCount {
	out := make([]FeatureCount, 0, len(usage))
	for f, n := range usage {
		out = append(out, FeatureCount{FeatureID: f, Events: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].FeatureID < out[j].FeatureID
	})
	return out
}

type dayKey struct {
	day int64
	ok  bool
}

func dayKeys(c *table.Column) ([]dayKey, error) {
	if c.Type != types.TypeTimestamp && c.Type != types.TypeString {
		return nil, tlterrors.NewSchemaError(tlterrors.CodeColumnType,
			fmt.Sprintf("column %q must be a timestamp or date string, got %s", c.Name, c.Type))
	}
	keys := make([]dayKey, c.Len())
	bad := 0
	for i := range keys {
		if c.IsNull(i) {
			continue
		}
		d, ok := dayKeyAt(c, i)
		if !ok {
			bad++
			continue
		}
		keys[i] = dayKey{day: d, ok: true}
	}
	if bad > 0 {
		return nil, tlterrors.NewParseError(tlterrors.CodeBadTimestamp,
			fmt.Sprintf("%d dates could not be parsed", bad))
	}
	return keys, nil
}

// dayKeyAt floors the value at i to a UTC day number.
func dayKeyAt(c *table.Column, i int) (int64, bool) {
	if c.IsNull(i) {
		return 0, false
	}
	switch c.Type {
	case types.TypeTimestamp:
		return floorDay(c.Times[i].Unix()), true
	case types.TypeString:
		t, ok := ingest.ParseTimestamp(c.Strings[i])
		if !ok {
			return 0, false
		}
		return floorDay(t.Unix()), true
	}
	return 0, false
}

func floorDay(unix int64) int64 {
	const secondsPerDay = 24 * 60 * 60
	d := unix / secondsPerDay
	if unix%secondsPerDay < 0 {
		d--
	}
	return d
}

func maxByDay(days []dayKey, c *table.Column) map[int64]float64 {
	out := make(map[int64]float64)
	for i, k := range days {
		if !k.ok {
			continue
		}
		v, ok := c.Float(i)
		if !ok {
			continue
		}
		if cur, seen := out[k.day]; !seen || v > cur {
			out[k.day] = v
		}
	}
	return out
}

// mauColumn returns the first mau_* column in table order.
func mauColumn(t *table.Table) *table.Column {
	for _, c := range t.Columns() {
		if strings.HasPrefix(c.Name, types.MAUPrefix) {
			return c
		}
	}
	return nil
}

// columnMean is the mean of non-null numeric values, nil when there are none.
func columnMean(c *table.Column) *float64 {
	var vals []float64
	for i := 0; i < c.Len(); i++ {
		if v, ok := c.Float(i); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	m := stat.Mean(vals, nil)
	return &m
}

func stringAt(c *table.Column, i int) (string, bool) {
	v := c.Value(i)
	if v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func distinctCount(c *table.Column) int {
	seen := make(map[string]struct{})
	for i := 0; i < c.Len(); i++ {
		if s, ok := stringAt(c, i); ok {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

func expectNumeric(c *table.Column) error {
	if c.Type != types.TypeInt64 && c.Type != types.TypeFloat64 {
		return tlterrors.NewSchemaError(tlterrors.CodeColumnType,
			fmt.Sprintf("column %q must be numeric, got %s", c.Name, c.Type))
	}
	return nil
}
