package transform

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/tlt/internal/table"
	"github.com/arkilian/tlt/pkg/types"
)

type rawEvent struct {
	Day     int
	Minute  int
	User    int
	Feature int
}

func genEvents() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.IntRange(0, 60),
		gen.IntRange(0, 24*60-1),
		gen.IntRange(0, 12),
		gen.IntRange(0, 3),
	).Map(func(vals []interface{}) rawEvent {
		return rawEvent{Day: vals[0].(int), Minute: vals[1].(int), User: vals[2].(int), Feature: vals[3].(int)}
	}))
}

var propStart = time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)

func toTable(evs []rawEvent) *table.Table {
	times := make([]time.Time, len(evs))
	users := make([]string, len(evs))
	features := make([]string, len(evs))
	for i, e := range evs {
		times[i] = propStart.AddDate(0, 0, e.Day).Add(time.Duration(e.Minute) * time.Minute)
		users[i] = fmt.Sprintf("u%d", e.User)
		features[i] = fmt.Sprintf("f%d", e.Feature)
	}
	return table.MustNew(
		table.NewTimestampColumn(types.ColTimestamp, times),
		table.NewStringColumn(types.ColUserID, users),
		table.NewStringColumn(types.ColFeatureID, features),
	)
}

// bruteMAU counts users active in [d-w+1, d] by direct scan.
func bruteMAU(evs []rawEvent, d, w int) int64 {
	seen := make(map[int]bool)
	for _, e := range evs {
		if e.Day <= d && e.Day > d-w {
			seen[e.User] = true
		}
	}
	return int64(len(seen))
}

func TestProperty_EventCountsAndDAU(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sum(events) equals the raw record count", prop.ForAll(
		func(evs []rawEvent) bool {
			res, err := Aggregate(toTable(evs), DefaultOptions())
			if err != nil {
				return false
			}
			var total int64
			for _, r := range res.Rows {
				if r.Events < 1 {
					return false
				}
				total += r.Events
			}
			return total == int64(len(evs))
		},
		genEvents(),
	))

	properties.Property("DAU equals distinct users on the date", prop.ForAll(
		func(evs []rawEvent) bool {
			res, err := Aggregate(toTable(evs), DefaultOptions())
			if err != nil {
				return false
			}
			users := make(map[int]map[int]bool)
			for _, e := range evs {
				if users[e.Day] == nil {
					users[e.Day] = make(map[int]bool)
				}
				users[e.Day][e.User] = true
			}
			for _, r := range res.Rows {
				d := int(r.Date.Sub(propStart).Hours() / 24)
				if r.DAU != int64(len(users[d])) {
					return false
				}
			}
			return true
		},
		genEvents(),
	))

	properties.TestingRun(t)
}

func TestProperty_MAU(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("MAU matches a direct scan of the trailing window", prop.ForAll(
		func(evs []rawEvent, w int) bool {
			res, err := Aggregate(toTable(evs), Options{MAUWindow: w})
			if err != nil {
				return false
			}
			for _, d := range res.Daily {
				day := int(d.Date.Sub(propStart).Hours() / 24)
				if d.MAU != bruteMAU(evs, day, w) {
					return false
				}
			}
			return true
		},
		genEvents(),
		gen.IntRange(1, 45),
	))

	properties.Property("MAU is non-decreasing in the window and never below DAU", prop.ForAll(
		func(evs []rawEvent, w1, w2 int) bool {
			if w1 > w2 {
				w1, w2 = w2, w1
			}
			small, err := Aggregate(toTable(evs), Options{MAUWindow: w1})
			if err != nil {
				return false
			}
			large, err := Aggregate(toTable(evs), Options{MAUWindow: w2})
			if err != nil {
				return false
			}
			for i := range small.Daily {
				if small.Daily[i].MAU > large.Daily[i].MAU {
					return false
				}
				if small.Daily[i].MAU < small.Daily[i].DAU {
					return false
				}
			}
			return true
		},
		genEvents(),
		gen.IntRange(1, 60),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}
