package transform

import (
	"sort"
	"time"
)

// DailyActive holds the distinct-user counts for one date.
type DailyActive struct {
	Date time.Time
	DAU  int64
	MAU  int64
}

// activeUsers computes DAU and rolling MAU for every day in days (ascending,
// unique). userDays maps each user to the set of days they were active.
//
// A user counts toward MAU(d) when they were active on some day in
// [d-window+1, d], i.e. when d falls inside [a, a+window-1] for one of their
// active days a. Each user's coverage intervals are merged so overlapping
// activity is counted once, then interval boundaries are swept across days.
func activeUsers(days []int64, userDays map[string]map[int64]struct{}, window int) []DailyActive {
	w := int64(window)
	delta := make(map[int64]int64)
	dau := make(map[int64]int64, len(days))

	active := make([]int64, 0, 16)
	for _, set := range userDays {
		active = active[:0]
		for d := range set {
			active = append(active, d)
			dau[d]++
		}
		sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })

		start, end := active[0], active[0]+w-1
		for _, a := range active[1:] {
			if a <= end+1 {
				end = a + w - 1
				continue
			}
			delta[start]++
			delta[end+1]--
			start, end = a, a+w-1
		}
		delta[start]++
		delta[end+1]--
	}

	bounds := make([]int64, 0, len(delta))
	for k := range delta {
		bounds = append(bounds, k)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i] < bounds[j] })

	out := make([]DailyActive, len(days))
	var running int64
	bi := 0
	for i, d := range days {
		for bi < len(bounds) && bounds[bi] <= d {
			running += delta[bounds[bi]]
			bi++
		}
		out[i] = DailyActive{Date: dayTime(d), DAU: dau[d], MAU: running}
	}
	return out
}

const secondsPerDay = 24 * 60 * 60

// dayNumber returns the UTC calendar day of t as days since the Unix epoch.
func dayNumber(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay
}

func dayTime(day int64) time.Time {
	return time.Unix(day*secondsPerDay, 0).UTC()
}
