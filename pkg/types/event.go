// Package types provides the core data types of the telemetry pipeline.
package types

import "time"

// Column names of the raw event schema.
const (
	ColTimestamp = "timestamp"
	ColUserID    = "user_id"
	ColEvent     = "event"
	ColFeatureID = "feature_id"
	ColLatencyMS = "latency_ms"
)

// Column names of the daily aggregate schema.
const (
	ColDate   = "date"
	ColEvents = "events"
	ColP50    = "p50"
	ColP95    = "p95"
	ColDAU    = "dau"
	// MAUPrefix starts every rolling active-user column, e.g. "mau_30d".
	MAUPrefix = "mau_"
)

// Event represents a single normalized telemetry record.
type Event struct {
	// Timestamp is the UTC instant the event occurred
	Timestamp time.Time `json:"timestamp"`
	// UserID identifies the user who triggered the event
	UserID string `json:"user_id"`
	// Event is the event label (e.g., "open", "click")
	Event string `json:"event"`
	// FeatureID identifies the product feature the event belongs to
	FeatureID string `json:"feature_id"`
	// LatencyMS is the observed latency, nil when unknown
	LatencyMS *float64 `json:"latency_ms,omitempty"`
}

// DailyAggregate is one row of the per-day, per-feature rollup.
type DailyAggregate struct {
	// Date is the UTC calendar day (midnight)
	Date time.Time `json:"date"`
	// FeatureID identifies the feature
	FeatureID string `json:"feature_id"`
	// Events is the number of raw records for (Date, FeatureID), always >= 1
	Events int64 `json:"events"`
	// P50 is the median latency of the group, nil when no latency was recorded
	P50 *float64 `json:"p50,omitempty"`
	// P95 is the 95th percentile latency of the group, nil when no latency was recorded
	P95 *float64 `json:"p95,omitempty"`
	// DAU is the distinct user count on Date across all features
	DAU int64 `json:"dau"`
	// MAU is the distinct user count over the trailing window ending on Date
	MAU int64 `json:"mau"`
}
