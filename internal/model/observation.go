package model

import "time"

// Observation statuses reported by the file-transfer monitor. The pipeline
// does not constrain Status to this set; unknown values pass through and
// count only toward TotalCount in the daily rollup.
const (
	StatusOK      = "OK"
	StatusMissing = "MISSING"
	StatusDelayed = "DELAYED"
	StatusError   = "ERROR"
)

// RawObservation is a producer-supplied record before timestamp derivation.
// It lives transiently in the staging buffer until its batch commits.
type RawObservation struct {
	Filename              string     `json:"filename"`
	SourcePresent         bool       `json:"source_present"`
	TargetPresent         bool       `json:"target_present"`
	SourceLastModifiedUtc *time.Time `json:"source_last_modified_utc,omitempty"`
	TargetLastModifiedUtc *time.Time `json:"target_last_modified_utc,omitempty"`
	AgeMinutes            *float64   `json:"age_minutes,omitempty"`
	Status                string     `json:"status"`
	Notes                 *string    `json:"notes,omitempty"`
}

// CanonicalObservation is a RawObservation plus the derived Timestamp.
// Timestamp is SourceLastModifiedUtc when present, otherwise the commit
// time of the batch. It is never zero and never the buffer arrival time.
// Canonical records are append-only and never mutated after commit.
type CanonicalObservation struct {
	RawObservation
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterEntry records a transformation or validation failure with
// enough context to diagnose and replay. Entries are append-only and are
// never read by the aggregation path.
type DeadLetterEntry struct {
	RawPayload    string    `json:"raw_payload"`
	SourceName    string    `json:"source_name"`
	FailedAt      time.Time `json:"failed_at"`
	Error         string    `json:"error"`
	CorrelationID string    `json:"correlation_id"`
}

// DailyAggregate is one rollup row per UTC calendar day, keyed by Date =
// floor(Timestamp, 1 day). AgeSum/AgeCount carry the mergeable pieces of
// the mean; the mean itself and SLA adherence are derived at read time
// because a division is not safely pre-aggregatable across merges.
type DailyAggregate struct {
	Date         time.Time `json:"date"`
	TotalCount   int64     `json:"total_count"`
	OkCount      int64     `json:"ok_count"`
	MissingCount int64     `json:"missing_count"`
	DelayedCount int64     `json:"delayed_count"`
	AgeSum       float64   `json:"age_sum"`
	AgeCount     int64     `json:"age_count"`
	AgeSketch    []byte    `json:"age_sketch,omitempty"`
}

// AvgAgeMinutes returns the mean age over records whose AgeMinutes was
// non-null. The second return is false when no such records exist.
func (a *DailyAggregate) AvgAgeMinutes() (float64, bool) {
	if a.AgeCount == 0 {
		return 0, false
	}
	return a.AgeSum / float64(a.AgeCount), true
}

// SlaAdherencePct returns OkCount/TotalCount as a percentage, derived at
// read time. Returns 0 for an empty day.
func (a *DailyAggregate) SlaAdherencePct() float64 {
	if a.TotalCount == 0 {
		return 0
	}
	return 100 * float64(a.OkCount) / float64(a.TotalCount)
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
