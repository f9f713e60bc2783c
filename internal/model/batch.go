package model

import "time"

// Format tags the serialization of an inbound raw stream.
type Format string

const (
	// FormatCSV is row-oriented with positional columns.
	FormatCSV Format = "csv"
	// FormatJSON is record-oriented (NDJSON) with path-addressed fields.
	FormatJSON Format = "json"
)

// ParseFormat maps a format tag (or file extension) to a Format.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "csv", ".csv":
		return FormatCSV, true
	case "json", ".json", "ndjson", ".ndjson":
		return FormatJSON, true
	}
	return "", false
}

// BatchState tracks a batch through the controller's state machine.
type BatchState string

const (
	BatchOpen      BatchState = "open"
	BatchSealed    BatchState = "sealed"
	BatchCommitted BatchState = "committed"
)

// RawRecord couples a decoded observation with its original text. When a
// field fails type coercion the record is marked invalid and carries the
// raw text forward for dead-letter routing; the rest of the stream is
// unaffected.
type RawRecord struct {
	Observation RawObservation `json:"observation"`
	Raw         string         `json:"raw"`
	Invalid     bool           `json:"invalid,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Batch is a sealed unit of raw records handed to the commit engine. Its ID
// doubles as the CorrelationID for dead-letter entries produced from it.
type Batch struct {
	ID            string      `json:"id"`
	Source        string      `json:"source"`
	Format        Format      `json:"format"`
	State         BatchState  `json:"state"`
	Records       []RawRecord `json:"records"`
	Bytes         int64       `json:"bytes"`
	FirstRecordAt time.Time   `json:"first_record_at"`
	SealedAt      time.Time   `json:"sealed_at"`
}
