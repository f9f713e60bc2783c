package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/model"
)

var (
	ErrBatchNotFound     = errors.New("staging batch not found")
	ErrAggregateNotFound = errors.New("daily aggregate not found")
	// ErrWatermarkConflict means another aggregation pass advanced the
	// watermark first; the caller's merge must be discarded and recomputed.
	ErrWatermarkConflict = errors.New("aggregation watermark advanced concurrently")
)

// CommittedObservation pairs a canonical record with its commit sequence.
// The sequence is assigned atomically at batch commit and drives both
// restartable scans and the aggregation watermark.
type CommittedObservation struct {
	model.CanonicalObservation
	Seq     int64
	BatchID string
}

// ScanQuery bounds a canonical store scan. From is inclusive, To exclusive;
// every scan must be time-bounded. AfterSeq/Limit page through results in
// commit order so a consumer can restart where it left off. When
// OrderByTimestamp is set the page is ordered by Timestamp ascending
// instead of commit order.
type ScanQuery struct {
	From             time.Time
	To               time.Time
	OrderByTimestamp bool
	AfterSeq         int64
	Limit            int
}

// StagingStore holds sealed batches until they commit downstream. Short
// retention; rows are discarded by the sweeper once committed.
type StagingStore interface {
	SaveBatch(ctx context.Context, b *model.Batch) error
	MarkBatchCommitted(ctx context.Context, batchID string, at time.Time) error
	DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CanonicalStore is the append-only, time-indexed store of canonical
// records. AppendBatch is called only by the commit engine and is atomic at
// batch granularity: readers observe all records of a batch or none.
type CanonicalStore interface {
	AppendBatch(ctx context.Context, batchID string, records []model.CanonicalObservation) error
	ScanByTime(ctx context.Context, q ScanQuery) ([]CommittedObservation, error)
	ScanSince(ctx context.Context, afterSeq int64, limit int) ([]CommittedObservation, error)
	CountByStatus(ctx context.Context, status string, from, to time.Time) (int64, error)
	DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterStore records transformation/validation failures. Append is the
// only mutation besides retention sweeps.
type DeadLetterStore interface {
	Append(ctx context.Context, entries []model.DeadLetterEntry) error
	Query(ctx context.Context, from, to time.Time) ([]model.DeadLetterEntry, error)
	Count(ctx context.Context, from, to time.Time) (int64, error)
	DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AggregateStore persists daily rollup rows and the aggregation watermark.
// SaveDaily atomically upserts the fully-merged rows and advances the
// watermark from fromSeq to toSeq; it fails with ErrWatermarkConflict when
// the stored watermark no longer equals fromSeq, which makes replay after a
// crash idempotent.
type AggregateStore interface {
	Watermark(ctx context.Context) (int64, error)
	GetDaily(ctx context.Context, day time.Time) (*model.DailyAggregate, error)
	ListDaily(ctx context.Context, from, to time.Time) ([]model.DailyAggregate, error)
	SaveDaily(ctx context.Context, rows []model.DailyAggregate, fromSeq, toSeq int64) error
	DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SchemaStore persists the registry's applied object declarations, keyed by
// name with a content hash so re-applies only execute on shape changes.
type SchemaStore interface {
	AppliedObjects(ctx context.Context) (map[string]string, error)
	RecordObject(ctx context.Context, name, kind, hash string, spec []byte) error
}

// Repository bundles every store behind one backend.
//
// CommitBatch is the commit engine's single entry point: it persists the
// staging batch as committed, appends the canonical records, and inserts
// the dead-letter entries in one transaction (one locked mutation in
// memory). A crash or retry therefore never leaves a batch half-applied
// or duplicates canonical records.
type Repository interface {
	StagingStore
	CanonicalStore
	DeadLetterStore
	AggregateStore
	SchemaStore
	CommitBatch(ctx context.Context, b *model.Batch, canonical []model.CanonicalObservation, diverted []model.DeadLetterEntry, committedAt time.Time) error
	Close() error
}
