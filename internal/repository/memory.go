package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/model"
)

// InMemoryRepository implements Repository with process-local state. Used
// in tests and for dev deployments without Postgres.
type InMemoryRepository struct {
	mu sync.RWMutex

	batches map[string]*stagedBatch

	nextSeq   int64
	canonical []CommittedObservation

	deadLetters []model.DeadLetterEntry

	watermark  int64
	aggregates map[time.Time]model.DailyAggregate

	schemaObjects map[string]string
}

type stagedBatch struct {
	batch       model.Batch
	sealedAt    time.Time
	committedAt *time.Time
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		batches:       make(map[string]*stagedBatch),
		aggregates:    make(map[time.Time]model.DailyAggregate),
		schemaObjects: make(map[string]string),
	}
}

func (r *InMemoryRepository) SaveBatch(ctx context.Context, b *model.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *b
	cp.Records = append([]model.RawRecord(nil), b.Records...)
	r.batches[b.ID] = &stagedBatch{batch: cp, sealedAt: b.SealedAt}
	return nil
}

func (r *InMemoryRepository) MarkBatchCommitted(ctx context.Context, batchID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	sb.batch.State = model.BatchCommitted
	sb.committedAt = &at
	return nil
}

func (r *InMemoryRepository) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for id, sb := range r.batches {
		if sb.sealedAt.Before(cutoff) {
			delete(r.batches, id)
			removed++
		}
	}
	return removed, nil
}

// AppendBatch makes all records visible at once under the write lock, or
// none when the context is already cancelled.
func (r *InMemoryRepository) AppendBatch(ctx context.Context, batchID string, records []model.CanonicalObservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, obs := range records {
		r.nextSeq++
		r.canonical = append(r.canonical, CommittedObservation{
			CanonicalObservation: obs,
			Seq:                  r.nextSeq,
			BatchID:              batchID,
		})
	}
	return nil
}

// CommitBatch applies a whole batch commit under one write lock, mirroring
// the single transaction of the Postgres backend.
func (r *InMemoryRepository) CommitBatch(ctx context.Context, b *model.Batch, canonical []model.CanonicalObservation, diverted []model.DeadLetterEntry, committedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *b
	cp.Records = append([]model.RawRecord(nil), b.Records...)
	cp.State = model.BatchCommitted
	at := committedAt
	r.batches[b.ID] = &stagedBatch{batch: cp, sealedAt: b.SealedAt, committedAt: &at}

	for _, obs := range canonical {
		r.nextSeq++
		r.canonical = append(r.canonical, CommittedObservation{
			CanonicalObservation: obs,
			Seq:                  r.nextSeq,
			BatchID:              b.ID,
		})
	}
	r.deadLetters = append(r.deadLetters, diverted...)
	return nil
}

func (r *InMemoryRepository) ScanByTime(ctx context.Context, q ScanQuery) ([]CommittedObservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CommittedObservation
	for _, c := range r.canonical {
		if c.Timestamp.Before(q.From) || !c.Timestamp.Before(q.To) {
			continue
		}
		if !q.OrderByTimestamp && c.Seq <= q.AfterSeq {
			continue
		}
		out = append(out, c)
	}

	if q.OrderByTimestamp {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ScanSince(ctx context.Context, afterSeq int64, limit int) ([]CommittedObservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CommittedObservation
	for _, c := range r.canonical {
		if c.Seq <= afterSeq {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepository) CountByStatus(ctx context.Context, status string, from, to time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, c := range r.canonical {
		if c.Timestamp.Before(from) || !c.Timestamp.Before(to) {
			continue
		}
		if c.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.canonical[:0]
	var removed int64
	for _, c := range r.canonical {
		if c.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	r.canonical = kept
	return removed, nil
}

func (r *InMemoryRepository) Append(ctx context.Context, entries []model.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deadLetters = append(r.deadLetters, entries...)
	return nil
}

func (r *InMemoryRepository) Query(ctx context.Context, from, to time.Time) ([]model.DeadLetterEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.DeadLetterEntry
	for _, e := range r.deadLetters {
		if e.FailedAt.Before(from) || !e.FailedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *InMemoryRepository) Count(ctx context.Context, from, to time.Time) (int64, error) {
	entries, err := r.Query(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

func (r *InMemoryRepository) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.deadLetters[:0]
	var removed int64
	for _, e := range r.deadLetters {
		if e.FailedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.deadLetters = kept
	return removed, nil
}

func (r *InMemoryRepository) Watermark(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermark, nil
}

func (r *InMemoryRepository) GetDaily(ctx context.Context, day time.Time) (*model.DailyAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg, ok := r.aggregates[model.DayOf(day)]
	if !ok {
		return nil, ErrAggregateNotFound
	}
	cp := agg
	cp.AgeSketch = append([]byte(nil), agg.AgeSketch...)
	return &cp, nil
}

func (r *InMemoryRepository) ListDaily(ctx context.Context, from, to time.Time) ([]model.DailyAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.DailyAggregate
	for day, agg := range r.aggregates {
		if day.Before(model.DayOf(from)) || day.After(model.DayOf(to)) {
			continue
		}
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *InMemoryRepository) SaveDaily(ctx context.Context, rows []model.DailyAggregate, fromSeq, toSeq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watermark != fromSeq {
		return ErrWatermarkConflict
	}
	for _, row := range rows {
		cp := row
		cp.Date = model.DayOf(row.Date)
		cp.AgeSketch = append([]byte(nil), row.AgeSketch...)
		r.aggregates[cp.Date] = cp
	}
	r.watermark = toSeq
	return nil
}

func (r *InMemoryRepository) DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	day := model.DayOf(cutoff)
	for d := range r.aggregates {
		if d.Before(day) {
			delete(r.aggregates, d)
			removed++
		}
	}
	return removed, nil
}

func (r *InMemoryRepository) AppliedObjects(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.schemaObjects))
	for name, hash := range r.schemaObjects {
		out[name] = hash
	}
	return out, nil
}

func (r *InMemoryRepository) RecordObject(ctx context.Context, name, kind, hash string, spec []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.schemaObjects[name] = hash
	return nil
}

func (r *InMemoryRepository) Close() error {
	return nil
}
