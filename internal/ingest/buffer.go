package ingest

import (
	"time"

	"github.com/telhawk-systems/transferpipe/internal/model"
)

// Handle identifies one producer contribution inside an open batch. It stays
// valid for Abandon only until the batch seals.
type Handle struct {
	BatchID  string
	handleID string
	format   model.Format
}

type contribution struct {
	id      string
	records []model.RawRecord
	bytes   int64
}

// openBatch accumulates contributions in arrival order until a seal trigger
// trips. Access is guarded by the controller's mutex.
type openBatch struct {
	id            string
	source        string
	format        model.Format
	contribs      []contribution
	records       int
	bytes         int64
	firstRecordAt time.Time
	timer         *time.Timer
}

func (b *openBatch) add(c contribution) {
	b.contribs = append(b.contribs, c)
	b.records += len(c.records)
	b.bytes += c.bytes
}

// remove drops the contribution with the given handle ID. Returns false when
// the handle no longer belongs to this batch.
func (b *openBatch) remove(handleID string) bool {
	for i, c := range b.contribs {
		if c.id == handleID {
			b.records -= len(c.records)
			b.bytes -= c.bytes
			b.contribs = append(b.contribs[:i], b.contribs[i+1:]...)
			return true
		}
	}
	return false
}

// seal flattens the surviving contributions, preserving arrival order.
func (b *openBatch) seal(at time.Time) *model.Batch {
	if b.timer != nil {
		b.timer.Stop()
	}

	out := &model.Batch{
		ID:            b.id,
		Source:        b.source,
		Format:        b.format,
		State:         model.BatchSealed,
		Bytes:         b.bytes,
		FirstRecordAt: b.firstRecordAt,
		SealedAt:      at,
	}
	for _, c := range b.contribs {
		out.Records = append(out.Records, c.records...)
	}
	return out
}
