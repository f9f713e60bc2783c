package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/metrics"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// ErrClosed is returned by Accept after the controller shut down.
var ErrClosed = errors.New("ingestion controller closed")

// Seal triggers, used as the metric label.
const (
	TriggerTime  = "time"
	TriggerCount = "count"
	TriggerBytes = "bytes"
	TriggerFlush = "flush"
)

// Controller maintains at most one open batch per format and seals it when
// the first of the age, record-count, or byte thresholds trips. Sealed
// batches are handed to the consumer through a bounded channel in seal
// order; a full channel blocks Accept, which is the backpressure signal.
type Controller struct {
	cfg    config.BatchingConfig
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	open   map[model.Format]*openBatch
	closed bool

	// sendMu serializes handoff to the sealed channel. It is acquired
	// while mu is still held, so batches enter the channel in seal order
	// even when a full channel blocks the sender.
	sendMu sync.Mutex
	sealed chan *model.Batch
}

// NewController creates a controller with the given seal thresholds.
func NewController(cfg config.BatchingConfig, logger *logging.Logger) *Controller {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1
	}
	return &Controller{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		open:   make(map[model.Format]*openBatch),
		sealed: make(chan *model.Batch, depth),
	}
}

// Sealed is the ordered stream of sealed batches for the commit engine.
func (c *Controller) Sealed() <-chan *model.Batch {
	return c.sealed
}

// Accept appends a producer's records to the open batch for the format,
// creating one if none is open, and returns a handle for Abandon. Records
// marked invalid still occupy batch capacity; they are diverted at commit
// time, not here.
func (c *Controller) Accept(ctx context.Context, source string, format model.Format, records []model.RawRecord) (Handle, error) {
	if len(records) == 0 {
		return Handle{}, errors.New("no records to accept")
	}

	var bytes int64
	for _, r := range records {
		bytes += int64(len(r.Raw))
		validity := "valid"
		if r.Invalid {
			validity = "invalid"
		}
		metrics.RecordsAccepted.WithLabelValues(string(format), validity).Inc()
	}
	metrics.IngestBytesTotal.Add(float64(bytes))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Handle{}, ErrClosed
	}

	b, ok := c.open[format]
	if !ok {
		b = c.newBatch(source, format)
		c.open[format] = b
	}

	contrib := contribution{id: uuid.New().String(), records: records, bytes: bytes}
	b.add(contrib)
	h := Handle{BatchID: b.id, handleID: contrib.id, format: format}

	var toSeal *model.Batch
	var trigger string
	switch {
	case b.records >= c.cfg.MaxRecords:
		trigger = TriggerCount
	case b.bytes >= c.cfg.MaxBytes:
		trigger = TriggerBytes
	}
	if trigger != "" {
		toSeal = c.detachLocked(format, trigger)
	}
	if toSeal != nil {
		c.sendMu.Lock()
	}
	c.mu.Unlock()

	if toSeal != nil {
		err := c.enqueue(ctx, toSeal)
		c.sendMu.Unlock()
		if err != nil {
			return Handle{}, err
		}
	}
	return h, nil
}

// Abandon removes the handle's contribution from its batch. It returns false
// when the batch already sealed; sealed contributions are past the point of
// no return.
func (c *Controller) Abandon(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.open[h.format]
	if !ok || b.id != h.BatchID {
		return false
	}
	return b.remove(h.handleID)
}

// Flush seals every open batch regardless of thresholds. Used at shutdown.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	var toSeal []*model.Batch
	for format := range c.open {
		if b := c.detachLocked(format, TriggerFlush); b != nil {
			toSeal = append(toSeal, b)
		}
	}
	if len(toSeal) > 0 {
		c.sendMu.Lock()
	}
	c.mu.Unlock()

	if len(toSeal) == 0 {
		return nil
	}
	defer c.sendMu.Unlock()
	for _, b := range toSeal {
		if err := c.enqueue(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// FlushFormat seals only the format's open batch, leaving other formats'
// in-flight batches to their own thresholds. Used by the one-shot ingest
// path once a source stream ends.
func (c *Controller) FlushFormat(ctx context.Context, format model.Format) error {
	c.mu.Lock()
	toSeal := c.detachLocked(format, TriggerFlush)
	if toSeal != nil {
		c.sendMu.Lock()
	}
	c.mu.Unlock()

	if toSeal == nil {
		return nil
	}
	err := c.enqueue(ctx, toSeal)
	c.sendMu.Unlock()
	return err
}

// Close flushes open batches and closes the sealed channel. No Accept may
// run concurrently with or after Close.
func (c *Controller) Close(ctx context.Context) error {
	err := c.Flush(ctx)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	close(c.sealed)
	return err
}

func (c *Controller) newBatch(source string, format model.Format) *openBatch {
	b := &openBatch{
		id:            uuid.New().String(),
		source:        source,
		format:        format,
		firstRecordAt: c.now(),
	}
	// The age clock starts at the first record, not at batch creation;
	// they coincide because batches are created on first Accept.
	b.timer = time.AfterFunc(c.cfg.MaxAge, func() {
		c.sealByAge(b.id, format)
	})
	return b
}

func (c *Controller) sealByAge(batchID string, format model.Format) {
	c.mu.Lock()
	b, ok := c.open[format]
	if !ok || b.id != batchID || c.closed {
		c.mu.Unlock()
		return
	}
	toSeal := c.detachLocked(format, TriggerTime)
	if toSeal != nil {
		c.sendMu.Lock()
	}
	c.mu.Unlock()

	if toSeal != nil {
		// Blocking here is fine: the timer goroutine has nothing else
		// to do and the commit loop drains the channel.
		err := c.enqueue(context.Background(), toSeal)
		c.sendMu.Unlock()
		if err != nil {
			c.logger.Error("failed to enqueue age-sealed batch", "batch_id", batchID, "error", err)
		}
	}
}

// detachLocked removes the open batch for the format and returns it sealed,
// or nil when every contribution was abandoned. Caller holds the mutex.
func (c *Controller) detachLocked(format model.Format, trigger string) *model.Batch {
	b, ok := c.open[format]
	if !ok {
		return nil
	}
	delete(c.open, format)

	sealed := b.seal(c.now())
	if len(sealed.Records) == 0 {
		return nil
	}

	metrics.BatchesSealed.WithLabelValues(trigger).Inc()
	c.logger.Info("batch sealed",
		"batch_id", sealed.ID,
		"format", string(sealed.Format),
		"records", len(sealed.Records),
		"bytes", sealed.Bytes,
		"trigger", trigger,
	)
	return sealed
}

func (c *Controller) enqueue(ctx context.Context, b *model.Batch) error {
	select {
	case c.sealed <- b:
		metrics.SealedQueueDepth.Set(float64(len(c.sealed)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
