package committer

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/metrics"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Commit modes.
const (
	ModeTransactional = "transactional"
	ModePartial       = "partial"
)

// Notifier is told about every committed batch. The messaging layer plugs in
// here to publish commit events; aggregation uses it to wake early.
type Notifier interface {
	BatchCommitted(ctx context.Context, batchID string, committed, diverted int)
}

// NopNotifier discards commit notifications.
type NopNotifier struct{}

func (NopNotifier) BatchCommitted(context.Context, string, int, int) {}

// Result reports the outcome of one batch commit.
type Result struct {
	Committed int
	Diverted  int
}

// Committer turns sealed batches into canonical records. In transactional
// mode a single bad record diverts the whole batch to the dead-letter store;
// in partial mode only the failing records divert. Either way the commit is
// atomic per batch: readers of the canonical store never see part of one.
type Committer struct {
	cfg      config.CommitConfig
	repo     repository.Repository
	notifier Notifier
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a committer. A nil notifier is replaced by NopNotifier.
func New(cfg config.CommitConfig, repo repository.Repository, notifier Notifier, logger *logging.Logger) *Committer {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Committer{
		cfg:      cfg,
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Derive produces the canonical record for a raw observation committed at
// commitTime. The record timestamp is the source's last-modified time when
// the producer supplied one, otherwise the commit time. Buffer arrival time
// is never used.
func Derive(obs model.RawObservation, commitTime time.Time) model.CanonicalObservation {
	ts := commitTime
	if obs.SourceLastModifiedUtc != nil {
		ts = *obs.SourceLastModifiedUtc
	}
	return model.CanonicalObservation{RawObservation: obs, Timestamp: ts.UTC()}
}

// Run drains the sealed-batch channel until it closes or ctx is cancelled.
// A batch that keeps failing after retries is abandoned with an error log;
// it stays in the staging store for manual replay.
func (c *Committer) Run(ctx context.Context, sealed <-chan *model.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-sealed:
			if !ok {
				return
			}
			metrics.SealedQueueDepth.Set(float64(len(sealed)))
			if _, err := c.commitWithRetry(ctx, batch); err != nil {
				c.logger.Error("batch commit abandoned",
					"batch_id", batch.ID,
					"records", len(batch.Records),
					"error", err,
				)
			}
		}
	}
}

func (c *Committer) commitWithRetry(ctx context.Context, batch *model.Batch) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(c.cfg.RetryBackoff):
			}
			c.logger.Warn("retrying batch commit",
				"batch_id", batch.ID,
				"attempt", attempt,
				"error", lastErr,
			)
		}

		res, err := c.Commit(ctx, batch)
		if err == nil {
			return res, nil
		}
		lastErr = err
		metrics.CommitErrors.Inc()
	}
	return Result{}, fmt.Errorf("commit failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

// Commit derives canonical records from the sealed batch and applies the
// whole commit through one repository transaction: staging row, canonical
// records, and dead-letter entries land together or not at all, so a retry
// never duplicates canonical records. The batch ID is the correlation ID on
// every dead-letter entry and log line the batch produces.
func (c *Committer) Commit(ctx context.Context, batch *model.Batch) (Result, error) {
	ctx = logging.WithCorrelationID(ctx, batch.ID)
	start := c.now()

	commitTime := c.now().UTC()
	canonical, diverted := c.partition(batch, commitTime)

	if err := c.repo.CommitBatch(ctx, batch, canonical, diverted, commitTime); err != nil {
		return Result{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	metrics.RecordsCommitted.Add(float64(len(canonical)))
	metrics.RecordsDiverted.Add(float64(len(diverted)))
	metrics.CommitDuration.Observe(c.now().Sub(start).Seconds())

	c.logger.InfoContext(ctx, "batch committed",
		"batch_id", batch.ID,
		"committed", len(canonical),
		"diverted", len(diverted),
		"mode", c.cfg.Mode,
	)

	c.notifier.BatchCommitted(ctx, batch.ID, len(canonical), len(diverted))
	return Result{Committed: len(canonical), Diverted: len(diverted)}, nil
}

// partition splits the batch into canonical records and dead-letter entries
// according to the commit mode.
func (c *Committer) partition(batch *model.Batch, commitTime time.Time) ([]model.CanonicalObservation, []model.DeadLetterEntry) {
	var invalid []model.RawRecord
	for _, rec := range batch.Records {
		if rec.Invalid {
			invalid = append(invalid, rec)
		}
	}

	if c.cfg.Mode == ModeTransactional && len(invalid) > 0 {
		// One bad record poisons the batch: nothing commits, everything
		// diverts with the shared correlation ID.
		entries := make([]model.DeadLetterEntry, 0, len(batch.Records))
		reason := fmt.Sprintf("transactional batch rejected: %d of %d records failed validation",
			len(invalid), len(batch.Records))
		for _, rec := range batch.Records {
			msg := reason
			if rec.Invalid {
				msg = rec.Error
			}
			entries = append(entries, c.deadLetter(batch, rec, msg, commitTime))
		}
		return nil, entries
	}

	var canonical []model.CanonicalObservation
	var entries []model.DeadLetterEntry
	for _, rec := range batch.Records {
		if rec.Invalid {
			entries = append(entries, c.deadLetter(batch, rec, rec.Error, commitTime))
			continue
		}
		canonical = append(canonical, Derive(rec.Observation, commitTime))
	}
	return canonical, entries
}

func (c *Committer) deadLetter(batch *model.Batch, rec model.RawRecord, msg string, at time.Time) model.DeadLetterEntry {
	return model.DeadLetterEntry{
		RawPayload:    rec.Raw,
		SourceName:    batch.Source,
		FailedAt:      at,
		Error:         msg,
		CorrelationID: batch.ID,
	}
}
