package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/metrics"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Engine incrementally folds committed canonical records into daily rollup
// rows. It tracks progress with a commit-sequence watermark persisted next
// to the rollups; a crash between scan and save replays the same range on
// restart, and the store's compare-and-set watermark makes the replay
// merge-idempotent.
type Engine struct {
	cfg    config.AggregationConfig
	repo   repository.Repository
	logger *logging.Logger
}

// NewEngine creates an aggregation engine over the given stores.
func NewEngine(cfg config.AggregationConfig, repo repository.Repository, logger *logging.Logger) *Engine {
	return &Engine{cfg: cfg, repo: repo, logger: logger}
}

// Run polls for new committed records until ctx is cancelled. A signal on
// wake (the commit-event subscription) cuts the poll latency; nil wake is
// allowed and falls back to pure polling.
func (e *Engine) Run(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := e.drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("aggregation pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain runs ProcessOnce until the canonical store has nothing new.
func (e *Engine) drain(ctx context.Context) error {
	for {
		n, err := e.ProcessOnce(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
}

// ProcessOnce consumes at most BatchLimit records past the watermark, merges
// them into their days' rollup rows, and atomically saves the rows while
// advancing the watermark. Returns the number of records consumed. A
// watermark conflict means a concurrent pass won the race; the merge is
// discarded and reported as zero progress without error.
func (e *Engine) ProcessOnce(ctx context.Context) (int, error) {
	fromSeq, err := e.repo.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}

	recs, err := e.repo.ScanSince(ctx, fromSeq, e.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan canonical store: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	rows, err := e.mergeIntoDays(ctx, recs)
	if err != nil {
		return 0, err
	}

	toSeq := recs[len(recs)-1].Seq
	if err := e.repo.SaveDaily(ctx, rows, fromSeq, toSeq); err != nil {
		if errors.Is(err, repository.ErrWatermarkConflict) {
			e.logger.Warn("aggregation watermark moved concurrently, discarding merge",
				"from_seq", fromSeq, "to_seq", toSeq)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to save daily rollups: %w", err)
	}

	metrics.AggregatedRecords.Add(float64(len(recs)))
	metrics.AggregationWatermark.Set(float64(toSeq))
	e.logger.Debug("aggregated records",
		"records", len(recs),
		"days", len(rows),
		"watermark", toSeq,
	)
	return len(recs), nil
}

// dayRollup pairs a rollup row under construction with its live sketch.
type dayRollup struct {
	agg    model.DailyAggregate
	sketch *Sketch
}

// mergeIntoDays loads the existing rollup row for each touched day and folds
// the new records in. The merge happens here rather than in the store
// because the sketch union is not expressible as a SQL update.
func (e *Engine) mergeIntoDays(ctx context.Context, recs []repository.CommittedObservation) ([]model.DailyAggregate, error) {
	days := make(map[time.Time]*dayRollup)

	for _, rec := range recs {
		day := model.DayOf(rec.Timestamp)
		r, ok := days[day]
		if !ok {
			var err error
			r, err = e.loadDay(ctx, day)
			if err != nil {
				return nil, err
			}
			days[day] = r
		}

		r.agg.TotalCount++
		switch rec.Status {
		case model.StatusOK:
			r.agg.OkCount++
		case model.StatusMissing:
			r.agg.MissingCount++
		case model.StatusDelayed:
			r.agg.DelayedCount++
		}
		if rec.AgeMinutes != nil {
			r.agg.AgeSum += *rec.AgeMinutes
			r.agg.AgeCount++
			if err := r.sketch.Add(*rec.AgeMinutes); err != nil {
				return nil, fmt.Errorf("failed to add age to sketch: %w", err)
			}
		}
	}

	rows := make([]model.DailyAggregate, 0, len(days))
	for _, r := range days {
		b, err := r.sketch.Bytes()
		if err != nil {
			return nil, err
		}
		r.agg.AgeSketch = b
		rows = append(rows, r.agg)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	return rows, nil
}

func (e *Engine) loadDay(ctx context.Context, day time.Time) (*dayRollup, error) {
	existing, err := e.repo.GetDaily(ctx, day)
	if err != nil {
		if !errors.Is(err, repository.ErrAggregateNotFound) {
			return nil, fmt.Errorf("failed to load rollup for %s: %w", day.Format("2006-01-02"), err)
		}
		sketch, err := NewSketch()
		if err != nil {
			return nil, err
		}
		return &dayRollup{agg: model.DailyAggregate{Date: day}, sketch: sketch}, nil
	}

	sketch, err := SketchFromBytes(existing.AgeSketch)
	if err != nil {
		return nil, fmt.Errorf("failed to restore sketch for %s: %w", day.Format("2006-01-02"), err)
	}
	agg := *existing
	agg.AgeSketch = nil
	return &dayRollup{agg: agg, sketch: sketch}, nil
}
