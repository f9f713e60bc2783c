package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

func TestSweepOnceAppliesIndependentHorizons(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	oldTS := now.AddDate(0, 0, -100) // past canonical (90d), inside aggregate (730d)
	newTS := now.Add(-time.Hour)

	require.NoError(t, repo.AppendBatch(ctx, "b1", []model.CanonicalObservation{
		{RawObservation: model.RawObservation{Filename: "old", Status: model.StatusOK}, Timestamp: oldTS},
		{RawObservation: model.RawObservation{Filename: "new", Status: model.StatusOK}, Timestamp: newTS},
	}))
	require.NoError(t, repo.SaveBatch(ctx, &model.Batch{ID: "b1", SealedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, repo.Append(ctx, []model.DeadLetterEntry{
		{RawPayload: "x", FailedAt: now.AddDate(0, 0, -40), CorrelationID: "b0"},
	}))
	require.NoError(t, repo.SaveDaily(ctx, []model.DailyAggregate{
		{Date: model.DayOf(oldTS), TotalCount: 1},
	}, 0, 2))

	s := NewSweeper(config.RetentionConfig{
		Staging:       24 * time.Hour,
		Canonical:     90 * 24 * time.Hour,
		DeadLetter:    30 * 24 * time.Hour,
		Aggregate:     730 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}, repo, logging.Default())
	s.now = func() time.Time { return now }

	s.SweepOnce(ctx)

	recs, err := repo.ScanSince(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].Filename)

	entries, err := repo.Query(ctx, now.AddDate(0, 0, -60), now)
	require.NoError(t, err)
	assert.Empty(t, entries, "40-day-old dead letter is past its 30-day horizon")

	// The rollup derived from the swept records is still there.
	agg, err := repo.GetDaily(ctx, oldTS)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalCount)

	assert.ErrorIs(t, repo.MarkBatchCommitted(ctx, "b1", now), repository.ErrBatchNotFound,
		"staged batch was reclaimed")
}

func TestSweepOnceSkipsDisabledHorizons(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.AppendBatch(ctx, "b1", []model.CanonicalObservation{
		{RawObservation: model.RawObservation{Filename: "ancient", Status: model.StatusOK}, Timestamp: now.AddDate(-10, 0, 0)},
	}))

	s := NewSweeper(config.RetentionConfig{SweepInterval: time.Hour}, repo, logging.Default())
	s.now = func() time.Time { return now }
	s.SweepOnce(ctx)

	recs, err := repo.ScanSince(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "zero horizon means keep forever")
}
