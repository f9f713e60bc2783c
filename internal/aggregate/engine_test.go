package aggregate

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

var engineCfg = config.AggregationConfig{PollInterval: time.Second, BatchLimit: 500}

func newEngine(repo repository.Repository) *Engine {
	return NewEngine(engineCfg, repo, logging.Default())
}

func obs(status string, age *float64, ts time.Time) model.CanonicalObservation {
	return model.CanonicalObservation{
		RawObservation: model.RawObservation{
			Filename:      "f.dat",
			SourcePresent: true,
			Status:        status,
			AgeMinutes:    age,
		},
		Timestamp: ts,
	}
}

func fptr(v float64) *float64 { return &v }

func TestProcessOnceSingleDay(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	err := repo.AppendBatch(ctx, "b1", []model.CanonicalObservation{
		obs(model.StatusOK, fptr(2), day.Add(8*time.Hour)),
		obs(model.StatusMissing, nil, day.Add(9*time.Hour)),
		obs(model.StatusDelayed, fptr(30), day.Add(10*time.Hour)),
		obs(model.StatusOK, fptr(5), day.Add(11*time.Hour)),
	})
	require.NoError(t, err)

	n, err := newEngine(repo).ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	agg, err := repo.GetDaily(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(4), agg.TotalCount)
	assert.Equal(t, int64(2), agg.OkCount)
	assert.Equal(t, int64(1), agg.MissingCount)
	assert.Equal(t, int64(1), agg.DelayedCount)
	assert.Equal(t, int64(3), agg.AgeCount, "null ages do not count toward the mean")

	avg, ok := agg.AvgAgeMinutes()
	require.True(t, ok)
	assert.InDelta(t, 12.333, avg, 0.001)
	assert.InDelta(t, 50.0, agg.SlaAdherencePct(), 0.001)

	sketch, err := SketchFromBytes(agg.AgeSketch)
	require.NoError(t, err)
	p95, ok := sketch.Quantile(0.95)
	require.True(t, ok)
	assert.Greater(t, p95, 5.0)
	assert.LessOrEqual(t, p95, 30.0)
}

func TestProcessOnceIsIncrementalAndIdempotent(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	engine := newEngine(repo)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.AppendBatch(ctx, "b1", []model.CanonicalObservation{
		obs(model.StatusOK, fptr(3), day.Add(time.Hour)),
	}))

	n, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Nothing new: reprocessing must not double-count.
	n, err = engine.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A later batch for the same day merges into the existing row.
	require.NoError(t, repo.AppendBatch(ctx, "b2", []model.CanonicalObservation{
		obs(model.StatusOK, fptr(7), day.Add(2*time.Hour)),
		obs(model.StatusMissing, nil, day.Add(3*time.Hour)),
	}))
	n, err = engine.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agg, err := repo.GetDaily(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.TotalCount)
	assert.Equal(t, int64(2), agg.OkCount)
	assert.Equal(t, int64(1), agg.MissingCount)
	assert.Equal(t, 10.0, agg.AgeSum)

	sketch, err := SketchFromBytes(agg.AgeSketch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sketch.Count(), "sketch merges across passes")

	wm, err := repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), wm)
}

func TestProcessOnceSplitsDays(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	require.NoError(t, repo.AppendBatch(ctx, "b1", []model.CanonicalObservation{
		obs(model.StatusOK, fptr(1), day1.Add(23*time.Hour)),
		obs(model.StatusOK, fptr(2), day2.Add(time.Hour)),
	}))

	n, err := newEngine(repo).ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := repo.ListDaily(ctx, day1, day2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, day1, rows[0].Date)
	assert.Equal(t, int64(1), rows[0].TotalCount)
	assert.Equal(t, day2, rows[1].Date)
	assert.Equal(t, int64(1), rows[1].TotalCount)
}

func TestProcessOnceRespectsBatchLimit(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var recs []model.CanonicalObservation
	for i := 0; i < 7; i++ {
		recs = append(recs, obs(model.StatusOK, fptr(1), day.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.AppendBatch(ctx, "b1", recs))

	engine := NewEngine(config.AggregationConfig{PollInterval: time.Second, BatchLimit: 3}, repo, logging.Default())

	for _, want := range []int{3, 3, 1, 0} {
		n, err := engine.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	agg, err := repo.GetDaily(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(7), agg.TotalCount)
}

// conflictRepo forces one watermark conflict to simulate a concurrent pass.
type conflictRepo struct {
	repository.Repository
	conflicts int
}

func (r *conflictRepo) SaveDaily(ctx context.Context, rows []model.DailyAggregate, fromSeq, toSeq int64) error {
	if r.conflicts > 0 {
		r.conflicts--
		return repository.ErrWatermarkConflict
	}
	return r.Repository.SaveDaily(ctx, rows, fromSeq, toSeq)
}

func TestProcessOnceDiscardsMergeOnWatermarkConflict(t *testing.T) {
	mem := repository.NewInMemoryRepository()
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, mem.AppendBatch(ctx, "b1", []model.CanonicalObservation{
		obs(model.StatusOK, fptr(1), day.Add(time.Hour)),
	}))

	repo := &conflictRepo{Repository: mem, conflicts: 1}
	engine := newEngine(repo)

	n, err := engine.ProcessOnce(ctx)
	require.NoError(t, err, "a conflict is not an error")
	assert.Equal(t, 0, n)

	_, err = mem.GetDaily(ctx, day)
	assert.ErrorIs(t, err, repository.ErrAggregateNotFound, "conflicted merge leaves no row behind")

	// The retry succeeds once the conflict clears.
	n, err = engine.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
