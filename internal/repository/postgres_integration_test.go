package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/transferpipe/internal/model"
)

func setupPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("transferpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrations failed: %v", err)
	}

	repo, err := NewPostgresRepository(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestPostgresRepository(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("staging lifecycle", func(t *testing.T) {
		b := &model.Batch{
			ID:     "pg-b1",
			Source: "test",
			Format: model.FormatCSV,
			State:  model.BatchSealed,
			Records: []model.RawRecord{
				{Observation: model.RawObservation{Filename: "a.dat", Status: model.StatusOK}, Raw: "a"},
			},
			Bytes:         1,
			FirstRecordAt: base,
			SealedAt:      base.Add(time.Minute),
		}
		require.NoError(t, repo.SaveBatch(ctx, b))
		require.NoError(t, repo.SaveBatch(ctx, b), "save is an upsert")
		require.NoError(t, repo.MarkBatchCommitted(ctx, "pg-b1", base.Add(2*time.Minute)))
		assert.ErrorIs(t, repo.MarkBatchCommitted(ctx, "nope", base), ErrBatchNotFound)
	})

	t.Run("canonical append and scan", func(t *testing.T) {
		age := 5.0
		notes := "late"
		require.NoError(t, repo.AppendBatch(ctx, "pg-b1", []model.CanonicalObservation{
			{
				RawObservation: model.RawObservation{
					Filename:              "a.dat",
					SourcePresent:         true,
					TargetPresent:         true,
					SourceLastModifiedUtc: &base,
					AgeMinutes:            &age,
					Status:                model.StatusOK,
				},
				Timestamp: base,
			},
			{
				RawObservation: model.RawObservation{
					Filename:      "b.dat",
					SourcePresent: true,
					Status:        model.StatusDelayed,
					Notes:         &notes,
				},
				Timestamp: base.Add(time.Hour),
			},
		}))

		recs, err := repo.ScanSince(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Less(t, recs[0].Seq, recs[1].Seq)
		assert.Equal(t, "a.dat", recs[0].Filename)
		require.NotNil(t, recs[0].AgeMinutes)
		assert.Equal(t, 5.0, *recs[0].AgeMinutes)
		require.NotNil(t, recs[1].Notes)
		assert.Equal(t, "late", *recs[1].Notes)

		inWindow, err := repo.ScanByTime(ctx, ScanQuery{From: base, To: base.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, inWindow, 1, "To bound is exclusive")

		n, err := repo.CountByStatus(ctx, model.StatusDelayed, base, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("watermark CAS", func(t *testing.T) {
		wm, err := repo.Watermark(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), wm)

		day := model.DayOf(base)
		rows := []model.DailyAggregate{{Date: day, TotalCount: 2, OkCount: 1, AgeSum: 5, AgeCount: 1}}
		require.NoError(t, repo.SaveDaily(ctx, rows, 0, 2))

		err = repo.SaveDaily(ctx, rows, 0, 2)
		assert.ErrorIs(t, err, ErrWatermarkConflict)

		agg, err := repo.GetDaily(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, int64(2), agg.TotalCount)

		listed, err := repo.ListDaily(ctx, day, day)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, day, listed[0].Date)

		_, err = repo.GetDaily(ctx, day.AddDate(0, 0, 5))
		assert.ErrorIs(t, err, ErrAggregateNotFound)
	})

	t.Run("dead letters", func(t *testing.T) {
		require.NoError(t, repo.Append(ctx, []model.DeadLetterEntry{
			{RawPayload: "bad,row", SourceName: "test", FailedAt: base, Error: "boom", CorrelationID: "pg-b1"},
		}))

		entries, err := repo.Query(ctx, base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "bad,row", entries[0].RawPayload)

		n, err := repo.Count(ctx, base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("schema objects", func(t *testing.T) {
		require.NoError(t, repo.RecordObject(ctx, "obj", "mapping", "h1", []byte(`{}`)))
		require.NoError(t, repo.RecordObject(ctx, "obj", "mapping", "h2", []byte(`{}`)))

		applied, err := repo.AppliedObjects(ctx)
		require.NoError(t, err)
		assert.Equal(t, "h2", applied["obj"])
	})

	t.Run("retention sweeps", func(t *testing.T) {
		removed, err := repo.DeleteObservationsBefore(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		removed, err = repo.DeleteDeadLettersBefore(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		removed, err = repo.DeleteBatchesBefore(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		removed, err = repo.DeleteDailyBefore(ctx, model.DayOf(base))
		require.NoError(t, err)
		assert.Equal(t, int64(0), removed, "same-day rollup survives")
	})

	t.Run("single-transaction commit", func(t *testing.T) {
		b := &model.Batch{
			ID:     "pg-b2",
			Source: "test",
			Format: model.FormatJSON,
			State:  model.BatchSealed,
			Records: []model.RawRecord{
				{Observation: model.RawObservation{Filename: "c.dat", Status: model.StatusOK}, Raw: "c"},
				{Raw: "junk", Invalid: true, Error: "boom"},
			},
			Bytes:         5,
			FirstRecordAt: base,
			SealedAt:      base.Add(time.Minute),
		}
		committedAt := base.Add(2 * time.Minute)
		require.NoError(t, repo.CommitBatch(ctx, b,
			[]model.CanonicalObservation{{
				RawObservation: model.RawObservation{Filename: "c.dat", SourcePresent: true, Status: model.StatusOK},
				Timestamp:      base.Add(2 * time.Hour),
			}},
			[]model.DeadLetterEntry{{RawPayload: "junk", SourceName: "test", FailedAt: committedAt, Error: "boom", CorrelationID: "pg-b2"}},
			committedAt,
		))

		recs, err := repo.ScanByTime(ctx, ScanQuery{From: base.Add(90 * time.Minute), To: base.Add(3 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "pg-b2", recs[0].BatchID)

		n, err := repo.Count(ctx, committedAt.Add(-time.Minute), committedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// The staging row lands already committed.
		require.NoError(t, repo.MarkBatchCommitted(ctx, "pg-b2", committedAt))
	})
}
