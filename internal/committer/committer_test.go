package committer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

type captureNotifier struct {
	batchID   string
	committed int
	diverted  int
	calls     int
}

func (n *captureNotifier) BatchCommitted(_ context.Context, batchID string, committed, diverted int) {
	n.batchID = batchID
	n.committed = committed
	n.diverted = diverted
	n.calls++
}

func newCommitter(mode string, repo repository.Repository, n Notifier) *Committer {
	return New(config.CommitConfig{Mode: mode, MaxRetries: 3, RetryBackoff: time.Millisecond}, repo, n, logging.Default())
}

func validRecord(name string, modified *time.Time) model.RawRecord {
	return model.RawRecord{
		Observation: model.RawObservation{
			Filename:              name,
			SourcePresent:         true,
			TargetPresent:         true,
			SourceLastModifiedUtc: modified,
			Status:                model.StatusOK,
		},
		Raw: name,
	}
}

func invalidRecord(name string) model.RawRecord {
	return model.RawRecord{Raw: name, Invalid: true, Error: "field SourcePresent: cannot parse"}
}

func testBatch(recs ...model.RawRecord) *model.Batch {
	return &model.Batch{
		ID:       "batch-1",
		Source:   "test",
		Format:   model.FormatCSV,
		State:    model.BatchSealed,
		Records:  recs,
		SealedAt: time.Now(),
	}
}

func TestDerive(t *testing.T) {
	commitTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	modified := time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)

	withSource := Derive(model.RawObservation{Filename: "a", SourceLastModifiedUtc: &modified}, commitTime)
	assert.Equal(t, modified, withSource.Timestamp, "source modification time wins")

	withoutSource := Derive(model.RawObservation{Filename: "b"}, commitTime)
	assert.Equal(t, commitTime, withoutSource.Timestamp, "commit time is the fallback")
	assert.False(t, withoutSource.Timestamp.IsZero())
}

func TestCommitPartialMode(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	notifier := &captureNotifier{}
	c := newCommitter(ModePartial, repo, notifier)
	ctx := context.Background()

	modified := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	batch := testBatch(
		validRecord("a.dat", &modified),
		invalidRecord("garbage,row"),
		validRecord("b.dat", nil),
	)

	res, err := c.Commit(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, res.Diverted)

	recs, err := repo.ScanSince(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "batch-1", recs[0].BatchID)
	assert.Equal(t, modified, recs[0].Timestamp)
	assert.WithinDuration(t, time.Now(), recs[1].Timestamp, 5*time.Second,
		"record without a source timestamp gets the commit time")

	entries, err := repo.Query(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "garbage,row", entries[0].RawPayload)
	assert.Equal(t, "batch-1", entries[0].CorrelationID)
	assert.Equal(t, "test", entries[0].SourceName)
	assert.Contains(t, entries[0].Error, "SourcePresent")

	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, "batch-1", notifier.batchID)
	assert.Equal(t, 2, notifier.committed)
	assert.Equal(t, 1, notifier.diverted)
}

func TestCommitTransactionalModeRejectsWholeBatch(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	c := newCommitter(ModeTransactional, repo, nil)
	ctx := context.Background()

	batch := testBatch(
		validRecord("a.dat", nil),
		invalidRecord("bad"),
		validRecord("b.dat", nil),
	)

	res, err := c.Commit(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Committed)
	assert.Equal(t, 3, res.Diverted)

	recs, err := repo.ScanSince(ctx, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing reaches the canonical store")

	entries, err := repo.Query(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "batch-1", e.CorrelationID)
	}
	// The healthy records carry the batch-level reason, the bad one its own.
	assert.Contains(t, entries[0].Error, "transactional batch rejected")
	assert.Contains(t, entries[1].Error, "SourcePresent")
	assert.Contains(t, entries[2].Error, "transactional batch rejected")
}

func TestCommitTransactionalModeCleanBatch(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	c := newCommitter(ModeTransactional, repo, nil)
	ctx := context.Background()

	res, err := c.Commit(ctx, testBatch(validRecord("a.dat", nil), validRecord("b.dat", nil)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 0, res.Diverted)
}

func TestCommitEmptyBatch(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	c := newCommitter(ModeTransactional, repo, nil)

	res, err := c.Commit(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

// failOnceRepo rejects the first CommitBatch without side effects, the way
// a dropped connection would before the transaction commits.
type failOnceRepo struct {
	*repository.InMemoryRepository
	failed bool
}

func (r *failOnceRepo) CommitBatch(ctx context.Context, b *model.Batch, canonical []model.CanonicalObservation, diverted []model.DeadLetterEntry, at time.Time) error {
	if !r.failed {
		r.failed = true
		return errors.New("connection reset by peer")
	}
	return r.InMemoryRepository.CommitBatch(ctx, b, canonical, diverted, at)
}

func TestCommitRetryDoesNotDuplicateRecords(t *testing.T) {
	repo := &failOnceRepo{InMemoryRepository: repository.NewInMemoryRepository()}
	c := newCommitter(ModePartial, repo, nil)
	ctx := context.Background()

	batch := testBatch(
		validRecord("a.dat", nil),
		invalidRecord("bad"),
		validRecord("b.dat", nil),
	)

	res, err := c.commitWithRetry(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, res.Diverted)

	recs, err := repo.ScanSince(ctx, 0, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "the retried commit lands each record exactly once")

	n, err := repo.Count(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "no duplicate dead-letter entries either")
}

func TestRunDrainsChannelUntilClosed(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	c := newCommitter(ModePartial, repo, nil)

	sealed := make(chan *model.Batch, 2)
	sealed <- testBatch(validRecord("a.dat", nil))
	b2 := testBatch(validRecord("b.dat", nil))
	b2.ID = "batch-2"
	sealed <- b2
	close(sealed)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), sealed)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after channel close")
	}

	recs, err := repo.ScanSince(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
