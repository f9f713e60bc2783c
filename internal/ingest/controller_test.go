package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

func testController(t *testing.T, cfg config.BatchingConfig) *Controller {
	t.Helper()
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 4
	}
	return NewController(cfg, logging.Default())
}

func records(names ...string) []model.RawRecord {
	out := make([]model.RawRecord, 0, len(names))
	for _, n := range names {
		out = append(out, model.RawRecord{
			Observation: model.RawObservation{Filename: n, Status: model.StatusOK},
			Raw:         n,
		})
	}
	return out
}

func waitSealed(t *testing.T, c *Controller, timeout time.Duration) *model.Batch {
	t.Helper()
	select {
	case b := <-c.Sealed():
		return b
	case <-time.After(timeout):
		t.Fatal("no batch sealed in time")
		return nil
	}
}

func TestControllerSealsOnRecordCount(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 3, MaxBytes: 1 << 30,
	})
	ctx := context.Background()

	h1, err := c.Accept(ctx, "src", model.FormatCSV, records("a", "b"))
	require.NoError(t, err)
	h2, err := c.Accept(ctx, "src", model.FormatCSV, records("c"))
	require.NoError(t, err)
	assert.Equal(t, h1.BatchID, h2.BatchID, "contributions join the open batch")

	b := waitSealed(t, c, time.Second)
	assert.Equal(t, h1.BatchID, b.ID)
	assert.Equal(t, model.BatchSealed, b.State)
	require.Len(t, b.Records, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, b.Records[i].Raw, "arrival order preserved")
	}
}

func TestControllerSealsOnBytes(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1000, MaxBytes: 10,
	})

	_, err := c.Accept(context.Background(), "src", model.FormatCSV, records("0123456789abcdef"))
	require.NoError(t, err)

	b := waitSealed(t, c, time.Second)
	assert.GreaterOrEqual(t, b.Bytes, int64(10))
}

func TestControllerSealsOnAge(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: 50 * time.Millisecond, MaxRecords: 1000, MaxBytes: 1 << 30,
	})

	start := time.Now()
	_, err := c.Accept(context.Background(), "src", model.FormatJSON, records("a"))
	require.NoError(t, err)

	b := waitSealed(t, c, 2*time.Second)
	assert.Len(t, b.Records, 1)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"the age clock starts at the first record")
}

func TestControllerAbandon(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1000, MaxBytes: 1 << 30,
	})
	ctx := context.Background()

	h1, err := c.Accept(ctx, "src", model.FormatCSV, records("keep"))
	require.NoError(t, err)
	h2, err := c.Accept(ctx, "src", model.FormatCSV, records("drop1", "drop2"))
	require.NoError(t, err)

	assert.True(t, c.Abandon(h2))
	require.NoError(t, c.Flush(ctx))

	b := waitSealed(t, c, time.Second)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "keep", b.Records[0].Raw)

	// The batch sealed; both handles are now past the point of no return.
	assert.False(t, c.Abandon(h1))
	assert.False(t, c.Abandon(h2))
}

func TestControllerFullyAbandonedBatchNeverSeals(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1000, MaxBytes: 1 << 30,
	})
	ctx := context.Background()

	h, err := c.Accept(ctx, "src", model.FormatCSV, records("a"))
	require.NoError(t, err)
	require.True(t, c.Abandon(h))
	require.NoError(t, c.Flush(ctx))

	select {
	case b := <-c.Sealed():
		t.Fatalf("unexpected batch %s with %d records", b.ID, len(b.Records))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestControllerPerFormatBatches(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1000, MaxBytes: 1 << 30,
	})
	ctx := context.Background()

	hc, err := c.Accept(ctx, "src", model.FormatCSV, records("a"))
	require.NoError(t, err)
	hj, err := c.Accept(ctx, "src", model.FormatJSON, records("b"))
	require.NoError(t, err)
	assert.NotEqual(t, hc.BatchID, hj.BatchID)

	require.NoError(t, c.Flush(ctx))
	got := map[model.Format]int{}
	for i := 0; i < 2; i++ {
		b := waitSealed(t, c, time.Second)
		got[b.Format] = len(b.Records)
	}
	assert.Equal(t, map[model.Format]int{model.FormatCSV: 1, model.FormatJSON: 1}, got)
}

func TestControllerSealedHandoffPreservesOrder(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1, MaxBytes: 1 << 30, QueueDepth: 1,
	})
	ctx := context.Background()

	// The first batch fills the only channel slot; the next two sealers
	// block handing off until the consumer drains.
	_, err := c.Accept(ctx, "src", model.FormatCSV, records("a"))
	require.NoError(t, err)

	for _, name := range []string{"b", "c"} {
		name := name
		entered := make(chan struct{})
		go func() {
			close(entered)
			_, _ = c.Accept(ctx, "src", model.FormatCSV, records(name))
		}()
		<-entered
		time.Sleep(50 * time.Millisecond)
	}

	var got []string
	for i := 0; i < 3; i++ {
		b := waitSealed(t, c, time.Second)
		require.Len(t, b.Records, 1)
		got = append(got, b.Records[0].Raw)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got,
		"blocked senders do not overtake an earlier-sealed batch")
}

func TestControllerFlushFormatLeavesOtherFormatsOpen(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1000, MaxBytes: 1 << 30,
	})
	ctx := context.Background()

	_, err := c.Accept(ctx, "src", model.FormatCSV, records("a"))
	require.NoError(t, err)
	_, err = c.Accept(ctx, "src", model.FormatJSON, records("b"))
	require.NoError(t, err)

	require.NoError(t, c.FlushFormat(ctx, model.FormatCSV))

	b := waitSealed(t, c, time.Second)
	assert.Equal(t, model.FormatCSV, b.Format)

	select {
	case b := <-c.Sealed():
		t.Fatalf("unexpected sealed batch for format %s", b.Format)
	case <-time.After(100 * time.Millisecond):
	}

	// The json batch is still open and seals on the full flush.
	require.NoError(t, c.Flush(ctx))
	b = waitSealed(t, c, time.Second)
	assert.Equal(t, model.FormatJSON, b.Format)
}

func TestControllerCloseRejectsAccept(t *testing.T) {
	c := testController(t, config.BatchingConfig{
		MaxAge: time.Hour, MaxRecords: 1000, MaxBytes: 1 << 30,
	})
	require.NoError(t, c.Close(context.Background()))

	_, err := c.Accept(context.Background(), "src", model.FormatCSV, records("a"))
	assert.ErrorIs(t, err, ErrClosed)
}
