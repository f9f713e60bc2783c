package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/telhawk-systems/transferpipe/internal/model"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) SaveBatch(ctx context.Context, b *model.Batch) error {
	records, err := json.Marshal(b.Records)
	if err != nil {
		return fmt.Errorf("failed to marshal batch records: %w", err)
	}

	query := `
		INSERT INTO staging_batches (id, source, format, state, records, bytes, first_record_at, sealed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, records = EXCLUDED.records
	`

	_, err = r.pool.Exec(ctx, query,
		b.ID, b.Source, string(b.Format), string(b.State),
		records, b.Bytes, b.FirstRecordAt, b.SealedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save staging batch: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkBatchCommitted(ctx context.Context, batchID string, at time.Time) error {
	query := `
		UPDATE staging_batches
		SET state = $1, committed_at = $2
		WHERE id = $3
	`

	result, err := r.pool.Exec(ctx, query, string(model.BatchCommitted), at, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark batch committed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM staging_batches WHERE sealed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete staging batches: %w", err)
	}
	return result.RowsAffected(), nil
}

// AppendBatch writes all records of a batch in one transaction so that
// readers see the whole batch at once or not at all.
func (r *PostgresRepository) AppendBatch(ctx context.Context, batchID string, records []model.CanonicalObservation) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO canonical_observations
			(batch_id, filename, source_present, target_present,
			 source_last_modified_utc, target_last_modified_utc,
			 age_minutes, status, notes, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, obs := range records {
		_, err := tx.Exec(ctx, query,
			batchID, obs.Filename, obs.SourcePresent, obs.TargetPresent,
			obs.SourceLastModifiedUtc, obs.TargetLastModifiedUtc,
			obs.AgeMinutes, obs.Status, obs.Notes, obs.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert canonical observation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit canonical batch: %w", err)
	}
	return nil
}

// CommitBatch applies a whole batch commit in one transaction: the staging
// row lands already committed, the canonical records and dead-letter
// entries with it. A retry after a mid-commit failure re-runs the whole
// transaction instead of re-appending canonical records on their own.
func (r *PostgresRepository) CommitBatch(ctx context.Context, b *model.Batch, canonical []model.CanonicalObservation, diverted []model.DeadLetterEntry, committedAt time.Time) error {
	records, err := json.Marshal(b.Records)
	if err != nil {
		return fmt.Errorf("failed to marshal batch records: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO staging_batches (id, source, format, state, records, bytes, first_record_at, sealed_at, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			records = EXCLUDED.records,
			committed_at = EXCLUDED.committed_at
	`,
		b.ID, b.Source, string(b.Format), string(model.BatchCommitted),
		records, b.Bytes, b.FirstRecordAt, b.SealedAt, committedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save staging batch: %w", err)
	}

	obsQuery := `
		INSERT INTO canonical_observations
			(batch_id, filename, source_present, target_present,
			 source_last_modified_utc, target_last_modified_utc,
			 age_minutes, status, notes, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, obs := range canonical {
		_, err := tx.Exec(ctx, obsQuery,
			b.ID, obs.Filename, obs.SourcePresent, obs.TargetPresent,
			obs.SourceLastModifiedUtc, obs.TargetLastModifiedUtc,
			obs.AgeMinutes, obs.Status, obs.Notes, obs.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert canonical observation: %w", err)
		}
	}

	dlQuery := `
		INSERT INTO dead_letter_entries (raw_payload, source_name, failed_at, error, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, e := range diverted {
		if _, err := tx.Exec(ctx, dlQuery, e.RawPayload, e.SourceName, e.FailedAt, e.Error, e.CorrelationID); err != nil {
			return fmt.Errorf("failed to insert dead-letter entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

const canonicalColumns = `
	seq, batch_id, filename, source_present, target_present,
	source_last_modified_utc, target_last_modified_utc,
	age_minutes, status, notes, ts
`

func scanObservationRows(rows pgx.Rows) ([]CommittedObservation, error) {
	defer rows.Close()

	var out []CommittedObservation
	for rows.Next() {
		var c CommittedObservation
		if err := rows.Scan(
			&c.Seq, &c.BatchID, &c.Filename, &c.SourcePresent, &c.TargetPresent,
			&c.SourceLastModifiedUtc, &c.TargetLastModifiedUtc,
			&c.AgeMinutes, &c.Status, &c.Notes, &c.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ScanByTime(ctx context.Context, q ScanQuery) ([]CommittedObservation, error) {
	order := "seq ASC"
	afterSeq := q.AfterSeq
	if q.OrderByTimestamp {
		order = "ts ASC"
		afterSeq = 0
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM canonical_observations
		WHERE ts >= $1 AND ts < $2 AND seq > $3
		ORDER BY %s
		LIMIT $4
	`, canonicalColumns, order)

	rows, err := r.pool.Query(ctx, query, q.From, q.To, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan canonical store: %w", err)
	}
	return scanObservationRows(rows)
}

func (r *PostgresRepository) ScanSince(ctx context.Context, afterSeq int64, limit int) ([]CommittedObservation, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM canonical_observations
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, canonicalColumns)

	rows, err := r.pool.Query(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan canonical store: %w", err)
	}
	return scanObservationRows(rows)
}

func (r *PostgresRepository) CountByStatus(ctx context.Context, status string, from, to time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM canonical_observations WHERE status = $1 AND ts >= $2 AND ts < $3`,
		status, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count by status: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM canonical_observations WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete canonical observations: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresRepository) Append(ctx context.Context, entries []model.DeadLetterEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO dead_letter_entries (raw_payload, source_name, failed_at, error, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, e := range entries {
		if _, err := tx.Exec(ctx, query, e.RawPayload, e.SourceName, e.FailedAt, e.Error, e.CorrelationID); err != nil {
			return fmt.Errorf("failed to insert dead-letter entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit dead-letter entries: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Query(ctx context.Context, from, to time.Time) ([]model.DeadLetterEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT raw_payload, source_name, failed_at, error, correlation_id
		FROM dead_letter_entries
		WHERE failed_at >= $1 AND failed_at < $2
		ORDER BY failed_at DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter store: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		var e model.DeadLetterEntry
		if err := rows.Scan(&e.RawPayload, &e.SourceName, &e.FailedAt, &e.Error, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Count(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letter_entries WHERE failed_at >= $1 AND failed_at < $2`,
		from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead-letter entries: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM dead_letter_entries WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead-letter entries: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresRepository) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT seq FROM aggregation_watermark WHERE id = 1`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read aggregation watermark: %w", err)
	}
	return seq, nil
}

func (r *PostgresRepository) GetDaily(ctx context.Context, day time.Time) (*model.DailyAggregate, error) {
	agg := &model.DailyAggregate{}
	err := r.pool.QueryRow(ctx, `
		SELECT date, total_count, ok_count, missing_count, delayed_count, age_sum, age_count, age_sketch
		FROM daily_aggregates
		WHERE date = $1
	`, model.DayOf(day)).Scan(
		&agg.Date, &agg.TotalCount, &agg.OkCount, &agg.MissingCount,
		&agg.DelayedCount, &agg.AgeSum, &agg.AgeCount, &agg.AgeSketch,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAggregateNotFound
		}
		return nil, fmt.Errorf("failed to get daily aggregate: %w", err)
	}
	agg.Date = agg.Date.UTC()
	return agg, nil
}

func (r *PostgresRepository) ListDaily(ctx context.Context, from, to time.Time) ([]model.DailyAggregate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date, total_count, ok_count, missing_count, delayed_count, age_sum, age_count, age_sketch
		FROM daily_aggregates
		WHERE date >= $1 AND date <= $2
		ORDER BY date ASC
	`, model.DayOf(from), model.DayOf(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list daily aggregates: %w", err)
	}
	defer rows.Close()

	var out []model.DailyAggregate
	for rows.Next() {
		var agg model.DailyAggregate
		if err := rows.Scan(
			&agg.Date, &agg.TotalCount, &agg.OkCount, &agg.MissingCount,
			&agg.DelayedCount, &agg.AgeSum, &agg.AgeCount, &agg.AgeSketch,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily aggregate: %w", err)
		}
		agg.Date = agg.Date.UTC()
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// SaveDaily upserts merged rollup rows and advances the watermark in one
// transaction. The guarded watermark update makes at-least-once replay of
// the same sequence range a clean conflict instead of a double count.
func (r *PostgresRepository) SaveDaily(ctx context.Context, rows []model.DailyAggregate, fromSeq, toSeq int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin aggregation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx,
		`UPDATE aggregation_watermark SET seq = $1 WHERE id = 1 AND seq = $2`,
		toSeq, fromSeq,
	)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrWatermarkConflict
	}

	query := `
		INSERT INTO daily_aggregates
			(date, total_count, ok_count, missing_count, delayed_count, age_sum, age_count, age_sketch)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (date) DO UPDATE SET
			total_count = EXCLUDED.total_count,
			ok_count = EXCLUDED.ok_count,
			missing_count = EXCLUDED.missing_count,
			delayed_count = EXCLUDED.delayed_count,
			age_sum = EXCLUDED.age_sum,
			age_count = EXCLUDED.age_count,
			age_sketch = EXCLUDED.age_sketch
	`

	for _, row := range rows {
		_, err := tx.Exec(ctx, query,
			model.DayOf(row.Date), row.TotalCount, row.OkCount, row.MissingCount,
			row.DelayedCount, row.AgeSum, row.AgeCount, row.AgeSketch,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert daily aggregate: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit aggregation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM daily_aggregates WHERE date < $1`, model.DayOf(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete daily aggregates: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PostgresRepository) AppliedObjects(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, content_hash FROM schema_objects`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema objects: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan schema object: %w", err)
		}
		out[name] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) RecordObject(ctx context.Context, name, kind, hash string, spec []byte) error {
	query := `
		INSERT INTO schema_objects (name, kind, content_hash, spec, applied_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			content_hash = EXCLUDED.content_hash,
			spec = EXCLUDED.spec,
			updated_at = now()
	`

	if _, err := r.pool.Exec(ctx, query, name, kind, hash, spec); err != nil {
		return fmt.Errorf("failed to record schema object: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
