package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvanalytics/pipeline/common/database"
)

// PostgresStore keeps records in the aggregates table and applied message
// ids in aggregate_applied. CompareAndSwap inserts the applied row and runs
// the version-checked write in one transaction; the applied row's primary key
// stops a concurrent apply of the same message.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectRecord = `
SELECT aggregate_key, count, derived_fields, version, updated_at
FROM aggregates`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		fields []byte
	)
	if err := row.Scan(&rec.Key, &rec.Count, &fields, &rec.Version, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.DerivedFields); err != nil {
		return nil, fmt.Errorf("decode derived fields: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rec, err := scanRecord(s.pool.QueryRow(qctx, selectRecord+` WHERE aggregate_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate %s: %w", key, err)
	}
	return rec, nil
}

func (s *PostgresStore) Applied(ctx context.Context, key, messageID string) (bool, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var applied bool
	err := s.pool.QueryRow(qctx, `
SELECT EXISTS (SELECT 1 FROM aggregate_applied WHERE aggregate_key = $1 AND message_id = $2)`,
		key, messageID).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check applied %s/%s: %w", key, messageID, err)
	}
	return applied, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64, messageID string) error {
	wctx, cancel := database.WriteContext(ctx)
	defer cancel()

	fields, err := json.Marshal(rec.DerivedFields)
	if err != nil {
		return fmt.Errorf("encode derived fields: %w", err)
	}

	err = pgx.BeginFunc(wctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(wctx, `
INSERT INTO aggregate_applied (aggregate_key, message_id, applied_at)
VALUES ($1, $2, $3)
ON CONFLICT (aggregate_key, message_id) DO NOTHING`,
			rec.Key, messageID, rec.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}

		if expected == 0 {
			tag, err = tx.Exec(wctx, `
INSERT INTO aggregates (aggregate_key, count, derived_fields, version, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (aggregate_key) DO NOTHING`,
				rec.Key, rec.Count, fields, rec.Version, rec.UpdatedAt)
		} else {
			tag, err = tx.Exec(wctx, `
UPDATE aggregates
SET count = $2, derived_fields = $3, version = $4, updated_at = $5
WHERE aggregate_key = $1 AND version = $6`,
				rec.Key, rec.Count, fields, rec.Version, rec.UpdatedAt, expected)
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrAlreadyApplied), errors.Is(err, ErrConflict):
		return err
	case err != nil:
		return fmt.Errorf("write aggregate %s: %w", rec.Key, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(qctx, `
SELECT * FROM (`+selectRecord+` ORDER BY aggregate_key DESC LIMIT $1) recent
ORDER BY aggregate_key`, limit)
	if err != nil {
		return nil, fmt.Errorf("list aggregates: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
