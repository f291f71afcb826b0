package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvanalytics/pipeline/common/database"
	"github.com/cvanalytics/pipeline/common/models"
)

const uniqueViolation = "23505"

// PostgresStore writes each event together with its change-log row in one
// transaction. The change log is what changefeed.PostgresFeed reads.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, ev *models.Event) error {
	wctx, cancel := database.WriteContext(ctx)
	defer cancel()

	err := pgx.BeginFunc(wctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(wctx, `
INSERT INTO events (event_key, partition, correlation_id, source, event_type, delivery_id,
                    payload, received_at, source_signature, sequence_hint)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			ev.Key, ev.Partition, ev.CorrelationID, ev.Source, ev.EventType, ev.DeliveryID,
			[]byte(ev.Payload), ev.ReceivedAt, ev.SourceSignature, ev.SequenceHint)
		if err != nil {
			return err
		}

		// The row lock on the partition counter orders commits by position.
		var position int64
		err = tx.QueryRow(wctx, `
INSERT INTO partition_positions (partition, last_position) VALUES ($1, 1)
ON CONFLICT (partition) DO UPDATE SET last_position = partition_positions.last_position + 1
RETURNING last_position`, ev.Partition).Scan(&position)
		if err != nil {
			return err
		}

		_, err = tx.Exec(wctx, `
INSERT INTO event_changes (partition, position, event_key, change_type)
VALUES ($1, $2, $3, $4)`, ev.Partition, position, ev.Key, string(models.ChangeAdded))
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

const selectEvent = `
SELECT event_key, partition, correlation_id, source, event_type, delivery_id, payload,
       received_at, source_signature, sequence_hint
FROM events`

func scanEvent(row pgx.Row) (models.Event, error) {
	var (
		ev      models.Event
		payload []byte
	)
	err := row.Scan(&ev.Key, &ev.Partition, &ev.CorrelationID, &ev.Source, &ev.EventType,
		&ev.DeliveryID, &payload, &ev.ReceivedAt, &ev.SourceSignature, &ev.SequenceHint)
	ev.Payload = payload
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, err
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*models.Event, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	ev, err := scanEvent(s.pool.QueryRow(qctx, selectEvent+` WHERE event_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

func (s *PostgresStore) ListByCorrelation(ctx context.Context, correlationID string) ([]models.Event, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(qctx,
		selectEvent+` WHERE correlation_id = $1 ORDER BY received_at, sequence_hint`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return s.pool.Ping(qctx)
}
