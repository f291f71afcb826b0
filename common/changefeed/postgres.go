package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvanalytics/pipeline/common/database"
	"github.com/cvanalytics/pipeline/common/models"
)

// DefaultPollInterval is how often an idle Postgres cursor re-queries.
const DefaultPollInterval = 250 * time.Millisecond

const selectChanges = `
SELECT c.position, c.event_key, c.change_type, c.captured_at,
       e.correlation_id, e.source, e.event_type, e.delivery_id, e.payload,
       e.received_at, e.source_signature, e.sequence_hint
FROM event_changes c
JOIN events e ON e.event_key = c.event_key
WHERE c.partition = $1 AND c.position >= $2
ORDER BY c.position
LIMIT $3`

// PostgresFeed reads the event_changes table written by the Postgres event
// store in the same transaction as each event.
type PostgresFeed struct {
	pool         *pgxpool.Pool
	retention    time.Duration
	pollInterval time.Duration
	batchSize    int
}

// PostgresOption configures a PostgresFeed.
type PostgresOption func(*PostgresFeed)

// WithPostgresRetention overrides DefaultRetention.
func WithPostgresRetention(d time.Duration) PostgresOption {
	return func(f *PostgresFeed) {
		if d > 0 {
			f.retention = d
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(f *PostgresFeed) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// NewPostgresFeed creates a feed over an existing pool.
func NewPostgresFeed(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresFeed {
	f := &PostgresFeed{
		pool:         pool,
		retention:    DefaultRetention,
		pollInterval: DefaultPollInterval,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open implements Feed.
func (f *PostgresFeed) Open(ctx context.Context, partition string, from Position) (Cursor, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	pruned, err := f.prunedThrough(qctx, partition)
	if err != nil {
		return nil, err
	}

	var next int64
	switch {
	case from == PositionNow:
		var last int64
		err := f.pool.QueryRow(qctx,
			`SELECT last_position FROM partition_positions WHERE partition = $1`, partition).Scan(&last)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read partition tail: %w", err)
		}
		next = last + 1
	case from <= PositionOldest:
		next = pruned + 1
	default:
		next = int64(from)
		if next <= pruned {
			return nil, ErrPositionExpired
		}
		var capturedAt time.Time
		err := f.pool.QueryRow(qctx,
			`SELECT captured_at FROM event_changes WHERE partition = $1 AND position = $2`,
			partition, next).Scan(&capturedAt)
		if err == nil && capturedAt.Before(time.Now().Add(-f.retention)) {
			return nil, ErrPositionExpired
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read change position: %w", err)
		}
	}

	return &postgresCursor{feed: f, partition: partition, next: next}, nil
}

func (f *PostgresFeed) prunedThrough(ctx context.Context, partition string) (int64, error) {
	var pruned int64
	err := f.pool.QueryRow(ctx,
		`SELECT pruned_through FROM change_retention WHERE partition = $1`, partition).Scan(&pruned)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to read retention floor: %w", err)
	}
	return pruned, nil
}

// Partitions implements Feed.
func (f *PostgresFeed) Partitions(ctx context.Context) ([]string, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := f.pool.Query(qctx, `SELECT partition FROM partition_positions ORDER BY partition`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan partitions: %w", err)
	}
	return out, nil
}

// Prune implements Feed. The retention floor is raised in the same
// transaction as the delete so cursors never miss a pruned row silently.
func (f *PostgresFeed) Prune(ctx context.Context, now time.Time) (int, error) {
	bctx, cancel := database.BulkContext(ctx)
	defer cancel()

	removed := 0
	err := pgx.BeginFunc(bctx, f.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(bctx,
			`DELETE FROM event_changes WHERE captured_at < $1 RETURNING partition, position`,
			now.Add(-f.retention))
		if err != nil {
			return err
		}
		floors := make(map[string]int64)
		for rows.Next() {
			var partition string
			var pos int64
			if err := rows.Scan(&partition, &pos); err != nil {
				rows.Close()
				return err
			}
			removed++
			if pos > floors[partition] {
				floors[partition] = pos
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for partition, floor := range floors {
			_, err := tx.Exec(bctx, `
INSERT INTO change_retention (partition, pruned_through) VALUES ($1, $2)
ON CONFLICT (partition) DO UPDATE
SET pruned_through = GREATEST(change_retention.pruned_through, EXCLUDED.pruned_through)`,
				partition, floor)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune change log: %w", err)
	}
	return removed, nil
}

type postgresCursor struct {
	feed      *PostgresFeed
	partition string
	next      int64
	buf       []models.ChangeNotification
	closed    bool
}

func (c *postgresCursor) Next(ctx context.Context) (models.ChangeNotification, error) {
	for {
		if c.closed {
			return models.ChangeNotification{}, ErrClosed
		}
		if len(c.buf) > 0 {
			n := c.buf[0]
			c.buf = c.buf[1:]
			c.next = n.Position + 1
			return n, nil
		}

		if err := c.fill(ctx); err != nil {
			return models.ChangeNotification{}, err
		}
		if len(c.buf) > 0 {
			continue
		}

		t := time.NewTimer(c.feed.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return models.ChangeNotification{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *postgresCursor) fill(ctx context.Context) error {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()

	pruned, err := c.feed.prunedThrough(qctx, c.partition)
	if err != nil {
		return err
	}
	if c.next <= pruned {
		return ErrPositionExpired
	}

	rows, err := c.feed.pool.Query(qctx, selectChanges, c.partition, c.next, c.feed.batchSize)
	if err != nil {
		return fmt.Errorf("failed to read change log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n          models.ChangeNotification
			ev         models.Event
			changeType string
			payload    []byte
		)
		if err := rows.Scan(&n.Position, &n.EventKey, &changeType, &n.CapturedAt,
			&ev.CorrelationID, &ev.Source, &ev.EventType, &ev.DeliveryID, &payload,
			&ev.ReceivedAt, &ev.SourceSignature, &ev.SequenceHint); err != nil {
			return fmt.Errorf("failed to scan change: %w", err)
		}
		ev.Payload = payload
		n.Partition = c.partition
		n.ChangeType = models.ChangeType(changeType)
		ev.Key = n.EventKey
		ev.Partition = c.partition
		ev.ReceivedAt = ev.ReceivedAt.UTC()
		n.CapturedAt = n.CapturedAt.UTC()
		n.Event = &ev
		c.buf = append(c.buf, n)
	}
	return rows.Err()
}

func (c *postgresCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}
