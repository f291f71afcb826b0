package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps dead letters in a local SQLite file. It suits a single
// processor instance in development; use JetStreamStore when several
// instances share the queue.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" keeps
// everything in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		message_id TEXT NOT NULL,
		body BLOB NOT NULL,
		group_key TEXT,
		receive_count INTEGER NOT NULL,
		reason TEXT NOT NULL,
		error TEXT,
		failed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepare(&e, time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters
			(id, queue, message_id, body, group_key, receive_count, reason, error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Queue, e.MessageID, e.Body, e.GroupKey, e.ReceiveCount, e.Reason, e.Error, e.FailedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, queue string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, queue, message_id, body, group_key, receive_count, reason, error, failed_at
		FROM dead_letters`
	args := []any{}
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY failed_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			groupKey sql.NullString
			errText  sql.NullString
			failedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Queue, &e.MessageID, &e.Body, &groupKey, &e.ReceiveCount, &e.Reason, &errText, &failedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.GroupKey = groupKey.String
		e.Error = errText.String
		e.FailedAt = time.Unix(0, failedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Purge(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	return err
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
