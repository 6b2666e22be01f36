package watermark

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore is a durable watermark set backed by the
// event_log.watermarks table. Inserts are idempotent via ON CONFLICT.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) IsNew(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.watermarks WHERE event_id = $1 LIMIT 1`,
		eventID,
	).Scan(&exists)

	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) Mark(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log.watermarks (event_id) VALUES ($1)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	return err
}

// Close is a no-op; the caller owns the *sql.DB.
func (s *PostgresStore) Close() error { return nil }
