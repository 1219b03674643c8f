package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Consume adds points to the key's current fixed window, creating or
// replacing the window when absent or expired. Times are stored as unix
// milliseconds. All writes go through the single-writer connection, so the
// read-modify-write pair stays serialized without explicit locking.
func (s *Store) Consume(ctx context.Context, key string, points int, window time.Duration) (int, time.Duration, bool, error) {
	now := time.Now().UnixMilli()

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, false, err
	}
	defer tx.Rollback()

	var consumed int
	var resetAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT consumed, reset_at FROM rate_limit_windows WHERE key = ?`, key,
	).Scan(&consumed, &resetAt)

	fresh := errors.Is(err, sql.ErrNoRows) || (err == nil && resetAt <= now)
	switch {
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return 0, 0, false, err
	case fresh:
		consumed = points
		resetAt = now + window.Milliseconds()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limit_windows (key, consumed, reset_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET consumed = excluded.consumed, reset_at = excluded.reset_at`,
			key, consumed, resetAt)
	default:
		consumed += points
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_windows SET consumed = ? WHERE key = ?`, consumed, key)
	}
	if err != nil {
		return 0, 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, false, err
	}
	return consumed, time.Duration(resetAt-now) * time.Millisecond, fresh, nil
}

// Reset deletes the key's window.
func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE key = ?`, key)
	return err
}

// EvictExpired removes windows whose reset time has passed, returning the
// number deleted. A background worker calls this periodically to keep the
// table from accumulating dead keys.
func (s *Store) EvictExpired(ctx context.Context) (int, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE reset_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
