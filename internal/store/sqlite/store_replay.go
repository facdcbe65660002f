package sqlite

import (
	"context"
	"time"
)

// TryAdd records a token id and reports false if it was seen before.
// It satisfies auth.ReplayCache so replay protection survives restarts.
func (s *Store) TryAdd(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	res, err := s.tryAddReplayStmt.ExecContext(ctx, jti, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// PurgeExpired removes replay entries whose token has expired. It limits
// each run to avoid long write transactions.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM token_replay
WHERE jti IN (
	SELECT jti
	FROM token_replay
	WHERE expires_at < ?
	ORDER BY expires_at ASC
	LIMIT ?
)`, now.UTC(), defaultReplayPurgeLimit)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
