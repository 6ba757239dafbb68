package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsforge.io/internal/iam"
)

type rateLimitStore struct {
	db *sql.DB
}

func (s *rateLimitStore) Get(ctx context.Context, key, action string) (*iam.RateLimit, error) {
	var r iam.RateLimit
	err := s.db.QueryRowContext(ctx, `
		select key, action, count, window_start, blocked_until
		from rate_limits
		where key = $1 and action = $2
	`, key, action).Scan(&r.Key, &r.Action, &r.Count, &r.WindowStart, &r.BlockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Increment upserts the counter in one statement. An elapsed window resets
// the count to 1 atomically, so concurrent attempts never lose a bump.
func (s *rateLimitStore) Increment(ctx context.Context, key, action string, now time.Time, window time.Duration) (*iam.RateLimit, error) {
	var r iam.RateLimit
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limits (key, action, count, window_start)
		values ($1, $2, 1, $3)
		on conflict (key, action) do update
		set count = case when rate_limits.window_start < $4 then 1 else rate_limits.count + 1 end,
			window_start = case when rate_limits.window_start < $4 then $3 else rate_limits.window_start end
		returning key, action, count, window_start, blocked_until
	`, key, action, now, now.Add(-window)).Scan(&r.Key, &r.Action, &r.Count, &r.WindowStart, &r.BlockedUntil)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *rateLimitStore) Block(ctx context.Context, key, action string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rate_limits (key, action, count, window_start, blocked_until)
		values ($1, $2, 0, now(), $3)
		on conflict (key, action) do update set blocked_until = excluded.blocked_until
	`, key, action, until)
	return err
}

func (s *rateLimitStore) Reset(ctx context.Context, key, action string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from rate_limits where key = $1 and action = $2
	`, key, action)
	return err
}
