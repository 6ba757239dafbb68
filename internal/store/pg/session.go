package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/ids"
)

type sessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, tenant_id, user_id, token_jti, refresh_hash, status,
	ip_address, user_agent, expires_at, last_refreshed_at, created_at`

func (s *sessionStore) Create(ctx context.Context, sess *iam.Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into sessions (id, tenant_id, user_id, token_jti, refresh_hash, status,
			ip_address, user_agent, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at
	`, sess.ID, sess.TenantID, sess.UserID, sess.TokenJTI, sess.RefreshHash, sess.Status,
		sess.IPAddress, sess.UserAgent, sess.ExpiresAt).Scan(&sess.CreatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (s *sessionStore) FindByID(ctx context.Context, id string) (*iam.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+` from sessions where id = $1
	`, id)
	return scanSession(row)
}

func (s *sessionStore) ActiveForUser(ctx context.Context, tenantID, userID string) ([]*iam.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where tenant_id = $1 and user_id = $2 and status = 'ACTIVE'
		order by created_at desc
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// Rotate swaps the refresh hash only when the stored hash still matches
// oldHash and the session is ACTIVE. Zero rows affected means a concurrent
// refresh already consumed the token.
func (s *sessionStore) Rotate(ctx context.Context, id, oldHash, newHash, newJTI string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set refresh_hash = $3, token_jti = $4, last_refreshed_at = $5
		where id = $1 and refresh_hash = $2 and status = 'ACTIVE'
	`, id, oldHash, newHash, newJTI, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sessionStore) UpdateStatus(ctx context.Context, tenantID, id string, to iam.SessionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set status = $3
		where tenant_id = $1 and id = $2 and status = 'ACTIVE'
	`, tenantID, id, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, tenantID, userID string, to iam.SessionStatus) ([]*iam.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		update sessions
		set status = $3
		where tenant_id = $1 and user_id = $2 and status = 'ACTIVE'
		returning `+sessionColumns+`
	`, tenantID, userID, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func scanSession(row rowScanner) (*iam.Session, error) {
	var sess iam.Session
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.TokenJTI,
		&sess.RefreshHash, &sess.Status, &sess.IPAddress, &sess.UserAgent,
		&sess.ExpiresAt, &sess.LastRefreshedAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
