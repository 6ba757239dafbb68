package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/ids"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, tenant_id, email, username, password_hash, first_name, last_name,
	active, locked, lock_reason, locked_until, failed_login_attempts,
	mfa_enabled, mfa_secret, password_changed_at, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *iam.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, tenant_id, email, username, password_hash, first_name, last_name,
			active, password_changed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at, updated_at
	`, u.ID, u.TenantID, u.Email, u.Username, u.PasswordHash, u.FirstName, u.LastName,
		u.Active, u.PasswordChangedAt).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, tenantID, id string) (*iam.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where tenant_id = $1 and id = $2
	`, tenantID, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, tenantID, email string) (*iam.User, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where tenant_id = $1 and email = $2
	`, tenantID, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *userStore) List(ctx context.Context, tenantID string, f iam.UserFilter) ([]*iam.User, error) {
	var (
		clauses = []string{"tenant_id = $1"}
		args    = []any{tenantID}
		idx     = 2
	)
	if f.Email != "" {
		clauses = append(clauses, fmt.Sprintf("email = $%d", idx))
		args = append(args, strings.ToLower(f.Email))
		idx++
	}
	if f.Active != nil {
		clauses = append(clauses, fmt.Sprintf("active = $%d", idx))
		args = append(args, *f.Active)
		idx++
	}
	if f.Locked != nil {
		clauses = append(clauses, fmt.Sprintf("locked = $%d", idx))
		args = append(args, *f.Locked)
		idx++
	}
	query := `select ` + userColumns + ` from users where ` + strings.Join(clauses, " and ") + ` order by created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" offset $%d", idx)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *userStore) Update(ctx context.Context, u *iam.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set email = $3, username = $4, password_hash = $5, first_name = $6, last_name = $7,
			active = $8, mfa_enabled = $9, mfa_secret = $10, password_changed_at = $11,
			updated_at = now()
		where tenant_id = $1 and id = $2
	`, u.TenantID, u.ID, u.Email, u.Username, u.PasswordHash, u.FirstName, u.LastName,
		u.Active, u.MFAEnabled, u.MFASecret, u.PasswordChangedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res)
}

func (s *userStore) IncrementFailedLogins(ctx context.Context, tenantID, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1, updated_at = now()
		where tenant_id = $1 and id = $2
		returning failed_login_attempts
	`, tenantID, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, iam.ErrNotFound
	}
	return count, err
}

func (s *userStore) ResetFailedLogins(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetLock(ctx context.Context, tenantID, id string, locked bool, reason string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set locked = $3, lock_reason = $4, locked_until = $5, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, id, locked, reason, until)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetMFA(ctx context.Context, tenantID, id string, enabled bool, secret string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set mfa_enabled = $3, mfa_secret = $4, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, id, enabled, secret)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from mfa_backup_codes where tenant_id = $1 and user_id = $2
	`, tenantID, userID); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx, `
			insert into mfa_backup_codes (tenant_id, user_id, code_hash)
			values ($1, $2, $3)
		`, tenantID, userID, hash); err != nil {
			return mapConstraintError(err)
		}
	}
	return tx.Commit()
}

func (s *userStore) ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from mfa_backup_codes
		where tenant_id = $1 and user_id = $2 and code_hash = $3
	`, tenantID, userID, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *userStore) BackupCodeCount(ctx context.Context, tenantID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from mfa_backup_codes where tenant_id = $1 and user_id = $2
	`, tenantID, userID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*iam.User, error) {
	var u iam.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Username, &u.PasswordHash,
		&u.FirstName, &u.LastName, &u.Active, &u.Locked, &u.LockReason, &u.LockedUntil,
		&u.FailedLoginAttempts, &u.MFAEnabled, &u.MFASecret, &u.PasswordChangedAt,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return iam.ErrNotFound
	}
	return nil
}

type policyStore struct {
	db *sql.DB
}

func (s *policyStore) Get(ctx context.Context, tenantID string) (*iam.PasswordPolicy, error) {
	var (
		p         iam.PasswordPolicy
		lockoutMS int64
	)
	err := s.db.QueryRowContext(ctx, `
		select tenant_id, min_length, require_uppercase, require_lowercase, require_digit,
			require_symbol, history_depth, max_failed_attempts, lockout_duration_ms, updated_at
		from password_policies
		where tenant_id = $1
	`, tenantID).Scan(&p.TenantID, &p.MinLength, &p.RequireUppercase, &p.RequireLowercase,
		&p.RequireDigit, &p.RequireSymbol, &p.HistoryDepth, &p.MaxFailedAttempts,
		&lockoutMS, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.LockoutDuration = time.Duration(lockoutMS) * time.Millisecond
	return &p, nil
}

func (s *policyStore) Put(ctx context.Context, p *iam.PasswordPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_policies (tenant_id, min_length, require_uppercase, require_lowercase,
			require_digit, require_symbol, history_depth, max_failed_attempts, lockout_duration_ms, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		on conflict (tenant_id) do update
		set min_length = excluded.min_length,
			require_uppercase = excluded.require_uppercase,
			require_lowercase = excluded.require_lowercase,
			require_digit = excluded.require_digit,
			require_symbol = excluded.require_symbol,
			history_depth = excluded.history_depth,
			max_failed_attempts = excluded.max_failed_attempts,
			lockout_duration_ms = excluded.lockout_duration_ms,
			updated_at = now()
	`, p.TenantID, p.MinLength, p.RequireUppercase, p.RequireLowercase, p.RequireDigit,
		p.RequireSymbol, p.HistoryDepth, p.MaxFailedAttempts, p.LockoutDuration.Milliseconds())
	return err
}

type historyStore struct {
	db *sql.DB
}

func (s *historyStore) Append(ctx context.Context, tenantID, userID, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_history (tenant_id, user_id, password_hash, created_at)
		values ($1, $2, $3, now())
	`, tenantID, userID, hash)
	return mapConstraintError(err)
}

func (s *historyStore) Recent(ctx context.Context, tenantID, userID string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select password_hash
		from password_history
		where tenant_id = $1 and user_id = $2
		order by created_at desc, id desc
		limit $3
	`, tenantID, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
