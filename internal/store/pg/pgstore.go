// Package pg implements the IAM store on PostgreSQL.
package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/jackc/pgx/v5/stdlib"

	"opsforge.io/internal/iam"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements iam.Store over a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

var _ iam.Store = (*Store)(nil)

// Open connects to the database and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection. Test use with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() iam.UserStore                      { return &userStore{db: s.db} }
func (s *Store) Roles() iam.RoleStore                      { return &roleStore{db: s.db} }
func (s *Store) Permissions() iam.PermissionStore          { return &permissionStore{db: s.db} }
func (s *Store) Groups() iam.GroupStore                    { return &groupStore{db: s.db} }
func (s *Store) Sessions() iam.SessionStore                { return &sessionStore{db: s.db} }
func (s *Store) Invitations() iam.InvitationStore          { return &invitationStore{db: s.db} }
func (s *Store) Policies() iam.PolicyStore                 { return &policyStore{db: s.db} }
func (s *Store) PasswordHistory() iam.PasswordHistoryStore { return &historyStore{db: s.db} }
func (s *Store) RateLimits() iam.RateLimitStore            { return &rateLimitStore{db: s.db} }
func (s *Store) Audit() iam.AuditStore                     { return &auditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapConstraintError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return iam.ErrConflict
		case pgErrForeignKeyViolation:
			return iam.ErrInvalidInput
		}
	}
	return err
}
