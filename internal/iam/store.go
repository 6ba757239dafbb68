package iam

import (
	"context"
	"time"
)

// Store bundles the persistence operations required by the IAM core. Every
// method that touches tenant-owned data takes an explicit tenant identifier;
// implementations must never let a row cross tenants. Rate limits are the
// one global exception: they throttle before a tenant can be resolved.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	Groups() GroupStore
	Sessions() SessionStore
	Invitations() InvitationStore
	Policies() PolicyStore
	PasswordHistory() PasswordHistoryStore
	RateLimits() RateLimitStore
	Audit() AuditStore
}

// UserFilter narrows List results.
type UserFilter struct {
	Email  string
	Active *bool
	Locked *bool
	Limit  int
	Offset int
}

// UserStore manages identity records, lock state, and MFA material.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, tenantID, id string) (*User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)
	List(ctx context.Context, tenantID string, f UserFilter) ([]*User, error)
	Update(ctx context.Context, u *User) error

	// IncrementFailedLogins atomically bumps the counter and returns the
	// new value so concurrent failures cannot under-count.
	IncrementFailedLogins(ctx context.Context, tenantID, id string) (int, error)
	ResetFailedLogins(ctx context.Context, tenantID, id string) error
	SetLock(ctx context.Context, tenantID, id string, locked bool, reason string, until *time.Time) error

	SetMFA(ctx context.Context, tenantID, id string, enabled bool, secret string) error
	ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error
	// ConsumeBackupCode atomically removes one stored hash; false means the
	// code was absent or already used.
	ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (bool, error)
	BackupCodeCount(ctx context.Context, tenantID, userID string) (int, error)
}

// RoleStore manages roles, their permission sets, and user assignments.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, tenantID, id string) (*Role, error)
	FindByCode(ctx context.Context, tenantID, code string) (*Role, error)
	List(ctx context.Context, tenantID string) ([]*Role, error)
	Update(ctx context.Context, r *Role) error
	Delete(ctx context.Context, tenantID, id string) error

	SetPermissions(ctx context.Context, tenantID, roleID string, permissionCodes []string) error
	PermissionsForRole(ctx context.Context, tenantID, roleID string) ([]Permission, error)

	Assign(ctx context.Context, a RoleAssignment) error
	Unassign(ctx context.Context, tenantID, userID, roleID string) error
	AssignmentsForUser(ctx context.Context, tenantID, userID string) ([]RoleAssignment, error)
	AssigneeCount(ctx context.Context, tenantID, roleID string) (int, error)
}

// PermissionStore manages the per-tenant permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, tenantID string, perms []Permission) error
	List(ctx context.Context, tenantID string) ([]Permission, error)
	FindByCode(ctx context.Context, tenantID, code string) (*Permission, error)
	Deactivate(ctx context.Context, tenantID, code string) error
}

// GroupStore manages groups, their membership, and their inherited roles.
type GroupStore interface {
	Create(ctx context.Context, g *Group) error
	Find(ctx context.Context, tenantID, id string) (*Group, error)
	List(ctx context.Context, tenantID string) ([]*Group, error)
	Delete(ctx context.Context, tenantID, id string) error

	AddUser(ctx context.Context, tenantID, groupID, userID string) error
	RemoveUser(ctx context.Context, tenantID, groupID, userID string) error
	GroupsForUser(ctx context.Context, tenantID, userID string) ([]*Group, error)

	SetRoles(ctx context.Context, tenantID, groupID string, roleIDs []string) error
	RolesForGroup(ctx context.Context, tenantID, groupID string) ([]*Role, error)
}

// SessionStore manages issued credential pairs. FindByID is keyed by the
// session identifier alone because refresh happens before any tenant
// context exists; the returned row carries its tenant.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	ActiveForUser(ctx context.Context, tenantID, userID string) ([]*Session, error)

	// Rotate performs the single-use refresh swap: it replaces the stored
	// refresh hash and jti only when the current hash still equals oldHash
	// and the session is ACTIVE. False means the caller lost the race.
	Rotate(ctx context.Context, id, oldHash, newHash, newJTI string, at time.Time) (bool, error)

	// UpdateStatus transitions a session out of ACTIVE. Transitions from a
	// terminal state return false.
	UpdateStatus(ctx context.Context, tenantID, id string, to SessionStatus) (bool, error)

	// RevokeAllForUser moves every ACTIVE session of the user to the given
	// terminal status and returns the sessions it transitioned.
	RevokeAllForUser(ctx context.Context, tenantID, userID string, to SessionStatus) ([]*Session, error)
}

// InvitationStore manages onboarding records. Token lookups are global for
// the same reason session lookups are: the invitee presents only the token.
type InvitationStore interface {
	Create(ctx context.Context, inv *Invitation) error
	Find(ctx context.Context, tenantID, id string) (*Invitation, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error)
	PendingByEmail(ctx context.Context, tenantID, email string) (*Invitation, error)
	Update(ctx context.Context, inv *Invitation) error

	// Claim atomically flips a PENDING, unexpired invitation to ACCEPTED.
	// False means another accept already claimed it (or it was not
	// claimable), guaranteeing exactly-once redemption.
	Claim(ctx context.Context, tokenHash string, at time.Time) (bool, error)
	// Reopen undoes a claim when downstream provisioning failed.
	Reopen(ctx context.Context, tenantID, id string) error
}

// PolicyStore manages the per-tenant password policy singleton.
type PolicyStore interface {
	Get(ctx context.Context, tenantID string) (*PasswordPolicy, error)
	Put(ctx context.Context, p *PasswordPolicy) error
}

// PasswordHistoryStore is append-only; old entries are never removed.
type PasswordHistoryStore interface {
	Append(ctx context.Context, tenantID, userID, hash string) error
	Recent(ctx context.Context, tenantID, userID string, n int) ([]string, error)
}

// RateLimitStore persists fixed-window attempt counters.
type RateLimitStore interface {
	Get(ctx context.Context, key, action string) (*RateLimit, error)
	// Increment atomically bumps the counter, resetting the window first if
	// more than window has elapsed since WindowStart, and returns the row
	// as of after the bump.
	Increment(ctx context.Context, key, action string, now time.Time, window time.Duration) (*RateLimit, error)
	Block(ctx context.Context, key, action string, until time.Time) error
	Reset(ctx context.Context, key, action string) error
}

// AuditStore appends immutable entries. Safe under unordered concurrent
// writers; nothing ever reads it on a hot path.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, tenantID string, limit int) ([]*AuditEntry, error)
}
