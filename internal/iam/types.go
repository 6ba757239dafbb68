package iam

import "time"

// User is an identity record scoped to a single tenant. Users are never
// hard-deleted once referenced by audit entries; Deactivate is the terminal
// lifecycle operation.
type User struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Email               string     `json:"email"`
	Username            string     `json:"username,omitempty"`
	PasswordHash        string     `json:"-"`
	FirstName           string     `json:"first_name,omitempty"`
	LastName            string     `json:"last_name,omitempty"`
	Active              bool       `json:"active"`
	Locked              bool       `json:"locked"`
	LockReason          string     `json:"lock_reason,omitempty"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	FailedLoginAttempts int        `json:"-"`
	MFAEnabled          bool       `json:"mfa_enabled"`
	MFASecret           string     `json:"-"`
	PasswordChangedAt   time.Time  `json:"password_changed_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Role is a named capability bundle. Code is unique per tenant. System roles
// can never be mutated or deleted.
type Role struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Code              string    `json:"code"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Level             int       `json:"level"`
	ParentID          *string   `json:"parent_id,omitempty"`
	System            bool      `json:"is_system"`
	Assignable        bool      `json:"is_assignable"`
	MaxUsers          int       `json:"max_users"` // 0 = unlimited
	IncompatibleRoles []string  `json:"incompatible_roles,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PermissionAll is the reserved code granting every permission system-wide.
const PermissionAll = "ALL"

// Built-in permission codes guarding the administrative surface.
const (
	PermUsersRead         = "iam.users.read"
	PermUsersManage       = "iam.users.manage"
	PermRolesRead         = "iam.roles.read"
	PermRolesManage       = "iam.roles.manage"
	PermGroupsManage      = "iam.groups.manage"
	PermInvitationsManage = "iam.invitations.manage"
	PermSessionsManage    = "iam.sessions.manage"
	PermAuditRead         = "iam.audit.read"
)

// Permission is an action grant with a code of the form
// module.resource.action. A trailing ".*" makes it a wildcard over the
// prefix. Permissions referenced by roles are deactivated, never deleted.
type Permission struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Group is a named collection of users that collectively inherit roles.
type Group struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleAssignment links a user to a role, optionally until a deadline.
type RoleAssignment struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	TenantID  string     `json:"tenant_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// SessionStatus is the lifecycle state of an issued credential pair.
// REVOKED, LOGGED_OUT and EXPIRED are terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionRevoked   SessionStatus = "REVOKED"
	SessionLoggedOut SessionStatus = "LOGGED_OUT"
)

// Session is one issued access/refresh credential pair. The refresh token is
// never stored; only its SHA-256 hash is persisted.
type Session struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	UserID          string        `json:"user_id"`
	TokenJTI        string        `json:"token_jti"`
	RefreshHash     string        `json:"-"`
	Status          SessionStatus `json:"status"`
	IPAddress       string        `json:"ip_address,omitempty"`
	UserAgent       string        `json:"user_agent,omitempty"`
	ExpiresAt       time.Time     `json:"expires_at"`
	LastRefreshedAt *time.Time    `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// InvitationStatus is the lifecycle state of a pending onboarding record.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "PENDING"
	InvitationAccepted  InvitationStatus = "ACCEPTED"
	InvitationExpired   InvitationStatus = "EXPIRED"
	InvitationCancelled InvitationStatus = "CANCELLED"
)

// Invitation is a pre-provisioned onboarding record. The single-use token is
// stored hashed, like refresh tokens.
type Invitation struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	Email          string           `json:"email"`
	TokenHash      string           `json:"-"`
	RoleCodes      []string         `json:"role_codes,omitempty"`
	GroupIDs       []string         `json:"group_ids,omitempty"`
	Status         InvitationStatus `json:"status"`
	InvitedBy      string           `json:"invited_by,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
	AcceptedUserID string           `json:"accepted_user_id,omitempty"`
	AcceptedAt     *time.Time       `json:"accepted_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// PasswordPolicy is the per-tenant credential policy singleton.
type PasswordPolicy struct {
	TenantID          string        `json:"tenant_id"`
	MinLength         int           `json:"min_length"`
	RequireUppercase  bool          `json:"require_uppercase"`
	RequireLowercase  bool          `json:"require_lowercase"`
	RequireDigit      bool          `json:"require_digit"`
	RequireSymbol     bool          `json:"require_symbol"`
	HistoryDepth      int           `json:"history_depth"`
	MaxFailedAttempts int           `json:"max_failed_attempts"`
	LockoutDuration   time.Duration `json:"lockout_duration"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// AuditEntry is an append-only record of a security-relevant state
// transition. Entries are never mutated or deleted.
type AuditEntry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	OldValue   map[string]any `json:"old_value,omitempty"`
	NewValue   map[string]any `json:"new_value,omitempty"`
}

// RateLimit is a fixed-window attempt counter. Keyed globally by
// (key, action) since throttling happens before a tenant can be resolved.
type RateLimit struct {
	Key          string     `json:"key"`
	Action       string     `json:"action"`
	Count        int        `json:"count"`
	WindowStart  time.Time  `json:"window_start"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Decision is the outcome of a permission check. Source names the role (and
// group, if inherited) that supplied the grant.
type Decision struct {
	Granted bool   `json:"granted"`
	Source  string `json:"source,omitempty"`
}

// TokenPair carries freshly minted credentials.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
