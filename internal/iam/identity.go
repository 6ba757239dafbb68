package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsforge.io/internal/obs"
)

const defaultAccessTTL = 30 * time.Minute

// IdentityService owns the user lifecycle: creation, profile updates, lock
// state, and deactivation. Locking cascades into session revocation so a
// locked account cannot keep using previously issued credentials.
type IdentityService struct {
	store     Store
	auditor   Auditor
	blacklist Blacklist
	accessTTL time.Duration
	now       func() time.Time
}

// NewIdentityService constructs the service. accessTTL bounds the blacklist
// TTL used when revocation has to invalidate outstanding access tokens.
func NewIdentityService(store Store, auditor Auditor, blacklist Blacklist, accessTTL time.Duration) (*IdentityService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if blacklist == nil {
		blacklist = NewMemoryBlacklist()
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	return &IdentityService{
		store:     store,
		auditor:   auditor,
		blacklist: blacklist,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// WithClock overrides the time source. Test use.
func (s *IdentityService) WithClock(fn func() time.Time) *IdentityService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// CreateUserInput carries the fields accepted at user creation.
type CreateUserInput struct {
	Email     string
	Username  string
	Password  string
	FirstName string
	LastName  string
}

// Create provisions an active user. Fails with ErrConflict when the email
// already exists in the tenant and ErrPolicyViolation when the password does
// not satisfy the tenant policy.
func (s *IdentityService) Create(ctx context.Context, tenantID string, in CreateUserInput) (*User, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}

	policy := s.PolicyForTenant(ctx, tenantID)
	if err := ValidatePassword(in.Password, policy); err != nil {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &User{
		TenantID:          tenantID,
		Email:             email,
		Username:          strings.TrimSpace(in.Username),
		PasswordHash:      hash,
		FirstName:         strings.TrimSpace(in.FirstName),
		LastName:          strings.TrimSpace(in.LastName),
		Active:            true,
		PasswordChangedAt: now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.store.PasswordHistory().Append(ctx, tenantID, user.ID, hash); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "user.created",
		EntityType: "user",
		EntityID:   user.ID,
		NewValue:   map[string]any{"email": user.Email},
	})
	return user, nil
}

// Get returns a user by id within the tenant.
func (s *IdentityService) Get(ctx context.Context, tenantID, id string) (*User, error) {
	return s.store.Users().Find(ctx, tenantID, id)
}

// GetByEmail returns a user by email within the tenant.
func (s *IdentityService) GetByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	return s.store.Users().FindByEmail(ctx, tenantID, strings.TrimSpace(strings.ToLower(email)))
}

// List returns users matching the filter.
func (s *IdentityService) List(ctx context.Context, tenantID string, f UserFilter) ([]*User, error) {
	return s.store.Users().List(ctx, tenantID, f)
}

// UserUpdate mutates selected profile fields. Nil means unchanged.
type UserUpdate struct {
	Email     *string
	Username  *string
	FirstName *string
	LastName  *string
}

// Update applies profile changes and records the audit diff.
func (s *IdentityService) Update(ctx context.Context, tenantID, id string, upd UserUpdate) (*User, error) {
	user, err := s.store.Users().Find(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	old := map[string]any{"email": user.Email, "username": user.Username}
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		user.Email = email
	}
	if upd.Username != nil {
		user.Username = strings.TrimSpace(*upd.Username)
	}
	if upd.FirstName != nil {
		user.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		user.LastName = strings.TrimSpace(*upd.LastName)
	}
	if err := s.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "user.updated",
		EntityType: "user",
		EntityID:   user.ID,
		OldValue:   old,
		NewValue:   map[string]any{"email": user.Email, "username": user.Username},
	})
	return user, nil
}

// Lock disables authentication for the user until unlocked (or until the
// optional deadline passes) and revokes every active session immediately.
func (s *IdentityService) Lock(ctx context.Context, tenantID, id, reason string, until *time.Time) error {
	if _, err := s.store.Users().Find(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.store.Users().SetLock(ctx, tenantID, id, true, reason, until); err != nil {
		return err
	}
	if err := s.revokeSessions(ctx, tenantID, id, SessionRevoked); err != nil {
		return err
	}
	newVal := map[string]any{"reason": reason}
	if until != nil {
		newVal["locked_until"] = until.UTC().Format(time.RFC3339)
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "user.locked",
		EntityType: "user",
		EntityID:   id,
		NewValue:   newVal,
	})
	return nil
}

// Unlock clears the lock and resets the failed-attempt counter.
func (s *IdentityService) Unlock(ctx context.Context, tenantID, id string) error {
	if _, err := s.store.Users().Find(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.store.Users().SetLock(ctx, tenantID, id, false, "", nil); err != nil {
		return err
	}
	if err := s.store.Users().ResetFailedLogins(ctx, tenantID, id); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "user.unlocked",
		EntityType: "user",
		EntityID:   id,
	})
	return nil
}

// Deactivate retires the account. Users referenced by audit entries are
// never hard-deleted; this is the terminal state. Active sessions are
// revoked like a lock.
func (s *IdentityService) Deactivate(ctx context.Context, tenantID, id string) error {
	user, err := s.store.Users().Find(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !user.Active {
		return nil
	}
	user.Active = false
	if err := s.store.Users().Update(ctx, user); err != nil {
		return err
	}
	if err := s.revokeSessions(ctx, tenantID, id, SessionRevoked); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "user.deactivated",
		EntityType: "user",
		EntityID:   id,
	})
	return nil
}

// ChangePassword verifies the current password, enforces policy and history
// rules, and rotates the stored hash. The replaced hash stays in history
// forever; history is append-only.
func (s *IdentityService) ChangePassword(ctx context.Context, tenantID, id, current, next string) error {
	user, err := s.store.Users().Find(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return fmt.Errorf("%w: current password does not match", ErrInvalidCredentials)
	}
	policy := s.PolicyForTenant(ctx, tenantID)
	if err := ValidatePassword(next, policy); err != nil {
		return err
	}
	reused, err := CheckPasswordHistory(ctx, s.store.PasswordHistory(), tenantID, id, next, policy.HistoryDepth)
	if err != nil {
		return err
	}
	if reused {
		return fmt.Errorf("%w: password was used recently", ErrPolicyViolation)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.PasswordChangedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return err
	}
	if err := s.store.PasswordHistory().Append(ctx, tenantID, id, hash); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "user.password_changed",
		EntityType: "user",
		EntityID:   id,
	})
	return nil
}

// PolicyForTenant returns the tenant's stored password policy, falling back
// to the compiled defaults. The fallback never writes; defaults are only
// persisted by the explicit EnsureDefaultPolicy.
func (s *IdentityService) PolicyForTenant(ctx context.Context, tenantID string) PasswordPolicy {
	p, err := s.store.Policies().Get(ctx, tenantID)
	if err != nil || p == nil {
		return DefaultPasswordPolicy(tenantID)
	}
	return *p
}

// EnsureDefaultPolicy persists the default policy for a tenant if no policy
// exists yet. Idempotent; invoked at tenant provisioning.
func (s *IdentityService) EnsureDefaultPolicy(ctx context.Context, tenantID string) (*PasswordPolicy, error) {
	if existing, err := s.store.Policies().Get(ctx, tenantID); err == nil && existing != nil {
		return existing, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	p := DefaultPasswordPolicy(tenantID)
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Policies().Put(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// maybeAutoUnlock clears an elapsed time-bounded lock. This is the lazy
// expiry path: locks are only re-examined when the account next attempts to
// authenticate, never by a background sweep.
func (s *IdentityService) maybeAutoUnlock(ctx context.Context, user *User) error {
	if !user.Locked || user.LockedUntil == nil || s.now().Before(*user.LockedUntil) {
		return nil
	}
	if err := s.store.Users().SetLock(ctx, user.TenantID, user.ID, false, "", nil); err != nil {
		return err
	}
	if err := s.store.Users().ResetFailedLogins(ctx, user.TenantID, user.ID); err != nil {
		return err
	}
	user.Locked = false
	user.LockReason = ""
	user.LockedUntil = nil
	user.FailedLoginAttempts = 0
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   user.TenantID,
		Action:     "user.lock_expired",
		EntityType: "user",
		EntityID:   user.ID,
	})
	return nil
}

// registerFailedLogin bumps the atomic failure counter and applies the
// policy lockout once the threshold is reached. Returns true when this
// failure locked the account.
func (s *IdentityService) registerFailedLogin(ctx context.Context, user *User, policy PasswordPolicy) (bool, error) {
	count, err := s.store.Users().IncrementFailedLogins(ctx, user.TenantID, user.ID)
	if err != nil {
		return false, err
	}
	if policy.MaxFailedAttempts <= 0 || count < policy.MaxFailedAttempts {
		return false, nil
	}
	until := s.now().Add(policy.LockoutDuration).UTC()
	if err := s.store.Users().SetLock(ctx, user.TenantID, user.ID, true, "too many failed login attempts", &until); err != nil {
		return false, err
	}
	if err := s.revokeSessions(ctx, user.TenantID, user.ID, SessionRevoked); err != nil {
		return false, err
	}
	obs.ObserveLockout()
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   user.TenantID,
		Action:     "auth.lockout",
		EntityType: "user",
		EntityID:   user.ID,
		NewValue:   map[string]any{"failed_attempts": count, "locked_until": until.Format(time.RFC3339)},
	})
	return true, nil
}

// revokeSessions moves every active session to the given terminal state and
// blacklists their access jtis for the longest time an access token could
// still be valid.
func (s *IdentityService) revokeSessions(ctx context.Context, tenantID, userID string, to SessionStatus) error {
	revoked, err := s.store.Sessions().RevokeAllForUser(ctx, tenantID, userID, to)
	if err != nil {
		return err
	}
	for _, sess := range revoked {
		_ = s.blacklist.Add(ctx, sess.TokenJTI, s.accessTTL)
	}
	return nil
}
