package iam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"opsforge.io/internal/ids"
)

// MemStore is an in-memory Store. It backs tests and DSN-less development
// runs; all methods are safe for concurrent use.
type MemStore struct {
	mu sync.Mutex

	users        map[string]*User // id -> user
	roles        map[string]*Role
	rolePerms    map[string][]string // roleID -> permission codes
	perms        map[string]*Permission
	groups       map[string]*Group
	groupUsers   map[string]map[string]struct{} // groupID -> user ids
	groupRoles   map[string][]string            // groupID -> role ids
	assignments  []RoleAssignment
	sessions     map[string]*Session
	invitations  map[string]*Invitation
	policies     map[string]*PasswordPolicy // tenantID -> policy
	history      map[string][]string        // tenant/user -> hashes, newest last
	backupCodes  map[string]map[string]struct{}
	rateLimits   map[string]*RateLimit // key/action -> record
	auditEntries []*AuditEntry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		rolePerms:   make(map[string][]string),
		perms:       make(map[string]*Permission),
		groups:      make(map[string]*Group),
		groupUsers:  make(map[string]map[string]struct{}),
		groupRoles:  make(map[string][]string),
		sessions:    make(map[string]*Session),
		invitations: make(map[string]*Invitation),
		policies:    make(map[string]*PasswordPolicy),
		history:     make(map[string][]string),
		backupCodes: make(map[string]map[string]struct{}),
		rateLimits:  make(map[string]*RateLimit),
	}
}

func (m *MemStore) Users() UserStore                     { return (*memUsers)(m) }
func (m *MemStore) Roles() RoleStore                     { return (*memRoles)(m) }
func (m *MemStore) Permissions() PermissionStore         { return (*memPerms)(m) }
func (m *MemStore) Groups() GroupStore                   { return (*memGroups)(m) }
func (m *MemStore) Sessions() SessionStore               { return (*memSessions)(m) }
func (m *MemStore) Invitations() InvitationStore         { return (*memInvitations)(m) }
func (m *MemStore) Policies() PolicyStore                { return (*memPolicies)(m) }
func (m *MemStore) PasswordHistory() PasswordHistoryStore { return (*memHistory)(m) }
func (m *MemStore) RateLimits() RateLimitStore           { return (*memRateLimits)(m) }
func (m *MemStore) Audit() AuditStore                    { return (*memAudit)(m) }

func scopedKey(parts ...string) string { return strings.Join(parts, "/") }

type memUsers MemStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.TenantID == u.TenantID && existing.Email == u.Email {
			return fmt.Errorf("%w: email already exists", ErrConflict)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, tenantID, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, tenantID, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.TenantID == tenantID && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) List(_ context.Context, tenantID string, f UserFilter) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		if u.TenantID != tenantID {
			continue
		}
		if f.Email != "" && u.Email != strings.ToLower(f.Email) {
			continue
		}
		if f.Active != nil && u.Active != *f.Active {
			continue
		}
		if f.Locked != nil && u.Locked != *f.Locked {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memUsers) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok || existing.TenantID != u.TenantID {
		return ErrNotFound
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	// lock and counter state is owned by the dedicated methods
	cp.Locked = existing.Locked
	cp.LockReason = existing.LockReason
	cp.LockedUntil = existing.LockedUntil
	cp.FailedLoginAttempts = existing.FailedLoginAttempts
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) IncrementFailedLogins(_ context.Context, tenantID, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return 0, ErrNotFound
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (m *memUsers) ResetFailedLogins(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return ErrNotFound
	}
	u.FailedLoginAttempts = 0
	return nil
}

func (m *memUsers) SetLock(_ context.Context, tenantID, id string, locked bool, reason string, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return ErrNotFound
	}
	u.Locked = locked
	u.LockReason = reason
	u.LockedUntil = until
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memUsers) SetMFA(_ context.Context, tenantID, id string, enabled bool, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.TenantID != tenantID {
		return ErrNotFound
	}
	u.MFAEnabled = enabled
	u.MFASecret = secret
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memUsers) ReplaceBackupCodes(_ context.Context, tenantID, userID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, userID)
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	m.backupCodes[key] = set
	return nil
}

func (m *memUsers) ConsumeBackupCode(_ context.Context, tenantID, userID, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.backupCodes[scopedKey(tenantID, userID)]
	if set == nil {
		return false, nil
	}
	if _, ok := set[hash]; !ok {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}

func (m *memUsers) BackupCodeCount(_ context.Context, tenantID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backupCodes[scopedKey(tenantID, userID)]), nil
}

type memRoles MemStore

func (m *memRoles) Create(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.TenantID == r.TenantID && existing.Code == r.Code {
			return fmt.Errorf("%w: role code already exists", ErrConflict)
		}
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, tenantID, id string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) FindByCode(_ context.Context, tenantID, code string) (*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.TenantID == tenantID && r.Code == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(_ context.Context, tenantID string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Role
	for _, r := range m.roles {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memRoles) Update(_ context.Context, r *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.roles[r.ID]
	if !ok || existing.TenantID != r.TenantID {
		return ErrNotFound
	}
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	m.roles[r.ID] = &cp
	return nil
}

func (m *memRoles) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	return nil
}

func (m *memRoles) SetPermissions(_ context.Context, tenantID, roleID string, permissionCodes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	m.rolePerms[roleID] = append([]string(nil), permissionCodes...)
	return nil
}

func (m *memRoles) PermissionsForRole(_ context.Context, tenantID, roleID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	var out []Permission
	for _, code := range m.rolePerms[roleID] {
		if p, ok := m.perms[scopedKey(tenantID, code)]; ok {
			out = append(out, *p)
			continue
		}
		out = append(out, Permission{TenantID: tenantID, Code: code, Active: true})
	}
	return out, nil
}

func (m *memRoles) Assign(_ context.Context, a RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.TenantID == a.TenantID && existing.UserID == a.UserID && existing.RoleID == a.RoleID {
			return nil
		}
	}
	a.CreatedAt = time.Now().UTC()
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *memRoles) Unassign(_ context.Context, tenantID, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.RoleID == roleID {
			m.assignments = append(m.assignments[:i], m.assignments[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memRoles) AssignmentsForUser(_ context.Context, tenantID, userID string) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoleAssignment
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRoles) AssigneeCount(_ context.Context, tenantID, roleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.RoleID == roleID {
			count++
		}
	}
	return count, nil
}

type memPerms MemStore

func (m *memPerms) Ensure(_ context.Context, tenantID string, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		key := scopedKey(tenantID, p.Code)
		if _, ok := m.perms[key]; ok {
			continue
		}
		cp := p
		cp.TenantID = tenantID
		cp.Active = true
		if cp.ID == "" {
			cp.ID = ids.New()
		}
		cp.CreatedAt = time.Now().UTC()
		m.perms[key] = &cp
	}
	return nil
}

func (m *memPerms) List(_ context.Context, tenantID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, p := range m.perms {
		if p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memPerms) FindByCode(_ context.Context, tenantID, code string) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[scopedKey(tenantID, code)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPerms) Deactivate(_ context.Context, tenantID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[scopedKey(tenantID, code)]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	return nil
}

type memGroups MemStore

func (m *memGroups) Create(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groups {
		if existing.TenantID == g.TenantID && existing.Name == g.Name {
			return fmt.Errorf("%w: group name already exists", ErrConflict)
		}
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *memGroups) Find(_ context.Context, tenantID, id string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGroups) List(_ context.Context, tenantID string) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Group
	for _, g := range m.groups {
		if g.TenantID == tenantID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memGroups) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok || g.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.groups, id)
	delete(m.groupUsers, id)
	delete(m.groupRoles, id)
	return nil
}

func (m *memGroups) AddUser(_ context.Context, tenantID, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok || g.TenantID != tenantID {
		return ErrNotFound
	}
	if m.groupUsers[groupID] == nil {
		m.groupUsers[groupID] = make(map[string]struct{})
	}
	m.groupUsers[groupID][userID] = struct{}{}
	return nil
}

func (m *memGroups) RemoveUser(_ context.Context, tenantID, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok || g.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.groupUsers[groupID], userID)
	return nil
}

func (m *memGroups) GroupsForUser(_ context.Context, tenantID, userID string) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Group
	for groupID, members := range m.groupUsers {
		if _, ok := members[userID]; !ok {
			continue
		}
		g, ok := m.groups[groupID]
		if !ok || g.TenantID != tenantID {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memGroups) SetRoles(_ context.Context, tenantID, groupID string, roleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok || g.TenantID != tenantID {
		return ErrNotFound
	}
	m.groupRoles[groupID] = append([]string(nil), roleIDs...)
	return nil
}

func (m *memGroups) RolesForGroup(_ context.Context, tenantID, groupID string) ([]*Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok || g.TenantID != tenantID {
		return nil, ErrNotFound
	}
	var out []*Role
	for _, roleID := range m.groupRoles[groupID] {
		if r, ok := m.roles[roleID]; ok && r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memSessions MemStore

func (m *memSessions) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) FindByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ActiveForUser(_ context.Context, tenantID, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && s.Status == SessionActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSessions) Rotate(_ context.Context, id, oldHash, newHash, newJTI string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	if s.Status != SessionActive || s.RefreshHash != oldHash {
		return false, nil
	}
	s.RefreshHash = newHash
	s.TokenJTI = newJTI
	refreshed := at
	s.LastRefreshedAt = &refreshed
	return true, nil
}

func (m *memSessions) UpdateStatus(_ context.Context, tenantID, id string, to SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.TenantID != tenantID {
		return false, ErrNotFound
	}
	if s.Status != SessionActive {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (m *memSessions) RevokeAllForUser(_ context.Context, tenantID, userID string, to SessionStatus) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && s.Status == SessionActive {
			s.Status = to
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memInvitations MemStore

func (m *memInvitations) Create(_ context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	cp := *inv
	m.invitations[inv.ID] = &cp
	return nil
}

func (m *memInvitations) Find(_ context.Context, tenantID, id string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok || inv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *memInvitations) FindByTokenHash(_ context.Context, tokenHash string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.TokenHash == tokenHash {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memInvitations) PendingByEmail(_ context.Context, tenantID, email string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.TenantID == tenantID && inv.Email == email && inv.Status == InvitationPending {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memInvitations) Update(_ context.Context, inv *Invitation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.invitations[inv.ID]
	if !ok || existing.TenantID != inv.TenantID {
		return ErrNotFound
	}
	cp := *inv
	m.invitations[inv.ID] = &cp
	return nil
}

func (m *memInvitations) Claim(_ context.Context, tokenHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.TokenHash != tokenHash {
			continue
		}
		if inv.Status != InvitationPending || at.After(inv.ExpiresAt) {
			return false, nil
		}
		inv.Status = InvitationAccepted
		accepted := at
		inv.AcceptedAt = &accepted
		return true, nil
	}
	return false, nil
}

func (m *memInvitations) Reopen(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok || inv.TenantID != tenantID {
		return ErrNotFound
	}
	inv.Status = InvitationPending
	inv.AcceptedAt = nil
	inv.AcceptedUserID = ""
	return nil
}

type memPolicies MemStore

func (m *memPolicies) Get(_ context.Context, tenantID string) (*PasswordPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPolicies) Put(_ context.Context, p *PasswordPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.TenantID] = &cp
	return nil
}

type memHistory MemStore

func (m *memHistory) Append(_ context.Context, tenantID, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, userID)
	m.history[key] = append(m.history[key], hash)
	return nil
}

func (m *memHistory) Recent(_ context.Context, tenantID, userID string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.history[scopedKey(tenantID, userID)]
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]string, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

type memRateLimits MemStore

func (m *memRateLimits) Get(_ context.Context, key, action string) (*RateLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rateLimits[scopedKey(key, action)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRateLimits) Increment(_ context.Context, key, action string, now time.Time, window time.Duration) (*RateLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scopedKey(key, action)
	rec, ok := m.rateLimits[k]
	if !ok || now.Sub(rec.WindowStart) > window {
		rec = &RateLimit{Key: key, Action: action, WindowStart: now}
		m.rateLimits[k] = rec
	}
	rec.Count++
	cp := *rec
	return &cp, nil
}

func (m *memRateLimits) Block(_ context.Context, key, action string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scopedKey(key, action)
	rec, ok := m.rateLimits[k]
	if !ok {
		rec = &RateLimit{Key: key, Action: action, WindowStart: until}
		m.rateLimits[k] = rec
	}
	rec.BlockedUntil = &until
	return nil
}

func (m *memRateLimits) Reset(_ context.Context, key, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rateLimits, scopedKey(key, action))
	return nil
}

type memAudit MemStore

func (m *memAudit) Append(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	cp := *e
	m.auditEntries = append(m.auditEntries, &cp)
	return nil
}

func (m *memAudit) List(_ context.Context, tenantID string, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for i := len(m.auditEntries) - 1; i >= 0; i-- {
		e := m.auditEntries[i]
		if e.TenantID != tenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
