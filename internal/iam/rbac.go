package iam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RBACService manages roles, permissions, groups, and their assignment
// graph, and resolves permission checks. Resolution reads the user's direct
// roles plus roles inherited through group membership; permissions are only
// ever granted through roles, never directly to users.
type RBACService struct {
	store   Store
	auditor Auditor
	now     func() time.Time
}

// NewRBACService constructs the service.
func NewRBACService(store Store, auditor Auditor) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	return &RBACService{store: store, auditor: auditor, now: time.Now}, nil
}

// WithClock overrides the time source. Test use.
func (s *RBACService) WithClock(fn func() time.Time) *RBACService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// RoleInput carries the fields accepted at role creation.
type RoleInput struct {
	Code              string
	Name              string
	Description       string
	Level             int
	ParentID          *string
	System            bool
	Assignable        bool
	MaxUsers          int
	IncompatibleRoles []string
}

// CreateRole registers a role. Code is unique per tenant (ErrConflict on
// duplicates).
func (s *RBACService) CreateRole(ctx context.Context, tenantID string, in RoleInput) (*Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	code := strings.TrimSpace(in.Code)
	if tenantID == "" || code == "" {
		return nil, fmt.Errorf("%w: tenant_id and role code are required", ErrInvalidInput)
	}
	if in.ParentID != nil {
		if _, err := s.store.Roles().Find(ctx, tenantID, *in.ParentID); err != nil {
			return nil, fmt.Errorf("%w: parent role does not exist", ErrInvalidInput)
		}
	}
	role := &Role{
		TenantID:          tenantID,
		Code:              code,
		Name:              strings.TrimSpace(in.Name),
		Description:       strings.TrimSpace(in.Description),
		Level:             in.Level,
		ParentID:          in.ParentID,
		System:            in.System,
		Assignable:        in.Assignable,
		MaxUsers:          in.MaxUsers,
		IncompatibleRoles: dedupeStrings(in.IncompatibleRoles),
	}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "role.created",
		EntityType: "role",
		EntityID:   role.ID,
		NewValue:   map[string]any{"code": role.Code},
	})
	return role, nil
}

// RoleUpdate mutates selected role fields. Nil means unchanged.
type RoleUpdate struct {
	Name              *string
	Description       *string
	Level             *int
	Assignable        *bool
	MaxUsers          *int
	IncompatibleRoles []string
}

// UpdateRole applies changes. System roles are immutable (ErrProtected).
func (s *RBACService) UpdateRole(ctx context.Context, tenantID, roleID string, upd RoleUpdate) (*Role, error) {
	role, err := s.store.Roles().Find(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	if role.System {
		return nil, fmt.Errorf("%w: role %s is a system role", ErrProtected, role.Code)
	}
	if upd.Name != nil {
		role.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Description != nil {
		role.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Level != nil {
		role.Level = *upd.Level
	}
	if upd.Assignable != nil {
		role.Assignable = *upd.Assignable
	}
	if upd.MaxUsers != nil {
		role.MaxUsers = *upd.MaxUsers
	}
	if upd.IncompatibleRoles != nil {
		role.IncompatibleRoles = dedupeStrings(upd.IncompatibleRoles)
	}
	if err := s.store.Roles().Update(ctx, role); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "role.updated",
		EntityType: "role",
		EntityID:   role.ID,
		NewValue:   map[string]any{"code": role.Code},
	})
	return role, nil
}

// DeleteRole removes a role. System roles fail with ErrProtected; roles
// with current assignees fail with ErrConflict.
func (s *RBACService) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	role, err := s.store.Roles().Find(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.System {
		return fmt.Errorf("%w: role %s is a system role", ErrProtected, role.Code)
	}
	count, err := s.store.Roles().AssigneeCount(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: role %s has %d assignees", ErrConflict, role.Code, count)
	}
	if err := s.store.Roles().Delete(ctx, tenantID, roleID); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "role.deleted",
		EntityType: "role",
		EntityID:   roleID,
		OldValue:   map[string]any{"code": role.Code},
	})
	return nil
}

// GetRole returns a role by id.
func (s *RBACService) GetRole(ctx context.Context, tenantID, roleID string) (*Role, error) {
	return s.store.Roles().Find(ctx, tenantID, roleID)
}

// ListRoles returns all roles of the tenant.
func (s *RBACService) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return s.store.Roles().List(ctx, tenantID)
}

// SetRolePermissions replaces the role's permission set. System roles are
// protected here too: changing their grants is a mutation.
func (s *RBACService) SetRolePermissions(ctx context.Context, tenantID, roleID string, codes []string) error {
	role, err := s.store.Roles().Find(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.System {
		return fmt.Errorf("%w: role %s is a system role", ErrProtected, role.Code)
	}
	if err := s.store.Roles().SetPermissions(ctx, tenantID, roleID, dedupeStrings(codes)); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "role.permissions_updated",
		EntityType: "role",
		EntityID:   roleID,
		NewValue:   map[string]any{"count": len(codes)},
	})
	return nil
}

// ListPermissions returns the tenant's permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context, tenantID string) ([]Permission, error) {
	return s.store.Permissions().List(ctx, tenantID)
}

// EnsurePermissions registers catalog entries idempotently.
func (s *RBACService) EnsurePermissions(ctx context.Context, tenantID string, perms []Permission) error {
	return s.store.Permissions().Ensure(ctx, tenantID, perms)
}

// DeactivatePermission retires a permission code. Permissions referenced by
// roles are never deleted, only deactivated.
func (s *RBACService) DeactivatePermission(ctx context.Context, tenantID, code string) error {
	if err := s.store.Permissions().Deactivate(ctx, tenantID, code); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "permission.deactivated",
		EntityType: "permission",
		EntityID:   code,
	})
	return nil
}

// AssignRole grants roleCode to the user, optionally until expiresAt.
// Guards, in order: the role must be assignable, must not conflict with an
// incompatible role the user already holds, and must not exceed max_users.
func (s *RBACService) AssignRole(ctx context.Context, tenantID, userID, roleCode string, expiresAt *time.Time) error {
	role, err := s.store.Roles().FindByCode(ctx, tenantID, roleCode)
	if err != nil {
		return err
	}
	if !role.Assignable {
		return fmt.Errorf("%w: role %s is not assignable", ErrConflict, role.Code)
	}
	if _, err := s.store.Users().Find(ctx, tenantID, userID); err != nil {
		return err
	}

	held, err := s.activeRolesForUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	for _, h := range held {
		if h.ID == role.ID {
			return nil // already assigned
		}
		if rolesConflict(role, h) {
			return fmt.Errorf("%w: role %s is incompatible with held role %s", ErrConflict, role.Code, h.Code)
		}
	}

	if role.MaxUsers > 0 {
		count, err := s.store.Roles().AssigneeCount(ctx, tenantID, role.ID)
		if err != nil {
			return err
		}
		if count >= role.MaxUsers {
			return fmt.Errorf("%w: role %s is at capacity (%d)", ErrConflict, role.Code, role.MaxUsers)
		}
	}

	if err := s.store.Roles().Assign(ctx, RoleAssignment{
		UserID:    userID,
		RoleID:    role.ID,
		TenantID:  tenantID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "role.assigned",
		EntityType: "user",
		EntityID:   userID,
		NewValue:   map[string]any{"role": role.Code},
	})
	return nil
}

// RevokeRole removes the direct assignment of roleCode from the user.
func (s *RBACService) RevokeRole(ctx context.Context, tenantID, userID, roleCode string) error {
	role, err := s.store.Roles().FindByCode(ctx, tenantID, roleCode)
	if err != nil {
		return err
	}
	if err := s.store.Roles().Unassign(ctx, tenantID, userID, role.ID); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "role.revoked",
		EntityType: "user",
		EntityID:   userID,
		OldValue:   map[string]any{"role": role.Code},
	})
	return nil
}

// CreateGroup registers a user group.
func (s *RBACService) CreateGroup(ctx context.Context, tenantID, name, description string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	g := &Group{TenantID: tenantID, Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.Groups().Create(ctx, g); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "group.created",
		EntityType: "group",
		EntityID:   g.ID,
		NewValue:   map[string]any{"name": g.Name},
	})
	return g, nil
}

// ListGroups returns the tenant's groups.
func (s *RBACService) ListGroups(ctx context.Context, tenantID string) ([]*Group, error) {
	return s.store.Groups().List(ctx, tenantID)
}

// DeleteGroup removes a group and its membership edges.
func (s *RBACService) DeleteGroup(ctx context.Context, tenantID, groupID string) error {
	if err := s.store.Groups().Delete(ctx, tenantID, groupID); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "group.deleted",
		EntityType: "group",
		EntityID:   groupID,
	})
	return nil
}

// AddUserToGroup adds a membership edge.
func (s *RBACService) AddUserToGroup(ctx context.Context, tenantID, groupID, userID string) error {
	if _, err := s.store.Groups().Find(ctx, tenantID, groupID); err != nil {
		return err
	}
	if _, err := s.store.Users().Find(ctx, tenantID, userID); err != nil {
		return err
	}
	if err := s.store.Groups().AddUser(ctx, tenantID, groupID, userID); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "group.member_added",
		EntityType: "group",
		EntityID:   groupID,
		NewValue:   map[string]any{"user_id": userID},
	})
	return nil
}

// RemoveUserFromGroup removes a membership edge.
func (s *RBACService) RemoveUserFromGroup(ctx context.Context, tenantID, groupID, userID string) error {
	if err := s.store.Groups().RemoveUser(ctx, tenantID, groupID, userID); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "group.member_removed",
		EntityType: "group",
		EntityID:   groupID,
		OldValue:   map[string]any{"user_id": userID},
	})
	return nil
}

// SetGroupRoles replaces the roles a group confers on its members.
func (s *RBACService) SetGroupRoles(ctx context.Context, tenantID, groupID string, roleIDs []string) error {
	if _, err := s.store.Groups().Find(ctx, tenantID, groupID); err != nil {
		return err
	}
	for _, id := range roleIDs {
		if _, err := s.store.Roles().Find(ctx, tenantID, id); err != nil {
			return fmt.Errorf("%w: role %s does not exist", ErrInvalidInput, id)
		}
	}
	if err := s.store.Groups().SetRoles(ctx, tenantID, groupID, dedupeStrings(roleIDs)); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "group.roles_updated",
		EntityType: "group",
		EntityID:   groupID,
		NewValue:   map[string]any{"count": len(roleIDs)},
	})
	return nil
}

// CheckPermission resolves whether the user holds permCode. A grant occurs
// when any resolved permission code equals the requested code, equals the
// reserved ALL code, or is a wildcard whose prefix covers the requested
// code. The check has no side effects.
func (s *RBACService) CheckPermission(ctx context.Context, tenantID, userID, permCode string) (Decision, error) {
	permCode = strings.TrimSpace(permCode)
	if permCode == "" {
		return Decision{}, fmt.Errorf("%w: permission code is required", ErrInvalidInput)
	}
	grants, err := s.resolveGrants(ctx, tenantID, userID)
	if err != nil {
		return Decision{}, err
	}
	for _, g := range grants {
		if PermissionMatches(g.code, permCode) {
			return Decision{Granted: true, Source: g.source}, nil
		}
	}
	return Decision{}, nil
}

// UserPermissions returns the user's resolved permission codes, sorted and
// deduplicated.
func (s *RBACService) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	grants, err := s.resolveGrants(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		set[g.code] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// PermissionMatches reports whether a held permission code grants the
// requested one: exact match, the reserved ALL code, or a wildcard prefix.
func PermissionMatches(held, requested string) bool {
	if held == requested {
		return true
	}
	if held == PermissionAll {
		return true
	}
	if strings.HasSuffix(held, ".*") {
		return strings.HasPrefix(requested, strings.TrimSuffix(held, "*"))
	}
	return false
}

type grant struct {
	code   string
	source string
}

// resolveGrants collects active permission codes from the user's direct
// role assignments and from roles inherited through group membership.
// Expired assignments are skipped.
func (s *RBACService) resolveGrants(ctx context.Context, tenantID, userID string) ([]grant, error) {
	var grants []grant
	now := s.now()

	assignments, err := s.store.Roles().AssignmentsForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			continue
		}
		role, err := s.store.Roles().Find(ctx, tenantID, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if err := s.appendRoleGrants(ctx, tenantID, role, "role:"+role.Code, &grants); err != nil {
			return nil, err
		}
	}

	groups, err := s.store.Groups().GroupsForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		roles, err := s.store.Groups().RolesForGroup(ctx, tenantID, g.ID)
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			src := fmt.Sprintf("group:%s/role:%s", g.Name, role.Code)
			if err := s.appendRoleGrants(ctx, tenantID, role, src, &grants); err != nil {
				return nil, err
			}
		}
	}
	return grants, nil
}

// appendRoleGrants adds the role's active permissions, walking up the
// parent chain (single inheritance).
func (s *RBACService) appendRoleGrants(ctx context.Context, tenantID string, role *Role, source string, grants *[]grant) error {
	for depth := 0; role != nil && depth < 16; depth++ {
		perms, err := s.store.Roles().PermissionsForRole(ctx, tenantID, role.ID)
		if err != nil {
			return err
		}
		for _, p := range perms {
			if !p.Active {
				continue
			}
			*grants = append(*grants, grant{code: p.Code, source: source})
		}
		if role.ParentID == nil {
			return nil
		}
		parent, err := s.store.Roles().Find(ctx, tenantID, *role.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		role = parent
	}
	return nil
}

// activeRolesForUser loads the full role records behind unexpired direct
// assignments.
func (s *RBACService) activeRolesForUser(ctx context.Context, tenantID, userID string) ([]*Role, error) {
	assignments, err := s.store.Roles().AssignmentsForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var roles []*Role
	for _, a := range assignments {
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			continue
		}
		role, err := s.store.Roles().Find(ctx, tenantID, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// rolesConflict reports whether either role declares the other
// incompatible.
func rolesConflict(a, b *Role) bool {
	for _, code := range a.IncompatibleRoles {
		if code == b.Code {
			return true
		}
	}
	for _, code := range b.IncompatibleRoles {
		if code == a.Code {
			return true
		}
	}
	return false
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
