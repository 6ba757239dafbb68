package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/ids"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `id, tenant_id, code, name, description, level, parent_id,
	is_system, is_assignable, max_users, incompatible_roles, created_at, updated_at`

func (s *roleStore) Create(ctx context.Context, r *iam.Role) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	incompatible, err := json.Marshal(r.IncompatibleRoles)
	if err != nil {
		return fmt.Errorf("marshal incompatible_roles: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, code, name, description, level, parent_id,
			is_system, is_assignable, max_users, incompatible_roles)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		returning created_at, updated_at
	`, r.ID, r.TenantID, r.Code, r.Name, r.Description, r.Level, r.ParentID,
		r.System, r.Assignable, r.MaxUsers, incompatible).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (s *roleStore) Find(ctx context.Context, tenantID, id string) (*iam.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where tenant_id = $1 and id = $2
	`, tenantID, id)
	return scanRole(row)
}

func (s *roleStore) FindByCode(ctx context.Context, tenantID, code string) (*iam.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where tenant_id = $1 and code = $2
	`, tenantID, code)
	return scanRole(row)
}

func (s *roleStore) List(ctx context.Context, tenantID string) ([]*iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles where tenant_id = $1 order by code
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *roleStore) Update(ctx context.Context, r *iam.Role) error {
	incompatible, err := json.Marshal(r.IncompatibleRoles)
	if err != nil {
		return fmt.Errorf("marshal incompatible_roles: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update roles
		set name = $3, description = $4, level = $5, is_assignable = $6,
			max_users = $7, incompatible_roles = $8, updated_at = now()
		where tenant_id = $1 and id = $2
	`, r.TenantID, r.ID, r.Name, r.Description, r.Level, r.Assignable, r.MaxUsers, incompatible)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res)
}

func (s *roleStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from roles where tenant_id = $1 and id = $2
	`, tenantID, id)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res)
}

func (s *roleStore) SetPermissions(ctx context.Context, tenantID, roleID string, permissionCodes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from role_permissions where tenant_id = $1 and role_id = $2
	`, tenantID, roleID); err != nil {
		return err
	}
	for _, code := range permissionCodes {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (tenant_id, role_id, permission_code)
			values ($1, $2, $3)
		`, tenantID, roleID, code); err != nil {
			return mapConstraintError(err)
		}
	}
	return tx.Commit()
}

func (s *roleStore) PermissionsForRole(ctx context.Context, tenantID, roleID string) ([]iam.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select rp.permission_code, coalesce(p.active, true)
		from role_permissions rp
		left join permissions p on p.tenant_id = rp.tenant_id and p.code = rp.permission_code
		where rp.tenant_id = $1 and rp.role_id = $2
		order by rp.permission_code
	`, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []iam.Permission
	for rows.Next() {
		var p iam.Permission
		if err := rows.Scan(&p.Code, &p.Active); err != nil {
			return nil, err
		}
		p.TenantID = tenantID
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *roleStore) Assign(ctx context.Context, a iam.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (tenant_id, user_id, role_id, expires_at)
		values ($1, $2, $3, $4)
		on conflict (tenant_id, user_id, role_id) do update set expires_at = excluded.expires_at
	`, a.TenantID, a.UserID, a.RoleID, a.ExpiresAt)
	return mapConstraintError(err)
}

func (s *roleStore) Unassign(ctx context.Context, tenantID, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from role_assignments where tenant_id = $1 and user_id = $2 and role_id = $3
	`, tenantID, userID, roleID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *roleStore) AssignmentsForUser(ctx context.Context, tenantID, userID string) ([]iam.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select tenant_id, user_id, role_id, expires_at, created_at
		from role_assignments
		where tenant_id = $1 and user_id = $2
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []iam.RoleAssignment
	for rows.Next() {
		var a iam.RoleAssignment
		if err := rows.Scan(&a.TenantID, &a.UserID, &a.RoleID, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *roleStore) AssigneeCount(ctx context.Context, tenantID, roleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*)
		from role_assignments
		where tenant_id = $1 and role_id = $2 and (expires_at is null or expires_at > now())
	`, tenantID, roleID).Scan(&count)
	return count, err
}

func scanRole(row rowScanner) (*iam.Role, error) {
	var (
		r            iam.Role
		incompatible []byte
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.Code, &r.Name, &r.Description, &r.Level,
		&r.ParentID, &r.System, &r.Assignable, &r.MaxUsers, &incompatible,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(incompatible) > 0 {
		if err := json.Unmarshal(incompatible, &r.IncompatibleRoles); err != nil {
			return nil, fmt.Errorf("decode incompatible_roles: %w", err)
		}
	}
	return &r, nil
}

type permissionStore struct {
	db *sql.DB
}

func (s *permissionStore) Ensure(ctx context.Context, tenantID string, perms []iam.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, tenant_id, code, description, active)
			values ($1, $2, $3, $4, true)
			on conflict (tenant_id, code) do nothing
		`, id, tenantID, p.Code, p.Description); err != nil {
			return mapConstraintError(err)
		}
	}
	return tx.Commit()
}

func (s *permissionStore) List(ctx context.Context, tenantID string) ([]iam.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, code, description, active, created_at
		from permissions
		where tenant_id = $1
		order by code
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []iam.Permission
	for rows.Next() {
		var p iam.Permission
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Code, &p.Description, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *permissionStore) FindByCode(ctx context.Context, tenantID, code string) (*iam.Permission, error) {
	var p iam.Permission
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, code, description, active, created_at
		from permissions
		where tenant_id = $1 and code = $2
	`, tenantID, code).Scan(&p.ID, &p.TenantID, &p.Code, &p.Description, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *permissionStore) Deactivate(ctx context.Context, tenantID, code string) error {
	res, err := s.db.ExecContext(ctx, `
		update permissions set active = false where tenant_id = $1 and code = $2
	`, tenantID, code)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type groupStore struct {
	db *sql.DB
}

func (s *groupStore) Create(ctx context.Context, g *iam.Group) error {
	if g.ID == "" {
		g.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into user_groups (id, tenant_id, name, description)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, g.ID, g.TenantID, g.Name, g.Description).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (s *groupStore) Find(ctx context.Context, tenantID, id string) (*iam.Group, error) {
	var g iam.Group
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, name, description, created_at, updated_at
		from user_groups
		where tenant_id = $1 and id = $2
	`, tenantID, id).Scan(&g.ID, &g.TenantID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *groupStore) List(ctx context.Context, tenantID string) ([]*iam.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, name, description, created_at, updated_at
		from user_groups
		where tenant_id = $1
		order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Group
	for rows.Next() {
		var g iam.Group
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &g)
	}
	return result, rows.Err()
}

func (s *groupStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_groups where tenant_id = $1 and id = $2
	`, tenantID, id)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res)
}

func (s *groupStore) AddUser(ctx context.Context, tenantID, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_group_members (tenant_id, group_id, user_id)
		values ($1, $2, $3)
		on conflict do nothing
	`, tenantID, groupID, userID)
	return mapConstraintError(err)
}

func (s *groupStore) RemoveUser(ctx context.Context, tenantID, groupID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_group_members where tenant_id = $1 and group_id = $2 and user_id = $3
	`, tenantID, groupID, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *groupStore) GroupsForUser(ctx context.Context, tenantID, userID string) ([]*iam.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select g.id, g.tenant_id, g.name, g.description, g.created_at, g.updated_at
		from user_groups g
		join user_group_members m on m.tenant_id = g.tenant_id and m.group_id = g.id
		where g.tenant_id = $1 and m.user_id = $2
		order by g.name
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Group
	for rows.Next() {
		var g iam.Group
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &g)
	}
	return result, rows.Err()
}

func (s *groupStore) SetRoles(ctx context.Context, tenantID, groupID string, roleIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		delete from user_group_roles where tenant_id = $1 and group_id = $2
	`, tenantID, groupID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_group_roles (tenant_id, group_id, role_id)
			values ($1, $2, $3)
		`, tenantID, groupID, roleID); err != nil {
			return mapConstraintError(err)
		}
	}
	return tx.Commit()
}

func (s *groupStore) RolesForGroup(ctx context.Context, tenantID, groupID string) ([]*iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.tenant_id, r.code, r.name, r.description, r.level, r.parent_id,
			r.is_system, r.is_assignable, r.max_users, r.incompatible_roles, r.created_at, r.updated_at
		from roles r
		join user_group_roles gr on gr.tenant_id = r.tenant_id and gr.role_id = r.id
		where r.tenant_id = $1 and gr.group_id = $2
		order by r.code
	`, tenantID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
