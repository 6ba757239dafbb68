package httpapi

import (
	"net/http"
	"strings"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/obs"
)

type roleRequest struct {
	Code              string   `json:"code"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Level             int      `json:"level,omitempty"`
	ParentID          *string  `json:"parent_id,omitempty"`
	Assignable        bool     `json:"is_assignable"`
	MaxUsers          int      `json:"max_users,omitempty"`
	IncompatibleRoles []string `json:"incompatible_roles,omitempty"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		principal, ok := a.requirePermission(w, r, iam.PermRolesRead)
		if !ok {
			return
		}
		roles, err := a.svc.RBAC.ListRoles(r.Context(), principal.TenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	case http.MethodPost:
		principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
		if !ok {
			return
		}
		var req roleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.svc.RBAC.CreateRole(r.Context(), principal.TenantID, iam.RoleInput{
			Code:              req.Code,
			Name:              req.Name,
			Description:       req.Description,
			Level:             req.Level,
			ParentID:          req.ParentID,
			Assignable:        req.Assignable,
			MaxUsers:          req.MaxUsers,
			IncompatibleRoles: req.IncompatibleRoles,
		})
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type roleUpdateRequest struct {
	Name              *string  `json:"name,omitempty"`
	Description       *string  `json:"description,omitempty"`
	Level             *int     `json:"level,omitempty"`
	Assignable        *bool    `json:"is_assignable,omitempty"`
	MaxUsers          *int     `json:"max_users,omitempty"`
	IncompatibleRoles []string `json:"incompatible_roles,omitempty"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			principal, ok := a.requirePermission(w, r, iam.PermRolesRead)
			if !ok {
				return
			}
			role, err := a.svc.RBAC.GetRole(r.Context(), principal.TenantID, roleID)
			if err != nil {
				handleIAMError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodPatch:
			a.updateRole(w, r, roleID)
		case http.MethodDelete:
			principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
			if !ok {
				return
			}
			if err := a.svc.RBAC.DeleteRole(r.Context(), principal.TenantID, roleID); err != nil {
				handleIAMError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "permissions":
		a.setRolePermissions(w, r, roleID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request, roleID string) {
	principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
	if !ok {
		return
	}
	var req roleUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.RBAC.UpdateRole(r.Context(), principal.TenantID, roleID, iam.RoleUpdate{
		Name:              req.Name,
		Description:       req.Description,
		Level:             req.Level,
		Assignable:        req.Assignable,
		MaxUsers:          req.MaxUsers,
		IncompatibleRoles: req.IncompatibleRoles,
	})
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.RBAC.SetRolePermissions(r.Context(), principal.TenantID, roleID, req.Permissions); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

type ensurePermissionsRequest struct {
	Permissions []iam.Permission `json:"permissions"`
}

func (a *API) handlePermissionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		principal, ok := a.requirePermission(w, r, iam.PermRolesRead)
		if !ok {
			return
		}
		perms, err := a.svc.RBAC.ListPermissions(r.Context(), principal.TenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	case http.MethodPost:
		principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
		if !ok {
			return
		}
		var req ensurePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.RBAC.EnsurePermissions(r.Context(), principal.TenantID, req.Permissions); err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ensured"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type permissionCheckRequest struct {
	UserID     string `json:"user_id,omitempty"`
	Permission string `json:"permission"`
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req permissionCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = principal.UserID
	}
	// checking someone else's permissions is an administrative read
	if userID != principal.UserID {
		if _, ok := a.requirePermission(w, r, iam.PermUsersRead); !ok {
			return
		}
	}
	d := a.svc.CheckPermission(r.Context(), principal.TenantID, userID, req.Permission)
	obs.ObservePermissionCheck(d.Granted)
	writeJSON(w, http.StatusOK, d)
}
