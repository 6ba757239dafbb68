package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"opsforge.io/internal/iam"
)

type createUserRequest struct {
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.createUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, iam.PermUsersManage)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Identity.Create(r.Context(), principal.TenantID, iam.CreateUserInput{
		Email:     req.Email,
		Username:  req.Username,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	principal, ok := a.requirePermission(w, r, iam.PermUsersRead)
	if !ok {
		return
	}
	f := iam.UserFilter{Email: r.URL.Query().Get("email")}
	if v := r.URL.Query().Get("active"); v != "" {
		active := v == "true"
		f.Active = &active
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	users, err := a.svc.Identity.List(r.Context(), principal.TenantID, f)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

type updateUserRequest struct {
	Email     *string `json:"email,omitempty"`
	Username  *string `json:"username,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
}

type lockUserRequest struct {
	Reason string     `json:"reason,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

type assignRoleRequest struct {
	RoleCode  string     `json:"role_code"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			a.getUser(w, r, userID)
		case http.MethodPatch:
			a.updateUser(w, r, userID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
		}
	case len(parts) == 2 && parts[1] == "lock":
		a.lockUser(w, r, userID)
	case len(parts) == 2 && parts[1] == "unlock":
		a.unlockUser(w, r, userID)
	case len(parts) == 2 && parts[1] == "deactivate":
		a.deactivateUser(w, r, userID)
	case len(parts) == 2 && parts[1] == "permissions":
		a.userPermissions(w, r, userID)
	case len(parts) == 2 && parts[1] == "roles":
		a.assignUserRole(w, r, userID)
	case len(parts) == 3 && parts[1] == "roles":
		a.revokeUserRole(w, r, userID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, userID string) {
	principal, ok := a.requirePermission(w, r, iam.PermUsersRead)
	if !ok {
		return
	}
	user, err := a.svc.Identity.Get(r.Context(), principal.TenantID, userID)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, userID string) {
	principal, ok := a.requirePermission(w, r, iam.PermUsersManage)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Identity.Update(r.Context(), principal.TenantID, userID, iam.UserUpdate{
		Email:     req.Email,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) lockUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermUsersManage)
	if !ok {
		return
	}
	var req lockUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Identity.Lock(r.Context(), principal.TenantID, userID, req.Reason, req.Until); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "locked"})
}

func (a *API) unlockUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermUsersManage)
	if !ok {
		return
	}
	if err := a.svc.Identity.Unlock(r.Context(), principal.TenantID, userID); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermUsersManage)
	if !ok {
		return
	}
	if err := a.svc.Identity.Deactivate(r.Context(), principal.TenantID, userID); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

func (a *API) userPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermUsersRead)
	if !ok {
		return
	}
	perms, err := a.svc.UserPermissions(r.Context(), principal.TenantID, userID)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) assignUserRole(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.RBAC.AssignRole(r.Context(), principal.TenantID, userID, req.RoleCode, req.ExpiresAt); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "assigned"})
}

func (a *API) revokeUserRole(w http.ResponseWriter, r *http.Request, userID, roleCode string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermRolesManage)
	if !ok {
		return
	}
	if err := a.svc.RBAC.RevokeRole(r.Context(), principal.TenantID, userID, roleCode); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
