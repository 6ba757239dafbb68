package httpapi

import (
	"net/http"
	"strings"

	"opsforge.io/internal/iam"
)

type groupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleGroupsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		principal, ok := a.requirePermission(w, r, iam.PermGroupsManage)
		if !ok {
			return
		}
		groups, err := a.svc.RBAC.ListGroups(r.Context(), principal.TenantID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": groups})
	case http.MethodPost:
		principal, ok := a.requirePermission(w, r, iam.PermGroupsManage)
		if !ok {
			return
		}
		var req groupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		group, err := a.svc.RBAC.CreateGroup(r.Context(), principal.TenantID, req.Name, req.Description)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type groupMemberRequest struct {
	UserID string `json:"user_id"`
}

type groupRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/groups/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	groupID := parts[0]

	principal, ok := a.requirePermission(w, r, iam.PermGroupsManage)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodDelete:
			if err := a.svc.RBAC.DeleteGroup(r.Context(), principal.TenantID, groupID); err != nil {
				handleIAMError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
		default:
			methodNotAllowed(w, r, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "members":
		var req groupMemberRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		switch r.Method {
		case http.MethodPost:
			if err := a.svc.RBAC.AddUserToGroup(r.Context(), principal.TenantID, groupID, req.UserID); err != nil {
				handleIAMError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "added"})
		case http.MethodDelete:
			if err := a.svc.RBAC.RemoveUserFromGroup(r.Context(), principal.TenantID, groupID, req.UserID); err != nil {
				handleIAMError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "roles":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req groupRolesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.svc.RBAC.SetGroupRoles(r.Context(), principal.TenantID, groupID, req.RoleIDs); err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
