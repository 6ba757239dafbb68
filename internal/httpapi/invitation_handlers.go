package httpapi

import (
	"net/http"
	"strings"

	"opsforge.io/internal/iam"
)

type createInvitationRequest struct {
	Email     string   `json:"email"`
	RoleCodes []string `json:"role_codes,omitempty"`
	GroupIDs  []string `json:"group_ids,omitempty"`
}

func (a *API) handleInvitationsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermInvitationsManage)
	if !ok {
		return
	}
	var req createInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.svc.Invitations.Create(r.Context(), iam.CreateInvitationInput{
		TenantID:  principal.TenantID,
		Email:     req.Email,
		RoleCodes: req.RoleCodes,
		GroupIDs:  req.GroupIDs,
		InvitedBy: principal.UserID,
	})
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	// the plaintext token is surfaced exactly once
	writeJSON(w, http.StatusCreated, map[string]any{
		"invitation": created.Invitation,
		"token":      created.Token,
	})
}

type acceptInvitationRequest struct {
	Token     string `json:"token"`
	Password  string `json:"password"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (a *API) handleInvitationAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req acceptInvitationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Invitations.Accept(r.Context(), iam.AcceptInput{
		Token:     req.Token,
		Password:  req.Password,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleInvitationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/invitations/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermInvitationsManage)
	if !ok {
		return
	}
	invitationID := parts[0]

	switch parts[1] {
	case "cancel":
		if err := a.svc.Invitations.Cancel(r.Context(), principal.TenantID, invitationID); err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
	case "resend":
		created, err := a.svc.Invitations.Resend(r.Context(), principal.TenantID, invitationID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"invitation": created.Invitation,
			"token":      created.Token,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if path == "" || strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermSessionsManage)
	if !ok {
		return
	}
	if err := a.svc.Sessions.Revoke(r.Context(), principal.TenantID, path); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := a.requirePermission(w, r, iam.PermAuditRead)
	if !ok {
		return
	}
	limit := 100
	entries, err := a.recorder.List(r.Context(), principal.TenantID, limit)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
