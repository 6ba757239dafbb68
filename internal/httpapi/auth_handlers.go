package httpapi

import (
	"errors"
	"net/http"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/obs"
)

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	MFACode    string `json:"mfa_code,omitempty"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	tenantID, err := requestTenant(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.svc.Login(r.Context(), iam.LoginInput{
		TenantID:   tenantID,
		Email:      req.Email,
		Password:   req.Password,
		MFACode:    req.MFACode,
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
		RememberMe: req.RememberMe,
	})
	if err != nil {
		switch {
		case errors.Is(err, iam.ErrRateLimited):
			obs.ObserveLogin("rate_limited")
			obs.ObserveRateLimited()
		case errors.Is(err, iam.ErrLocked):
			obs.ObserveLogin("locked")
		case errors.Is(err, iam.ErrMFARequired):
			obs.ObserveLogin("mfa_required")
		default:
			obs.ObserveLogin("denied")
		}
		handleIAMError(w, r, err)
		return
	}
	obs.ObserveLogin("ok")
	obs.ObserveTokenIssued("access")
	obs.ObserveTokenIssued("refresh")
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	obs.ObserveTokenIssued("access")
	obs.ObserveTokenIssued("refresh")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.svc.Logout(r.Context(), principal.TenantID, principal.SessionID); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.svc.Identity.ChangePassword(r.Context(), principal.TenantID, principal.UserID,
		req.CurrentPassword, req.NewPassword)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleOwnSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	sessions, err := a.svc.Sessions.ActiveSessions(r.Context(), principal.TenantID, principal.UserID)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sessions})
}
