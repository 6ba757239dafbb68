package httpapi

import (
	"net/http"

	"opsforge.io/internal/iam"
)

func (a *API) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	enrollment, err := a.svc.MFA.Setup(r.Context(), principal.TenantID, principal.UserID)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleMFAActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	codes, err := a.svc.MFA.Activate(r.Context(), principal.TenantID, principal.UserID, req.Code)
	if err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

type mfaDisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req mfaDisableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.MFA.Disable(r.Context(), principal.TenantID, principal.UserID, req.Password, req.Code); err != nil {
		handleIAMError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "mfa_disabled"})
}

func (a *API) handleMFABackupCodes(w http.ResponseWriter, r *http.Request) {
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		remaining, err := a.svc.MFA.RemainingBackupCodes(r.Context(), principal.TenantID, principal.UserID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
	case http.MethodPost:
		codes, err := a.svc.MFA.RegenerateBackupCodes(r.Context(), principal.TenantID, principal.UserID)
		if err != nil {
			handleIAMError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
