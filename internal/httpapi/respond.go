package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"opsforge.io/internal/iam"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleIAMError maps domain sentinels to HTTP statuses.
func handleIAMError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, iam.ErrInvalidInput), errors.Is(err, iam.ErrPolicyViolation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, iam.ErrInvalidCredentials), errors.Is(err, iam.ErrInvalidToken), errors.Is(err, iam.ErrExpired):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, iam.ErrMFARequired):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":        err.Error(),
			"mfa_required": true,
		})
	case errors.Is(err, iam.ErrLocked), errors.Is(err, iam.ErrProtected):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, iam.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, iam.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, iam.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
