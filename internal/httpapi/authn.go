package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"opsforge.io/internal/iam"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Tenant-ID"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/invitations/accept",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withTenant resolves the tenant header before authentication so pre-auth
// operations (login, invitation accept) can scope their queries.
func (a *API) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID := strings.TrimSpace(r.Header.Get(tenantHeader)); tenantID != "" {
			r = r.WithContext(iam.ContextWithTenant(r.Context(), tenantID))
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth verifies the bearer token, rejects blacklisted tokens, and
// attaches the principal. The tenant claimed by the token overrides the
// header.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.svc.ParseAccessToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		blacklisted, err := a.svc.IsTokenBlacklisted(r.Context(), claims.ID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		if blacklisted {
			writeError(w, r, http.StatusUnauthorized, "token revoked")
			return
		}

		ctx := iam.ContextWithPrincipal(r.Context(), iam.Principal{
			UserID:    claims.Subject,
			TenantID:  claims.TenantID,
			SessionID: claims.SessionID,
			JTI:       claims.ID,
		})
		ctx = iam.ContextWithTenant(ctx, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission answers whether the caller may proceed, writing the
// error response itself when not.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (iam.Principal, bool) {
	principal, ok := iam.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return iam.Principal{}, false
	}
	d := a.svc.CheckPermission(r.Context(), principal.TenantID, principal.UserID, perm)
	if !d.Granted {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return iam.Principal{}, false
	}
	return principal, true
}

func requestTenant(r *http.Request) (string, error) {
	if p, ok := iam.PrincipalFromContext(r.Context()); ok {
		return p.TenantID, nil
	}
	if tenantID, ok := iam.TenantFromContext(r.Context()); ok {
		return tenantID, nil
	}
	return "", errors.New("tenant is required (X-Tenant-ID header)")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
