package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"opsforge.io/internal/audit"
	"opsforge.io/internal/iam"
)

const testPassword = "Sup3rSecret99"

func newTestAPI(t *testing.T) (http.Handler, *iam.Service) {
	t.Helper()
	store := iam.NewMemStore()
	recorder := audit.NewRecorder(store.Audit(), zap.NewNop())
	svc, err := iam.New(store, recorder, nil, iam.Config{
		TokenSecret: []byte("test-secret"),
		Issuer:      "opsforge-test",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("iam.New: %v", err)
	}
	api := New(svc, recorder, Options{
		Version:   "test",
		Log:       zap.NewNop(),
		RateRPS:   1000,
		RateBurst: 1000,
	})
	return api.Handler(), svc
}

func seedUser(t *testing.T, svc *iam.Service, email string) *iam.User {
	t.Helper()
	user, err := svc.Identity.Create(context.Background(), "t1", iam.CreateUserInput{
		Email:    email,
		Password: testPassword,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func loginToken(t *testing.T, h http.Handler, email string) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": email, "password": testPassword},
		map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body)
	}
	var res struct {
		Tokens struct {
			AccessToken string `json:"access_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return res.Tokens.AccessToken
}

func TestHealthz(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestLoginEndpoint(t *testing.T) {
	h, svc := newTestAPI(t)
	seedUser(t, svc, "web@example.com")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "web@example.com", "password": testPassword},
		map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var res struct {
		User   *iam.User      `json:"user"`
		Tokens *iam.TokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.User.Email != "web@example.com" || res.Tokens.AccessToken == "" {
		t.Fatalf("result = %+v", res)
	}

	// wrong password
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "web@example.com", "password": "WrongPass123"},
		map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", rec.Code)
	}

	// tenant header missing
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "web@example.com", "password": testPassword}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no tenant status = %d", rec.Code)
	}

	// wrong method
	rec = doJSON(t, h, http.MethodGet, "/v1/auth/login", nil, map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	h, svc := newTestAPI(t)
	seedUser(t, svc, "throttled@example.com")

	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
			map[string]string{"email": "throttled@example.com", "password": "WrongPass123"},
			map[string]string{"X-Tenant-ID": "t1"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i+1, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "throttled@example.com", "password": testPassword},
		map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d, want 429", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestAPI(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/users", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/users", nil, map[string]string{"Authorization": "Bearer garbage"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/users", nil, map[string]string{"Authorization": "Basic abc"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", rec.Code)
	}
}

func TestPermissionGuard(t *testing.T) {
	ctx := context.Background()
	h, svc := newTestAPI(t)
	user := seedUser(t, svc, "admin@example.com")
	token := loginToken(t, h, "admin@example.com")

	// no role yet
	rec := doJSON(t, h, http.MethodGet, "/v1/users", nil, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unprivileged status = %d", rec.Code)
	}

	if err := svc.RBAC.EnsurePermissions(ctx, "t1", []iam.Permission{{Code: iam.PermUsersRead, Active: true}}); err != nil {
		t.Fatalf("ensure permissions: %v", err)
	}
	role, err := svc.RBAC.CreateRole(ctx, "t1", iam.RoleInput{Code: "READER", Name: "Reader", Assignable: true})
	if err != nil {
		t.Fatalf("role: %v", err)
	}
	if err := svc.RBAC.SetRolePermissions(ctx, "t1", role.ID, []string{iam.PermUsersRead}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if err := svc.RBAC.AssignRole(ctx, "t1", user.ID, "READER", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/users", nil, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("privileged status = %d, body %s", rec.Code, rec.Body)
	}
	var body struct {
		Items []*iam.User `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(body.Items))
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h, svc := newTestAPI(t)
	seedUser(t, svc, "leaver@example.com")
	token := loginToken(t, h, "leaver@example.com")
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec := doJSON(t, h, http.MethodGet, "/v1/auth/sessions", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/logout", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, body %s", rec.Code, rec.Body)
	}

	// the blacklisted token no longer authenticates
	rec = doJSON(t, h, http.MethodGet, "/v1/auth/sessions", nil, auth)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("post-logout status = %d, want 401", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	h, svc := newTestAPI(t)
	seedUser(t, svc, "fresh@example.com")

	rec := doJSON(t, h, http.MethodPost, "/v1/auth/login",
		map[string]string{"email": "fresh@example.com", "password": testPassword},
		map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	var res struct {
		Tokens *iam.TokenPair `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		map[string]string{"refresh_token": res.Tokens.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body)
	}
	var pair iam.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pair.RefreshToken == res.Tokens.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	// the spent token now fails
	rec = doJSON(t, h, http.MethodPost, "/v1/auth/refresh",
		map[string]string{"refresh_token": res.Tokens.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reuse status = %d, want 401", rec.Code)
	}
}

func TestInvitationAcceptIsPublic(t *testing.T) {
	ctx := context.Background()
	h, svc := newTestAPI(t)

	created, err := svc.Invitations.Create(ctx, iam.CreateInvitationInput{
		TenantID: "t1",
		Email:    "newhire@example.com",
	})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/invitations/accept",
		map[string]string{"token": created.Token, "password": testPassword}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("accept status = %d, body %s", rec.Code, rec.Body)
	}
	var user iam.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user.Email != "newhire@example.com" {
		t.Fatalf("user = %+v", user)
	}
}

func TestUnknownRoute(t *testing.T) {
	h, _ := newTestAPI(t)
	// the root is public and unmapped
	rec := doJSON(t, h, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("root status = %d", rec.Code)
	}
	// everything else needs a token before routing even matters
	rec = doJSON(t, h, http.MethodGet, "/nope", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}
