package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/v1/auth/login", "/v1/auth/login"},
		{"/v1/users", "/v1/users"},
		{"/v1/users/01J8ZX", "/v1/users/:id"},
		{"/v1/users/01J8ZX/roles", "/v1/users/:id/roles"},
		{"/v1/users/01J8ZX/roles/ADMIN", "/v1/users/:id/roles/ADMIN"},
		{"/v1/roles/r-1/permissions", "/v1/roles/:id/permissions"},
		{"/v1/groups/g-1/members", "/v1/groups/:id/members"},
		{"/v1/invitations/i-1/resend", "/v1/invitations/:id/resend"},
		{"/v1/sessions/s-1", "/v1/sessions/:id"},
		{"/v1/permissions/check", "/v1/permissions/check"},
		{"/v1/users?email=a@b.c", "/v1/users"},
		{"/v1/users/", "/v1/users/"},
		{"", "/"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Errorf("CanonicalPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInstrumentPreservesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
}
