package iam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newSessionFixture(t *testing.T) (*MemStore, *SessionService, *User) {
	t.Helper()
	store := NewMemStore()
	svc, err := NewSessionService(store, nil, nil, []byte("test-secret"), "opsforge-test", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	user := &User{TenantID: "t1", Email: "sess@example.com", Active: true}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return store, svc, user
}

func TestSessionCreateAndParse(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	pair, session, err := svc.Create(ctx, user, "203.0.113.9", "go-test", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Status != SessionActive {
		t.Fatalf("status = %s", session.Status)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	claims, err := svc.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("sub = %s, want %s", claims.Subject, user.ID)
	}
	if claims.TenantID != "t1" {
		t.Fatalf("tenant = %s", claims.TenantID)
	}
	if claims.SessionID != session.ID {
		t.Fatalf("sid = %s, want %s", claims.SessionID, session.ID)
	}
}

func TestSessionParseRejectsTampering(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	pair, _, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := svc.ParseAccessToken(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
	if _, err := svc.ParseAccessToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestSessionAccessTokenExpiry(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	pair, _, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.ParseAccessToken(pair.AccessToken); err != nil {
		t.Fatalf("parse fresh: %v", err)
	}

	now = now.Add(16 * time.Minute)
	if _, err := svc.ParseAccessToken(pair.AccessToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
}

func TestSessionRefreshRotation(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	pair, session, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if !next.RefreshExpiresAt.Equal(pair.RefreshExpiresAt) {
		t.Fatal("absolute session expiry must not move on refresh")
	}

	// the old token is spent
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reuse: got %v, want ErrInvalidToken", err)
	}
	// the new one works
	if _, err := svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("refresh rotated: %v", err)
	}

	claims, err := svc.ParseAccessToken(next.AccessToken)
	if err != nil {
		t.Fatalf("parse rotated access: %v", err)
	}
	if claims.SessionID != session.ID {
		t.Fatal("rotated token must keep the session id")
	}
}

func TestSessionConcurrentRefreshSingleWinner(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	pair, _, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refresh(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidToken):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestSessionRefreshExpiredSession(t *testing.T) {
	ctx := context.Background()
	store, svc, user := newSessionFixture(t)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	pair, session, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(25 * time.Hour)
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}

	got, err := store.Sessions().FindByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != SessionExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}
}

func TestSessionRefreshRejectsInactiveUser(t *testing.T) {
	ctx := context.Background()
	store, svc, user := newSessionFixture(t)

	pair, _, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	user.Active = false
	if err := store.Users().Update(ctx, user); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
}

func TestSessionLogout(t *testing.T) {
	ctx := context.Background()
	store, svc, user := newSessionFixture(t)

	pair, session, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Logout(ctx, "t1", session.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}

	got, err := store.Sessions().FindByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != SessionLoggedOut {
		t.Fatalf("status = %s, want LOGGED_OUT", got.Status)
	}

	claims, err := svc.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	blocked, err := svc.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if !blocked {
		t.Fatal("logout must blacklist the current access token")
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh after logout: got %v, want ErrInvalidToken", err)
	}
}

func TestSessionLogoutWrongTenant(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	_, session, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Logout(ctx, "other-tenant", session.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSessionRevokeAllForUser(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	var pairs []*TokenPair
	for i := 0; i < 3; i++ {
		pair, _, err := svc.Create(ctx, user, "", "", false)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		pairs = append(pairs, pair)
	}

	n, err := svc.RevokeAllForUser(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 3 {
		t.Fatalf("revoked %d, want 3", n)
	}

	active, err := svc.ActiveSessions(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %d, want 0", len(active))
	}
	for i, pair := range pairs {
		if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("refresh %d after revoke: got %v, want ErrInvalidToken", i, err)
		}
	}
}

func TestSessionRememberMeExtendsWindow(t *testing.T) {
	ctx := context.Background()
	_, svc, user := newSessionFixture(t)

	short, _, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	long, _, err := svc.Create(ctx, user, "", "", true)
	if err != nil {
		t.Fatalf("create remembered: %v", err)
	}
	if !long.RefreshExpiresAt.After(short.RefreshExpiresAt) {
		t.Fatal("remember_me must extend the refresh window")
	}
}

func TestSplitRefreshToken(t *testing.T) {
	cases := []struct {
		token string
		ok    bool
	}{
		{"abc.def", true},
		{"abc.def.ghi", true}, // secret keeps the remainder
		{"abc.", false},
		{".def", false},
		{"nodot", false},
		{"", false},
	}
	for _, tc := range cases {
		_, _, err := splitRefreshToken(tc.token)
		if tc.ok && err != nil {
			t.Errorf("splitRefreshToken(%q) = %v, want nil", tc.token, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidToken) {
			t.Errorf("splitRefreshToken(%q) = %v, want ErrInvalidToken", tc.token, err)
		}
	}
}

// captureAuditor collects entries for assertions on audit coverage.
type captureAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *captureAuditor) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *captureAuditor) byAction(action string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func TestSessionRefreshRecordsAudit(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	aud := &captureAuditor{}
	svc, err := NewSessionService(store, aud, nil, []byte("test-secret"), "opsforge-test", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	user := &User{TenantID: "t1", Email: "audit@example.com", Active: true}
	if err := store.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	pair, session, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got := aud.byAction("session.refreshed")
	if len(got) != 1 {
		t.Fatalf("session.refreshed entries = %d, want 1", len(got))
	}
	if got[0].EntityID != session.ID || got[0].ActorID != user.ID || got[0].TenantID != "t1" {
		t.Fatalf("entry = %+v", got[0])
	}

	// the losing token must not add a second rotation entry
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("spent token: got %v, want ErrInvalidToken", err)
	}
	if n := len(aud.byAction("session.refreshed")); n != 1 {
		t.Fatalf("session.refreshed entries after replay = %d, want 1", n)
	}
}

func TestSessionLazyExpiryRecordsAudit(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	aud := &captureAuditor{}
	svc, err := NewSessionService(store, aud, nil, []byte("test-secret"), "opsforge-test", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	user := &User{TenantID: "t1", Email: "expiry@example.com", Active: true}
	if err := store.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	base := time.Now()
	svc.WithClock(func() time.Time { return base })
	pair, session, err := svc.Create(ctx, user, "", "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	svc.WithClock(func() time.Time { return base.Add(25 * time.Hour) })
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v, want ErrExpired", err)
	}
	got := aud.byAction("session.expired")
	if len(got) != 1 {
		t.Fatalf("session.expired entries = %d, want 1", len(got))
	}
	if got[0].EntityID != session.ID {
		t.Fatalf("entity = %s, want %s", got[0].EntityID, session.ID)
	}

	// a second attempt finds the session already terminal and records nothing
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
	if n := len(aud.byAction("session.expired")); n != 1 {
		t.Fatalf("session.expired entries after retry = %d, want 1", n)
	}
}
