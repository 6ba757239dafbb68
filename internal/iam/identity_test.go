package iam

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testPassword = "Sup3rSecret99"

func newIdentityFixture(t *testing.T) (*MemStore, *IdentityService) {
	t.Helper()
	store := NewMemStore()
	svc, err := NewIdentityService(store, nil, nil, 15*time.Minute)
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}
	return store, svc
}

func TestIdentityCreate(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	user, err := svc.Create(ctx, "t1", CreateUserInput{
		Email:     "  New.User@Example.COM ",
		Password:  testPassword,
		FirstName: "New",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.Email != "new.user@example.com" {
		t.Fatalf("email = %q, want normalized lowercase", user.Email)
	}
	if !user.Active {
		t.Fatal("new users start active")
	}
	if user.PasswordHash == testPassword || user.PasswordHash == "" {
		t.Fatal("password must be stored hashed")
	}
	if err := VerifyPassword(user.PasswordHash, testPassword); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}
}

func TestIdentityCreateDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	in := CreateUserInput{Email: "dup@example.com", Password: testPassword}
	if _, err := svc.Create(ctx, "t1", in); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.Create(ctx, "t1", in); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate: got %v, want ErrConflict", err)
	}
	// same email in a different tenant is fine
	if _, err := svc.Create(ctx, "t2", in); err != nil {
		t.Fatalf("other tenant: %v", err)
	}
}

func TestIdentityCreateRejectsWeakPassword(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	_, err := svc.Create(ctx, "t1", CreateUserInput{Email: "weak@example.com", Password: "short"})
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("got %v, want ErrPolicyViolation", err)
	}
}

func TestIdentityCreateRejectsBadEmail(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	for _, email := range []string{"", "   ", "not-an-email"} {
		if _, err := svc.Create(ctx, "t1", CreateUserInput{Email: email, Password: testPassword}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("email %q: got %v, want ErrInvalidInput", email, err)
		}
	}
}

func TestIdentityChangePassword(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	user, err := svc.Create(ctx, "t1", CreateUserInput{Email: "rotate@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.ChangePassword(ctx, "t1", user.ID, "wrong", "An0therSecret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current: got %v, want ErrInvalidCredentials", err)
	}
	if err := svc.ChangePassword(ctx, "t1", user.ID, testPassword, "short"); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("weak next: got %v, want ErrPolicyViolation", err)
	}
	if err := svc.ChangePassword(ctx, "t1", user.ID, testPassword, "An0therSecret1"); err != nil {
		t.Fatalf("change: %v", err)
	}

	got, err := svc.Get(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := VerifyPassword(got.PasswordHash, "An0therSecret1"); err != nil {
		t.Fatal("new password does not verify")
	}
}

func TestIdentityChangePasswordHistoryReuse(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	user, err := svc.Create(ctx, "t1", CreateUserInput{Email: "history@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ChangePassword(ctx, "t1", user.ID, testPassword, "An0therSecret1"); err != nil {
		t.Fatalf("change: %v", err)
	}
	// the original password sits in history now
	if err := svc.ChangePassword(ctx, "t1", user.ID, "An0therSecret1", testPassword); !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("reuse: got %v, want ErrPolicyViolation", err)
	}
}

func TestIdentityLockRevokesSessions(t *testing.T) {
	ctx := context.Background()
	store, svc := newIdentityFixture(t)

	user, err := svc.Create(ctx, "t1", CreateUserInput{Email: "locked@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sessions, err := NewSessionService(store, nil, nil, []byte("test-secret"), "opsforge-test", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if _, _, err := sessions.Create(ctx, user, "", "", false); err != nil {
		t.Fatalf("open session: %v", err)
	}

	if err := svc.Lock(ctx, "t1", user.ID, "suspicious activity", nil); err != nil {
		t.Fatalf("lock: %v", err)
	}

	got, err := svc.Get(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Locked || got.LockReason != "suspicious activity" {
		t.Fatalf("locked=%v reason=%q", got.Locked, got.LockReason)
	}
	active, err := sessions.ActiveSessions(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active sessions after lock = %d, want 0", len(active))
	}

	if err := svc.Unlock(ctx, "t1", user.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err = svc.Get(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Locked || got.FailedLoginAttempts != 0 {
		t.Fatalf("locked=%v attempts=%d after unlock", got.Locked, got.FailedLoginAttempts)
	}
}

func TestIdentityDeactivate(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	user, err := svc.Create(ctx, "t1", CreateUserInput{Email: "retired@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Deactivate(ctx, "t1", user.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	// idempotent
	if err := svc.Deactivate(ctx, "t1", user.ID); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	got, err := svc.Get(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatal("expected inactive")
	}
}

func TestIdentityUpdateProfile(t *testing.T) {
	ctx := context.Background()
	_, svc := newIdentityFixture(t)

	user, err := svc.Create(ctx, "t1", CreateUserInput{Email: "profile@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := "Ada"
	got, err := svc.Update(ctx, "t1", user.ID, UserUpdate{FirstName: &first})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.FirstName != "Ada" {
		t.Fatalf("first name = %q", got.FirstName)
	}
	if got.Email != "profile@example.com" {
		t.Fatal("untouched fields must survive")
	}

	bad := "no-at-sign"
	if _, err := svc.Update(ctx, "t1", user.ID, UserUpdate{Email: &bad}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: got %v, want ErrInvalidInput", err)
	}
}

func TestEnsureDefaultPolicyIdempotent(t *testing.T) {
	ctx := context.Background()
	store, svc := newIdentityFixture(t)

	p1, err := svc.EnsureDefaultPolicy(ctx, "t1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if p1.MinLength != 10 || p1.MaxFailedAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", p1)
	}

	// mutate the stored policy, then ensure again: the stored one wins
	p1.MinLength = 14
	if err := store.Policies().Put(ctx, p1); err != nil {
		t.Fatalf("put: %v", err)
	}
	p2, err := svc.EnsureDefaultPolicy(ctx, "t1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if p2.MinLength != 14 {
		t.Fatalf("min length = %d, want the stored 14", p2.MinLength)
	}

	if got := svc.PolicyForTenant(ctx, "t1"); got.MinLength != 14 {
		t.Fatalf("PolicyForTenant min length = %d", got.MinLength)
	}
	if got := svc.PolicyForTenant(ctx, "unprovisioned"); got.MinLength != 10 {
		t.Fatal("missing policy must fall back to defaults without writing")
	}
}
