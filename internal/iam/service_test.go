package iam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"

	"opsforge.io/internal/obs"
)

func newServiceFixture(t *testing.T) (*MemStore, *Service) {
	t.Helper()
	store := NewMemStore()
	svc, err := New(store, nil, nil, Config{
		TokenSecret: []byte("test-secret"),
		Issuer:      "opsforge-test",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, svc
}

func seedLoginUser(t *testing.T, svc *Service, email string) *User {
	t.Helper()
	user, err := svc.Identity.Create(context.Background(), "t1", CreateUserInput{Email: email, Password: testPassword})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestLoginSuccess(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	user := seedLoginUser(t, svc, "login@example.com")

	res, err := svc.Login(ctx, LoginInput{
		TenantID:  "t1",
		Email:     "login@example.com",
		Password:  testPassword,
		IPAddress: "203.0.113.5",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.ID != user.ID {
		t.Fatalf("user = %s, want %s", res.User.ID, user.ID)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}

	claims, err := svc.ParseAccessToken(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != user.ID || claims.TenantID != "t1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLoginUniformInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	seedLoginUser(t, svc, "known@example.com")

	// unknown email and wrong password are indistinguishable
	_, errUnknown := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "ghost@example.com", Password: testPassword})
	if !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v, want ErrInvalidCredentials", errUnknown)
	}
	_, errWrong := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "known@example.com", Password: "WrongPass123"})
	if !errors.Is(errWrong, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("messages differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestLoginDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	user := seedLoginUser(t, svc, "gone@example.com")
	if err := svc.Identity.Deactivate(ctx, "t1", user.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "gone@example.com", Password: testPassword}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	user := seedLoginUser(t, svc, "hammered@example.com")

	for i := 0; i < defaultLoginMaxAttempts; i++ {
		_, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "hammered@example.com", Password: "WrongPass123"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// the fifth failure locked the account
	got, err := svc.Identity.Get(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Locked {
		t.Fatal("account should be locked after five failures")
	}
	if got.LockedUntil == nil {
		t.Fatal("policy lockouts carry a deadline")
	}

	// and the limiter now blocks before credentials are even checked
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "hammered@example.com", Password: testPassword}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("sixth attempt: got %v, want ErrRateLimited", err)
	}
}

func TestLoginLockedMessageAndAutoUnlock(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	seedLoginUser(t, svc, "thawed@example.com")

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	for i := 0; i < defaultLoginMaxAttempts; i++ {
		if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "thawed@example.com", Password: "WrongPass123"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	// past the limiter block but inside the 15 minute account lockout
	now = now.Add(6 * time.Minute)
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "thawed@example.com", Password: testPassword}); !errors.Is(err, ErrLocked) {
		t.Fatalf("inside lockout: got %v, want ErrLocked", err)
	}

	// past the lockout deadline the lock expires lazily on the next attempt
	now = now.Add(11 * time.Minute)
	res, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "thawed@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("after lockout: %v", err)
	}
	if res.User.Locked || res.User.FailedLoginAttempts != 0 {
		t.Fatalf("user = %+v, want unlocked with zeroed counter", res.User)
	}
}

func TestLoginSuccessResetsCounters(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	user := seedLoginUser(t, svc, "flaky@example.com")

	for i := 0; i < 3; i++ {
		if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "flaky@example.com", Password: "WrongPass123"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "flaky@example.com", Password: testPassword}); err != nil {
		t.Fatalf("login: %v", err)
	}

	got, err := svc.Identity.Get(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailedLoginAttempts != 0 {
		t.Fatalf("attempts = %d, want 0", got.FailedLoginAttempts)
	}

	// a fresh run of failures gets the full window again
	for i := 0; i < 3; i++ {
		if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "flaky@example.com", Password: "WrongPass123"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("post-reset attempt %d: %v", i+1, err)
		}
	}
}

func TestLoginMFARequired(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	user := seedLoginUser(t, svc, "second@example.com")

	enr, err := svc.MFA.Setup(ctx, "t1", user.ID)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	code, err := totp.GenerateCode(enr.Secret, time.Now())
	if err != nil {
		t.Fatalf("mint code: %v", err)
	}
	backup, err := svc.MFA.Activate(ctx, "t1", user.ID, code)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	// password alone is not enough
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "second@example.com", Password: testPassword}); !errors.Is(err, ErrMFARequired) {
		t.Fatalf("no code: got %v, want ErrMFARequired", err)
	}
	// a wrong code counts as a failed attempt
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "second@example.com", Password: testPassword, MFACode: "000000"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad code: got %v, want ErrInvalidCredentials", err)
	}

	code, err = totp.GenerateCode(enr.Secret, time.Now())
	if err != nil {
		t.Fatalf("mint code: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "second@example.com", Password: testPassword, MFACode: code}); err != nil {
		t.Fatalf("totp login: %v", err)
	}

	// a backup code works as the second factor too, once
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "second@example.com", Password: testPassword, MFACode: backup[0]}); err != nil {
		t.Fatalf("backup login: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "second@example.com", Password: testPassword, MFACode: backup[0]}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("spent backup: got %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginRememberMe(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	seedLoginUser(t, svc, "sticky@example.com")

	short, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "sticky@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	long, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "sticky@example.com", Password: testPassword, RememberMe: true})
	if err != nil {
		t.Fatalf("remembered login: %v", err)
	}
	if !long.Tokens.RefreshExpiresAt.After(short.Tokens.RefreshExpiresAt) {
		t.Fatal("remember_me must extend the refresh window")
	}
}

func TestLoginValidation(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "x@y.com"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing password: got %v, want ErrInvalidInput", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "x@y.com", Password: "p"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing tenant: got %v, want ErrInvalidInput", err)
	}
}

func TestServiceLoginRefreshLogoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	seedLoginUser(t, svc, "roundtrip@example.com")

	res, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "roundtrip@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	next, err := svc.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := svc.Logout(ctx, "t1", res.Session.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh after logout: got %v, want ErrInvalidToken", err)
	}
}

func TestServiceCheckPermissionSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	_, svc := newServiceFixture(t)
	// empty permission code is an input error below; the facade answers deny
	d := svc.CheckPermission(ctx, "t1", "nobody", "")
	if d.Granted {
		t.Fatal("expected denial")
	}
}

func TestLoginThrottleConfigured(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	svc, err := New(store, nil, nil, Config{
		TokenSecret:      []byte("test-secret"),
		Issuer:           "opsforge-test",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       24 * time.Hour,
		LoginMaxAttempts: 2,
		LoginWindow:      time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seedLoginUser(t, svc, "tight@example.com")

	base := time.Now()
	svc.WithClock(func() time.Time { return base })

	for i := 0; i < 2; i++ {
		if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "tight@example.com", Password: "WrongPass123"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// the configured ceiling is 2, so the third attempt is throttled even
	// with the right password
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "tight@example.com", Password: testPassword}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	// once the configured window has passed the counter resets
	svc.WithClock(func() time.Time { return base.Add(2 * time.Minute) })
	if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "tight@example.com", Password: testPassword}); err != nil {
		t.Fatalf("login after window: %v", err)
	}
}

func lockoutsTotalValue(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "iam_lockouts_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestLockoutIncrementsMetric(t *testing.T) {
	ctx := context.Background()
	obs.Init()
	_, svc := newServiceFixture(t)
	seedLoginUser(t, svc, "metric@example.com")

	before := lockoutsTotalValue(t)
	for i := 0; i < defaultLoginMaxAttempts; i++ {
		if _, err := svc.Login(ctx, LoginInput{TenantID: "t1", Email: "metric@example.com", Password: "WrongPass123"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	after := lockoutsTotalValue(t)

	if diff := after - before; diff != 1 {
		t.Fatalf("iam_lockouts_total moved by %v, want 1", diff)
	}
}
