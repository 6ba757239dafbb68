package iam

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	loginAction             = "login"
	defaultLoginMaxAttempts = 5
	defaultLoginWindow      = 5 * time.Minute
)

// Config carries the knobs the composed service needs.
type Config struct {
	TokenSecret   []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	InvitationTTL time.Duration
	MFAIssuer     string

	// Login throttle: attempts allowed per email within the window. The
	// window also serves as the block period once saturated.
	LoginMaxAttempts int
	LoginWindow      time.Duration
}

// Service is the composed IAM facade. It owns the login flow, which cuts
// across identity, rate limiting, MFA, and sessions, and exposes the
// per-concern services for everything else.
type Service struct {
	Identity    *IdentityService
	RBAC        *RBACService
	Sessions    *SessionService
	MFA         *MFAService
	Invitations *InvitationService
	Limiter     *RateLimiter

	store            Store
	auditor          Auditor
	loginMaxAttempts int
	loginWindow      time.Duration
	now              func() time.Time
}

// New wires the full service graph over one store.
func New(store Store, auditor Auditor, blacklist Blacklist, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if blacklist == nil {
		blacklist = NewMemoryBlacklist()
	}

	identity, err := NewIdentityService(store, auditor, blacklist, cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	rbac, err := NewRBACService(store, auditor)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionService(store, auditor, blacklist, cfg.TokenSecret, cfg.Issuer, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	mfa, err := NewMFAService(store, auditor, cfg.MFAIssuer)
	if err != nil {
		return nil, err
	}
	invitations, err := NewInvitationService(store, identity, rbac, auditor, cfg.InvitationTTL)
	if err != nil {
		return nil, err
	}

	if cfg.LoginMaxAttempts <= 0 {
		cfg.LoginMaxAttempts = defaultLoginMaxAttempts
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = defaultLoginWindow
	}

	return &Service{
		Identity:         identity,
		RBAC:             rbac,
		Sessions:         sessions,
		MFA:              mfa,
		Invitations:      invitations,
		Limiter:          NewRateLimiter(store.RateLimits()),
		store:            store,
		auditor:          auditor,
		loginMaxAttempts: cfg.LoginMaxAttempts,
		loginWindow:      cfg.LoginWindow,
		now:              time.Now,
	}, nil
}

// WithClock overrides the time source on the facade and every sub-service.
// Test use.
func (s *Service) WithClock(fn func() time.Time) *Service {
	if fn == nil {
		return s
	}
	s.now = fn
	s.Identity.WithClock(fn)
	s.RBAC.WithClock(fn)
	s.Sessions.WithClock(fn)
	s.MFA.WithClock(fn)
	s.Invitations.WithClock(fn)
	s.Limiter.WithClock(fn)
	return s
}

// LoginInput carries one authentication attempt.
type LoginInput struct {
	TenantID   string
	Email      string
	Password   string
	MFACode    string
	IPAddress  string
	UserAgent  string
	RememberMe bool
}

// LoginResult is a successful authentication outcome.
type LoginResult struct {
	User    *User      `json:"user"`
	Tokens  *TokenPair `json:"tokens"`
	Session *Session   `json:"-"`
}

// Login authenticates a user. Unknown emails, wrong passwords, and
// deactivated accounts all produce the same ErrInvalidCredentials so the
// response cannot be used to probe for accounts. Attempts are throttled
// per email before any credential work happens; failures feed both the
// throttle and the per-account lockout counter. When MFA is enabled and no
// code accompanies the attempt, ErrMFARequired tells the client to retry
// with one.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if in.TenantID == "" || in.Email == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: tenant_id, email and password are required", ErrInvalidInput)
	}

	if !s.Limiter.Allow(ctx, in.Email, loginAction, s.loginMaxAttempts, s.loginWindow) {
		retry := s.Limiter.RetryAfter(ctx, in.Email, loginAction)
		return nil, fmt.Errorf("%w: retry in %s", ErrRateLimited, retry.Round(time.Second))
	}

	user, err := s.store.Users().FindByEmail(ctx, in.TenantID, in.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.Limiter.Hit(ctx, in.Email, loginAction, s.loginMaxAttempts, s.loginWindow, s.loginWindow)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.Identity.maybeAutoUnlock(ctx, user); err != nil {
		return nil, err
	}
	if user.Locked {
		if user.LockedUntil != nil {
			remaining := user.LockedUntil.Sub(s.now())
			return nil, fmt.Errorf("%w: try again in %s", ErrLocked, remaining.Round(time.Second))
		}
		return nil, ErrLocked
	}
	if !user.Active {
		return nil, ErrInvalidCredentials
	}

	policy := s.Identity.PolicyForTenant(ctx, in.TenantID)
	if err := VerifyPassword(user.PasswordHash, in.Password); err != nil {
		s.Limiter.Hit(ctx, in.Email, loginAction, s.loginMaxAttempts, s.loginWindow, s.loginWindow)
		if _, lockErr := s.Identity.registerFailedLogin(ctx, user, policy); lockErr != nil {
			return nil, lockErr
		}
		s.auditor.Record(ctx, AuditEntry{
			TenantID:   in.TenantID,
			Action:     "auth.login_failed",
			EntityType: "user",
			EntityID:   user.ID,
		})
		return nil, ErrInvalidCredentials
	}

	if user.MFAEnabled {
		if in.MFACode == "" {
			return nil, ErrMFARequired
		}
		if err := s.verifySecondFactor(ctx, user, in.MFACode); err != nil {
			s.Limiter.Hit(ctx, in.Email, loginAction, s.loginMaxAttempts, s.loginWindow, s.loginWindow)
			if _, lockErr := s.Identity.registerFailedLogin(ctx, user, policy); lockErr != nil {
				return nil, lockErr
			}
			return nil, ErrInvalidCredentials
		}
	}

	if user.FailedLoginAttempts > 0 {
		if err := s.store.Users().ResetFailedLogins(ctx, in.TenantID, user.ID); err != nil {
			return nil, err
		}
	}
	s.Limiter.Reset(ctx, in.Email, loginAction)

	tokens, session, err := s.Sessions.Create(ctx, user, in.IPAddress, in.UserAgent, in.RememberMe)
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   in.TenantID,
		ActorID:    user.ID,
		Action:     "auth.login",
		EntityType: "session",
		EntityID:   session.ID,
		NewValue:   map[string]any{"ip": in.IPAddress},
	})
	return &LoginResult{User: user, Tokens: tokens, Session: session}, nil
}

// verifySecondFactor accepts a TOTP code first and falls back to a
// single-use backup code.
func (s *Service) verifySecondFactor(ctx context.Context, user *User, code string) error {
	if err := s.MFA.Verify(ctx, user.TenantID, user.ID, code); err == nil {
		return nil
	}
	return s.MFA.VerifyBackupCode(ctx, user.TenantID, user.ID, code)
}

// Refresh rotates a refresh token into a fresh pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return s.Sessions.Refresh(ctx, refreshToken)
}

// Logout ends the session identified by the caller's access token claims.
func (s *Service) Logout(ctx context.Context, tenantID, sessionID string) error {
	return s.Sessions.Logout(ctx, tenantID, sessionID)
}

// CheckPermission answers an authorization question. Store failures come
// back as a denial rather than an error so authorization callers always
// get a usable decision.
func (s *Service) CheckPermission(ctx context.Context, tenantID, userID, permCode string) Decision {
	d, err := s.RBAC.CheckPermission(ctx, tenantID, userID, permCode)
	if err != nil {
		return Decision{}
	}
	return d
}

// UserPermissions lists the user's resolved permission codes.
func (s *Service) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	return s.RBAC.UserPermissions(ctx, tenantID, userID)
}

// ParseAccessToken verifies an access token for middleware use.
func (s *Service) ParseAccessToken(token string) (*AccessClaims, error) {
	return s.Sessions.ParseAccessToken(token)
}

// IsTokenBlacklisted reports whether the jti was revoked early.
func (s *Service) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	return s.Sessions.IsTokenBlacklisted(ctx, jti)
}
