package iam

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"opsforge.io/internal/ids"
)

const (
	defaultRefreshTTL  = 7 * 24 * time.Hour
	extendedRefreshTTL = 30 * 24 * time.Hour
)

// AccessClaims is the payload carried by access tokens.
type AccessClaims struct {
	TenantID  string `json:"tenant"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionService issues and verifies access tokens and manages refresh
// token lifecycle. Access tokens are short-lived signed JWTs; refresh
// tokens are opaque strings of the form "<session_id>.<secret>" where only
// a SHA-256 hash of the secret half is ever persisted.
type SessionService struct {
	store      Store
	auditor    Auditor
	blacklist  Blacklist
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewSessionService constructs the service. secret signs access tokens and
// must be non-empty.
func NewSessionService(store Store, auditor Auditor, blacklist Blacklist, secret []byte, issuer string, accessTTL, refreshTTL time.Duration) (*SessionService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if blacklist == nil {
		blacklist = NewMemoryBlacklist()
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &SessionService{
		store:      store,
		auditor:    auditor,
		blacklist:  blacklist,
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// WithClock overrides the time source. Test use.
func (s *SessionService) WithClock(fn func() time.Time) *SessionService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// Create opens a session for the user and returns the token pair. The
// refresh window stretches when rememberMe is set.
func (s *SessionService) Create(ctx context.Context, user *User, ip, userAgent string, rememberMe bool) (*TokenPair, *Session, error) {
	if user == nil {
		return nil, nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	now := s.now()
	refreshTTL := s.refreshTTL
	if rememberMe {
		refreshTTL = extendedRefreshTTL
	}

	sessionID := ids.New()
	jti := uuid.NewString()
	secret, err := ids.NewSecret(32)
	if err != nil {
		return nil, nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	refreshToken := sessionID + "." + secret

	session := &Session{
		ID:          sessionID,
		UserID:      user.ID,
		TenantID:    user.TenantID,
		TokenJTI:    jti,
		RefreshHash: hashSecret(secret),
		Status:      SessionActive,
		IPAddress:   ip,
		UserAgent:   userAgent,
		ExpiresAt:   now.Add(refreshTTL),
		CreatedAt:   now,
	}
	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return nil, nil, err
	}

	access, accessExp, err := s.signAccessToken(user, sessionID, jti, now)
	if err != nil {
		return nil, nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
	}, session, nil
}

// Refresh rotates the refresh token and issues a fresh access token. Each
// refresh token is single use: the stored hash is swapped under a guard on
// the old hash, so of two concurrent calls with the same token exactly one
// succeeds and the other gets ErrInvalidToken. The session's absolute
// expiry does not move.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	session, err := s.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := s.now()
	if session.Status != SessionActive {
		return nil, ErrInvalidToken
	}
	if now.After(session.ExpiresAt) {
		if ok, _ := s.store.Sessions().UpdateStatus(ctx, session.TenantID, session.ID, SessionExpired); ok {
			s.auditor.Record(ctx, AuditEntry{
				TenantID:   session.TenantID,
				ActorID:    session.UserID,
				Action:     "session.expired",
				EntityType: "session",
				EntityID:   session.ID,
			})
		}
		return nil, fmt.Errorf("%w: session expired", ErrExpired)
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(session.RefreshHash)) != 1 {
		return nil, ErrInvalidToken
	}

	user, err := s.store.Users().Find(ctx, session.TenantID, session.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !user.Active || user.Locked {
		return nil, ErrInvalidToken
	}

	newSecret, err := ids.NewSecret(32)
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	newJTI := uuid.NewString()
	rotated, err := s.store.Sessions().Rotate(ctx, session.ID, session.RefreshHash, hashSecret(newSecret), newJTI, now)
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, ErrInvalidToken
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   session.TenantID,
		ActorID:    session.UserID,
		Action:     "session.refreshed",
		EntityType: "session",
		EntityID:   session.ID,
	})

	access, accessExp, err := s.signAccessToken(user, session.ID, newJTI, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     session.ID + "." + newSecret,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// Logout closes the session and blacklists its current access token for
// the remainder of the token's validity.
func (s *SessionService) Logout(ctx context.Context, tenantID, sessionID string) error {
	session, err := s.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if tenantID != "" && session.TenantID != tenantID {
		return ErrNotFound
	}
	ok, err := s.store.Sessions().UpdateStatus(ctx, session.TenantID, session.ID, SessionLoggedOut)
	if err != nil {
		return err
	}
	if ok {
		s.blacklistJTI(ctx, session.TokenJTI)
		s.auditor.Record(ctx, AuditEntry{
			TenantID:   session.TenantID,
			ActorID:    session.UserID,
			Action:     "auth.logout",
			EntityType: "session",
			EntityID:   session.ID,
		})
	}
	return nil
}

// Revoke terminates a session administratively.
func (s *SessionService) Revoke(ctx context.Context, tenantID, sessionID string) error {
	session, err := s.store.Sessions().FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.TenantID != tenantID {
		return ErrNotFound
	}
	ok, err := s.store.Sessions().UpdateStatus(ctx, tenantID, sessionID, SessionRevoked)
	if err != nil {
		return err
	}
	if ok {
		s.blacklistJTI(ctx, session.TokenJTI)
		s.auditor.Record(ctx, AuditEntry{
			TenantID:   tenantID,
			Action:     "session.revoked",
			EntityType: "session",
			EntityID:   sessionID,
		})
	}
	return nil
}

// RevokeAllForUser terminates every active session of the user and
// blacklists their access tokens.
func (s *SessionService) RevokeAllForUser(ctx context.Context, tenantID, userID string) (int, error) {
	revoked, err := s.store.Sessions().RevokeAllForUser(ctx, tenantID, userID, SessionRevoked)
	if err != nil {
		return 0, err
	}
	for _, sess := range revoked {
		s.blacklistJTI(ctx, sess.TokenJTI)
	}
	return len(revoked), nil
}

// ActiveSessions lists the user's currently active sessions.
func (s *SessionService) ActiveSessions(ctx context.Context, tenantID, userID string) ([]*Session, error) {
	return s.store.Sessions().ActiveForUser(ctx, tenantID, userID)
}

// ParseAccessToken verifies signature and expiry and returns the claims.
// Blacklist membership is checked separately via IsTokenBlacklisted.
func (s *SessionService) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrExpired)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IsTokenBlacklisted reports whether the token's jti has been revoked
// before its natural expiry.
func (s *SessionService) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	return s.blacklist.Contains(ctx, jti)
}

func (s *SessionService) signAccessToken(user *User, sessionID, jti string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		TenantID:  user.TenantID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// blacklistJTI records the jti for the full access TTL. The token may have
// less validity left but an over-long blacklist entry is harmless.
func (s *SessionService) blacklistJTI(ctx context.Context, jti string) {
	if jti == "" {
		return
	}
	_ = s.blacklist.Add(ctx, jti, s.accessTTL)
}

func splitRefreshToken(token string) (sessionID, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidToken
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
