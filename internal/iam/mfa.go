package iam

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const backupCodeCount = 10

// MFAService manages TOTP enrollment and backup codes. Enrollment is two
// phase: Setup stores a pending secret, Activate turns enforcement on only
// after the user proves possession with a valid code.
type MFAService struct {
	store   Store
	auditor Auditor
	issuer  string
	now     func() time.Time
}

// NewMFAService constructs the service. issuer labels provisioning URIs in
// authenticator apps.
func NewMFAService(store Store, auditor Auditor, issuer string) (*MFAService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if issuer == "" {
		issuer = "opsforge"
	}
	return &MFAService{store: store, auditor: auditor, issuer: issuer, now: time.Now}, nil
}

// WithClock overrides the time source. Test use.
func (s *MFAService) WithClock(fn func() time.Time) *MFAService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// Enrollment is returned by Setup for display to the user.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// Setup generates a TOTP secret for the user and stores it without
// enabling enforcement. Fails with ErrConflict when MFA is already active.
func (s *MFAService) Setup(ctx context.Context, tenantID, userID string) (*Enrollment, error) {
	user, err := s.store.Users().Find(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	if err := s.store.Users().SetMFA(ctx, tenantID, userID, false, key.Secret()); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		ActorID:    userID,
		Action:     "mfa.setup_started",
		EntityType: "user",
		EntityID:   userID,
	})
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Activate verifies the first code against the pending secret and turns
// enforcement on. Returns the plaintext backup codes; only their hashes
// are stored, so this is the single chance to save them.
func (s *MFAService) Activate(ctx context.Context, tenantID, userID, code string) ([]string, error) {
	user, err := s.store.Users().Find(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa already enabled", ErrConflict)
	}
	if user.MFASecret == "" {
		return nil, fmt.Errorf("%w: mfa setup has not been started", ErrInvalidInput)
	}
	if !s.validateCode(code, user.MFASecret) {
		return nil, fmt.Errorf("%w: invalid code", ErrInvalidCredentials)
	}
	if err := s.store.Users().SetMFA(ctx, tenantID, userID, true, user.MFASecret); err != nil {
		return nil, err
	}
	codes, err := s.issueBackupCodes(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		ActorID:    userID,
		Action:     "mfa.enabled",
		EntityType: "user",
		EntityID:   userID,
	})
	return codes, nil
}

// Verify checks a TOTP code for a user with MFA active. A one-step clock
// skew in either direction is accepted.
func (s *MFAService) Verify(ctx context.Context, tenantID, userID, code string) error {
	user, err := s.store.Users().Find(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidInput)
	}
	if !s.validateCode(code, user.MFASecret) {
		return fmt.Errorf("%w: invalid code", ErrInvalidCredentials)
	}
	return nil
}

// VerifyBackupCode consumes a single-use backup code. The consume is
// atomic so a code presented twice concurrently succeeds at most once.
func (s *MFAService) VerifyBackupCode(ctx context.Context, tenantID, userID, code string) error {
	user, err := s.store.Users().Find(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidInput)
	}
	ok, err := s.store.Users().ConsumeBackupCode(ctx, tenantID, userID, hashSecret(code))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invalid code", ErrInvalidCredentials)
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		ActorID:    userID,
		Action:     "mfa.backup_code_used",
		EntityType: "user",
		EntityID:   userID,
	})
	return nil
}

// RegenerateBackupCodes replaces the remaining codes with a fresh set,
// invalidating all previous ones.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, tenantID, userID string) ([]string, error) {
	user, err := s.store.Users().Find(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa is not enabled", ErrInvalidInput)
	}
	codes, err := s.issueBackupCodes(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		ActorID:    userID,
		Action:     "mfa.backup_codes_regenerated",
		EntityType: "user",
		EntityID:   userID,
	})
	return codes, nil
}

// RemainingBackupCodes reports how many unused codes the user has left.
func (s *MFAService) RemainingBackupCodes(ctx context.Context, tenantID, userID string) (int, error) {
	return s.store.Users().BackupCodeCount(ctx, tenantID, userID)
}

// Disable turns MFA off. The user must re-prove both password and a
// current code.
func (s *MFAService) Disable(ctx context.Context, tenantID, userID, password, code string) error {
	user, err := s.store.Users().Find(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return fmt.Errorf("%w: mfa is not enabled", ErrInvalidInput)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return fmt.Errorf("%w: password does not match", ErrInvalidCredentials)
	}
	if !s.validateCode(code, user.MFASecret) {
		return fmt.Errorf("%w: invalid code", ErrInvalidCredentials)
	}
	if err := s.store.Users().SetMFA(ctx, tenantID, userID, false, ""); err != nil {
		return err
	}
	if err := s.store.Users().ReplaceBackupCodes(ctx, tenantID, userID, nil); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		ActorID:    userID,
		Action:     "mfa.disabled",
		EntityType: "user",
		EntityID:   userID,
	})
	return nil
}

func (s *MFAService) validateCode(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, s.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *MFAService) issueBackupCodes(ctx context.Context, tenantID, userID string) ([]string, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashSecret(code))
	}
	if err := s.store.Users().ReplaceBackupCodes(ctx, tenantID, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newBackupCode returns a code like "K7Q2M-9XRTN". The alphabet omits
// characters that read ambiguously.
func newBackupCode() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}
	out := make([]byte, 11)
	for i, b := range buf {
		pos := i
		if i >= 5 {
			pos = i + 1
		}
		out[pos] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}
	out[5] = '-'
	return string(out), nil
}
