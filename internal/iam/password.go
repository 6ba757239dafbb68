package iam

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a plaintext password using bcrypt. bcrypt salts per
// call, so two hashes of the same password never match byte-for-byte.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash. The
// comparison inside bcrypt is constant-time.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// DefaultPasswordPolicy returns the system-wide fallback policy for a tenant
// that has not stored its own.
func DefaultPasswordPolicy(tenantID string) PasswordPolicy {
	return PasswordPolicy{
		TenantID:          tenantID,
		MinLength:         10,
		RequireUppercase:  true,
		RequireLowercase:  true,
		RequireDigit:      true,
		RequireSymbol:     false,
		HistoryDepth:      5,
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
	}
}

// ValidatePassword checks the plaintext password against the tenant policy.
// The returned error names the first unmet rule so callers can surface it.
func ValidatePassword(password string, policy PasswordPolicy) error {
	if len(password) < policy.MinLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrPolicyViolation, policy.MinLength)
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if policy.RequireUppercase && !upper {
		return fmt.Errorf("%w: password must contain an uppercase letter", ErrPolicyViolation)
	}
	if policy.RequireLowercase && !lower {
		return fmt.Errorf("%w: password must contain a lowercase letter", ErrPolicyViolation)
	}
	if policy.RequireDigit && !digit {
		return fmt.Errorf("%w: password must contain a digit", ErrPolicyViolation)
	}
	if policy.RequireSymbol && !symbol {
		return fmt.Errorf("%w: password must contain a symbol", ErrPolicyViolation)
	}
	return nil
}

// CheckPasswordHistory reports whether the candidate password matches any of
// the user's last depth hashes. bcrypt hashes are salted, so each stored
// hash has to be verified individually.
func CheckPasswordHistory(ctx context.Context, history PasswordHistoryStore, tenantID, userID, password string, depth int) (bool, error) {
	if depth <= 0 {
		return false, nil
	}
	hashes, err := history.Recent(ctx, tenantID, userID, depth)
	if err != nil {
		return false, err
	}
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(password)) == nil {
			return true, nil
		}
	}
	return false, nil
}
