package iam

import "errors"

// Failure kinds surfaced to callers. Services wrap these with %w and a
// human-readable reason; callers branch with errors.Is.
var (
	ErrNotFound           = errors.New("iam: not found")
	ErrConflict           = errors.New("iam: conflict")
	ErrInvalidInput       = errors.New("iam: invalid input")
	ErrInvalidCredentials = errors.New("iam: invalid credentials")
	ErrLocked             = errors.New("iam: account locked")
	ErrRateLimited        = errors.New("iam: rate limited")
	ErrPolicyViolation    = errors.New("iam: password policy violation")
	ErrProtected          = errors.New("iam: system role protected")
	ErrExpired            = errors.New("iam: expired")
	ErrInvalidToken       = errors.New("iam: invalid token")
	ErrMFARequired        = errors.New("iam: mfa required")
)
