package iam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsforge.io/internal/ids"
)

const defaultInvitationTTL = 72 * time.Hour

// InvitationService manages the invite-accept onboarding flow. Invitation
// tokens are opaque secrets; only their SHA-256 hash is stored, and the
// plaintext is returned exactly once at creation or resend.
type InvitationService struct {
	store    Store
	identity *IdentityService
	rbac     *RBACService
	auditor  Auditor
	ttl      time.Duration
	now      func() time.Time
}

// NewInvitationService constructs the service.
func NewInvitationService(store Store, identity *IdentityService, rbac *RBACService, auditor Auditor, ttl time.Duration) (*InvitationService, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if identity == nil || rbac == nil {
		return nil, errors.New("identity and rbac services are required")
	}
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if ttl <= 0 {
		ttl = defaultInvitationTTL
	}
	return &InvitationService{
		store:    store,
		identity: identity,
		rbac:     rbac,
		auditor:  auditor,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// WithClock overrides the time source. Test use.
func (s *InvitationService) WithClock(fn func() time.Time) *InvitationService {
	if fn != nil {
		s.now = fn
	}
	return s
}

// CreateInvitationInput carries the fields accepted at invitation
// creation.
type CreateInvitationInput struct {
	TenantID  string
	Email     string
	RoleCodes []string
	GroupIDs  []string
	InvitedBy string
}

// CreatedInvitation pairs the stored record with the one-time plaintext
// token.
type CreatedInvitation struct {
	Invitation *Invitation
	Token      string
}

// Create issues an invitation. An active user with the address or an
// already pending invitation both fail with ErrConflict. Role codes and
// group ids are validated up front so a stale invitation can never mint
// dangling assignments.
func (s *InvitationService) Create(ctx context.Context, in CreateInvitationInput) (*CreatedInvitation, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if in.TenantID == "" || email == "" {
		return nil, fmt.Errorf("%w: tenant_id and email are required", ErrInvalidInput)
	}
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}

	if existing, err := s.store.Users().FindByEmail(ctx, in.TenantID, email); err == nil && existing.Active {
		return nil, fmt.Errorf("%w: an active user with this email already exists", ErrConflict)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if pending, err := s.store.Invitations().PendingByEmail(ctx, in.TenantID, email); err == nil && pending != nil {
		return nil, fmt.Errorf("%w: a pending invitation for this email already exists", ErrConflict)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	for _, code := range in.RoleCodes {
		if _, err := s.store.Roles().FindByCode(ctx, in.TenantID, code); err != nil {
			return nil, fmt.Errorf("%w: role %s does not exist", ErrInvalidInput, code)
		}
	}
	for _, id := range in.GroupIDs {
		if _, err := s.store.Groups().Find(ctx, in.TenantID, id); err != nil {
			return nil, fmt.Errorf("%w: group %s does not exist", ErrInvalidInput, id)
		}
	}

	token, err := ids.NewSecret(32)
	if err != nil {
		return nil, fmt.Errorf("generate invitation token: %w", err)
	}
	now := s.now()
	inv := &Invitation{
		TenantID:  in.TenantID,
		Email:     email,
		TokenHash: hashSecret(token),
		Status:    InvitationPending,
		RoleCodes: dedupeStrings(in.RoleCodes),
		GroupIDs:  dedupeStrings(in.GroupIDs),
		InvitedBy: in.InvitedBy,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.store.Invitations().Create(ctx, inv); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   in.TenantID,
		ActorID:    in.InvitedBy,
		Action:     "invitation.created",
		EntityType: "invitation",
		EntityID:   inv.ID,
		NewValue:   map[string]any{"email": email},
	})
	return &CreatedInvitation{Invitation: inv, Token: token}, nil
}

// AcceptInput carries the fields the invited user supplies on acceptance.
type AcceptInput struct {
	Token     string
	Password  string
	Username  string
	FirstName string
	LastName  string
}

// Accept redeems an invitation and creates the account. The pending state
// is claimed first under a compare-and-swap, so concurrent accepts of the
// same token create exactly one user. If account creation then fails, for
// example on a weak password, the claim is reopened so the token stays
// usable.
func (s *InvitationService) Accept(ctx context.Context, in AcceptInput) (*User, error) {
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	tokenHash := hashSecret(token)
	inv, err := s.store.Invitations().FindByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := s.now()
	if inv.Status != InvitationPending {
		return nil, ErrInvalidToken
	}
	if now.After(inv.ExpiresAt) {
		inv.Status = InvitationExpired
		_ = s.store.Invitations().Update(ctx, inv)
		return nil, fmt.Errorf("%w: invitation expired", ErrExpired)
	}

	claimed, err := s.store.Invitations().Claim(ctx, tokenHash, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: invitation was already claimed", ErrConflict)
	}

	user, err := s.identity.Create(ctx, inv.TenantID, CreateUserInput{
		Email:     inv.Email,
		Username:  in.Username,
		Password:  in.Password,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if err != nil {
		_ = s.store.Invitations().Reopen(ctx, inv.TenantID, inv.ID)
		return nil, err
	}

	for _, code := range inv.RoleCodes {
		if err := s.rbac.AssignRole(ctx, inv.TenantID, user.ID, code, nil); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	for _, groupID := range inv.GroupIDs {
		if err := s.rbac.AddUserToGroup(ctx, inv.TenantID, groupID, user.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	inv.Status = InvitationAccepted
	inv.AcceptedUserID = user.ID
	acceptedAt := now
	inv.AcceptedAt = &acceptedAt
	if err := s.store.Invitations().Update(ctx, inv); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   inv.TenantID,
		ActorID:    user.ID,
		Action:     "invitation.accepted",
		EntityType: "invitation",
		EntityID:   inv.ID,
		NewValue:   map[string]any{"user_id": user.ID},
	})
	return user, nil
}

// Cancel withdraws a pending invitation.
func (s *InvitationService) Cancel(ctx context.Context, tenantID, invitationID string) error {
	inv, err := s.store.Invitations().Find(ctx, tenantID, invitationID)
	if err != nil {
		return err
	}
	if inv.Status != InvitationPending {
		return fmt.Errorf("%w: invitation is %s", ErrConflict, inv.Status)
	}
	inv.Status = InvitationCancelled
	if err := s.store.Invitations().Update(ctx, inv); err != nil {
		return err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "invitation.cancelled",
		EntityType: "invitation",
		EntityID:   inv.ID,
		OldValue:   map[string]any{"email": inv.Email},
	})
	return nil
}

// Resend rotates the token of a pending invitation and extends its expiry.
// The previous token stops working immediately.
func (s *InvitationService) Resend(ctx context.Context, tenantID, invitationID string) (*CreatedInvitation, error) {
	inv, err := s.store.Invitations().Find(ctx, tenantID, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvitationPending {
		return nil, fmt.Errorf("%w: invitation is %s", ErrConflict, inv.Status)
	}
	token, err := ids.NewSecret(32)
	if err != nil {
		return nil, fmt.Errorf("generate invitation token: %w", err)
	}
	inv.TokenHash = hashSecret(token)
	inv.ExpiresAt = s.now().Add(s.ttl)
	if err := s.store.Invitations().Update(ctx, inv); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, AuditEntry{
		TenantID:   tenantID,
		Action:     "invitation.resent",
		EntityType: "invitation",
		EntityID:   inv.ID,
		NewValue:   map[string]any{"email": inv.Email},
	})
	return &CreatedInvitation{Invitation: inv, Token: token}, nil
}

// Get returns an invitation by id.
func (s *InvitationService) Get(ctx context.Context, tenantID, invitationID string) (*Invitation, error) {
	return s.store.Invitations().Find(ctx, tenantID, invitationID)
}
