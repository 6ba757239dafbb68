package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/ids"
)

type invitationStore struct {
	db *sql.DB
}

const invitationColumns = `id, tenant_id, email, token_hash, status, role_codes, group_ids,
	invited_by, expires_at, accepted_user_id, accepted_at, created_at`

func (s *invitationStore) Create(ctx context.Context, inv *iam.Invitation) error {
	if inv.ID == "" {
		inv.ID = ids.New()
	}
	roleCodes, err := json.Marshal(inv.RoleCodes)
	if err != nil {
		return fmt.Errorf("marshal role_codes: %w", err)
	}
	groupIDs, err := json.Marshal(inv.GroupIDs)
	if err != nil {
		return fmt.Errorf("marshal group_ids: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		insert into invitations (id, tenant_id, email, token_hash, status, role_codes,
			group_ids, invited_by, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning created_at
	`, inv.ID, inv.TenantID, inv.Email, inv.TokenHash, inv.Status, roleCodes,
		groupIDs, inv.InvitedBy, inv.ExpiresAt).Scan(&inv.CreatedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (s *invitationStore) Find(ctx context.Context, tenantID, id string) (*iam.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+invitationColumns+` from invitations where tenant_id = $1 and id = $2
	`, tenantID, id)
	return scanInvitation(row)
}

func (s *invitationStore) FindByTokenHash(ctx context.Context, tokenHash string) (*iam.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+invitationColumns+` from invitations where token_hash = $1
	`, tokenHash)
	return scanInvitation(row)
}

func (s *invitationStore) PendingByEmail(ctx context.Context, tenantID, email string) (*iam.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+invitationColumns+`
		from invitations
		where tenant_id = $1 and email = $2 and status = 'PENDING'
		order by created_at desc
		limit 1
	`, tenantID, email)
	return scanInvitation(row)
}

func (s *invitationStore) Update(ctx context.Context, inv *iam.Invitation) error {
	var acceptedUserID any
	if inv.AcceptedUserID != "" {
		acceptedUserID = inv.AcceptedUserID
	}
	res, err := s.db.ExecContext(ctx, `
		update invitations
		set token_hash = $3, status = $4, expires_at = $5, accepted_user_id = $6, accepted_at = $7
		where tenant_id = $1 and id = $2
	`, inv.TenantID, inv.ID, inv.TokenHash, inv.Status, inv.ExpiresAt, acceptedUserID, inv.AcceptedAt)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res)
}

// Claim flips PENDING to ACCEPTED only while the invitation is pending and
// unexpired. Zero rows affected means a concurrent accept won.
func (s *invitationStore) Claim(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update invitations
		set status = 'ACCEPTED', accepted_at = $2
		where token_hash = $1 and status = 'PENDING' and expires_at > $2
	`, tokenHash, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *invitationStore) Reopen(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update invitations
		set status = 'PENDING', accepted_at = null, accepted_user_id = null
		where tenant_id = $1 and id = $2
	`, tenantID, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanInvitation(row rowScanner) (*iam.Invitation, error) {
	var (
		inv            iam.Invitation
		roleCodes      []byte
		groupIDs       []byte
		acceptedUserID sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.TokenHash, &inv.Status,
		&roleCodes, &groupIDs, &inv.InvitedBy, &inv.ExpiresAt, &acceptedUserID,
		&inv.AcceptedAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iam.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(roleCodes) > 0 {
		if err := json.Unmarshal(roleCodes, &inv.RoleCodes); err != nil {
			return nil, fmt.Errorf("decode role_codes: %w", err)
		}
	}
	if len(groupIDs) > 0 {
		if err := json.Unmarshal(groupIDs, &inv.GroupIDs); err != nil {
			return nil, fmt.Errorf("decode group_ids: %w", err)
		}
	}
	if acceptedUserID.Valid {
		inv.AcceptedUserID = acceptedUserID.String
	}
	return &inv, nil
}
