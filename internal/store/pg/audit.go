package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/ids"
)

type auditStore struct {
	db *sql.DB
}

func (s *auditStore) Append(ctx context.Context, e *iam.AuditEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	oldValue, err := marshalValue(e.OldValue)
	if err != nil {
		return err
	}
	newValue, err := marshalValue(e.NewValue)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (id, tenant_id, occurred_at, actor_id, action, entity_type,
			entity_id, old_value, new_value)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, e.OccurredAt, e.ActorID, e.Action, e.EntityType, e.EntityID,
		oldValue, newValue)
	return err
}

func (s *auditStore) List(ctx context.Context, tenantID string, limit int) ([]*iam.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, occurred_at, actor_id, action, entity_type, entity_id, old_value, new_value
		from audit_log
		where tenant_id = $1
		order by occurred_at desc, id desc
		limit $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*iam.AuditEntry
	for rows.Next() {
		var (
			e        iam.AuditEntry
			oldValue []byte
			newValue []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.OccurredAt, &e.ActorID, &e.Action,
			&e.EntityType, &e.EntityID, &oldValue, &newValue); err != nil {
			return nil, err
		}
		if len(oldValue) > 0 {
			if err := json.Unmarshal(oldValue, &e.OldValue); err != nil {
				return nil, fmt.Errorf("decode old_value: %w", err)
			}
		}
		if len(newValue) > 0 {
			if err := json.Unmarshal(newValue, &e.NewValue); err != nil {
				return nil, fmt.Errorf("decode new_value: %w", err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func marshalValue(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit value: %w", err)
	}
	return data, nil
}
