// Package audit persists the tamper-evident trail of security-relevant
// state transitions and mirrors each entry to the structured log.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opsforge.io/internal/iam"
	"opsforge.io/internal/ids"
)

// Recorder writes audit entries to the store and mirrors them to the log.
// A store failure must never abort the operation being audited, so Record
// logs the failure and moves on.
type Recorder struct {
	store iam.AuditStore
	log   *zap.Logger
	now   func() time.Time
}

// NewRecorder constructs a recorder. log may be nil.
func NewRecorder(store iam.AuditStore, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// WithClock overrides the time source. Test use.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record fills in the entry's identity and timestamp, resolves the actor
// from the request principal when the caller left it empty, and appends.
func (r *Recorder) Record(ctx context.Context, e iam.AuditEntry) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.ActorID == "" {
		if p, ok := iam.PrincipalFromContext(ctx); ok {
			e.ActorID = p.UserID
		}
	}
	if err := r.store.Append(ctx, &e); err != nil {
		r.log.Error("audit append failed",
			zap.String("action", e.Action),
			zap.String("tenant_id", e.TenantID),
			zap.Error(err))
		return
	}
	r.log.Info("audit",
		zap.String("action", e.Action),
		zap.String("tenant_id", e.TenantID),
		zap.String("actor_id", e.ActorID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID))
}

// List returns the most recent entries for a tenant, newest first.
func (r *Recorder) List(ctx context.Context, tenantID string, limit int) ([]*iam.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.store.List(ctx, tenantID, limit)
}
