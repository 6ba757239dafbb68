package iam

import "context"

// Auditor records security-relevant state transitions. internal/audit
// provides the production implementation (store append plus a structured
// log mirror). Every mutation to a User, Role, Group, or Session produces
// exactly one entry; recording failures must not mask the outcome of the
// operation being audited.
type Auditor interface {
	Record(ctx context.Context, e AuditEntry)
}

// NopAuditor discards entries. Test and tooling use.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, AuditEntry) {}
