package entitlement

import "github.com/google/uuid"

// CeilingKind tells which ceiling governed an admission
type CeilingKind string

const (
	CeilingTenant CeilingKind = "tenant"
	CeilingPool   CeilingKind = "pool"
)

// Decision reasons
const (
	ReasonWithinQuota   = "within_quota"
	ReasonUnlimited     = "unlimited"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonTimeout       = "admission_timeout"
	ReasonStoreError    = "admission_unavailable"
)

// QuotaDecision is the outcome of one admission attempt. It is never persisted.
type QuotaDecision struct {
	TenantID       uuid.UUID   `json:"tenant_id"`
	OrganizationID *uuid.UUID  `json:"organization_id,omitempty"`
	CeilingKind    CeilingKind `json:"ceiling_kind"`
	RequestedDelta int         `json:"requested_delta"`
	CurrentCount   int64       `json:"current_count"`
	Ceiling        int64       `json:"ceiling"`
	Admitted       bool        `json:"admitted"`
	Reason         string      `json:"reason"`
}

// FailClosed returns a rejected decision for admissions that could not be evaluated
func FailClosed(tenantID uuid.UUID, organizationID *uuid.UUID, reason string) *QuotaDecision {
	return &QuotaDecision{
		TenantID:       tenantID,
		OrganizationID: organizationID,
		CeilingKind:    CeilingTenant,
		RequestedDelta: 1,
		Ceiling:        0,
		Admitted:       false,
		Reason:         reason,
	}
}
