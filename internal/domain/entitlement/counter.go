package entitlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// UnlimitedQuota marks a tenant without a SKU ceiling
const UnlimitedQuota int64 = -1

// ErrInvalidDelta is returned for deltas outside -1..+1
var ErrInvalidDelta = shared.NewDomainError("INVALID_DELTA", "Counter delta must be -1, 0 or +1")

// TenantCounter is the running billable-item count of one tenant.
type TenantCounter struct {
	TenantID         uuid.UUID
	OrganizationID   *uuid.UUID
	BillableCount    int64
	SKUQuota         int64
	Plan             string
	LastReconciledAt *time.Time
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTenantCounter creates an empty counter for a tenant
func NewTenantCounter(tenantID uuid.UUID, organizationID *uuid.UUID, plan string, quota int64) (*TenantCounter, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if quota < UnlimitedQuota {
		return nil, shared.NewDomainError("INVALID_QUOTA", "Quota must be -1 (unlimited) or non-negative")
	}
	now := time.Now()
	return &TenantCounter{
		TenantID:       tenantID,
		OrganizationID: organizationID,
		SKUQuota:       quota,
		Plan:           plan,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsUnlimited returns true if the tenant has no ceiling
func (c *TenantCounter) IsUnlimited() bool {
	return c.SKUQuota == UnlimitedQuota
}

// Remaining returns the headroom under the tenant's own quota, or -1 if unlimited
func (c *TenantCounter) Remaining() int64 {
	if c.IsUnlimited() {
		return UnlimitedQuota
	}
	return max(c.SKUQuota-c.BillableCount, 0)
}

// ApplyDelta adjusts the count by -1, 0 or +1. The count never goes below zero;
// clamped reports that a decrement hit zero, which means the stored value had drifted.
func (c *TenantCounter) ApplyDelta(delta int) (clamped bool, err error) {
	if delta < -1 || delta > 1 {
		return false, ErrInvalidDelta
	}
	if delta == 0 {
		return false, nil
	}
	next := c.BillableCount + int64(delta)
	if next < 0 {
		next = 0
		clamped = true
	}
	c.BillableCount = next
	c.touch()
	return clamped, nil
}

// Overwrite replaces the count with a recomputed value and returns the signed drift (stored - recomputed)
func (c *TenantCounter) Overwrite(recomputed int64, at time.Time) int64 {
	if recomputed < 0 {
		recomputed = 0
	}
	drift := c.BillableCount - recomputed
	c.BillableCount = recomputed
	at = at.UTC()
	c.LastReconciledAt = &at
	c.touch()
	return drift
}

// SetQuota changes the tenant's own ceiling
func (c *TenantCounter) SetQuota(plan string, quota int64) error {
	if quota < UnlimitedQuota {
		return shared.NewDomainError("INVALID_QUOTA", "Quota must be -1 (unlimited) or non-negative")
	}
	c.SKUQuota = quota
	if plan != "" {
		c.Plan = plan
	}
	c.touch()
	return nil
}

func (c *TenantCounter) touch() {
	c.Version++
	c.UpdatedAt = time.Now()
}
