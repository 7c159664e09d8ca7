package entitlement

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// OrganizationPool is a SKU ceiling shared by all member tenants of an organization.
type OrganizationPool struct {
	OrganizationID  uuid.UUID
	MaxTotalSKUs    int64
	MemberTenantIDs []uuid.UUID
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewOrganizationPool validates and creates a pool
func NewOrganizationPool(organizationID uuid.UUID, maxTotalSKUs int64, members []uuid.UUID) (*OrganizationPool, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	pool := &OrganizationPool{
		OrganizationID: organizationID,
		Version:        1,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := pool.Replace(maxTotalSKUs, members); err != nil {
		return nil, err
	}
	pool.Version = 1
	return pool, nil
}

// Replace sets the ceiling and membership
func (p *OrganizationPool) Replace(maxTotalSKUs int64, members []uuid.UUID) error {
	if maxTotalSKUs < 0 {
		return shared.NewDomainError("INVALID_POOL_CEILING", "Pool ceiling cannot be negative")
	}
	seen := make(map[uuid.UUID]struct{}, len(members))
	cleaned := make([]uuid.UUID, 0, len(members))
	for _, id := range members {
		if id == uuid.Nil {
			return shared.NewDomainError("INVALID_POOL_MEMBER", "Pool member tenant ID cannot be empty")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	slices.SortFunc(cleaned, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	p.MaxTotalSKUs = maxTotalSKUs
	p.MemberTenantIDs = cleaned
	p.Version++
	p.UpdatedAt = time.Now()
	return nil
}

// HasMember reports whether the tenant draws from this pool
func (p *OrganizationPool) HasMember(tenantID uuid.UUID) bool {
	return slices.Contains(p.MemberTenantIDs, tenantID)
}

// Remaining returns the pool headroom given the aggregate member count
func (p *OrganizationPool) Remaining(aggregate int64) int64 {
	return max(p.MaxTotalSKUs-aggregate, 0)
}
