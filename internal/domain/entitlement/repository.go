package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// PolicyRepository stores policy records and the per-scope-key head rows
type PolicyRepository interface {
	// FindEffective returns every record of the key whose window contains at.
	// More than one result is an integrity violation the caller must resolve.
	FindEffective(ctx context.Context, key ScopeKey, at time.Time) ([]PolicyRecord, error)

	// FindSeries returns every record of the key ordered by effectiveFrom ascending
	FindSeries(ctx context.Context, key ScopeKey) ([]PolicyRecord, error)

	// FindOpen returns the record of the key with no end of window, or shared.ErrNotFound
	FindOpen(ctx context.Context, key ScopeKey) (*PolicyRecord, error)

	// FindLatest returns the record with the greatest effectiveFrom, or shared.ErrNotFound
	FindLatest(ctx context.Context, key ScopeKey) (*PolicyRecord, error)

	// FindByID returns a policy record by ID
	FindByID(ctx context.Context, id uuid.UUID) (*PolicyRecord, error)

	// ListByScope returns the series of a key, newest first
	ListByScope(ctx context.Context, key ScopeKey, filter shared.Filter) ([]PolicyRecord, error)

	// Create inserts a new record
	Create(ctx context.Context, policy *PolicyRecord) error

	// Close sets effectiveTo on an open record. It fails with a conflict if the record is no longer open.
	Close(ctx context.Context, policy *PolicyRecord) error

	// LockHead returns the head row of the key, creating it if missing, locked for update
	LockHead(ctx context.Context, key ScopeKey) (*PolicyHead, error)

	// SaveHead persists an advanced head
	SaveHead(ctx context.Context, head *PolicyHead) error
}

// PolicyHistoryRepository appends and reads immutable history rows
type PolicyHistoryRepository interface {
	Append(ctx context.Context, record *PolicyHistoryRecord) error
	ListByScope(ctx context.Context, key ScopeKey, filter shared.Filter) ([]PolicyHistoryRecord, error)
}

// AuditLogRepository appends and reads audit entries
type AuditLogRepository interface {
	Append(ctx context.Context, entry *PolicyAuditLog) error
	ListByScope(ctx context.Context, key ScopeKey, filter shared.Filter) ([]PolicyAuditLog, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]PolicyAuditLog, error)
}

// CounterRepository stores per-tenant counters
type CounterRepository interface {
	// FindByTenant reads a counter without locking, or shared.ErrNotFound
	FindByTenant(ctx context.Context, tenantID uuid.UUID) (*TenantCounter, error)

	// LockByTenant reads a counter with a row lock held until the transaction ends, or shared.ErrNotFound
	LockByTenant(ctx context.Context, tenantID uuid.UUID) (*TenantCounter, error)

	// CreateIfAbsent inserts the counter unless one already exists for the tenant
	CreateIfAbsent(ctx context.Context, counter *TenantCounter) error

	// Save persists count, quota, organization and reconciliation time
	Save(ctx context.Context, counter *TenantCounter) error

	// SumByTenants returns the aggregate billable count of the given tenants
	SumByTenants(ctx context.Context, tenantIDs []uuid.UUID) (int64, error)

	// ListTenantIDs returns every tenant with a counter
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)

	// ListTenantIDsByOrganization returns tenants whose counter is tagged with the organization
	ListTenantIDsByOrganization(ctx context.Context, organizationID uuid.UUID) ([]uuid.UUID, error)

	// Delete removes a tenant's counter
	Delete(ctx context.Context, tenantID uuid.UUID) error
}

// PoolRepository stores organization pools and their membership
type PoolRepository interface {
	FindByOrganization(ctx context.Context, organizationID uuid.UUID) (*OrganizationPool, error)

	// FindByMember returns the pool the tenant belongs to, or shared.ErrNotFound
	FindByMember(ctx context.Context, tenantID uuid.UUID) (*OrganizationPool, error)

	// LockByOrganization reads a pool with its row locked until the transaction ends
	LockByOrganization(ctx context.Context, organizationID uuid.UUID) (*OrganizationPool, error)

	// Save upserts the pool and replaces its membership
	Save(ctx context.Context, pool *OrganizationPool) error
}

// DriftEventRepository records detected counter drift
type DriftEventRepository interface {
	Append(ctx context.Context, event *CounterDriftEvent) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]CounterDriftEvent, error)
}

// ItemSource reads the billable projection of a tenant's inventory
type ItemSource interface {
	// ScanTenantItems calls fn with successive batches of the tenant's items
	ScanTenantItems(ctx context.Context, tenantID uuid.UUID, batchSize int, fn func(batch []BillableItem) error) error
}
