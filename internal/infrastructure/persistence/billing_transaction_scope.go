package persistence

import (
	"context"

	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"gorm.io/gorm"
)

// GormEntitlementStore implements the entitlement TransactionScope using GORM transactions.
// Repositories handed to Execute share one transaction, so row locks taken through them
// are held until it commits or rolls back.
type GormEntitlementStore struct {
	db    *gorm.DB
	items *GormItemSource
}

// NewGormEntitlementStore creates a new GormEntitlementStore reading items from itemTable
func NewGormEntitlementStore(db *gorm.DB, itemTable string) *GormEntitlementStore {
	return &GormEntitlementStore{db: db, items: NewGormItemSource(db, itemTable)}
}

// Execute runs fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
func (s *GormEntitlementStore) Execute(ctx context.Context, fn func(repos appent.Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.bind(tx))
	})
}

// Repositories returns repositories bound to the root connection
func (s *GormEntitlementStore) Repositories() appent.Repositories {
	return s.bind(s.db)
}

func (s *GormEntitlementStore) bind(db *gorm.DB) *gormEntitlementRepositories {
	return &gormEntitlementRepositories{db: db, items: s.items.WithTx(db)}
}

// gormEntitlementRepositories provides the engine's repositories bound to one handle
type gormEntitlementRepositories struct {
	db    *gorm.DB
	items *GormItemSource
}

// Policies returns the policy repository bound to the handle
func (r *gormEntitlementRepositories) Policies() entitlement.PolicyRepository {
	return NewGormPolicyRepository(r.db)
}

// History returns the policy history repository bound to the handle
func (r *gormEntitlementRepositories) History() entitlement.PolicyHistoryRepository {
	return NewGormPolicyHistoryRepository(r.db)
}

// AuditLogs returns the audit repository bound to the handle
func (r *gormEntitlementRepositories) AuditLogs() entitlement.AuditLogRepository {
	return NewGormPolicyAuditLogRepository(r.db)
}

// Counters returns the counter repository bound to the handle
func (r *gormEntitlementRepositories) Counters() entitlement.CounterRepository {
	return NewGormCounterRepository(r.db)
}

// Pools returns the pool repository bound to the handle
func (r *gormEntitlementRepositories) Pools() entitlement.PoolRepository {
	return NewGormPoolRepository(r.db)
}

// DriftEvents returns the drift event repository bound to the handle
func (r *gormEntitlementRepositories) DriftEvents() entitlement.DriftEventRepository {
	return NewGormDriftEventRepository(r.db)
}

// Items returns the item projection reader bound to the handle
func (r *gormEntitlementRepositories) Items() entitlement.ItemSource {
	return r.items
}

// Ensure GormEntitlementStore implements TransactionScope
var _ appent.TransactionScope = (*GormEntitlementStore)(nil)

// Ensure gormEntitlementRepositories implements Repositories
var _ appent.Repositories = (*gormEntitlementRepositories)(nil)
