package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCounterRepository implements entitlement.CounterRepository using GORM
type GormCounterRepository struct {
	db *gorm.DB
}

// NewGormCounterRepository creates a new GormCounterRepository
func NewGormCounterRepository(db *gorm.DB) *GormCounterRepository {
	return &GormCounterRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormCounterRepository) WithTx(tx *gorm.DB) *GormCounterRepository {
	return &GormCounterRepository{db: tx}
}

// FindByTenant reads a counter without locking
func (r *GormCounterRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	return r.find(r.db.WithContext(ctx), tenantID)
}

// LockByTenant reads a counter with SELECT ... FOR UPDATE
func (r *GormCounterRepository) LockByTenant(ctx context.Context, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	return r.find(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tenantID)
}

func (r *GormCounterRepository) find(db *gorm.DB, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	var row models.TenantCounterModel
	if err := db.Where("tenant_id = ?", tenantID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return row.ToDomain(), nil
}

// CreateIfAbsent inserts the counter unless the tenant already has one
func (r *GormCounterRepository) CreateIfAbsent(ctx context.Context, counter *entitlement.TenantCounter) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoNothing: true,
		}).
		Create(models.TenantCounterModelFromDomain(counter)).Error
}

// Save persists count, quota, organization and reconciliation time
func (r *GormCounterRepository) Save(ctx context.Context, counter *entitlement.TenantCounter) error {
	m := models.TenantCounterModelFromDomain(counter)
	result := r.db.WithContext(ctx).
		Model(&models.TenantCounterModel{}).
		Where("tenant_id = ?", counter.TenantID).
		Updates(map[string]any{
			"organization_id":    m.OrganizationID,
			"billable_count":     m.BillableCount,
			"sku_quota":          m.SKUQuota,
			"plan":               m.Plan,
			"last_reconciled_at": m.LastReconciledAt,
			"version":            m.Version,
			"updated_at":         m.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SumByTenants returns the aggregate billable count of the given tenants
func (r *GormCounterRepository) SumByTenants(ctx context.Context, tenantIDs []uuid.UUID) (int64, error) {
	if len(tenantIDs) == 0 {
		return 0, nil
	}
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.TenantCounterModel{}).
		Select("COALESCE(SUM(billable_count), 0)").
		Where("tenant_id IN ?", tenantIDs).
		Scan(&sum).Error
	return sum, err
}

// ListTenantIDs returns every tenant with a counter
func (r *GormCounterRepository) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.TenantCounterModel{}).
		Order("tenant_id").
		Pluck("tenant_id", &ids).Error
	return ids, err
}

// ListTenantIDsByOrganization returns tenants whose counter is tagged with the organization
func (r *GormCounterRepository) ListTenantIDsByOrganization(ctx context.Context, organizationID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.TenantCounterModel{}).
		Where("organization_id = ?", organizationID).
		Order("tenant_id").
		Pluck("tenant_id", &ids).Error
	return ids, err
}

// Delete removes a tenant's counter
func (r *GormCounterRepository) Delete(ctx context.Context, tenantID uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&models.TenantCounterModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// GormPoolRepository implements entitlement.PoolRepository using GORM
type GormPoolRepository struct {
	db *gorm.DB
}

// NewGormPoolRepository creates a new GormPoolRepository
func NewGormPoolRepository(db *gorm.DB) *GormPoolRepository {
	return &GormPoolRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPoolRepository) WithTx(tx *gorm.DB) *GormPoolRepository {
	return &GormPoolRepository{db: tx}
}

// FindByOrganization reads a pool with its members
func (r *GormPoolRepository) FindByOrganization(ctx context.Context, organizationID uuid.UUID) (*entitlement.OrganizationPool, error) {
	return r.load(ctx, r.db.WithContext(ctx), organizationID)
}

// FindByMember returns the pool the tenant belongs to
func (r *GormPoolRepository) FindByMember(ctx context.Context, tenantID uuid.UUID) (*entitlement.OrganizationPool, error) {
	var member models.PoolMemberModel
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return r.FindByOrganization(ctx, member.OrganizationID)
}

// LockByOrganization reads a pool with SELECT ... FOR UPDATE on the pool row
func (r *GormPoolRepository) LockByOrganization(ctx context.Context, organizationID uuid.UUID) (*entitlement.OrganizationPool, error) {
	return r.load(ctx, r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), organizationID)
}

func (r *GormPoolRepository) load(ctx context.Context, db *gorm.DB, organizationID uuid.UUID) (*entitlement.OrganizationPool, error) {
	var pool models.OrganizationPoolModel
	if err := db.Where("organization_id = ?", organizationID).First(&pool).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("tenant_id").
		Find(&pool.Members).Error; err != nil {
		return nil, err
	}
	return pool.ToDomain(), nil
}

// Save upserts the pool and replaces its membership
func (r *GormPoolRepository) Save(ctx context.Context, pool *entitlement.OrganizationPool) error {
	m := models.OrganizationPoolModelFromDomain(pool)
	members := m.Members
	m.Members = nil

	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"max_total_skus", "version", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return err
	}

	if err := db.Where("organization_id = ?", pool.OrganizationID).Delete(&models.PoolMemberModel{}).Error; err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	return db.Create(&members).Error
}

// GormDriftEventRepository implements entitlement.DriftEventRepository using GORM
type GormDriftEventRepository struct {
	db *gorm.DB
}

// NewGormDriftEventRepository creates a new GormDriftEventRepository
func NewGormDriftEventRepository(db *gorm.DB) *GormDriftEventRepository {
	return &GormDriftEventRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormDriftEventRepository) WithTx(tx *gorm.DB) *GormDriftEventRepository {
	return &GormDriftEventRepository{db: tx}
}

// Append inserts a drift event
func (r *GormDriftEventRepository) Append(ctx context.Context, event *entitlement.CounterDriftEvent) error {
	return r.db.WithContext(ctx).Create(models.CounterDriftEventModelFromDomain(event)).Error
}

// ListByTenant returns the most recent drift events of a tenant
func (r *GormDriftEventRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]entitlement.CounterDriftEvent, error) {
	var rows []models.CounterDriftEventModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("detected_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]entitlement.CounterDriftEvent, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToDomain())
	}
	return out, nil
}
