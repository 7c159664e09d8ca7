package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPolicyRepository implements entitlement.PolicyRepository using GORM
type GormPolicyRepository struct {
	db *gorm.DB
}

// NewGormPolicyRepository creates a new GormPolicyRepository
func NewGormPolicyRepository(db *gorm.DB) *GormPolicyRepository {
	return &GormPolicyRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPolicyRepository) WithTx(tx *gorm.DB) *GormPolicyRepository {
	return &GormPolicyRepository{db: tx}
}

func (r *GormPolicyRepository) scoped(ctx context.Context, key entitlement.ScopeKey) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.PolicyModel{}).
		Where("scope = ? AND scope_id = ?", key.Scope, key.ScopeID)
}

// FindEffective returns every record of the key whose window contains at
func (r *GormPolicyRepository) FindEffective(ctx context.Context, key entitlement.ScopeKey, at time.Time) ([]entitlement.PolicyRecord, error) {
	at = at.UTC()
	var rows []models.PolicyModel
	err := r.scoped(ctx, key).
		Where("effective_from <= ?", at).
		Where("(effective_to IS NULL OR effective_to > ?)", at).
		Order("effective_from DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return policyRecords(rows), nil
}

// FindSeries returns every record of the key ordered by effective_from ascending
func (r *GormPolicyRepository) FindSeries(ctx context.Context, key entitlement.ScopeKey) ([]entitlement.PolicyRecord, error) {
	var rows []models.PolicyModel
	if err := r.scoped(ctx, key).Order("effective_from ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return policyRecords(rows), nil
}

// FindOpen returns the record of the key with no end of window
func (r *GormPolicyRepository) FindOpen(ctx context.Context, key entitlement.ScopeKey) (*entitlement.PolicyRecord, error) {
	var row models.PolicyModel
	err := r.scoped(ctx, key).
		Where("effective_to IS NULL").
		Order("effective_from DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return row.ToDomain(), nil
}

// FindLatest returns the record with the greatest effective_from
func (r *GormPolicyRepository) FindLatest(ctx context.Context, key entitlement.ScopeKey) (*entitlement.PolicyRecord, error) {
	var row models.PolicyModel
	err := r.scoped(ctx, key).
		Order("effective_from DESC").
		Order("version DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return row.ToDomain(), nil
}

// FindByID finds a policy record by its ID
func (r *GormPolicyRepository) FindByID(ctx context.Context, id uuid.UUID) (*entitlement.PolicyRecord, error) {
	var row models.PolicyModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return row.ToDomain(), nil
}

// ListByScope returns the series of a key, newest first by default
func (r *GormPolicyRepository) ListByScope(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyRecord, error) {
	var rows []models.PolicyModel
	query := applyPage(r.scoped(ctx, key), filter, BillingPolicySortFields, "effective_from")
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return policyRecords(rows), nil
}

// Create inserts a new record. Unique and exclusion violations surface as retryable conflicts.
func (r *GormPolicyRepository) Create(ctx context.Context, policy *entitlement.PolicyRecord) error {
	model := models.PolicyModelFromDomain(policy)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translatePolicyWriteError(err, policy.Key())
	}
	return nil
}

// Close sets effective_to on a record that is still open
func (r *GormPolicyRepository) Close(ctx context.Context, policy *entitlement.PolicyRecord) error {
	if policy.EffectiveTo == nil {
		return shared.NewDomainError("POLICY_NOT_CLOSED", "Policy record has no end of window to persist")
	}
	result := r.db.WithContext(ctx).
		Model(&models.PolicyModel{}).
		Where("id = ? AND effective_to IS NULL", policy.ID).
		Updates(map[string]any{
			"effective_to": policy.EffectiveTo.UTC(),
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return translatePolicyWriteError(result.Error, policy.Key())
	}
	if result.RowsAffected == 0 {
		return &entitlement.ConcurrentPolicyEditConflict{Key: policy.Key(), Retryable: true}
	}
	return nil
}

// LockHead returns the head row of the key locked for update, creating it on first use
func (r *GormPolicyRepository) LockHead(ctx context.Context, key entitlement.ScopeKey) (*entitlement.PolicyHead, error) {
	seed := &models.PolicyHeadModel{
		Scope:     key.Scope,
		ScopeID:   key.ScopeID,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "scope_id"}},
			DoNothing: true,
		}).
		Create(seed).Error
	if err != nil {
		return nil, translatePolicyWriteError(err, key)
	}

	var head models.PolicyHeadModel
	err = r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("scope = ? AND scope_id = ?", key.Scope, key.ScopeID).
		First(&head).Error
	if err != nil {
		return nil, translatePolicyWriteError(err, key)
	}
	return head.ToDomain(), nil
}

// SaveHead persists an advanced head
func (r *GormPolicyRepository) SaveHead(ctx context.Context, head *entitlement.PolicyHead) error {
	result := r.db.WithContext(ctx).
		Model(&models.PolicyHeadModel{}).
		Where("scope = ? AND scope_id = ?", head.Scope, head.ScopeID).
		Updates(map[string]any{
			"version":           head.Version,
			"current_policy_id": head.CurrentPolicyID,
			"updated_at":        head.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return translatePolicyWriteError(result.Error, head.Key())
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func policyRecords(rows []models.PolicyModel) []entitlement.PolicyRecord {
	out := make([]entitlement.PolicyRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToDomain())
	}
	return out
}

// GormPolicyHistoryRepository implements entitlement.PolicyHistoryRepository using GORM
type GormPolicyHistoryRepository struct {
	db *gorm.DB
}

// NewGormPolicyHistoryRepository creates a new GormPolicyHistoryRepository
func NewGormPolicyHistoryRepository(db *gorm.DB) *GormPolicyHistoryRepository {
	return &GormPolicyHistoryRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPolicyHistoryRepository) WithTx(tx *gorm.DB) *GormPolicyHistoryRepository {
	return &GormPolicyHistoryRepository{db: tx}
}

// Append inserts a history row
func (r *GormPolicyHistoryRepository) Append(ctx context.Context, record *entitlement.PolicyHistoryRecord) error {
	return r.db.WithContext(ctx).Create(models.PolicyHistoryModelFromDomain(record)).Error
}

// ListByScope returns history rows of a key, newest first by default
func (r *GormPolicyHistoryRepository) ListByScope(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyHistoryRecord, error) {
	var rows []models.PolicyHistoryModel
	query := r.db.WithContext(ctx).
		Model(&models.PolicyHistoryModel{}).
		Where("scope = ? AND scope_id = ?", key.Scope, key.ScopeID)
	query = applyPage(query, filter, PolicyHistorySortFields, "recorded_at")
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entitlement.PolicyHistoryRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToDomain())
	}
	return out, nil
}

// GormPolicyAuditLogRepository implements entitlement.AuditLogRepository using GORM
type GormPolicyAuditLogRepository struct {
	db *gorm.DB
}

// NewGormPolicyAuditLogRepository creates a new GormPolicyAuditLogRepository
func NewGormPolicyAuditLogRepository(db *gorm.DB) *GormPolicyAuditLogRepository {
	return &GormPolicyAuditLogRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormPolicyAuditLogRepository) WithTx(tx *gorm.DB) *GormPolicyAuditLogRepository {
	return &GormPolicyAuditLogRepository{db: tx}
}

// Append inserts an audit entry
func (r *GormPolicyAuditLogRepository) Append(ctx context.Context, entry *entitlement.PolicyAuditLog) error {
	return r.db.WithContext(ctx).Create(models.PolicyAuditLogModelFromDomain(entry)).Error
}

// ListByScope returns audit entries of a key, newest first by default
func (r *GormPolicyAuditLogRepository) ListByScope(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyAuditLog, error) {
	var rows []models.PolicyAuditLogModel
	query := r.db.WithContext(ctx).
		Model(&models.PolicyAuditLogModel{}).
		Where("scope = ? AND scope_id = ?", key.Scope, key.ScopeID)
	query = applyPage(query, filter, PolicyAuditLogSortFields, "created_at")
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return auditLogs(rows), nil
}

// ListBetween returns every audit entry created in [from, to), oldest first
func (r *GormPolicyAuditLogRepository) ListBetween(ctx context.Context, from, to time.Time) ([]entitlement.PolicyAuditLog, error) {
	var rows []models.PolicyAuditLogModel
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return auditLogs(rows), nil
}

func auditLogs(rows []models.PolicyAuditLogModel) []entitlement.PolicyAuditLog {
	out := make([]entitlement.PolicyAuditLog, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].ToDomain())
	}
	return out
}
