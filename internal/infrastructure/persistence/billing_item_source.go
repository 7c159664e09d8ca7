package persistence

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DefaultItemProjectionTable is the view exposing inventory items to the billing engine
const DefaultItemProjectionTable = "billing_item_projection"

// billableItemRow is one row of the item projection view
type billableItemRow struct {
	ItemID       uuid.UUID       `gorm:"column:item_id;primaryKey"`
	TenantID     uuid.UUID       `gorm:"column:tenant_id"`
	Status       string          `gorm:"column:status"`
	Visibility   string          `gorm:"column:visibility"`
	Availability string          `gorm:"column:availability"`
	Price        decimal.Decimal `gorm:"column:price"`
	Currency     string          `gorm:"column:currency"`
	HasImage     bool            `gorm:"column:has_image"`
}

func (r *billableItemRow) toDomain() entitlement.BillableItem {
	return entitlement.BillableItem{
		ItemID:       r.ItemID,
		TenantID:     r.TenantID,
		Status:       entitlement.ItemStatus(strings.ToLower(r.Status)),
		Visibility:   entitlement.Visibility(strings.ToLower(r.Visibility)),
		Availability: entitlement.Availability(strings.ToLower(r.Availability)),
		PriceCents:   r.Price.Shift(2).Round(0).IntPart(),
		Currency:     strings.ToUpper(strings.TrimSpace(r.Currency)),
		HasImage:     r.HasImage,
	}
}

// GormItemSource reads tenant items from the projection view in primary-key batches
type GormItemSource struct {
	db    *gorm.DB
	table string
}

// NewGormItemSource creates a new GormItemSource; an empty table uses DefaultItemProjectionTable
func NewGormItemSource(db *gorm.DB, table string) *GormItemSource {
	if table == "" {
		table = DefaultItemProjectionTable
	}
	return &GormItemSource{db: db, table: table}
}

// WithTx returns a new item source reading through the given transaction
func (s *GormItemSource) WithTx(tx *gorm.DB) *GormItemSource {
	return &GormItemSource{db: tx, table: s.table}
}

// ScanTenantItems calls fn with successive batches of the tenant's items ordered by item ID
func (s *GormItemSource) ScanTenantItems(ctx context.Context, tenantID uuid.UUID, batchSize int, fn func(batch []entitlement.BillableItem) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var rows []billableItemRow
	return s.db.WithContext(ctx).
		Table(s.table).
		Where("tenant_id = ?", tenantID).
		FindInBatches(&rows, batchSize, func(_ *gorm.DB, _ int) error {
			items := make([]entitlement.BillableItem, 0, len(rows))
			for i := range rows {
				items = append(items, rows[i].toDomain())
			}
			return fn(items)
		}).Error
}
