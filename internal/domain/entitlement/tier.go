package entitlement

import (
	"context"

	"github.com/google/uuid"
)

// Plan is the purchased subscription tier of a tenant and the SKU ceiling it grants
type Plan struct {
	Name     string `json:"name"`
	SKULimit int64  `json:"sku_limit"`
}

// PlanProvider asks the payment collaborator which plan a tenant purchased
type PlanProvider interface {
	PlanForTenant(ctx context.Context, tenantID uuid.UUID) (Plan, error)
}
