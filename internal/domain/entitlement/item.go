package entitlement

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/currency"
)

// ItemStatus is the lifecycle status of an inventory item
type ItemStatus string

const (
	ItemStatusActive   ItemStatus = "active"
	ItemStatusInactive ItemStatus = "inactive"
	ItemStatusArchived ItemStatus = "archived"
	ItemStatusTrashed  ItemStatus = "trashed"
	ItemStatusDraft    ItemStatus = "draft"
)

// IsValid returns true if the status is known
func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusActive, ItemStatusInactive, ItemStatusArchived, ItemStatusTrashed, ItemStatusDraft:
		return true
	}
	return false
}

// IsTerminal reports statuses that are never billable whatever the policy says
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusArchived || s == ItemStatusTrashed || s == ItemStatusDraft
}

// Visibility of an item in the storefront
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// IsValid returns true if the visibility is known
func (v Visibility) IsValid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Availability of an item
type Availability string

const (
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityPreorder   Availability = "preorder"
)

// IsValid returns true if the availability is known
func (a Availability) IsValid() bool {
	switch a {
	case AvailabilityInStock, AvailabilityOutOfStock, AvailabilityPreorder:
		return true
	}
	return false
}

// BillableItem is the projection of an inventory item consumed by the counting predicate.
// The inventory subsystem owns the underlying rows; the engine only reads them.
type BillableItem struct {
	ItemID       uuid.UUID    `json:"item_id"`
	TenantID     uuid.UUID    `json:"tenant_id"`
	Status       ItemStatus   `json:"status"`
	Visibility   Visibility   `json:"visibility"`
	Availability Availability `json:"availability"`
	PriceCents   int64        `json:"price_cents"`
	Currency     string       `json:"currency"`
	HasImage     bool         `json:"has_image"`
}

// HasValidCurrency reports whether the item carries a well-formed ISO 4217 currency code
func (i BillableItem) HasValidCurrency() bool {
	code := strings.TrimSpace(i.Currency)
	if len(code) != 3 {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}
