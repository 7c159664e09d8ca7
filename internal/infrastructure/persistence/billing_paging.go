package persistence

import (
	"strings"

	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"gorm.io/gorm"
)

// BillingPolicySortFields contains allowed sort fields for policy records
var BillingPolicySortFields = map[string]bool{
	"created_at":     true,
	"effective_from": true,
	"effective_to":   true,
	"version":        true,
}

// PolicyHistorySortFields contains allowed sort fields for policy history
var PolicyHistorySortFields = map[string]bool{
	"recorded_at":    true,
	"effective_from": true,
	"effective_to":   true,
	"version":        true,
}

// PolicyAuditLogSortFields contains allowed sort fields for policy audit logs
var PolicyAuditLogSortFields = map[string]bool{
	"created_at": true,
	"action":     true,
}

// ValidateSortOrder normalizes orderDir to ASC or DESC; anything else is DESC
func ValidateSortOrder(orderDir string) string {
	if strings.EqualFold(strings.TrimSpace(orderDir), "ASC") {
		return "ASC"
	}
	return "DESC"
}

// ValidateSortField returns sortField when allowed lists it, defaultField otherwise
func ValidateSortField(sortField string, allowed map[string]bool, defaultField string) string {
	if field := strings.TrimSpace(sortField); allowed[field] {
		return field
	}
	return defaultField
}

// applyPage applies whitelisted ordering and pagination; the default order is defaultField DESC
func applyPage(query *gorm.DB, filter shared.Filter, allowed map[string]bool, defaultField string) *gorm.DB {
	sortField := ValidateSortField(filter.OrderBy, allowed, defaultField)
	query = query.Order(sortField + " " + ValidateSortOrder(filter.OrderDir))

	if filter.Page > 0 && filter.PageSize > 0 {
		offset := (filter.Page - 1) * filter.PageSize
		query = query.Offset(offset).Limit(filter.PageSize)
	}
	return query
}
