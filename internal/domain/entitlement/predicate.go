package entitlement

// Exclusion reasons returned by ExclusionReason.
const (
	ExcludedByStatus     = "status_not_billable"
	ExcludedPrivate      = "private_not_counted"
	ExcludedPreorder     = "preorder_not_counted"
	ExcludedZeroPrice    = "zero_price_not_counted"
	ExcludedMissingImage = "image_required"
	ExcludedCurrency     = "currency_required"
)

// ExclusionReason returns the first rule that keeps the item from counting, or "" if it is billable.
// It is pure and total: a nil policy is treated as the conservative default.
func ExclusionReason(item BillableItem, policy *PolicyRecord) string {
	if policy == nil {
		policy = ConservativeDefaultPolicy()
	}
	switch {
	case item.Status.IsTerminal():
		return ExcludedByStatus
	case item.Visibility == VisibilityPrivate && !policy.CountActivePrivate:
		return ExcludedPrivate
	case item.Availability == AvailabilityPreorder && !policy.CountPreorder:
		return ExcludedPreorder
	case item.PriceCents == 0 && !policy.CountZeroPrice:
		return ExcludedZeroPrice
	case policy.RequireImage && !item.HasImage:
		return ExcludedMissingImage
	case policy.RequireCurrency && !item.HasValidCurrency():
		return ExcludedCurrency
	}
	return ""
}

// IsBillable reports whether the item counts toward quota under the policy
func IsBillable(item BillableItem, policy *PolicyRecord) bool {
	return ExclusionReason(item, policy) == ""
}

// BillabilityDelta compares the predicate before and after a mutation.
// A nil before means creation, a nil after means deletion.
func BillabilityDelta(before, after *BillableItem, policy *PolicyRecord) int {
	was := before != nil && IsBillable(*before, policy)
	is := after != nil && IsBillable(*after, policy)
	switch {
	case !was && is:
		return 1
	case was && !is:
		return -1
	}
	return 0
}
