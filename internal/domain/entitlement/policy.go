package entitlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// MaxPolicyNoteLength bounds the free-text note stored with a policy
const MaxPolicyNoteLength = 500

// PolicyFlags are the named switches consulted by the counting predicate.
type PolicyFlags struct {
	CountActivePrivate bool `json:"count_active_private"`
	CountPreorder      bool `json:"count_preorder"`
	CountZeroPrice     bool `json:"count_zero_price"`
	RequireImage       bool `json:"require_image"`
	RequireCurrency    bool `json:"require_currency"`
}

// PolicyState is the lifecycle state of a policy record relative to a point in time.
type PolicyState string

const (
	// PolicyStateDraft means the record is not yet effective
	PolicyStateDraft PolicyState = "DRAFT"

	// PolicyStateOpen means the record is effective
	PolicyStateOpen PolicyState = "OPEN"

	// PolicyStateClosed means the record has been superseded
	PolicyStateClosed PolicyState = "CLOSED"
)

// PolicyRecord is one version of a billing policy for a scope key.
// Its effective window is [EffectiveFrom, EffectiveTo); a nil EffectiveTo means open-ended.
type PolicyRecord struct {
	shared.BaseEntity
	Scope   Scope
	ScopeID uuid.UUID
	PolicyFlags
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Note          string
	UpdatedBy     *uuid.UUID
	// Version is the position of this record in its scope key's series, starting at 1
	Version int
}

// NewPolicyRecord creates a new open-ended policy record
func NewPolicyRecord(
	key ScopeKey,
	flags PolicyFlags,
	effectiveFrom time.Time,
	note string,
	updatedBy *uuid.UUID,
) (*PolicyRecord, error) {
	if _, err := NewScopeKey(key.Scope, key.ScopeID); err != nil {
		return nil, err
	}
	if effectiveFrom.IsZero() {
		return nil, shared.NewDomainError("INVALID_EFFECTIVE_FROM", "Effective-from timestamp is required")
	}
	if len(note) > MaxPolicyNoteLength {
		return nil, shared.NewDomainError("INVALID_NOTE", "Policy note cannot exceed 500 characters")
	}

	return &PolicyRecord{
		BaseEntity:    shared.NewBaseEntity(),
		Scope:         key.Scope,
		ScopeID:       key.ScopeID,
		PolicyFlags:   flags,
		EffectiveFrom: effectiveFrom.UTC(),
		Note:          note,
		UpdatedBy:     updatedBy,
		Version:       1,
	}, nil
}

// ConservativeDefaultPolicy is the built-in fallback used when no policy exists at any scope.
// It counts everything and requires nothing.
func ConservativeDefaultPolicy() *PolicyRecord {
	return &PolicyRecord{
		Scope: ScopeGlobal,
		PolicyFlags: PolicyFlags{
			CountActivePrivate: true,
			CountPreorder:      true,
			CountZeroPrice:     true,
		},
		Note: "built-in conservative default",
	}
}

// IsConservativeDefault reports whether the record is the built-in fallback rather than a stored policy
func (p *PolicyRecord) IsConservativeDefault() bool {
	return p.ID == uuid.Nil
}

// Key returns the scope key of the record
func (p *PolicyRecord) Key() ScopeKey {
	return ScopeKey{Scope: p.Scope, ScopeID: p.ScopeID}
}

// IsOpen returns true if the record has no end of window
func (p *PolicyRecord) IsOpen() bool {
	return p.EffectiveTo == nil
}

// IsEffectiveAt reports whether at lies in [EffectiveFrom, EffectiveTo)
func (p *PolicyRecord) IsEffectiveAt(at time.Time) bool {
	if at.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || at.Before(*p.EffectiveTo)
}

// StateAt returns the lifecycle state of the record at the given instant
func (p *PolicyRecord) StateAt(now time.Time) PolicyState {
	switch {
	case now.Before(p.EffectiveFrom):
		return PolicyStateDraft
	case p.EffectiveTo != nil && !now.Before(*p.EffectiveTo):
		return PolicyStateClosed
	default:
		return PolicyStateOpen
	}
}

// OverlapsWith reports whether two records' windows intersect
func (p *PolicyRecord) OverlapsWith(other *PolicyRecord) bool {
	if p.EffectiveTo != nil && !other.EffectiveFrom.Before(*p.EffectiveTo) {
		return false
	}
	if other.EffectiveTo != nil && !p.EffectiveFrom.Before(*other.EffectiveTo) {
		return false
	}
	return true
}

// CloseAt ends the record's window at the given instant.
// The instant must be strictly after EffectiveFrom so windows never collapse to zero length.
func (p *PolicyRecord) CloseAt(at time.Time) error {
	if !p.IsOpen() {
		return shared.NewDomainError("POLICY_ALREADY_CLOSED", "Policy record is already closed")
	}
	at = at.UTC()
	if !at.After(p.EffectiveFrom) {
		return shared.NewDomainError("INVALID_EFFECTIVE_FROM", "New policy must become effective after the current one")
	}
	p.EffectiveTo = &at
	p.UpdatedAt = time.Now()
	return nil
}

// Snapshot returns the auditable fields of the record
func (p *PolicyRecord) Snapshot() map[string]any {
	snap := map[string]any{
		"id":                   p.ID.String(),
		"scope":                p.Scope.String(),
		"count_active_private": p.CountActivePrivate,
		"count_preorder":       p.CountPreorder,
		"count_zero_price":     p.CountZeroPrice,
		"require_image":        p.RequireImage,
		"require_currency":     p.RequireCurrency,
		"effective_from":       p.EffectiveFrom.Format(time.RFC3339Nano),
		"note":                 p.Note,
		"version":              p.Version,
	}
	if p.Scope != ScopeGlobal {
		snap["scope_id"] = p.ScopeID.String()
	}
	if p.EffectiveTo != nil {
		snap["effective_to"] = p.EffectiveTo.Format(time.RFC3339Nano)
	}
	return snap
}

// DiffPolicyFlags returns the flags that differ between two records as
// field -> {"from": old, "to": new}. A nil before yields every flag of after.
func DiffPolicyFlags(before, after *PolicyRecord) map[string]any {
	diff := make(map[string]any)
	if after == nil {
		return diff
	}
	var prev PolicyFlags
	if before != nil {
		prev = before.PolicyFlags
	}
	next := after.PolicyFlags
	add := func(field string, from, to bool) {
		if before == nil || from != to {
			entry := map[string]any{"to": to}
			if before != nil {
				entry["from"] = from
			}
			diff[field] = entry
		}
	}
	add("count_active_private", prev.CountActivePrivate, next.CountActivePrivate)
	add("count_preorder", prev.CountPreorder, next.CountPreorder)
	add("count_zero_price", prev.CountZeroPrice, next.CountZeroPrice)
	add("require_image", prev.RequireImage, next.RequireImage)
	add("require_currency", prev.RequireCurrency, next.RequireCurrency)
	return diff
}

// Clone returns a deep copy of the record
func (p *PolicyRecord) Clone() *PolicyRecord {
	c := *p
	if p.EffectiveTo != nil {
		to := *p.EffectiveTo
		c.EffectiveTo = &to
	}
	if p.UpdatedBy != nil {
		by := *p.UpdatedBy
		c.UpdatedBy = &by
	}
	return &c
}

// PolicyHead is the per-scope-key serialization row.
// Policy writes lock it before touching the series.
type PolicyHead struct {
	Scope           Scope
	ScopeID         uuid.UUID
	Version         int
	CurrentPolicyID *uuid.UUID
	UpdatedAt       time.Time
}

// Key returns the scope key of the head
func (h *PolicyHead) Key() ScopeKey {
	return ScopeKey{Scope: h.Scope, ScopeID: h.ScopeID}
}

// Advance records a newly written policy on the head
func (h *PolicyHead) Advance(policyID uuid.UUID) int {
	h.Version++
	h.CurrentPolicyID = &policyID
	h.UpdatedAt = time.Now()
	return h.Version
}
