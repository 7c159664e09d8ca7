package entitlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// PolicyHistoryRecord is an immutable copy of a policy record taken when it stopped being current.
// History rows are created and never mutated or deleted.
type PolicyHistoryRecord struct {
	ID       uuid.UUID
	PolicyID uuid.UUID
	Scope    Scope
	ScopeID  uuid.UUID
	PolicyFlags
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	Note          string
	UpdatedBy     *uuid.UUID
	Version       int
	SupersededBy  *uuid.UUID
	RecordedAt    time.Time
}

// NewPolicyHistoryRecord snapshots a closed policy record
func NewPolicyHistoryRecord(closed *PolicyRecord, supersededBy *uuid.UUID) (*PolicyHistoryRecord, error) {
	if closed == nil {
		return nil, shared.NewDomainError("INVALID_HISTORY", "Policy record is required")
	}
	if closed.EffectiveTo == nil {
		return nil, shared.NewDomainError("INVALID_HISTORY", "Only closed policy records are recorded in history")
	}

	return &PolicyHistoryRecord{
		ID:            uuid.New(),
		PolicyID:      closed.ID,
		Scope:         closed.Scope,
		ScopeID:       closed.ScopeID,
		PolicyFlags:   closed.PolicyFlags,
		EffectiveFrom: closed.EffectiveFrom,
		EffectiveTo:   *closed.EffectiveTo,
		Note:          closed.Note,
		UpdatedBy:     closed.UpdatedBy,
		Version:       closed.Version,
		SupersededBy:  supersededBy,
		RecordedAt:    time.Now().UTC(),
	}, nil
}

// Key returns the scope key of the history row
func (h *PolicyHistoryRecord) Key() ScopeKey {
	return ScopeKey{Scope: h.Scope, ScopeID: h.ScopeID}
}
