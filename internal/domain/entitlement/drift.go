package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// CounterDriftEvent is the persisted record of a reconciliation that found the stored
// count off by more than the tolerance.
type CounterDriftEvent struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	StoredCount     int64
	RecomputedCount int64
	Drift           int64
	Tolerance       int64
	PolicyID        *uuid.UUID
	DetectedAt      time.Time
}

// NewCounterDriftEvent builds a drift record from a reconciliation outcome
func NewCounterDriftEvent(tenantID uuid.UUID, stored, recomputed, tolerance int64, policyID *uuid.UUID, at time.Time) *CounterDriftEvent {
	return &CounterDriftEvent{
		ID:              uuid.New(),
		TenantID:        tenantID,
		StoredCount:     stored,
		RecomputedCount: recomputed,
		Drift:           stored - recomputed,
		Tolerance:       tolerance,
		PolicyID:        policyID,
		DetectedAt:      at.UTC(),
	}
}
