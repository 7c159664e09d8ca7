package entitlement

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// AuditAction is the kind of policy mutation recorded
type AuditAction string

const (
	// AuditActionCreated is the first record of a scope key
	AuditActionCreated AuditAction = "POLICY_CREATED"

	// AuditActionSuperseded is a new record that closed a prior one
	AuditActionSuperseded AuditAction = "POLICY_SUPERSEDED"

	// AuditActionScheduled is a new record that follows a future-dated one
	AuditActionScheduled AuditAction = "POLICY_SCHEDULED"
)

// IsValid returns true if the action is known
func (a AuditAction) IsValid() bool {
	switch a {
	case AuditActionCreated, AuditActionSuperseded, AuditActionScheduled:
		return true
	}
	return false
}

// PolicyAuditLog is an append-only record of one policy write.
type PolicyAuditLog struct {
	shared.BaseEntity
	PolicyID  uuid.UUID      `json:"policy_id"`
	Scope     Scope          `json:"scope"`
	ScopeID   uuid.UUID      `json:"scope_id"`
	Action    AuditAction    `json:"action"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
}

// NewPolicyAuditLog records the transition from before (nil for the first record) to after
// as observed at now.
func NewPolicyAuditLog(
	before, after *PolicyRecord,
	now time.Time,
	actorID *uuid.UUID,
	reason, ipAddress, userAgent string,
) (*PolicyAuditLog, error) {
	if after == nil {
		return nil, shared.NewDomainError("INVALID_AUDIT", "Audit entry requires the written policy")
	}

	action := AuditActionCreated
	var beforeSnap map[string]any
	if before != nil {
		beforeSnap = before.Snapshot()
		action = AuditActionSuperseded
		if before.EffectiveFrom.After(now) {
			action = AuditActionScheduled
		}
	}

	return &PolicyAuditLog{
		BaseEntity: shared.NewBaseEntity(),
		PolicyID:   after.ID,
		Scope:      after.Scope,
		ScopeID:    after.ScopeID,
		Action:     action,
		Before:     beforeSnap,
		After:      after.Snapshot(),
		Diff:       DiffPolicyFlags(before, after),
		ActorID:    actorID,
		Reason:     reason,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	}, nil
}

// GetBefore returns a copy of the prior snapshot
func (l *PolicyAuditLog) GetBefore() map[string]any {
	return copyMap(l.Before)
}

// GetAfter returns a copy of the new snapshot
func (l *PolicyAuditLog) GetAfter() map[string]any {
	return copyMap(l.After)
}

// GetDiff returns a copy of the flag diff
func (l *PolicyAuditLog) GetDiff() map[string]any {
	return copyMap(l.Diff)
}

func copyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	maps.Copy(result, m)
	return result
}
