package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Change notification topics
const (
	// TopicPolicyChanged is published after a policy write commits
	TopicPolicyChanged = "policy.changed"

	// TopicQuotaExceeded is published when an admission is rejected
	TopicQuotaExceeded = "quota.exceeded"

	// TopicQuotaChanged is published when a tenant quota or organization pool changes
	TopicQuotaChanged = "quota.changed"
)

// ChangeMessage is the payload broadcast on a change topic.
type ChangeMessage struct {
	ID             uuid.UUID      `json:"id"`
	Topic          string         `json:"topic"`
	Scope          Scope          `json:"scope,omitempty"`
	ScopeID        uuid.UUID      `json:"scope_id,omitempty"`
	PolicyID       *uuid.UUID     `json:"policy_id,omitempty"`
	EffectiveFrom  *time.Time     `json:"effective_from,omitempty"`
	TenantIDs      []uuid.UUID    `json:"tenant_ids,omitempty"`
	OrganizationID *uuid.UUID     `json:"organization_id,omitempty"`
	Decision       *QuotaDecision `json:"decision,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewPolicyChangedMessage builds the message published after a policy write
func NewPolicyChangedMessage(policy *PolicyRecord) ChangeMessage {
	from := policy.EffectiveFrom
	id := policy.ID
	return ChangeMessage{
		ID:            uuid.New(),
		Topic:         TopicPolicyChanged,
		Scope:         policy.Scope,
		ScopeID:       policy.ScopeID,
		PolicyID:      &id,
		EffectiveFrom: &from,
		Timestamp:     time.Now().UTC(),
	}
}

// NewQuotaExceededMessage builds the message published on a rejected admission
func NewQuotaExceededMessage(decision *QuotaDecision) ChangeMessage {
	return ChangeMessage{
		ID:             uuid.New(),
		Topic:          TopicQuotaExceeded,
		Scope:          ScopeTenant,
		ScopeID:        decision.TenantID,
		TenantIDs:      []uuid.UUID{decision.TenantID},
		OrganizationID: decision.OrganizationID,
		Decision:       decision,
		Timestamp:      time.Now().UTC(),
	}
}

// NewQuotaChangedMessage builds the message published when a ceiling or pool membership changes
func NewQuotaChangedMessage(scope Scope, scopeID uuid.UUID, tenantIDs []uuid.UUID) ChangeMessage {
	return ChangeMessage{
		ID:        uuid.New(),
		Topic:     TopicQuotaChanged,
		Scope:     scope,
		ScopeID:   scopeID,
		TenantIDs: tenantIDs,
		Timestamp: time.Now().UTC(),
	}
}

// ChangeHandler receives change messages
type ChangeHandler func(ctx context.Context, msg ChangeMessage)

// ChangeNotifier broadcasts change messages across processes
type ChangeNotifier interface {
	// Publish broadcasts a message on msg.Topic
	Publish(ctx context.Context, msg ChangeMessage) error

	// Subscribe registers a handler for the given topics; no topics means all topics.
	// The subscription ends when ctx is cancelled or the notifier is closed.
	Subscribe(ctx context.Context, handler ChangeHandler, topics ...string) error

	// Close stops all subscriptions
	Close() error
}
