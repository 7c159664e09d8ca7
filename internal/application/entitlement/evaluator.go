package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
)

// Evaluation is the billability of one item under the policy resolved for it
type Evaluation struct {
	Billable bool              `json:"billable"`
	Reason   string            `json:"reason,omitempty"`
	PolicyID uuid.UUID         `json:"policy_id"`
	Source   entitlement.Scope `json:"policy_source"`
	Fallback bool              `json:"policy_fallback"`
	At       time.Time         `json:"at"`
}

// ItemChange is an inventory write as seen by the engine. Before is nil for a create,
// After is nil for a hard delete.
type ItemChange struct {
	TenantID       uuid.UUID
	OrganizationID *uuid.UUID
	Before         *entitlement.BillableItem
	After          *entitlement.BillableItem
}

// ItemChangeOutcome reports what a change did to the tenant's count
type ItemChangeOutcome struct {
	Before   *Evaluation                `json:"before,omitempty"`
	After    *Evaluation                `json:"after,omitempty"`
	Delta    int                        `json:"delta"`
	Decision *entitlement.QuotaDecision `json:"decision,omitempty"`
	Count    int64                      `json:"billable_count"`
}

// ItemEvaluator applies the counting predicate to item writes
type ItemEvaluator struct {
	store    TransactionScope
	resolver *PolicyResolver
	counters *CounterService
	enforcer *QuotaEnforcer
	logger   *zap.Logger
	now      Clock
}

// NewItemEvaluator creates a new item evaluator
func NewItemEvaluator(
	store TransactionScope,
	resolver *PolicyResolver,
	counters *CounterService,
	enforcer *QuotaEnforcer,
	logger *zap.Logger,
	opts ...Option,
) *ItemEvaluator {
	o := buildOptions(opts)
	return &ItemEvaluator{
		store:    store,
		resolver: resolver,
		counters: counters,
		enforcer: enforcer,
		logger:   logger,
		now:      o.now,
	}
}

// Evaluate reports whether an item counts toward its tenant's quota right now
func (e *ItemEvaluator) Evaluate(ctx context.Context, tenantID uuid.UUID, item entitlement.BillableItem) Evaluation {
	resolved := e.resolver.ResolveOrDefault(ctx, tenantID, nil, e.now())
	return evaluate(item, resolved)
}

// ApplyChange runs an item write through the predicate and admission in its own transaction
func (e *ItemEvaluator) ApplyChange(ctx context.Context, change ItemChange) (*ItemChangeOutcome, error) {
	var outcome *ItemChangeOutcome
	err := e.store.Execute(ctx, func(repos Repositories) error {
		o, err := e.ApplyChangeTx(ctx, repos, change)
		outcome = o
		return err
	})
	return outcome, err
}

// ApplyChangeTx runs an item write inside a caller-owned transaction. Every transition into
// billable goes through admission; on rejection the caller must abort its write.
func (e *ItemEvaluator) ApplyChangeTx(ctx context.Context, repos Repositories, change ItemChange) (*ItemChangeOutcome, error) {
	if change.TenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID is required")
	}
	if change.Before == nil && change.After == nil {
		return nil, shared.NewDomainError("INVALID_ITEM_CHANGE", "Item change needs a before or after state")
	}

	resolved := e.resolver.ResolveOrDefaultTx(ctx, repos, change.TenantID, change.OrganizationID, e.now())
	outcome := &ItemChangeOutcome{}
	if change.Before != nil {
		ev := evaluate(*change.Before, resolved)
		outcome.Before = &ev
	}
	if change.After != nil {
		ev := evaluate(*change.After, resolved)
		outcome.After = &ev
	}
	outcome.Delta = entitlement.BillabilityDelta(change.Before, change.After, resolved.Policy)

	switch outcome.Delta {
	case 1:
		decision, err := e.enforcer.AdmitTx(ctx, repos, change.TenantID, change.OrganizationID)
		outcome.Decision = decision
		if err != nil {
			return outcome, err
		}
		counter, err := repos.Counters().FindByTenant(ctx, change.TenantID)
		if err != nil {
			return outcome, err
		}
		outcome.Count = counter.BillableCount
	case -1:
		counter, err := e.counters.ApplyDeltaTx(ctx, repos, change.TenantID, -1)
		if err != nil {
			return outcome, err
		}
		outcome.Count = counter.BillableCount
	default:
		counter, err := e.counters.ApplyDeltaTx(ctx, repos, change.TenantID, 0)
		if err != nil {
			return outcome, err
		}
		outcome.Count = counter.BillableCount
	}

	e.logger.Debug("Applied item change",
		zap.String("tenant_id", change.TenantID.String()),
		zap.Int("delta", outcome.Delta),
		zap.Int64("billable_count", outcome.Count))
	return outcome, nil
}

func evaluate(item entitlement.BillableItem, resolved *ResolvedPolicy) Evaluation {
	reason := entitlement.ExclusionReason(item, resolved.Policy)
	return Evaluation{
		Billable: reason == "",
		Reason:   reason,
		PolicyID: resolved.Policy.ID,
		Source:   resolved.Source,
		Fallback: resolved.Fallback,
		At:       resolved.At,
	}
}
