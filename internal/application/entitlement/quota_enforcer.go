package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
)

// QuotaEnforcerConfig holds configuration for admission
type QuotaEnforcerConfig struct {
	// AdmissionTimeout bounds a single admission; on expiry the write is rejected
	AdmissionTimeout time.Duration
}

// DefaultQuotaEnforcerConfig returns default configuration
func DefaultQuotaEnforcerConfig() QuotaEnforcerConfig {
	return QuotaEnforcerConfig{AdmissionTimeout: 2 * time.Second}
}

var errAdmissionRejected = errors.New("admission rejected")

// QuotaEnforcer admits or rejects transitions into billable under the tenant or pool ceiling.
// Check and increment happen under the same row locks, pool row first, then the tenant counter.
type QuotaEnforcer struct {
	store    TransactionScope
	counters *CounterService
	notifier entitlement.ChangeNotifier
	logger   *zap.Logger
	config   QuotaEnforcerConfig
	metrics  Metrics
}

// NewQuotaEnforcer creates a new quota enforcer
func NewQuotaEnforcer(
	store TransactionScope,
	counters *CounterService,
	notifier entitlement.ChangeNotifier,
	logger *zap.Logger,
	config QuotaEnforcerConfig,
	opts ...Option,
) *QuotaEnforcer {
	o := buildOptions(opts)
	if config.AdmissionTimeout <= 0 {
		config.AdmissionTimeout = DefaultQuotaEnforcerConfig().AdmissionTimeout
	}
	return &QuotaEnforcer{
		store:    store,
		counters: counters,
		notifier: notifier,
		logger:   logger,
		config:   config,
		metrics:  o.metrics,
	}
}

// Admit evaluates one +1 transition in its own transaction. A rejection returns the decision
// together with *entitlement.QuotaExceededError; a timeout or store failure returns a rejected
// decision and an error wrapping entitlement.ErrAdmissionUnavailable.
func (e *QuotaEnforcer) Admit(ctx context.Context, tenantID uuid.UUID, organizationID *uuid.UUID) (*entitlement.QuotaDecision, error) {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, e.config.AdmissionTimeout)
	defer cancel()

	var decision *entitlement.QuotaDecision
	err := e.store.Execute(actx, func(repos Repositories) error {
		d, err := e.admit(actx, repos, tenantID, organizationID)
		if err != nil {
			return err
		}
		decision = d
		if !d.Admitted {
			return errAdmissionRejected
		}
		return nil
	})
	if errors.Is(err, errAdmissionRejected) {
		err = nil
	}
	return e.finish(actx, tenantID, organizationID, decision, err, start)
}

// AdmitTx evaluates one +1 transition inside a caller-owned transaction.
// On rejection the caller must abort its write.
func (e *QuotaEnforcer) AdmitTx(ctx context.Context, repos Repositories, tenantID uuid.UUID, organizationID *uuid.UUID) (*entitlement.QuotaDecision, error) {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, e.config.AdmissionTimeout)
	defer cancel()

	decision, err := e.admit(actx, repos, tenantID, organizationID)
	return e.finish(actx, tenantID, organizationID, decision, err, start)
}

func (e *QuotaEnforcer) finish(
	ctx context.Context,
	tenantID uuid.UUID,
	organizationID *uuid.UUID,
	decision *entitlement.QuotaDecision,
	err error,
	start time.Time,
) (*entitlement.QuotaDecision, error) {
	duration := time.Since(start)

	if err != nil {
		reason := entitlement.ReasonStoreError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = entitlement.ReasonTimeout
		}
		failed := entitlement.FailClosed(tenantID, organizationID, reason)
		e.metrics.RecordAdmission(ctx, failed, duration)
		e.logger.Warn("Quota admission unavailable; rejecting write",
			zap.String("tenant_id", tenantID.String()),
			zap.String("reason", reason),
			zap.Duration("duration", duration),
			zap.Error(err))
		return failed, fmt.Errorf("%w: %v", entitlement.ErrAdmissionUnavailable, err)
	}

	e.metrics.RecordAdmission(ctx, decision, duration)
	if decision.Admitted {
		e.logger.Debug("Quota admission granted",
			zap.String("tenant_id", tenantID.String()),
			zap.String("ceiling_kind", string(decision.CeilingKind)),
			zap.Int64("current_count", decision.CurrentCount),
			zap.Int64("ceiling", decision.Ceiling))
		return decision, nil
	}

	e.logger.Info("Quota admission rejected",
		zap.String("tenant_id", tenantID.String()),
		zap.String("ceiling_kind", string(decision.CeilingKind)),
		zap.Int64("current_count", decision.CurrentCount),
		zap.Int64("ceiling", decision.Ceiling))
	e.publishExceeded(ctx, decision)
	return decision, entitlement.NewQuotaExceededError(decision)
}

func (e *QuotaEnforcer) admit(ctx context.Context, repos Repositories, tenantID uuid.UUID, organizationID *uuid.UUID) (*entitlement.QuotaDecision, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID is required")
	}

	pool, err := repos.Pools().FindByMember(ctx, tenantID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if pool != nil {
		locked, err := repos.Pools().LockByOrganization(ctx, pool.OrganizationID)
		if err != nil {
			return nil, err
		}
		if locked.HasMember(tenantID) {
			if organizationID != nil && *organizationID != locked.OrganizationID {
				e.logger.Warn("Tenant organization differs from pool organization; pool ceiling applies",
					zap.String("tenant_id", tenantID.String()),
					zap.String("organization_id", organizationID.String()),
					zap.String("pool_organization_id", locked.OrganizationID.String()))
			}
			return e.admitPooled(ctx, repos, tenantID, locked)
		}
	}

	counter, _, err := e.counters.lockOrCreate(ctx, repos, tenantID)
	if err != nil {
		return nil, err
	}
	decision := &entitlement.QuotaDecision{
		TenantID:       tenantID,
		OrganizationID: counter.OrganizationID,
		CeilingKind:    entitlement.CeilingTenant,
		RequestedDelta: 1,
		CurrentCount:   counter.BillableCount,
		Ceiling:        counter.SKUQuota,
	}
	switch {
	case counter.IsUnlimited():
		decision.Reason = entitlement.ReasonUnlimited
	case counter.BillableCount+1 > counter.SKUQuota:
		decision.Reason = entitlement.ReasonQuotaExceeded
		return decision, nil
	default:
		decision.Reason = entitlement.ReasonWithinQuota
	}

	if _, err := counter.ApplyDelta(1); err != nil {
		return nil, err
	}
	if err := repos.Counters().Save(ctx, counter); err != nil {
		return nil, err
	}
	decision.Admitted = true
	return decision, nil
}

func (e *QuotaEnforcer) admitPooled(ctx context.Context, repos Repositories, tenantID uuid.UUID, pool *entitlement.OrganizationPool) (*entitlement.QuotaDecision, error) {
	counter, _, err := e.counters.lockOrCreate(ctx, repos, tenantID)
	if err != nil {
		return nil, err
	}
	aggregate, err := repos.Counters().SumByTenants(ctx, pool.MemberTenantIDs)
	if err != nil {
		return nil, err
	}

	orgID := pool.OrganizationID
	decision := &entitlement.QuotaDecision{
		TenantID:       tenantID,
		OrganizationID: &orgID,
		CeilingKind:    entitlement.CeilingPool,
		RequestedDelta: 1,
		CurrentCount:   aggregate,
		Ceiling:        pool.MaxTotalSKUs,
	}
	if aggregate+1 > pool.MaxTotalSKUs {
		decision.Reason = entitlement.ReasonQuotaExceeded
		return decision, nil
	}

	if _, err := counter.ApplyDelta(1); err != nil {
		return nil, err
	}
	if err := repos.Counters().Save(ctx, counter); err != nil {
		return nil, err
	}
	decision.Reason = entitlement.ReasonWithinQuota
	decision.Admitted = true
	return decision, nil
}

func (e *QuotaEnforcer) publishExceeded(ctx context.Context, decision *entitlement.QuotaDecision) {
	if e.notifier == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := e.notifier.Publish(pctx, entitlement.NewQuotaExceededMessage(decision)); err != nil {
		e.logger.Warn("Failed to publish quota exceeded",
			zap.String("tenant_id", decision.TenantID.String()),
			zap.Error(err))
	}
}
