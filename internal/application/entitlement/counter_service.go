package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CounterServiceConfig holds configuration for counter maintenance
type CounterServiceConfig struct {
	// DriftTolerance is the largest |stored - recomputed| accepted silently by reconciliation
	DriftTolerance int64

	// ScanBatchSize is the number of items read per batch during reconciliation
	ScanBatchSize int

	// ReconcileParallelism bounds concurrent reconciliations in ReconcileMany
	ReconcileParallelism int

	// ReconcileTimeout bounds one shared reconciliation run, independent of any caller's context
	ReconcileTimeout time.Duration

	// DefaultPlan is used for new counters when the plan provider is unavailable
	DefaultPlan entitlement.Plan
}

// DefaultCounterServiceConfig returns default configuration
func DefaultCounterServiceConfig() CounterServiceConfig {
	return CounterServiceConfig{
		DriftTolerance:       0,
		ScanBatchSize:        500,
		ReconcileParallelism: 4,
		ReconcileTimeout:     2 * time.Minute,
		DefaultPlan:          entitlement.Plan{Name: "free", SKULimit: 50},
	}
}

// ReconcileResult is the outcome of one reconciliation
type ReconcileResult struct {
	TenantID       uuid.UUID                        `json:"tenant_id"`
	PreviousCount  int64                            `json:"previous_count"`
	BillableCount  int64                            `json:"billable_count"`
	ScannedItems   int                              `json:"scanned_items"`
	PolicyID       uuid.UUID                        `json:"policy_id"`
	PolicySource   entitlement.Scope                `json:"policy_source"`
	PolicyFallback bool                             `json:"policy_fallback"`
	ReconciledAt   time.Time                        `json:"reconciled_at"`
	Drift          *entitlement.CounterDriftDetected `json:"-"`
}

// ReconcileSummary aggregates a multi-tenant reconciliation sweep
type ReconcileSummary struct {
	Total         int
	Succeeded     int
	Failed        int
	DriftDetected int
}

// PoolUsage is an organization pool with its aggregate usage
type PoolUsage struct {
	OrganizationID  uuid.UUID   `json:"organization_id"`
	MaxTotalSKUs    int64       `json:"max_total_skus"`
	AggregateCount  int64       `json:"aggregate_count"`
	Remaining       int64       `json:"remaining"`
	MemberTenantIDs []uuid.UUID `json:"member_tenant_ids"`
}

// CounterView is the billing counter of a tenant as reported to administrators
type CounterView struct {
	TenantID         uuid.UUID  `json:"tenant_id"`
	BillableCount    int64      `json:"billable_count"`
	Quota            int64      `json:"quota"`
	Remaining        int64      `json:"remaining"`
	LastReconciledAt *time.Time `json:"last_reconciled_at"`
	Plan             string     `json:"plan,omitempty"`
	Pooled           bool       `json:"pooled"`
	Pool             *PoolUsage `json:"pool,omitempty"`
}

// CounterService maintains per-tenant billable counts
type CounterService struct {
	store    TransactionScope
	resolver *PolicyResolver
	plans    entitlement.PlanProvider
	notifier entitlement.ChangeNotifier
	logger   *zap.Logger
	config   CounterServiceConfig
	metrics  Metrics
	now      Clock

	group   singleflight.Group
	mu      sync.RWMutex
	trigger func(tenantID uuid.UUID)
}

// NewCounterService creates a new counter service
func NewCounterService(
	store TransactionScope,
	resolver *PolicyResolver,
	plans entitlement.PlanProvider,
	notifier entitlement.ChangeNotifier,
	logger *zap.Logger,
	config CounterServiceConfig,
	opts ...Option,
) *CounterService {
	o := buildOptions(opts)
	if config.ScanBatchSize <= 0 {
		config.ScanBatchSize = DefaultCounterServiceConfig().ScanBatchSize
	}
	if config.ReconcileParallelism <= 0 {
		config.ReconcileParallelism = 1
	}
	return &CounterService{
		store:    store,
		resolver: resolver,
		plans:    plans,
		notifier: notifier,
		logger:   logger,
		config:   config,
		metrics:  o.metrics,
		now:      o.now,
	}
}

// SetReconcileTrigger registers the callback used to request an asynchronous reconciliation
func (s *CounterService) SetReconcileTrigger(fn func(tenantID uuid.UUID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = fn
}

// ApplyDelta adjusts a tenant's counter by -1, 0 or +1 in its own transaction
func (s *CounterService) ApplyDelta(ctx context.Context, tenantID uuid.UUID, delta int) (*entitlement.TenantCounter, error) {
	var counter *entitlement.TenantCounter
	err := s.store.Execute(ctx, func(repos Repositories) error {
		c, err := s.ApplyDeltaTx(ctx, repos, tenantID, delta)
		counter = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return counter, nil
}

// ApplyDeltaTx adjusts a tenant's counter inside a caller-owned transaction.
// The counter row stays locked until that transaction ends.
func (s *CounterService) ApplyDeltaTx(ctx context.Context, repos Repositories, tenantID uuid.UUID, delta int) (*entitlement.TenantCounter, error) {
	if delta < -1 || delta > 1 {
		return nil, entitlement.ErrInvalidDelta
	}

	counter, _, err := s.lockOrCreate(ctx, repos, tenantID)
	if err != nil {
		return nil, err
	}
	if delta == 0 {
		return counter, nil
	}

	clamped, err := counter.ApplyDelta(delta)
	if err != nil {
		return nil, err
	}
	if err := repos.Counters().Save(ctx, counter); err != nil {
		return nil, err
	}

	if clamped {
		s.logger.Warn("Billable counter decrement clamped at zero; requesting reconciliation",
			zap.String("tenant_id", tenantID.String()))
		s.metrics.RecordDrift(ctx, tenantID, -1)
		s.requestReconcile(tenantID)
	}
	return counter, nil
}

// Reconcile recomputes a tenant's count from a full scan of its items and overwrites the stored value.
// Concurrent calls for the same tenant share one run. The shared run is detached from the
// caller that started it, so a caller giving up only abandons its own wait.
func (s *CounterService) Reconcile(ctx context.Context, tenantID uuid.UUID) (*ReconcileResult, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID is required")
	}
	ch := s.group.DoChan(tenantID.String(), func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		if s.config.ReconcileTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, s.config.ReconcileTimeout)
			defer cancel()
		}
		return s.reconcile(runCtx, tenantID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ReconcileResult), nil
	}
}

func (s *CounterService) reconcile(ctx context.Context, tenantID uuid.UUID) (*ReconcileResult, error) {
	start := time.Now()
	var result *ReconcileResult

	err := s.store.Execute(ctx, func(repos Repositories) error {
		// Holding the counter lock for the whole scan keeps concurrent deltas from being overwritten.
		counter, created, err := s.lockOrCreate(ctx, repos, tenantID)
		if err != nil {
			return err
		}

		at := s.now()
		resolved := s.resolver.ResolveOrDefaultTx(ctx, repos, tenantID, nil, at)

		var recomputed int64
		scanned := 0
		err = repos.Items().ScanTenantItems(ctx, tenantID, s.config.ScanBatchSize, func(batch []entitlement.BillableItem) error {
			for i := range batch {
				scanned++
				if entitlement.IsBillable(batch[i], resolved.Policy) {
					recomputed++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		previous := counter.BillableCount
		drift := counter.Overwrite(recomputed, at)
		if err := repos.Counters().Save(ctx, counter); err != nil {
			return err
		}

		result = &ReconcileResult{
			TenantID:       tenantID,
			PreviousCount:  previous,
			BillableCount:  recomputed,
			ScannedItems:   scanned,
			PolicyID:       resolved.Policy.ID,
			PolicySource:   resolved.Source,
			PolicyFallback: resolved.Fallback,
			ReconciledAt:   at,
		}

		// a counter created by this run has no stored value to drift from
		if !created && abs(drift) > s.config.DriftTolerance {
			var policyID *uuid.UUID
			if !resolved.Fallback {
				id := resolved.Policy.ID
				policyID = &id
			}
			event := entitlement.NewCounterDriftEvent(tenantID, previous, recomputed, s.config.DriftTolerance, policyID, at)
			if err := repos.DriftEvents().Append(ctx, event); err != nil {
				return err
			}
			result.Drift = &entitlement.CounterDriftDetected{
				TenantID:   tenantID,
				Stored:     previous,
				Recomputed: recomputed,
				Tolerance:  s.config.DriftTolerance,
			}
		}
		return nil
	})

	duration := time.Since(start)
	s.metrics.RecordReconciliation(ctx, result, duration, err)
	if err != nil {
		s.logger.Error("Billable counter reconciliation failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	if result.Drift != nil {
		s.metrics.RecordDrift(ctx, tenantID, result.Drift.Drift())
		s.logger.Warn("Billable counter drift detected and corrected",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("stored", result.Drift.Stored),
			zap.Int64("recomputed", result.Drift.Recomputed),
			zap.Int64("tolerance", result.Drift.Tolerance),
			zap.Error(result.Drift))
	}

	s.logger.Debug("Billable counter reconciled",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("billable_count", result.BillableCount),
		zap.Int("scanned_items", result.ScannedItems),
		zap.String("policy_source", result.PolicySource.String()),
		zap.Duration("duration", duration))

	return result, nil
}

// ReconcileMany reconciles tenants with bounded parallelism; individual failures do not stop the sweep
func (s *CounterService) ReconcileMany(ctx context.Context, tenantIDs []uuid.UUID) ReconcileSummary {
	var (
		mu      sync.Mutex
		summary = ReconcileSummary{Total: len(tenantIDs)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.ReconcileParallelism)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			result, err := s.Reconcile(gctx, tenantID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				return nil
			}
			summary.Succeeded++
			if result.Drift != nil {
				summary.DriftDetected++
			}
			return nil
		})
	}
	_ = g.Wait()

	return summary
}

// AffectedTenants returns the tenants whose billability may change because of a message
func (s *CounterService) AffectedTenants(ctx context.Context, msg entitlement.ChangeMessage) ([]uuid.UUID, error) {
	if len(msg.TenantIDs) > 0 {
		return msg.TenantIDs, nil
	}

	repos := s.store.Repositories()
	switch msg.Scope {
	case entitlement.ScopeTenant:
		return []uuid.UUID{msg.ScopeID}, nil
	case entitlement.ScopeOrganization:
		seen := make(map[uuid.UUID]struct{})
		var tenants []uuid.UUID
		add := func(ids []uuid.UUID) {
			for _, id := range ids {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					tenants = append(tenants, id)
				}
			}
		}
		pool, err := repos.Pools().FindByOrganization(ctx, msg.ScopeID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		if pool != nil {
			add(pool.MemberTenantIDs)
		}
		tagged, err := repos.Counters().ListTenantIDsByOrganization(ctx, msg.ScopeID)
		if err != nil {
			return nil, err
		}
		add(tagged)
		return tenants, nil
	case entitlement.ScopeGlobal:
		return repos.Counters().ListTenantIDs(ctx)
	}
	return nil, nil
}

// AllTenantIDs returns every tenant with a counter
func (s *CounterService) AllTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.store.Repositories().Counters().ListTenantIDs(ctx)
}

// GetCounters returns the tenant's counter with the ceiling that applies to it
func (s *CounterService) GetCounters(ctx context.Context, tenantID uuid.UUID) (*CounterView, error) {
	repos := s.store.Repositories()

	view := &CounterView{TenantID: tenantID}
	counter, err := repos.Counters().FindByTenant(ctx, tenantID)
	switch {
	case err == nil:
		view.BillableCount = counter.BillableCount
		view.Quota = counter.SKUQuota
		view.Remaining = counter.Remaining()
		view.LastReconciledAt = counter.LastReconciledAt
		view.Plan = counter.Plan
	case errors.Is(err, shared.ErrNotFound):
		plan := s.planFor(ctx, tenantID)
		view.Quota = plan.SKULimit
		view.Remaining = plan.SKULimit
		view.Plan = plan.Name
	default:
		return nil, err
	}

	pool, err := repos.Pools().FindByMember(ctx, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return view, nil
		}
		return nil, err
	}
	usage, err := s.poolUsage(ctx, repos, pool)
	if err != nil {
		return nil, err
	}
	view.Pooled = true
	view.Pool = usage
	view.Quota = usage.MaxTotalSKUs
	view.Remaining = usage.Remaining
	return view, nil
}

func (s *CounterService) poolUsage(ctx context.Context, repos Repositories, pool *entitlement.OrganizationPool) (*PoolUsage, error) {
	aggregate, err := repos.Counters().SumByTenants(ctx, pool.MemberTenantIDs)
	if err != nil {
		return nil, err
	}
	return &PoolUsage{
		OrganizationID:  pool.OrganizationID,
		MaxTotalSKUs:    pool.MaxTotalSKUs,
		AggregateCount:  aggregate,
		Remaining:       pool.Remaining(aggregate),
		MemberTenantIDs: pool.MemberTenantIDs,
	}, nil
}

// lockOrCreate returns the tenant's counter locked for update, creating it on first use.
// created reports that the row did not exist before this call.
func (s *CounterService) lockOrCreate(ctx context.Context, repos Repositories, tenantID uuid.UUID) (counter *entitlement.TenantCounter, created bool, err error) {
	counter, err = repos.Counters().LockByTenant(ctx, tenantID)
	if err == nil {
		return counter, false, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, false, err
	}

	orgID, err := s.resolver.OrganizationFor(ctx, repos, tenantID)
	if err != nil {
		return nil, false, err
	}
	plan := s.planFor(ctx, tenantID)
	fresh, err := entitlement.NewTenantCounter(tenantID, orgID, plan.Name, plan.SKULimit)
	if err != nil {
		return nil, false, err
	}
	if err := repos.Counters().CreateIfAbsent(ctx, fresh); err != nil {
		return nil, false, err
	}
	s.logger.Info("Created billable counter",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", plan.Name),
		zap.Int64("sku_quota", plan.SKULimit))

	counter, err = repos.Counters().LockByTenant(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return counter, true, nil
}

func (s *CounterService) planFor(ctx context.Context, tenantID uuid.UUID) entitlement.Plan {
	if s.plans == nil {
		return s.config.DefaultPlan
	}
	plan, err := s.plans.PlanForTenant(ctx, tenantID)
	if err != nil {
		s.logger.Warn("Plan lookup failed; using default plan",
			zap.String("tenant_id", tenantID.String()),
			zap.String("default_plan", s.config.DefaultPlan.Name),
			zap.Error(err))
		return s.config.DefaultPlan
	}
	return plan
}

func (s *CounterService) requestReconcile(tenantID uuid.UUID) {
	s.mu.RLock()
	trigger := s.trigger
	s.mu.RUnlock()
	if trigger != nil {
		trigger(tenantID)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
