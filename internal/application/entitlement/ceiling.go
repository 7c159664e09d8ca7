package entitlement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
)

// ErrPoolMemberConflict is returned when a tenant already belongs to another organization's pool
var ErrPoolMemberConflict = shared.NewDomainError("POOL_MEMBER_CONFLICT", "Tenant already belongs to another organization pool")

// SetQuota overrides a tenant's own ceiling. quota -1 means unlimited.
func (s *CounterService) SetQuota(ctx context.Context, tenantID uuid.UUID, plan string, quota int64) (*entitlement.TenantCounter, error) {
	var counter *entitlement.TenantCounter
	err := s.store.Execute(ctx, func(repos Repositories) error {
		c, _, err := s.lockOrCreate(ctx, repos, tenantID)
		if err != nil {
			return err
		}
		if err := c.SetQuota(plan, quota); err != nil {
			return err
		}
		counter = c
		return repos.Counters().Save(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Tenant SKU quota updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", counter.Plan),
		zap.Int64("sku_quota", counter.SKUQuota))
	s.publishQuotaChanged(ctx, entitlement.NewQuotaChangedMessage(entitlement.ScopeTenant, tenantID, []uuid.UUID{tenantID}))
	return counter, nil
}

// RefreshQuota re-reads the tenant's purchased plan and applies its SKU limit
func (s *CounterService) RefreshQuota(ctx context.Context, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	if s.plans == nil {
		return nil, shared.NewDomainError("PLAN_PROVIDER_UNAVAILABLE", "No plan provider is configured")
	}
	plan, err := s.plans.PlanForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.SetQuota(ctx, tenantID, plan.Name, plan.SKULimit)
}

// SavePool creates or replaces an organization pool. Member counters are tagged with the
// organization so organization-scope policies apply to them.
func (s *CounterService) SavePool(ctx context.Context, organizationID uuid.UUID, maxTotalSKUs int64, members []uuid.UUID) (*PoolUsage, error) {
	var (
		usage    *PoolUsage
		affected []uuid.UUID
	)
	err := s.store.Execute(ctx, func(repos Repositories) error {
		pool, err := repos.Pools().LockByOrganization(ctx, organizationID)
		var previous []uuid.UUID
		switch {
		case err == nil:
			previous = append(previous, pool.MemberTenantIDs...)
			if err := pool.Replace(maxTotalSKUs, members); err != nil {
				return err
			}
		case errors.Is(err, shared.ErrNotFound):
			pool, err = entitlement.NewOrganizationPool(organizationID, maxTotalSKUs, members)
			if err != nil {
				return err
			}
		default:
			return err
		}

		for _, tenantID := range pool.MemberTenantIDs {
			other, err := repos.Pools().FindByMember(ctx, tenantID)
			if err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
			if other != nil && other.OrganizationID != organizationID {
				return ErrPoolMemberConflict
			}
		}
		if err := repos.Pools().Save(ctx, pool); err != nil {
			return err
		}

		for _, tenantID := range pool.MemberTenantIDs {
			counter, _, err := s.lockOrCreate(ctx, repos, tenantID)
			if err != nil {
				return err
			}
			if counter.OrganizationID == nil || *counter.OrganizationID != organizationID {
				orgID := organizationID
				counter.OrganizationID = &orgID
				if err := repos.Counters().Save(ctx, counter); err != nil {
					return err
				}
			}
		}

		affected = unionTenantIDs(previous, pool.MemberTenantIDs)
		u, err := s.poolUsage(ctx, repos, pool)
		if err != nil {
			return err
		}
		usage = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Organization pool saved",
		zap.String("organization_id", organizationID.String()),
		zap.Int64("max_total_skus", usage.MaxTotalSKUs),
		zap.Int("members", len(usage.MemberTenantIDs)),
		zap.Int64("aggregate_count", usage.AggregateCount))
	s.publishQuotaChanged(ctx, entitlement.NewQuotaChangedMessage(entitlement.ScopeOrganization, organizationID, affected))
	return usage, nil
}

// GetPool returns an organization pool with its aggregate usage
func (s *CounterService) GetPool(ctx context.Context, organizationID uuid.UUID) (*PoolUsage, error) {
	repos := s.store.Repositories()
	pool, err := repos.Pools().FindByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.poolUsage(ctx, repos, pool)
}

// DriftEvents returns the most recent drift events of a tenant
func (s *CounterService) DriftEvents(ctx context.Context, tenantID uuid.UUID, limit int) ([]entitlement.CounterDriftEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.Repositories().DriftEvents().ListByTenant(ctx, tenantID, limit)
}

func (s *CounterService) publishQuotaChanged(ctx context.Context, msg entitlement.ChangeMessage) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, msg); err != nil {
		s.logger.Error("Failed to publish quota change",
			zap.String("scope", msg.Scope.String()),
			zap.String("scope_id", msg.ScopeID.String()),
			zap.Error(err))
	}
}

func unionTenantIDs(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(a)+len(b))
	out := make([]uuid.UUID, 0, len(a)+len(b))
	for _, ids := range [][]uuid.UUID{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
