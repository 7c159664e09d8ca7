package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"go.uber.org/zap"
)

// SeriesCache caches the policy series of scope keys.
// Add is ignored when the key was invalidated after the generation passed in was read.
type SeriesCache interface {
	Get(key entitlement.ScopeKey) (series []entitlement.PolicyRecord, generation uint64, ok bool)
	Add(key entitlement.ScopeKey, series []entitlement.PolicyRecord, generation uint64)
	Invalidate(key entitlement.ScopeKey)
	Purge()
}

// ResolvedPolicy is the outcome of a resolution
type ResolvedPolicy struct {
	Policy         *entitlement.PolicyRecord
	Source         entitlement.Scope
	Fallback       bool
	At             time.Time
	TenantID       uuid.UUID
	OrganizationID *uuid.UUID
	Overlap        *entitlement.PolicyOverlapWarning
}

// PolicyResolver layers tenant, organization and global policies for an instant
type PolicyResolver struct {
	store   TransactionScope
	cache   SeriesCache
	metrics Metrics
	logger  *zap.Logger
}

// ResolverOption configures a PolicyResolver
type ResolverOption func(*PolicyResolver)

// WithSeriesCache enables caching of policy series
func WithSeriesCache(cache SeriesCache) ResolverOption {
	return func(r *PolicyResolver) {
		r.cache = cache
	}
}

// WithResolverMetrics sets the metrics sink
func WithResolverMetrics(m Metrics) ResolverOption {
	return func(r *PolicyResolver) {
		r.metrics = m
	}
}

// NewPolicyResolver creates a new policy resolver
func NewPolicyResolver(store TransactionScope, logger *zap.Logger, opts ...ResolverOption) *PolicyResolver {
	r := &PolicyResolver{
		store:   store,
		metrics: NoopMetrics(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the single policy effective for the tenant at the given instant.
// organizationID may be nil, in which case the tenant's pool or counter organization is used.
// It fails with *entitlement.PolicyGapError when no scope has an effective record.
func (r *PolicyResolver) Resolve(ctx context.Context, tenantID uuid.UUID, organizationID *uuid.UUID, at time.Time) (*ResolvedPolicy, error) {
	return r.resolve(ctx, r.store.Repositories(), tenantID, organizationID, at, r.cache != nil)
}

// ResolveTx resolves from the store through the given repositories, bypassing the cache
func (r *PolicyResolver) ResolveTx(ctx context.Context, repos Repositories, tenantID uuid.UUID, organizationID *uuid.UUID, at time.Time) (*ResolvedPolicy, error) {
	return r.resolve(ctx, repos, tenantID, organizationID, at, false)
}

// ResolveOrDefault never fails: on a policy gap or a store error it logs at error level and
// returns the conservative built-in default.
func (r *PolicyResolver) ResolveOrDefault(ctx context.Context, tenantID uuid.UUID, organizationID *uuid.UUID, at time.Time) *ResolvedPolicy {
	resolved, err := r.Resolve(ctx, tenantID, organizationID, at)
	if err != nil {
		return r.fallback(ctx, tenantID, organizationID, at, err)
	}
	return resolved
}

// ResolveOrDefaultTx is ResolveOrDefault inside a caller-owned transaction
func (r *PolicyResolver) ResolveOrDefaultTx(ctx context.Context, repos Repositories, tenantID uuid.UUID, organizationID *uuid.UUID, at time.Time) *ResolvedPolicy {
	resolved, err := r.ResolveTx(ctx, repos, tenantID, organizationID, at)
	if err != nil {
		return r.fallback(ctx, tenantID, organizationID, at, err)
	}
	return resolved
}

// Invalidate drops the cached series of a scope key
func (r *PolicyResolver) Invalidate(key entitlement.ScopeKey) {
	if r.cache != nil {
		r.cache.Invalidate(key)
	}
}

// HandleChange invalidates cached series named by a change message
func (r *PolicyResolver) HandleChange(_ context.Context, msg entitlement.ChangeMessage) {
	if msg.Topic != entitlement.TopicPolicyChanged {
		return
	}
	key, err := entitlement.NewScopeKey(msg.Scope, msg.ScopeID)
	if err != nil {
		r.logger.Warn("Ignoring malformed policy change message",
			zap.String("scope", msg.Scope.String()),
			zap.String("scope_id", msg.ScopeID.String()),
			zap.Error(err))
		return
	}
	r.Invalidate(key)
	r.logger.Debug("Invalidated cached policy series", zap.String("scope_key", key.String()))
}

// OrganizationFor returns the organization whose policy applies to the tenant, if any
func (r *PolicyResolver) OrganizationFor(ctx context.Context, repos Repositories, tenantID uuid.UUID) (*uuid.UUID, error) {
	pool, err := repos.Pools().FindByMember(ctx, tenantID)
	if err == nil {
		orgID := pool.OrganizationID
		return &orgID, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	counter, err := repos.Counters().FindByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return counter.OrganizationID, nil
}

// TenantOrganization is OrganizationFor outside a transaction
func (r *PolicyResolver) TenantOrganization(ctx context.Context, tenantID uuid.UUID) (*uuid.UUID, error) {
	return r.OrganizationFor(ctx, r.store.Repositories(), tenantID)
}

func (r *PolicyResolver) resolve(
	ctx context.Context,
	repos Repositories,
	tenantID uuid.UUID,
	organizationID *uuid.UUID,
	at time.Time,
	cached bool,
) (*ResolvedPolicy, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID is required")
	}
	at = at.UTC()

	if organizationID == nil {
		orgID, err := r.OrganizationFor(ctx, repos, tenantID)
		if err != nil {
			return nil, err
		}
		organizationID = orgID
	}

	for _, scope := range entitlement.ResolutionOrder {
		var key entitlement.ScopeKey
		switch scope {
		case entitlement.ScopeTenant:
			key = entitlement.TenantScopeKey(tenantID)
		case entitlement.ScopeOrganization:
			if organizationID == nil {
				continue
			}
			key = entitlement.OrganizationScopeKey(*organizationID)
		default:
			key = entitlement.GlobalScopeKey()
		}

		policy, overlap, err := r.effectiveAt(ctx, repos, key, at, cached)
		if err != nil {
			return nil, err
		}
		if policy != nil {
			return &ResolvedPolicy{
				Policy:         policy,
				Source:         scope,
				At:             at,
				TenantID:       tenantID,
				OrganizationID: organizationID,
				Overlap:        overlap,
			}, nil
		}
	}

	return nil, &entitlement.PolicyGapError{TenantID: tenantID, OrganizationID: organizationID, At: at}
}

func (r *PolicyResolver) effectiveAt(
	ctx context.Context,
	repos Repositories,
	key entitlement.ScopeKey,
	at time.Time,
	cached bool,
) (*entitlement.PolicyRecord, *entitlement.PolicyOverlapWarning, error) {
	var candidates []entitlement.PolicyRecord

	if cached {
		series, generation, ok := r.cache.Get(key)
		if !ok {
			loaded, err := repos.Policies().FindSeries(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			r.cache.Add(key, loaded, generation)
			series = loaded
		}
		for i := range series {
			if series[i].IsEffectiveAt(at) {
				candidates = append(candidates, series[i])
			}
		}
	} else {
		found, err := repos.Policies().FindEffective(ctx, key, at)
		if err != nil {
			return nil, nil, err
		}
		candidates = found
	}

	switch len(candidates) {
	case 0:
		return nil, nil, nil
	case 1:
		return candidates[0].Clone(), nil, nil
	}

	chosen := &candidates[0]
	ids := make([]uuid.UUID, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		ids = append(ids, c.ID)
		if c.EffectiveFrom.After(chosen.EffectiveFrom) ||
			(c.EffectiveFrom.Equal(chosen.EffectiveFrom) && c.Version > chosen.Version) {
			chosen = c
		}
	}
	warning := &entitlement.PolicyOverlapWarning{Key: key, At: at, PolicyIDs: ids, Chosen: chosen.ID}
	r.logger.Warn("Overlapping billing policy windows; using latest effective_from",
		zap.String("scope_key", key.String()),
		zap.Time("at", at),
		zap.Int("overlapping", len(candidates)),
		zap.String("chosen_policy_id", chosen.ID.String()),
		zap.Error(warning))
	r.metrics.RecordPolicyOverlap(ctx, key.Scope)

	return chosen.Clone(), warning, nil
}

func (r *PolicyResolver) fallback(ctx context.Context, tenantID uuid.UUID, organizationID *uuid.UUID, at time.Time, err error) *ResolvedPolicy {
	var gap *entitlement.PolicyGapError
	if errors.As(err, &gap) {
		r.metrics.RecordPolicyGap(ctx)
		r.logger.Error("No billing policy effective at any scope; using conservative default",
			zap.String("tenant_id", tenantID.String()),
			zap.Time("at", at),
			zap.Error(err))
		organizationID = gap.OrganizationID
	} else {
		r.logger.Error("Billing policy resolution failed; using conservative default",
			zap.String("tenant_id", tenantID.String()),
			zap.Time("at", at),
			zap.Error(err))
	}

	return &ResolvedPolicy{
		Policy:         entitlement.ConservativeDefaultPolicy(),
		Source:         entitlement.ScopeGlobal,
		Fallback:       true,
		At:             at.UTC(),
		TenantID:       tenantID,
		OrganizationID: organizationID,
	}
}
