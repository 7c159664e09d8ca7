package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReconciler struct {
	mu         sync.Mutex
	reconciled []uuid.UUID
	batches    [][]uuid.UUID
	affected   map[uuid.UUID][]uuid.UUID // scope ID -> tenants
	all        []uuid.UUID
	block      chan struct{}
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{affected: make(map[uuid.UUID][]uuid.UUID)}
}

func (f *fakeReconciler) Reconcile(ctx context.Context, tenantID uuid.UUID) (*appent.ReconcileResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, tenantID)
	return &appent.ReconcileResult{TenantID: tenantID}, nil
}

func (f *fakeReconciler) ReconcileMany(_ context.Context, tenantIDs []uuid.UUID) appent.ReconcileSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, tenantIDs)
	return appent.ReconcileSummary{Total: len(tenantIDs), Succeeded: len(tenantIDs)}
}

func (f *fakeReconciler) AffectedTenants(_ context.Context, msg entitlement.ChangeMessage) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.TenantIDs) > 0 {
		return msg.TenantIDs, nil
	}
	return f.affected[msg.ScopeID], nil
}

func (f *fakeReconciler) AllTenantIDs(context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all, nil
}

func (f *fakeReconciler) reconciledTenants() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.reconciled...)
}

func (f *fakeReconciler) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func startScheduler(t *testing.T, config ReconcileSchedulerConfig, r TenantReconciler, n entitlement.ChangeNotifier) *ReconcileScheduler {
	t.Helper()
	s := NewReconcileScheduler(config, r, n, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func policyChange(scope entitlement.Scope, scopeID uuid.UUID, effectiveFrom time.Time) entitlement.ChangeMessage {
	policyID := uuid.New()
	return entitlement.ChangeMessage{
		ID:            uuid.New(),
		Topic:         entitlement.TopicPolicyChanged,
		Scope:         scope,
		ScopeID:       scopeID,
		PolicyID:      &policyID,
		EffectiveFrom: &effectiveFrom,
		Timestamp:     time.Now().UTC(),
	}
}

func TestNewReconcileScheduler_Defaults(t *testing.T) {
	s := NewReconcileScheduler(ReconcileSchedulerConfig{}, newFakeReconciler(), nil, zap.NewNop())

	assert.Equal(t, "@every 15m", s.config.CronSpec)
	assert.Equal(t, 2, s.config.Workers)
	assert.Equal(t, 1024, s.config.QueueSize)
	assert.Equal(t, 2*time.Minute, s.config.JobTimeout)
	assert.False(t, s.IsRunning())
}

func TestReconcileScheduler_InvalidCronSpec(t *testing.T) {
	s := NewReconcileScheduler(ReconcileSchedulerConfig{CronSpec: "not a schedule"}, newFakeReconciler(), nil, zap.NewNop())

	err := s.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, s.IsRunning())
}

func TestReconcileScheduler_EnqueueRequiresRunning(t *testing.T) {
	s := NewReconcileScheduler(DefaultReconcileSchedulerConfig(), newFakeReconciler(), nil, zap.NewNop())

	assert.ErrorIs(t, s.Enqueue(uuid.New()), ErrSchedulerNotRunning)
}

func TestReconcileScheduler_EnqueueReconciles(t *testing.T) {
	r := newFakeReconciler()
	s := startScheduler(t, DefaultReconcileSchedulerConfig(), r, nil)
	tenantID := uuid.New()

	require.NoError(t, s.Enqueue(tenantID))

	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, tenantID, r.reconciledTenants()[0])
}

func TestReconcileScheduler_DeduplicatesQueuedTenant(t *testing.T) {
	r := newFakeReconciler()
	r.block = make(chan struct{})
	s := startScheduler(t, ReconcileSchedulerConfig{Workers: 1, QueueSize: 4}, r, nil)
	busy, waiting := uuid.New(), uuid.New()

	require.NoError(t, s.Enqueue(busy))
	assert.Eventually(t, func() bool { return s.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Enqueue(waiting))
	require.NoError(t, s.Enqueue(waiting))
	assert.Equal(t, 1, s.PendingCount())

	close(r.block)
	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileScheduler_QueueFull(t *testing.T) {
	r := newFakeReconciler()
	r.block = make(chan struct{})
	defer close(r.block)
	s := startScheduler(t, ReconcileSchedulerConfig{Workers: 1, QueueSize: 1}, r, nil)

	require.NoError(t, s.Enqueue(uuid.New()))
	assert.Eventually(t, func() bool { return s.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(uuid.New()))

	assert.ErrorIs(t, s.Enqueue(uuid.New()), ErrJobQueueFull)
}

func TestReconcileScheduler_PolicyChangedNowReconcilesAffected(t *testing.T) {
	r := newFakeReconciler()
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}
	r.affected[orgID] = members
	s := startScheduler(t, DefaultReconcileSchedulerConfig(), r, nil)

	s.HandleChange(context.Background(), policyChange(entitlement.ScopeOrganization, orgID, time.Now().Add(-time.Second)))

	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, members, r.reconciledTenants())
	assert.Equal(t, 0, s.DeferredCount())
}

func TestReconcileScheduler_FuturePolicyIsDeferred(t *testing.T) {
	r := newFakeReconciler()
	tenantID := uuid.New()
	r.affected[tenantID] = []uuid.UUID{tenantID}
	s := startScheduler(t, ReconcileSchedulerConfig{DeferredSlack: 0}, r, nil)

	s.HandleChange(context.Background(), policyChange(entitlement.ScopeTenant, tenantID, time.Now().Add(150*time.Millisecond)))

	assert.Equal(t, 1, s.DeferredCount())
	assert.Empty(t, r.reconciledTenants())

	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, tenantID, r.reconciledTenants()[0])
	assert.Equal(t, 0, s.DeferredCount())
}

func TestReconcileScheduler_ReplacedDeferredRunFiresOnce(t *testing.T) {
	r := newFakeReconciler()
	tenantID := uuid.New()
	r.affected[tenantID] = []uuid.UUID{tenantID}
	s := startScheduler(t, ReconcileSchedulerConfig{DeferredSlack: 0}, r, nil)

	msg := policyChange(entitlement.ScopeTenant, tenantID, time.Now().Add(time.Hour))
	s.HandleChange(context.Background(), msg)
	soon := time.Now().Add(100 * time.Millisecond)
	msg.EffectiveFrom = &soon
	s.HandleChange(context.Background(), msg)

	assert.Equal(t, 1, s.DeferredCount())
	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReconcileScheduler_StopCancelsDeferred(t *testing.T) {
	r := newFakeReconciler()
	s := NewReconcileScheduler(DefaultReconcileSchedulerConfig(), r, nil, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	s.HandleChange(context.Background(), policyChange(entitlement.ScopeGlobal, uuid.Nil, time.Now().Add(time.Hour)))
	require.Equal(t, 1, s.DeferredCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, 0, s.DeferredCount())
	assert.False(t, s.IsRunning())
}

func TestReconcileScheduler_QuotaChangedReconcilesListedTenants(t *testing.T) {
	r := newFakeReconciler()
	s := startScheduler(t, DefaultReconcileSchedulerConfig(), r, nil)
	tenantID := uuid.New()

	s.HandleChange(context.Background(), entitlement.NewQuotaChangedMessage(entitlement.ScopeTenant, tenantID, []uuid.UUID{tenantID}))

	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileScheduler_IgnoresQuotaExceeded(t *testing.T) {
	r := newFakeReconciler()
	s := startScheduler(t, DefaultReconcileSchedulerConfig(), r, nil)
	tenantID := uuid.New()

	s.HandleChange(context.Background(), entitlement.ChangeMessage{
		Topic:     entitlement.TopicQuotaExceeded,
		TenantIDs: []uuid.UUID{tenantID},
	})

	assert.Equal(t, 0, s.PendingCount())
	assert.Never(t, func() bool {
		return len(r.reconciledTenants()) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestReconcileScheduler_OverflowRunsAsBatch(t *testing.T) {
	r := newFakeReconciler()
	r.block = make(chan struct{})
	defer close(r.block)
	s := startScheduler(t, ReconcileSchedulerConfig{Workers: 1, QueueSize: 1}, r, nil)

	tenants := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	s.HandleChange(context.Background(), entitlement.NewQuotaChangedMessage(entitlement.ScopeOrganization, uuid.New(), tenants))

	assert.Eventually(t, func() bool {
		return r.batchCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcileScheduler_CronSweep(t *testing.T) {
	r := newFakeReconciler()
	r.all = []uuid.UUID{uuid.New(), uuid.New()}
	startScheduler(t, ReconcileSchedulerConfig{CronSpec: "@every 1s"}, r, nil)

	assert.Eventually(t, func() bool {
		return r.batchCount() >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReconcileScheduler_SubscribesToNotifier(t *testing.T) {
	r := newFakeReconciler()
	notifier := cache.NewInMemoryChangeNotifier(zap.NewNop())
	defer notifier.Close()
	startScheduler(t, DefaultReconcileSchedulerConfig(), r, notifier)
	tenantID := uuid.New()
	r.affected[tenantID] = []uuid.UUID{tenantID}

	require.NoError(t, notifier.Publish(context.Background(), policyChange(entitlement.ScopeTenant, tenantID, time.Now().Add(-time.Minute))))

	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

type failingClaims struct{}

func (failingClaims) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("claims down")
}

func TestReconcileScheduler_SharedClaimsRunChangeOnce(t *testing.T) {
	tenantID := uuid.New()
	claims := cache.NewLocalWorkClaims()
	msg := policyChange(entitlement.ScopeTenant, tenantID, time.Now().Add(-time.Second))

	var reconcilers []*fakeReconciler
	for i := 0; i < 2; i++ {
		r := newFakeReconciler()
		r.affected[tenantID] = []uuid.UUID{tenantID}
		s := startScheduler(t, DefaultReconcileSchedulerConfig(), r, nil)
		s.SetWorkClaims(claims)
		s.HandleChange(context.Background(), msg)
		reconcilers = append(reconcilers, r)
	}

	total := func() int {
		return len(reconcilers[0].reconciledTenants()) + len(reconcilers[1].reconciledTenants())
	}
	assert.Eventually(t, func() bool { return total() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return total() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestReconcileScheduler_ClaimFailureRunsAnyway(t *testing.T) {
	r := newFakeReconciler()
	tenantID := uuid.New()
	r.affected[tenantID] = []uuid.UUID{tenantID}
	s := startScheduler(t, DefaultReconcileSchedulerConfig(), r, nil)
	s.SetWorkClaims(failingClaims{})

	s.HandleChange(context.Background(), policyChange(entitlement.ScopeTenant, tenantID, time.Now().Add(-time.Second)))

	assert.Eventually(t, func() bool {
		return len(r.reconciledTenants()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepClaimTTL(t *testing.T) {
	s := NewReconcileScheduler(ReconcileSchedulerConfig{CronSpec: "@every 10m"}, newFakeReconciler(), nil, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.mu.Lock()
	ttl := s.sweepTTL
	s.mu.Unlock()
	assert.Equal(t, 9*time.Minute, ttl)
}
