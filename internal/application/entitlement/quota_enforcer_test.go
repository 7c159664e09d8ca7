package entitlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPooledCounters(t *testing.T, e *testEngine, org uuid.UUID, max int64, counts map[uuid.UUID]int64) {
	t.Helper()
	members := make([]uuid.UUID, 0, len(counts))
	for tenant, count := range counts {
		members = append(members, tenant)
		c, err := entitlement.NewTenantCounter(tenant, &org, "starter", 50)
		require.NoError(t, err)
		c.BillableCount = count
		e.store.seedCounter(c)
	}
	pool, err := entitlement.NewOrganizationPool(org, max, members)
	require.NoError(t, err)
	e.store.seedPool(pool)
}

func TestQuotaEnforcer_TenantCeiling(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{Name: "starter", SKULimit: 2})
	tenant := uuid.New()

	for i := range 2 {
		decision, err := e.enforcer.Admit(ctx, tenant, nil)
		require.NoError(t, err)
		assert.True(t, decision.Admitted)
		assert.Equal(t, entitlement.ReasonWithinQuota, decision.Reason)
		assert.Equal(t, int64(i), decision.CurrentCount)
	}

	decision, err := e.enforcer.Admit(ctx, tenant, nil)
	var exceeded *entitlement.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.False(t, decision.Admitted)
	assert.Equal(t, entitlement.ReasonQuotaExceeded, decision.Reason)
	assert.Equal(t, entitlement.CeilingTenant, decision.CeilingKind)
	assert.Equal(t, int64(2), decision.CurrentCount)
	assert.Equal(t, int64(2), decision.Ceiling)
	assert.Equal(t, 429, exceeded.HTTPStatusCode())
	assert.Contains(t, exceeded.Error(), "limit of 2")

	counter, ok := e.store.counter(tenant)
	require.True(t, ok)
	assert.Equal(t, int64(2), counter.BillableCount)

	published := e.notifier.byTopic(entitlement.TopicQuotaExceeded)
	require.Len(t, published, 1)
	assert.Equal(t, tenant, published[0].Decision.TenantID)
}

func TestQuotaEnforcer_Unlimited(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{Name: "enterprise", SKULimit: entitlement.UnlimitedQuota})

	decision, err := e.enforcer.Admit(ctx, uuid.New(), nil)
	require.NoError(t, err)
	assert.True(t, decision.Admitted)
	assert.Equal(t, entitlement.ReasonUnlimited, decision.Reason)
}

func TestQuotaEnforcer_PoolCeilingOverridesTenantQuota(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 50})
	org := uuid.New()
	a, b := uuid.New(), uuid.New()
	seedPooledCounters(t, e, org, 100, map[uuid.UUID]int64{a: 60, b: 35})

	// a is above its own quota of 50 but the pool has room
	decision, err := e.enforcer.Admit(ctx, a, nil)
	require.NoError(t, err)
	assert.True(t, decision.Admitted)
	assert.Equal(t, entitlement.CeilingPool, decision.CeilingKind)
	assert.Equal(t, int64(95), decision.CurrentCount)
	assert.Equal(t, int64(100), decision.Ceiling)
	require.NotNil(t, decision.OrganizationID)
	assert.Equal(t, org, *decision.OrganizationID)

	counter, _ := e.store.counter(a)
	assert.Equal(t, int64(61), counter.BillableCount)
}

func TestQuotaEnforcer_PoolBurstAdmitsAtMostRemaining(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 50})
	org := uuid.New()
	a, b := uuid.New(), uuid.New()
	seedPooledCounters(t, e, org, 100, map[uuid.UUID]int64{a: 60, b: 39})

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(tenant uuid.UUID) {
			defer wg.Done()
			_, err := e.enforcer.Admit(ctx, tenant, nil)
			var exceeded *entitlement.QuotaExceededError
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &exceeded):
				rejected.Add(1)
			}
		}([]uuid.UUID{a, b}[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(19), rejected.Load())

	ca, _ := e.store.counter(a)
	cb, _ := e.store.counter(b)
	assert.Equal(t, int64(100), ca.BillableCount+cb.BillableCount)
}

func TestQuotaEnforcer_ConcurrentAdmissionsNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 10})
	tenant := uuid.New()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.enforcer.Admit(ctx, tenant, nil); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	counter, _ := e.store.counter(tenant)
	assert.Equal(t, int64(10), counter.BillableCount)
}

func TestQuotaEnforcer_FailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		e := newTestEngine(t, entitlement.Plan{SKULimit: 10})
		e.enforcer.config.AdmissionTimeout = 20 * time.Millisecond
		e.store.lockDelay = 200 * time.Millisecond

		decision, err := e.enforcer.Admit(ctx, uuid.New(), nil)
		assert.ErrorIs(t, err, entitlement.ErrAdmissionUnavailable)
		assert.False(t, decision.Admitted)
		assert.Equal(t, entitlement.ReasonTimeout, decision.Reason)
	})

	t.Run("store error", func(t *testing.T) {
		e := newTestEngine(t, entitlement.Plan{SKULimit: 10})
		e.store.counterErr = errors.New("connection reset")

		decision, err := e.enforcer.Admit(ctx, uuid.New(), nil)
		assert.ErrorIs(t, err, entitlement.ErrAdmissionUnavailable)
		assert.False(t, decision.Admitted)
		assert.Equal(t, entitlement.ReasonStoreError, decision.Reason)
		assert.Empty(t, e.notifier.byTopic(entitlement.TopicQuotaExceeded))
	})
}

func TestQuotaEnforcer_AdmitTxJoinsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 1})
	tenant := uuid.New()

	// the caller's write fails after admission, so the increment rolls back with it
	err := e.store.Execute(ctx, func(repos Repositories) error {
		decision, err := e.enforcer.AdmitTx(ctx, repos, tenant, nil)
		require.NoError(t, err)
		require.True(t, decision.Admitted)
		return errors.New("item insert failed")
	})
	require.Error(t, err)

	_, ok := e.store.counter(tenant)
	assert.False(t, ok)

	decision, err := e.enforcer.Admit(ctx, tenant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), decision.CurrentCount)
}
