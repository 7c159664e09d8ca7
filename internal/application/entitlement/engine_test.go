package entitlement

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return baseTime.Add(time.Duration(n) * 24 * time.Hour)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEngine struct {
	store     *memStore
	notifier  *recordingNotifier
	clock     *testClock
	resolver  *PolicyResolver
	policies  *PolicyService
	counters  *CounterService
	enforcer  *QuotaEnforcer
	evaluator *ItemEvaluator
}

func newTestEngine(t *testing.T, plan entitlement.Plan) *testEngine {
	t.Helper()

	store := newMemStore()
	notifier := &recordingNotifier{}
	clock := &testClock{now: baseTime}
	logger := zap.NewNop()
	opts := []Option{WithClock(clock.Now)}

	resolver := NewPolicyResolver(store, logger)
	policies := NewPolicyService(store, resolver, notifier, logger, DefaultPolicyServiceConfig(), opts...)
	counters := NewCounterService(store, resolver, staticPlans{plan: plan}, notifier, logger, DefaultCounterServiceConfig(), opts...)
	enforcer := NewQuotaEnforcer(store, counters, notifier, logger, DefaultQuotaEnforcerConfig(), opts...)
	evaluator := NewItemEvaluator(store, resolver, counters, enforcer, logger, opts...)

	return &testEngine{
		store:     store,
		notifier:  notifier,
		clock:     clock,
		resolver:  resolver,
		policies:  policies,
		counters:  counters,
		enforcer:  enforcer,
		evaluator: evaluator,
	}
}

func billableItem(tenantID uuid.UUID) entitlement.BillableItem {
	return entitlement.BillableItem{
		ItemID:       uuid.New(),
		TenantID:     tenantID,
		Status:       entitlement.ItemStatusActive,
		Visibility:   entitlement.VisibilityPublic,
		Availability: entitlement.AvailabilityInStock,
		PriceCents:   1999,
		Currency:     "USD",
		HasImage:     true,
	}
}

func seedRecord(t *testing.T, store *memStore, key entitlement.ScopeKey, flags entitlement.PolicyFlags, from time.Time, to *time.Time) *entitlement.PolicyRecord {
	t.Helper()
	record, err := entitlement.NewPolicyRecord(key, flags, from, "", nil)
	if err != nil {
		t.Fatalf("NewPolicyRecord: %v", err)
	}
	record.EffectiveTo = to
	store.seedPolicy(record)
	return record
}

func ptr[T any](v T) *T {
	return &v
}
