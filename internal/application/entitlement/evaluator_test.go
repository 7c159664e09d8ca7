package entitlement

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemEvaluator_Evaluate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 10})
	tenant := uuid.New()
	policy := seedRecord(t, e.store, entitlement.GlobalScopeKey(), entitlement.PolicyFlags{RequireImage: true}, baseTime, nil)

	item := billableItem(tenant)
	ev := e.evaluator.Evaluate(ctx, tenant, item)
	assert.True(t, ev.Billable)
	assert.Empty(t, ev.Reason)
	assert.Equal(t, policy.ID, ev.PolicyID)
	assert.Equal(t, entitlement.ScopeGlobal, ev.Source)

	item.HasImage = false
	ev = e.evaluator.Evaluate(ctx, tenant, item)
	assert.False(t, ev.Billable)
	assert.Equal(t, entitlement.ExcludedMissingImage, ev.Reason)
}

func TestItemEvaluator_ApplyChange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 1})
	tenant := uuid.New()
	seedRecord(t, e.store, entitlement.GlobalScopeKey(), entitlement.PolicyFlags{}, baseTime, nil)

	first := billableItem(tenant)
	outcome, err := e.evaluator.ApplyChange(ctx, ItemChange{TenantID: tenant, After: &first})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Delta)
	require.NotNil(t, outcome.Decision)
	assert.True(t, outcome.Decision.Admitted)
	assert.Equal(t, int64(1), outcome.Count)

	// a second billable item is over quota
	second := billableItem(tenant)
	outcome, err = e.evaluator.ApplyChange(ctx, ItemChange{TenantID: tenant, After: &second})
	var exceeded *entitlement.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.False(t, outcome.Decision.Admitted)

	// a non-billable create never touches admission
	private := billableItem(tenant)
	private.Visibility = entitlement.VisibilityPrivate
	outcome, err = e.evaluator.ApplyChange(ctx, ItemChange{TenantID: tenant, After: &private})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Delta)
	assert.Nil(t, outcome.Decision)
	assert.Equal(t, int64(1), outcome.Count)

	// archiving the billable item frees the slot
	archived := first
	archived.Status = entitlement.ItemStatusArchived
	outcome, err = e.evaluator.ApplyChange(ctx, ItemChange{TenantID: tenant, Before: &first, After: &archived})
	require.NoError(t, err)
	assert.Equal(t, -1, outcome.Delta)
	assert.Equal(t, int64(0), outcome.Count)
	assert.Equal(t, entitlement.ExcludedByStatus, outcome.After.Reason)

	// private to public is a transition into billable and goes through admission
	public := private
	public.Visibility = entitlement.VisibilityPublic
	outcome, err = e.evaluator.ApplyChange(ctx, ItemChange{TenantID: tenant, Before: &private, After: &public})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Delta)
	assert.True(t, outcome.Decision.Admitted)

	// hard delete of a billable item
	outcome, err = e.evaluator.ApplyChange(ctx, ItemChange{TenantID: tenant, Before: &public})
	require.NoError(t, err)
	assert.Equal(t, -1, outcome.Delta)
	assert.Equal(t, int64(0), outcome.Count)
}

func TestItemEvaluator_ApplyChange_Validation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, entitlement.Plan{SKULimit: 1})

	_, err := e.evaluator.ApplyChange(ctx, ItemChange{TenantID: uuid.New()})
	assert.Error(t, err)

	item := billableItem(uuid.New())
	_, err = e.evaluator.ApplyChange(ctx, ItemChange{After: &item})
	assert.Error(t, err)
}
