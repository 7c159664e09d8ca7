package entitlement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantCounter_ApplyDelta(t *testing.T) {
	c, err := NewTenantCounter(uuid.New(), nil, "basic", 2)
	require.NoError(t, err)

	clamped, err := c.ApplyDelta(1)
	require.NoError(t, err)
	assert.False(t, clamped)
	assert.Equal(t, int64(1), c.BillableCount)
	assert.Equal(t, int64(1), c.Remaining())

	_, err = c.ApplyDelta(2)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, err = c.ApplyDelta(-1)
	require.NoError(t, err)
	clamped, err = c.ApplyDelta(-1)
	require.NoError(t, err)
	assert.True(t, clamped, "decrement below zero is clamped")
	assert.Equal(t, int64(0), c.BillableCount)
}

func TestTenantCounter_Overwrite(t *testing.T) {
	c, err := NewTenantCounter(uuid.New(), nil, "basic", UnlimitedQuota)
	require.NoError(t, err)
	c.BillableCount = 12

	at := time.Now()
	drift := c.Overwrite(10, at)
	assert.Equal(t, int64(2), drift)
	assert.Equal(t, int64(10), c.BillableCount)
	require.NotNil(t, c.LastReconciledAt)
	assert.True(t, c.IsUnlimited())
	assert.Equal(t, UnlimitedQuota, c.Remaining())
}

func TestOrganizationPool(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	pool, err := NewOrganizationPool(uuid.New(), 100, []uuid.UUID{a, b, a})
	require.NoError(t, err)
	assert.Len(t, pool.MemberTenantIDs, 2)
	assert.True(t, pool.HasMember(a))
	assert.False(t, pool.HasMember(uuid.New()))
	assert.Equal(t, int64(5), pool.Remaining(95))
	assert.Equal(t, int64(0), pool.Remaining(120))

	_, err = NewOrganizationPool(uuid.New(), -1, nil)
	assert.Error(t, err)
	_, err = NewOrganizationPool(uuid.New(), 10, []uuid.UUID{uuid.Nil})
	assert.Error(t, err)
}
