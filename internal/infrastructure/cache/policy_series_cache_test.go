package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seriesOf(t *testing.T, key entitlement.ScopeKey) []entitlement.PolicyRecord {
	p, err := entitlement.NewPolicyRecord(key, entitlement.PolicyFlags{}, time.Now(), "", nil)
	require.NoError(t, err)
	return []entitlement.PolicyRecord{*p}
}

func TestPolicySeriesCache_GetAdd(t *testing.T) {
	c := NewPolicySeriesCache()
	key := entitlement.TenantScopeKey(uuid.New())

	_, gen, ok := c.Get(key)
	assert.False(t, ok)

	series := seriesOf(t, key)
	c.Add(key, series, gen)

	got, _, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, series[0].ID, got[0].ID)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestPolicySeriesCache_StaleAddIsDropped(t *testing.T) {
	c := NewPolicySeriesCache()
	key := entitlement.GlobalScopeKey()

	_, gen, _ := c.Get(key)
	// a write lands between the load and the add
	c.Invalidate(key)
	c.Add(key, seriesOf(t, key), gen)

	_, _, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestPolicySeriesCache_InvalidateAndPurge(t *testing.T) {
	c := NewPolicySeriesCache()
	a := entitlement.TenantScopeKey(uuid.New())
	b := entitlement.OrganizationScopeKey(uuid.New())

	_, gen, _ := c.Get(a)
	c.Add(a, seriesOf(t, a), gen)
	c.Add(b, seriesOf(t, b), gen)
	assert.Equal(t, 2, c.Len())

	c.Invalidate(a)
	_, _, ok := c.Get(a)
	assert.False(t, ok)
	_, _, ok = c.Get(b)
	assert.True(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestPolicySeriesCache_Expiry(t *testing.T) {
	c := NewPolicySeriesCache(WithSeriesCacheTTL(20 * time.Millisecond))
	key := entitlement.GlobalScopeKey()

	_, gen, _ := c.Get(key)
	c.Add(key, seriesOf(t, key), gen)

	assert.Eventually(t, func() bool {
		_, _, ok := c.Get(key)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestPolicySeriesCache_Eviction(t *testing.T) {
	c := NewPolicySeriesCache(WithSeriesCacheSize(2))
	keys := []entitlement.ScopeKey{
		entitlement.TenantScopeKey(uuid.New()),
		entitlement.TenantScopeKey(uuid.New()),
		entitlement.TenantScopeKey(uuid.New()),
	}
	_, gen, _ := c.Get(keys[0])
	for _, k := range keys {
		c.Add(k, seriesOf(t, k), gen)
	}
	assert.Equal(t, 2, c.Len())
	_, _, ok := c.Get(keys[0])
	assert.False(t, ok)
}
