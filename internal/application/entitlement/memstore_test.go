package entitlement

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// memStore is an in-memory TransactionScope. A transaction holds the store mutex for
// its whole duration, which gives the same serialization row locks give in Postgres.
type memStore struct {
	mu   sync.Mutex
	data *memData

	// failNextClose makes the next N Close calls fail with a retryable conflict
	failNextClose int
	// counterErr is returned by every counter lookup when set
	counterErr error
	// lockDelay is slept inside LockByTenant, honouring ctx
	lockDelay time.Duration
}

type memData struct {
	policies map[uuid.UUID]entitlement.PolicyRecord
	heads    map[entitlement.ScopeKey]entitlement.PolicyHead
	history  []entitlement.PolicyHistoryRecord
	audits   []entitlement.PolicyAuditLog
	counters map[uuid.UUID]entitlement.TenantCounter
	pools    map[uuid.UUID]entitlement.OrganizationPool
	drift    []entitlement.CounterDriftEvent
	items    map[uuid.UUID][]entitlement.BillableItem
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		policies: make(map[uuid.UUID]entitlement.PolicyRecord),
		heads:    make(map[entitlement.ScopeKey]entitlement.PolicyHead),
		counters: make(map[uuid.UUID]entitlement.TenantCounter),
		pools:    make(map[uuid.UUID]entitlement.OrganizationPool),
		items:    make(map[uuid.UUID][]entitlement.BillableItem),
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		policies: make(map[uuid.UUID]entitlement.PolicyRecord, len(d.policies)),
		heads:    make(map[entitlement.ScopeKey]entitlement.PolicyHead, len(d.heads)),
		history:  slices.Clone(d.history),
		audits:   slices.Clone(d.audits),
		counters: make(map[uuid.UUID]entitlement.TenantCounter, len(d.counters)),
		pools:    make(map[uuid.UUID]entitlement.OrganizationPool, len(d.pools)),
		drift:    slices.Clone(d.drift),
		items:    make(map[uuid.UUID][]entitlement.BillableItem, len(d.items)),
	}
	for k, v := range d.policies {
		c.policies[k] = v
	}
	for k, v := range d.heads {
		c.heads[k] = v
	}
	for k, v := range d.counters {
		c.counters[k] = v
	}
	for k, v := range d.pools {
		v.MemberTenantIDs = slices.Clone(v.MemberTenantIDs)
		c.pools[k] = v
	}
	for k, v := range d.items {
		c.items[k] = slices.Clone(v)
	}
	return c
}

func (s *memStore) Execute(ctx context.Context, fn func(repos Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memRepos{store: s, tx: true}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *memStore) Repositories() Repositories {
	return &memRepos{store: s}
}

// seedPolicy stores a record directly, bypassing the write path
func (s *memStore) seedPolicy(p *entitlement.PolicyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.policies[p.ID] = *p.Clone()
}

func (s *memStore) seedItems(tenantID uuid.UUID, items ...entitlement.BillableItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.items[tenantID] = append(s.data.items[tenantID], items...)
}

func (s *memStore) seedCounter(c *entitlement.TenantCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.counters[c.TenantID] = *c
}

func (s *memStore) seedPool(p *entitlement.OrganizationPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.MemberTenantIDs = slices.Clone(p.MemberTenantIDs)
	s.data.pools[p.OrganizationID] = *p
}

func (s *memStore) counter(tenantID uuid.UUID) (entitlement.TenantCounter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.counters[tenantID]
	return c, ok
}

func (s *memStore) driftEvents() []entitlement.CounterDriftEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.data.drift)
}

type memRepos struct {
	store *memStore
	tx    bool
}

func (r *memRepos) do(fn func(d *memData) error) error {
	if !r.tx {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
	}
	return fn(r.store.data)
}

func (r *memRepos) Policies() entitlement.PolicyRepository {
	return memPolicies{r}
}

func (r *memRepos) History() entitlement.PolicyHistoryRepository {
	return memHistory{r}
}

func (r *memRepos) AuditLogs() entitlement.AuditLogRepository {
	return memAudits{r}
}

func (r *memRepos) Counters() entitlement.CounterRepository {
	return memCounters{r}
}

func (r *memRepos) Pools() entitlement.PoolRepository {
	return memPools{r}
}

func (r *memRepos) DriftEvents() entitlement.DriftEventRepository {
	return memDrift{r}
}

func (r *memRepos) Items() entitlement.ItemSource {
	return memItems{r}
}

type memPolicies struct{ r *memRepos }

func (m memPolicies) byKey(d *memData, key entitlement.ScopeKey) []entitlement.PolicyRecord {
	var out []entitlement.PolicyRecord
	for _, p := range d.policies {
		if p.Key() == key {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out
}

func (m memPolicies) FindEffective(_ context.Context, key entitlement.ScopeKey, at time.Time) ([]entitlement.PolicyRecord, error) {
	var out []entitlement.PolicyRecord
	err := m.r.do(func(d *memData) error {
		for _, p := range m.byKey(d, key) {
			if p.IsEffectiveAt(at) {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (m memPolicies) FindSeries(_ context.Context, key entitlement.ScopeKey) ([]entitlement.PolicyRecord, error) {
	var out []entitlement.PolicyRecord
	err := m.r.do(func(d *memData) error {
		out = m.byKey(d, key)
		return nil
	})
	return out, err
}

func (m memPolicies) FindOpen(_ context.Context, key entitlement.ScopeKey) (*entitlement.PolicyRecord, error) {
	var found *entitlement.PolicyRecord
	err := m.r.do(func(d *memData) error {
		for _, p := range m.byKey(d, key) {
			if p.IsOpen() {
				found = p.Clone()
			}
		}
		if found == nil {
			return shared.ErrNotFound
		}
		return nil
	})
	return found, err
}

func (m memPolicies) FindLatest(_ context.Context, key entitlement.ScopeKey) (*entitlement.PolicyRecord, error) {
	var found *entitlement.PolicyRecord
	err := m.r.do(func(d *memData) error {
		series := m.byKey(d, key)
		if len(series) == 0 {
			return shared.ErrNotFound
		}
		found = series[len(series)-1].Clone()
		return nil
	})
	return found, err
}

func (m memPolicies) FindByID(_ context.Context, id uuid.UUID) (*entitlement.PolicyRecord, error) {
	var found *entitlement.PolicyRecord
	err := m.r.do(func(d *memData) error {
		p, ok := d.policies[id]
		if !ok {
			return shared.ErrNotFound
		}
		found = p.Clone()
		return nil
	})
	return found, err
}

func (m memPolicies) ListByScope(_ context.Context, key entitlement.ScopeKey, _ shared.Filter) ([]entitlement.PolicyRecord, error) {
	var out []entitlement.PolicyRecord
	err := m.r.do(func(d *memData) error {
		out = m.byKey(d, key)
		slices.Reverse(out)
		return nil
	})
	return out, err
}

func (m memPolicies) Create(_ context.Context, policy *entitlement.PolicyRecord) error {
	return m.r.do(func(d *memData) error {
		d.policies[policy.ID] = *policy.Clone()
		return nil
	})
}

func (m memPolicies) Close(_ context.Context, policy *entitlement.PolicyRecord) error {
	return m.r.do(func(d *memData) error {
		if m.r.store.failNextClose > 0 {
			m.r.store.failNextClose--
			return &entitlement.ConcurrentPolicyEditConflict{Key: policy.Key(), Retryable: true}
		}
		stored, ok := d.policies[policy.ID]
		if !ok || !stored.IsOpen() {
			return &entitlement.ConcurrentPolicyEditConflict{Key: policy.Key(), Retryable: true}
		}
		stored.EffectiveTo = policy.EffectiveTo
		d.policies[policy.ID] = stored
		return nil
	})
}

func (m memPolicies) LockHead(_ context.Context, key entitlement.ScopeKey) (*entitlement.PolicyHead, error) {
	var head entitlement.PolicyHead
	err := m.r.do(func(d *memData) error {
		h, ok := d.heads[key]
		if !ok {
			h = entitlement.PolicyHead{Scope: key.Scope, ScopeID: key.ScopeID}
			d.heads[key] = h
		}
		head = h
		return nil
	})
	return &head, err
}

func (m memPolicies) SaveHead(_ context.Context, head *entitlement.PolicyHead) error {
	return m.r.do(func(d *memData) error {
		d.heads[head.Key()] = *head
		return nil
	})
}

type memHistory struct{ r *memRepos }

func (m memHistory) Append(_ context.Context, record *entitlement.PolicyHistoryRecord) error {
	return m.r.do(func(d *memData) error {
		d.history = append(d.history, *record)
		return nil
	})
}

func (m memHistory) ListByScope(_ context.Context, key entitlement.ScopeKey, _ shared.Filter) ([]entitlement.PolicyHistoryRecord, error) {
	var out []entitlement.PolicyHistoryRecord
	err := m.r.do(func(d *memData) error {
		for i := len(d.history) - 1; i >= 0; i-- {
			if d.history[i].Key() == key {
				out = append(out, d.history[i])
			}
		}
		return nil
	})
	return out, err
}

type memAudits struct{ r *memRepos }

func (m memAudits) Append(_ context.Context, entry *entitlement.PolicyAuditLog) error {
	return m.r.do(func(d *memData) error {
		d.audits = append(d.audits, *entry)
		return nil
	})
}

func (m memAudits) ListByScope(_ context.Context, key entitlement.ScopeKey, _ shared.Filter) ([]entitlement.PolicyAuditLog, error) {
	var out []entitlement.PolicyAuditLog
	err := m.r.do(func(d *memData) error {
		for i := len(d.audits) - 1; i >= 0; i-- {
			if d.audits[i].Scope == key.Scope && d.audits[i].ScopeID == key.ScopeID {
				out = append(out, d.audits[i])
			}
		}
		return nil
	})
	return out, err
}

func (m memAudits) ListBetween(_ context.Context, from, to time.Time) ([]entitlement.PolicyAuditLog, error) {
	var out []entitlement.PolicyAuditLog
	err := m.r.do(func(d *memData) error {
		for _, a := range d.audits {
			if !a.CreatedAt.Before(from) && a.CreatedAt.Before(to) {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

type memCounters struct{ r *memRepos }

func (m memCounters) find(d *memData, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	if m.r.store.counterErr != nil {
		return nil, m.r.store.counterErr
	}
	c, ok := d.counters[tenantID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &c, nil
}

func (m memCounters) FindByTenant(_ context.Context, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	var found *entitlement.TenantCounter
	err := m.r.do(func(d *memData) error {
		c, err := m.find(d, tenantID)
		found = c
		return err
	})
	return found, err
}

func (m memCounters) LockByTenant(ctx context.Context, tenantID uuid.UUID) (*entitlement.TenantCounter, error) {
	if delay := m.r.store.lockDelay; delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return m.FindByTenant(ctx, tenantID)
}

func (m memCounters) CreateIfAbsent(_ context.Context, counter *entitlement.TenantCounter) error {
	return m.r.do(func(d *memData) error {
		if _, ok := d.counters[counter.TenantID]; !ok {
			d.counters[counter.TenantID] = *counter
		}
		return nil
	})
}

func (m memCounters) Save(_ context.Context, counter *entitlement.TenantCounter) error {
	return m.r.do(func(d *memData) error {
		d.counters[counter.TenantID] = *counter
		return nil
	})
}

func (m memCounters) SumByTenants(_ context.Context, tenantIDs []uuid.UUID) (int64, error) {
	var sum int64
	err := m.r.do(func(d *memData) error {
		for _, id := range tenantIDs {
			sum += d.counters[id].BillableCount
		}
		return nil
	})
	return sum, err
}

func (m memCounters) ListTenantIDs(_ context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := m.r.do(func(d *memData) error {
		for id := range d.counters {
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

func (m memCounters) ListTenantIDsByOrganization(_ context.Context, organizationID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := m.r.do(func(d *memData) error {
		for id, c := range d.counters {
			if c.OrganizationID != nil && *c.OrganizationID == organizationID {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

func (m memCounters) Delete(_ context.Context, tenantID uuid.UUID) error {
	return m.r.do(func(d *memData) error {
		delete(d.counters, tenantID)
		return nil
	})
}

type memPools struct{ r *memRepos }

func (m memPools) FindByOrganization(_ context.Context, organizationID uuid.UUID) (*entitlement.OrganizationPool, error) {
	var found *entitlement.OrganizationPool
	err := m.r.do(func(d *memData) error {
		p, ok := d.pools[organizationID]
		if !ok {
			return shared.ErrNotFound
		}
		p.MemberTenantIDs = slices.Clone(p.MemberTenantIDs)
		found = &p
		return nil
	})
	return found, err
}

func (m memPools) FindByMember(_ context.Context, tenantID uuid.UUID) (*entitlement.OrganizationPool, error) {
	var found *entitlement.OrganizationPool
	err := m.r.do(func(d *memData) error {
		for _, p := range d.pools {
			if p.HasMember(tenantID) {
				p.MemberTenantIDs = slices.Clone(p.MemberTenantIDs)
				found = &p
				return nil
			}
		}
		return shared.ErrNotFound
	})
	return found, err
}

func (m memPools) LockByOrganization(ctx context.Context, organizationID uuid.UUID) (*entitlement.OrganizationPool, error) {
	return m.FindByOrganization(ctx, organizationID)
}

func (m memPools) Save(_ context.Context, pool *entitlement.OrganizationPool) error {
	return m.r.do(func(d *memData) error {
		p := *pool
		p.MemberTenantIDs = slices.Clone(pool.MemberTenantIDs)
		d.pools[pool.OrganizationID] = p
		return nil
	})
}

type memDrift struct{ r *memRepos }

func (m memDrift) Append(_ context.Context, event *entitlement.CounterDriftEvent) error {
	return m.r.do(func(d *memData) error {
		d.drift = append(d.drift, *event)
		return nil
	})
}

func (m memDrift) ListByTenant(_ context.Context, tenantID uuid.UUID, limit int) ([]entitlement.CounterDriftEvent, error) {
	var out []entitlement.CounterDriftEvent
	err := m.r.do(func(d *memData) error {
		for i := len(d.drift) - 1; i >= 0 && len(out) < limit; i-- {
			if d.drift[i].TenantID == tenantID {
				out = append(out, d.drift[i])
			}
		}
		return nil
	})
	return out, err
}

type memItems struct{ r *memRepos }

func (m memItems) ScanTenantItems(_ context.Context, tenantID uuid.UUID, batchSize int, fn func(batch []entitlement.BillableItem) error) error {
	return m.r.do(func(d *memData) error {
		items := d.items[tenantID]
		for start := 0; start < len(items); start += batchSize {
			end := min(start+batchSize, len(items))
			if err := fn(slices.Clone(items[start:end])); err != nil {
				return err
			}
		}
		return nil
	})
}

// recordingNotifier keeps every published message
type recordingNotifier struct {
	mu       sync.Mutex
	messages []entitlement.ChangeMessage
	err      error
}

func (n *recordingNotifier) Publish(_ context.Context, msg entitlement.ChangeMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) Subscribe(context.Context, entitlement.ChangeHandler, ...string) error {
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) byTopic(topic string) []entitlement.ChangeMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []entitlement.ChangeMessage
	for _, m := range n.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// staticPlans returns the same plan for every tenant
type staticPlans struct {
	plan entitlement.Plan
	err  error
}

func (p staticPlans) PlanForTenant(context.Context, uuid.UUID) (entitlement.Plan, error) {
	return p.plan, p.err
}

// mapCache is a SeriesCache without expiry
type mapCache struct {
	mu          sync.Mutex
	series      map[entitlement.ScopeKey][]entitlement.PolicyRecord
	generations map[entitlement.ScopeKey]uint64
	hits        int
}

func newMapCache() *mapCache {
	return &mapCache{
		series:      make(map[entitlement.ScopeKey][]entitlement.PolicyRecord),
		generations: make(map[entitlement.ScopeKey]uint64),
	}
}

func (c *mapCache) Get(key entitlement.ScopeKey) ([]entitlement.PolicyRecord, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key]
	if ok {
		c.hits++
	}
	return s, c.generations[key], ok
}

func (c *mapCache) Add(key entitlement.ScopeKey, series []entitlement.PolicyRecord, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[key] != generation {
		return
	}
	c.series[key] = series
}

func (c *mapCache) Invalidate(key entitlement.ScopeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[key]++
	delete(c.series, key)
}

func (c *mapCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.series {
		c.generations[k]++
	}
	c.series = make(map[entitlement.ScopeKey][]entitlement.PolicyRecord)
}
