package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
)

// UnlimitedSKUs marks a plan without a SKU ceiling
const UnlimitedSKUs int64 = -1

// PlanCatalog maps plan names to the SKU limit each grants
type PlanCatalog struct {
	limits      map[string]int64
	defaultPlan string
}

// DefaultPlanLimits returns the built-in SKU limits per plan
func DefaultPlanLimits() map[string]int64 {
	return map[string]int64{
		"free":       50,
		"basic":      500,
		"pro":        5000,
		"enterprise": UnlimitedSKUs,
	}
}

// NewPlanCatalog creates a catalog. The default plan must be present in limits.
func NewPlanCatalog(limits map[string]int64, defaultPlan string) (*PlanCatalog, error) {
	if len(limits) == 0 {
		limits = DefaultPlanLimits()
	}
	normalized := make(map[string]int64, len(limits))
	for name, limit := range limits {
		if limit < UnlimitedSKUs {
			return nil, fmt.Errorf("billing: plan %s has invalid SKU limit %d", name, limit)
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = limit
	}
	defaultPlan = strings.ToLower(strings.TrimSpace(defaultPlan))
	if _, ok := normalized[defaultPlan]; !ok {
		return nil, fmt.Errorf("billing: default plan %q has no SKU limit", defaultPlan)
	}
	return &PlanCatalog{limits: normalized, defaultPlan: defaultPlan}, nil
}

// Plan returns the named plan with its SKU limit
func (c *PlanCatalog) Plan(name string) (entitlement.Plan, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	limit, ok := c.limits[key]
	if !ok {
		return entitlement.Plan{}, fmt.Errorf("billing: unknown plan %q", name)
	}
	return entitlement.Plan{Name: key, SKULimit: limit}, nil
}

// Default returns the plan assigned to tenants without a purchase
func (c *PlanCatalog) Default() entitlement.Plan {
	return entitlement.Plan{Name: c.defaultPlan, SKULimit: c.limits[c.defaultPlan]}
}

// StaticPlanProvider serves plans from an in-process assignment table.
// Tenants without an assignment get the catalog default.
type StaticPlanProvider struct {
	catalog *PlanCatalog

	mu          sync.RWMutex
	assignments map[uuid.UUID]string
}

// NewStaticPlanProvider creates a provider with optional initial assignments
func NewStaticPlanProvider(catalog *PlanCatalog, assignments map[uuid.UUID]string) *StaticPlanProvider {
	p := &StaticPlanProvider{
		catalog:     catalog,
		assignments: make(map[uuid.UUID]string, len(assignments)),
	}
	for tenantID, plan := range assignments {
		p.assignments[tenantID] = plan
	}
	return p
}

// Assign records the plan a tenant purchased
func (p *StaticPlanProvider) Assign(tenantID uuid.UUID, plan string) error {
	if _, err := p.catalog.Plan(plan); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assignments[tenantID] = plan
	return nil
}

// PlanForTenant implements entitlement.PlanProvider
func (p *StaticPlanProvider) PlanForTenant(_ context.Context, tenantID uuid.UUID) (entitlement.Plan, error) {
	p.mu.RLock()
	name, ok := p.assignments[tenantID]
	p.mu.RUnlock()
	if !ok {
		return p.catalog.Default(), nil
	}
	return p.catalog.Plan(name)
}

var _ entitlement.PlanProvider = (*StaticPlanProvider)(nil)
