package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/subscription"
	"go.uber.org/zap"
)

// StripePlanProvider reads a tenant's purchased plan from its Stripe subscription.
// Subscriptions are located by the tenant ID stored in their metadata.
type StripePlanProvider struct {
	config  *StripeConfig
	catalog *PlanCatalog
	logger  *zap.Logger
}

// NewStripePlanProvider creates a new Stripe-backed plan provider
func NewStripePlanProvider(config *StripeConfig, catalog *PlanCatalog, logger *zap.Logger) (*StripePlanProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.InitStripeClient()

	return &StripePlanProvider{
		config:  config,
		catalog: catalog,
		logger:  logger,
	}, nil
}

// PlanForTenant implements entitlement.PlanProvider. A tenant without a live
// subscription is on the catalog default plan.
func (p *StripePlanProvider) PlanForTenant(ctx context.Context, tenantID uuid.UUID) (entitlement.Plan, error) {
	p.logger.Debug("Looking up Stripe subscription for tenant", zap.String("tenant_id", tenantID.String()))

	params := &stripe.SubscriptionSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", p.config.metadataKey(), tenantID.String())

	var priceID string
	iter := subscription.Search(params)
	for iter.Next() {
		sub := iter.Subscription()
		if !isLiveSubscription(sub.Status) {
			continue
		}
		if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
			continue
		}
		priceID = sub.Items.Data[0].Price.ID
		break
	}
	if err := iter.Err(); err != nil {
		p.logger.Error("Failed to search Stripe subscriptions",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return entitlement.Plan{}, fmt.Errorf("stripe: failed to search subscriptions: %w", err)
	}

	if priceID == "" {
		plan := p.catalog.Default()
		p.logger.Debug("No live Stripe subscription, using default plan",
			zap.String("tenant_id", tenantID.String()),
			zap.String("plan", plan.Name))
		return plan, nil
	}

	name, ok := p.config.PlanForPrice(priceID)
	if !ok {
		return entitlement.Plan{}, fmt.Errorf("stripe: price %s is not mapped to a plan", priceID)
	}
	plan, err := p.catalog.Plan(name)
	if err != nil {
		return entitlement.Plan{}, err
	}

	p.logger.Info("Resolved purchased plan from Stripe",
		zap.String("tenant_id", tenantID.String()),
		zap.String("price_id", priceID),
		zap.String("plan", plan.Name),
		zap.Int64("sku_limit", plan.SKULimit))
	return plan, nil
}

// isLiveSubscription reports whether the subscription still grants its plan
func isLiveSubscription(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

var _ entitlement.PlanProvider = (*StripePlanProvider)(nil)
