package billing

import (
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
)

// DefaultTenantMetadataKey is the subscription metadata key carrying the tenant ID
const DefaultTenantMetadataKey = "tenant_id"

// StripeConfig holds configuration for reading purchased plans from Stripe
type StripeConfig struct {
	// SecretKey is the Stripe secret API key (sk_test_xxx or sk_live_xxx)
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// IsTestMode indicates if using Stripe test mode
	IsTestMode bool `json:"is_test_mode" mapstructure:"is_test_mode"`

	// PriceIDs maps plan names to Stripe Price IDs
	PriceIDs map[string]string `json:"price_ids" mapstructure:"price_ids"`

	// TenantMetadataKey is the subscription metadata key holding the tenant ID
	TenantMetadataKey string `json:"tenant_metadata_key" mapstructure:"tenant_metadata_key"`
}

// DefaultStripeConfig returns a default configuration for development/testing
func DefaultStripeConfig() *StripeConfig {
	return &StripeConfig{
		IsTestMode: true,
		PriceIDs: map[string]string{
			"free":       "",
			"basic":      "price_basic_monthly",
			"pro":        "price_pro_monthly",
			"enterprise": "price_ent_monthly",
		},
		TenantMetadataKey: DefaultTenantMetadataKey,
	}
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}

	if c.IsTestMode {
		if !strings.HasPrefix(c.SecretKey, "sk_test") && !strings.HasPrefix(c.SecretKey, "rk_test") {
			return fmt.Errorf("stripe: test mode enabled but secret key is not a test key")
		}
	} else {
		if !strings.HasPrefix(c.SecretKey, "sk_live") && !strings.HasPrefix(c.SecretKey, "rk_live") {
			return fmt.Errorf("stripe: live mode enabled but secret key is not a live key")
		}
	}

	seen := make(map[string]string, len(c.PriceIDs))
	for plan, priceID := range c.PriceIDs {
		if priceID == "" {
			continue
		}
		if other, dup := seen[priceID]; dup {
			return fmt.Errorf("stripe: price %s is mapped to both %s and %s", priceID, other, plan)
		}
		seen[priceID] = plan
	}
	return nil
}

// PlanForPrice returns the plan name configured for a Stripe Price ID
func (c *StripeConfig) PlanForPrice(priceID string) (string, bool) {
	if priceID == "" {
		return "", false
	}
	for plan, id := range c.PriceIDs {
		if id == priceID {
			return plan, true
		}
	}
	return "", false
}

func (c *StripeConfig) metadataKey() string {
	if c.TenantMetadataKey == "" {
		return DefaultTenantMetadataKey
	}
	return c.TenantMetadataKey
}

// InitStripeClient initializes the Stripe client with the configured API key
func (c *StripeConfig) InitStripeClient() {
	stripe.Key = c.SecretKey
}
