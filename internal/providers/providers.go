package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/billbridge/billbridge/internal/billing"
	"github.com/billbridge/billbridge/internal/config"
)

// New builds the billing service selected by cfg.BillingProvider.
func New(cfg *config.Config, logger zerolog.Logger) (billing.Service, error) {
	switch strings.ToLower(cfg.BillingProvider) {
	case config.ProviderStripe:
		return NewStripeService(StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PriceID:       cfg.StripePriceID,
			ProductID:     cfg.ProductID,
			CustomerID:    cfg.StripeCustomerID,
			SuccessURL:    cfg.CheckoutSuccessURL,
			CancelURL:     cfg.CheckoutCancelURL,
			ProbeTimeout:  cfg.CallTimeout,
		}, logger), nil
	case config.ProviderMock, "":
		return newMockService(cfg), nil
	default:
		return nil, fmt.Errorf("providers: unknown billing provider %q", cfg.BillingProvider)
	}
}

// newMockService preloads the development provider from configuration.
func newMockService(cfg *config.Config) *billing.MockService {
	svc := billing.NewMockService()
	svc.Products = []billing.ProductInfo{{
		ProductID:   cfg.ProductID,
		Title:       "Billbridge Premium (mock)",
		Description: "Development subscription served by the mock provider",
		Price:       "9.99",
		Currency:    "USD",
	}}
	if cfg.MockSubscribed {
		svc.OwnedPurchases = []billing.PurchaseRecord{{
			ProductID:    cfg.ProductID,
			PurchaseID:   "sub_mock_dev",
			Status:       billing.PurchaseActive,
			PurchaseTime: time.Now(),
		}}
	}
	return svc
}
