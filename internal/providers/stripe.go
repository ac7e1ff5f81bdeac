// Package providers contains the billing service implementations selected by
// configuration: the Stripe-backed production provider and a mock provider
// for development.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/billbridge/billbridge/internal/billing"
)

// StripeConfig holds the credentials and identifiers the Stripe service
// needs. PriceID is the Stripe price backing the tracked product.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	PriceID       string
	ProductID     string
	CustomerID    string
	SuccessURL    string
	CancelURL     string
	ProbeTimeout  time.Duration
}

// StripeService adapts the Stripe API to billing.Service. Stripe is
// stateless HTTP, so a "connection" is a verified probe against the
// configured price: readiness means the credentials and price resolve.
type StripeService struct {
	cfg    StripeConfig
	logger zerolog.Logger

	mu       sync.Mutex
	listener billing.ConnectionListener
	ready    bool
}

// NewStripeService creates a StripeService and installs the API key.
func NewStripeService(cfg StripeConfig, logger zerolog.Logger) *StripeService {
	stripe.Key = cfg.APIKey
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &StripeService{
		cfg:    cfg,
		logger: logger.With().Str("component", "stripe").Logger(),
	}
}

// StartConnection probes the configured price in the background and reports
// the outcome through the listener.
func (s *StripeService) StartConnection(listener billing.ConnectionListener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		code := s.probe()

		s.mu.Lock()
		s.ready = code.OK()
		s.mu.Unlock()

		listener.OnServiceSetupFinished(code)
	}()
}

func (s *StripeService) probe() billing.ResultCode {
	if s.cfg.APIKey == "" || s.cfg.PriceID == "" {
		s.logger.Error().Msg("Stripe API key or price ID missing")
		return billing.ResultDeveloperError
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	defer cancel()

	params := &stripe.PriceParams{}
	params.Context = ctx
	if _, err := price.Get(s.cfg.PriceID, params); err != nil {
		code := mapStripeError(err)
		s.logger.Warn().Err(err).Str("result", string(code)).Msg("Stripe connection probe failed")
		return code
	}
	return billing.ResultOK
}

// EndConnection drops the listener. No callbacks fire afterwards.
func (s *StripeService) EndConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	s.listener = nil
}

// IsReady reports whether the last probe succeeded.
func (s *StripeService) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// IsFeatureSupported reports subscription capabilities as supported; Stripe
// handles plan changes and pricing server-side.
func (s *StripeService) IsFeatureSupported(feature billing.Feature) billing.ResultCode {
	switch feature {
	case billing.FeatureSubscriptions, billing.FeatureSubscriptionsUpdate, billing.FeaturePriceChange:
		return billing.ResultOK
	default:
		return billing.ResultFeatureNotSupported
	}
}

// QueryOwnedPurchases lists the customer's subscriptions and returns those
// that currently grant the entitlement. No configured customer means no
// owned purchases, not an error.
func (s *StripeService) QueryOwnedPurchases(ctx context.Context, _ billing.ProductKind) ([]billing.PurchaseRecord, billing.ResultCode) {
	if s.cfg.CustomerID == "" {
		s.logger.Debug().Msg("No Stripe customer configured, reporting no owned purchases")
		return nil, billing.ResultOK
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(s.cfg.CustomerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var owned []billing.PurchaseRecord
	iter := subscription.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		status, grants := mapSubscriptionStatus(sub.Status)
		if !grants {
			continue
		}
		if record, ok := s.recordFromSubscription(sub, status); ok {
			owned = append(owned, record)
		}
	}
	if err := iter.Err(); err != nil {
		code := mapStripeError(err)
		s.logger.Warn().Err(err).Str("result", string(code)).Msg("Stripe subscription list failed")
		return nil, code
	}
	return owned, billing.ResultOK
}

// QueryProductDetails resolves the configured price for each requested
// product identifier and invokes fn exactly once.
func (s *StripeService) QueryProductDetails(ctx context.Context, ids []string, _ billing.ProductKind, fn func(billing.ResultCode, []billing.ProductInfo)) {
	go func() {
		var products []billing.ProductInfo
		for _, id := range ids {
			if id != s.cfg.ProductID {
				continue
			}

			params := &stripe.PriceParams{}
			params.Context = ctx
			params.AddExpand("product")
			p, err := price.Get(s.cfg.PriceID, params)
			if err != nil {
				code := mapStripeError(err)
				s.logger.Warn().Err(err).Str("result", string(code)).Msg("Stripe price lookup failed")
				fn(code, nil)
				return
			}
			products = append(products, productInfoFromPrice(id, p))
		}
		fn(billing.ResultOK, products)
	}()
}

// QueryPurchaseHistory lists all of the customer's subscriptions regardless
// of status and invokes fn exactly once.
func (s *StripeService) QueryPurchaseHistory(ctx context.Context, _ billing.ProductKind, fn func(billing.ResultCode, []billing.PurchaseRecord)) {
	go func() {
		if s.cfg.CustomerID == "" {
			fn(billing.ResultOK, nil)
			return
		}

		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(s.cfg.CustomerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx

		var history []billing.PurchaseRecord
		iter := subscription.List(params)
		for iter.Next() {
			sub := iter.Subscription()
			status, _ := mapSubscriptionStatus(sub.Status)
			if record, ok := s.recordFromSubscription(sub, status); ok {
				history = append(history, record)
			}
		}
		if err := iter.Err(); err != nil {
			code := mapStripeError(err)
			s.logger.Warn().Err(err).Str("result", string(code)).Msg("Stripe history list failed")
			fn(code, nil)
			return
		}
		fn(billing.ResultOK, history)
	}()
}

// LaunchPurchaseFlow creates a Checkout Session for the tracked product.
func (s *StripeService) LaunchPurchaseFlow(ctx context.Context, p billing.PurchaseParams) (billing.CheckoutSession, billing.ResultCode) {
	if p.ProductID != "" && p.ProductID != s.cfg.ProductID {
		s.logger.Warn().Str("productId", p.ProductID).Msg("Purchase flow requested for an untracked product")
		return billing.CheckoutSession{}, billing.ResultItemUnavailable
	}

	successURL := p.SuccessURL
	if successURL == "" {
		successURL = s.cfg.SuccessURL
	}
	cancelURL := p.CancelURL
	if cancelURL == "" {
		cancelURL = s.cfg.CancelURL
	}
	if successURL == "" {
		s.logger.Error().Msg("No checkout success URL configured")
		return billing.CheckoutSession{}, billing.ResultDeveloperError
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
	}
	params.Context = ctx
	if cancelURL != "" {
		params.CancelURL = stripe.String(cancelURL)
	}
	if s.cfg.CustomerID != "" {
		params.Customer = stripe.String(s.cfg.CustomerID)
	} else if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		code := mapStripeError(err)
		s.logger.Warn().Err(err).Str("result", string(code)).Msg("Stripe checkout session creation failed")
		return billing.CheckoutSession{}, code
	}
	return billing.CheckoutSession{SessionID: sess.ID, URL: sess.URL}, billing.ResultOK
}

// HandleWebhook verifies the Stripe signature and replays subscription
// lifecycle events to the listener as purchase updates.
func (s *StripeService) HandleWebhook(_ context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("stripe: webhook signature verification failed: %w", err)
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("stripe: parse %s event: %w", event.Type, err)
		}
		s.deliverSubscriptionUpdate(&sub)
	case "invoice.paid", "invoice.payment_failed":
		s.logger.Debug().Str("eventType", string(event.Type)).Msg("Invoice webhook received")
	default:
		s.logger.Debug().Str("eventType", string(event.Type)).Msg("Ignoring webhook event")
	}
	return nil
}

// deliverSubscriptionUpdate forwards a subscription change as an owned
// purchase list. Subscriptions that no longer grant the entitlement produce
// an empty list; revocation is handled by controller re-creation, not here.
func (s *StripeService) deliverSubscriptionUpdate(sub *stripe.Subscription) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return
	}

	var purchases []billing.PurchaseRecord
	status, grants := mapSubscriptionStatus(sub.Status)
	if grants {
		if record, ok := s.recordFromSubscription(sub, status); ok {
			purchases = append(purchases, record)
		}
	}
	s.logger.Info().
		Str("subscriptionId", sub.ID).
		Str("status", string(sub.Status)).
		Int("purchases", len(purchases)).
		Msg("Delivering purchase update from webhook")
	listener.OnPurchasesUpdated(billing.ResultOK, purchases)
}

// recordFromSubscription maps a Stripe subscription to a purchase record
// when one of its items carries the configured price.
func (s *StripeService) recordFromSubscription(sub *stripe.Subscription, status billing.PurchaseStatus) (billing.PurchaseRecord, bool) {
	if sub.Items == nil {
		return billing.PurchaseRecord{}, false
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil || item.Price.ID != s.cfg.PriceID {
			continue
		}
		return billing.PurchaseRecord{
			ProductID:    s.cfg.ProductID,
			PurchaseID:   sub.ID,
			Status:       status,
			PurchaseTime: time.Unix(sub.Created, 0),
		}, true
	}
	return billing.PurchaseRecord{}, false
}

func productInfoFromPrice(productID string, p *stripe.Price) billing.ProductInfo {
	title := p.Nickname
	if p.Product != nil && p.Product.Name != "" {
		title = p.Product.Name
	}
	if title == "" {
		title = productID
	}

	description := ""
	if p.Recurring != nil {
		description = fmt.Sprintf("Renews every %s", p.Recurring.Interval)
	}

	return billing.ProductInfo{
		ProductID:   productID,
		Title:       title,
		Description: description,
		Price:       fmt.Sprintf("%.2f", float64(p.UnitAmount)/100),
		Currency:    strings.ToUpper(string(p.Currency)),
	}
}

// mapSubscriptionStatus translates Stripe subscription status into a
// purchase status plus whether it grants the entitlement. past_due and
// unpaid keep it while the provider retries payment.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) (billing.PurchaseStatus, bool) {
	switch status {
	case stripe.SubscriptionStatusActive:
		return billing.PurchaseActive, true
	case stripe.SubscriptionStatusTrialing:
		return billing.PurchaseTrialing, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return billing.PurchasePastDue, true
	case stripe.SubscriptionStatusCanceled:
		return billing.PurchaseCanceled, false
	case stripe.SubscriptionStatusPaused:
		return billing.PurchasePaused, false
	default:
		// Fail closed: unknown statuses never grant the entitlement.
		return billing.PurchaseStatus(status), false
	}
}

// mapStripeError folds Stripe API errors into the result taxonomy: auth
// problems are configuration errors, throttling and 5xx are transient,
// anything unreachable over the wire counts as unavailable.
func mapStripeError(err error) billing.ResultCode {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized,
			stripeErr.HTTPStatusCode == http.StatusForbidden:
			return billing.ResultDeveloperError
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			return billing.ResultItemUnavailable
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return billing.ResultServiceUnavailable
		default:
			return billing.ResultError
		}
	}
	return billing.ResultServiceUnavailable
}
