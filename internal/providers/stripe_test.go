package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/billbridge/billbridge/internal/billing"
)

func testStripeService() *StripeService {
	return NewStripeService(StripeConfig{
		APIKey:        "sk_test_123",
		WebhookSecret: "whsec_test",
		PriceID:       "price_123",
		ProductID:     "billbridge.premium.monthly",
		CustomerID:    "cus_123",
		SuccessURL:    "https://app.example.com/billing/success",
	}, zerolog.Nop())
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     stripe.SubscriptionStatus
		wantStatus billing.PurchaseStatus
		wantGrants bool
	}{
		{name: "active grants", status: stripe.SubscriptionStatusActive, wantStatus: billing.PurchaseActive, wantGrants: true},
		{name: "trialing grants", status: stripe.SubscriptionStatusTrialing, wantStatus: billing.PurchaseTrialing, wantGrants: true},
		{name: "past_due keeps entitlement during grace", status: stripe.SubscriptionStatusPastDue, wantStatus: billing.PurchasePastDue, wantGrants: true},
		{name: "unpaid keeps entitlement during grace", status: stripe.SubscriptionStatusUnpaid, wantStatus: billing.PurchasePastDue, wantGrants: true},
		{name: "canceled revokes", status: stripe.SubscriptionStatusCanceled, wantStatus: billing.PurchaseCanceled, wantGrants: false},
		{name: "paused revokes", status: stripe.SubscriptionStatusPaused, wantStatus: billing.PurchasePaused, wantGrants: false},
		{name: "incomplete fails closed", status: stripe.SubscriptionStatusIncomplete, wantGrants: false},
		{name: "unknown fails closed", status: stripe.SubscriptionStatus("some_future_status"), wantGrants: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, grants := mapSubscriptionStatus(tt.status)
			if grants != tt.wantGrants {
				t.Errorf("mapSubscriptionStatus(%q) grants = %v, want %v", tt.status, grants, tt.wantGrants)
			}
			if tt.wantStatus != "" && status != tt.wantStatus {
				t.Errorf("mapSubscriptionStatus(%q) status = %q, want %q", tt.status, status, tt.wantStatus)
			}
		})
	}
}

func TestMapStripeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want billing.ResultCode
	}{
		{
			name: "unauthorized is a configuration error",
			err:  &stripe.Error{HTTPStatusCode: http.StatusUnauthorized},
			want: billing.ResultDeveloperError,
		},
		{
			name: "forbidden is a configuration error",
			err:  &stripe.Error{HTTPStatusCode: http.StatusForbidden},
			want: billing.ResultDeveloperError,
		},
		{
			name: "not found maps to item unavailable",
			err:  &stripe.Error{HTTPStatusCode: http.StatusNotFound},
			want: billing.ResultItemUnavailable,
		},
		{
			name: "rate limited is transient",
			err:  &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests},
			want: billing.ResultServiceUnavailable,
		},
		{
			name: "server error is transient",
			err:  &stripe.Error{HTTPStatusCode: http.StatusBadGateway},
			want: billing.ResultServiceUnavailable,
		},
		{
			name: "bad request is a generic error",
			err:  &stripe.Error{HTTPStatusCode: http.StatusBadRequest},
			want: billing.ResultError,
		},
		{
			name: "transport failure is unavailable",
			err:  errors.New("dial tcp: connection refused"),
			want: billing.ResultServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapStripeError(tt.err); got != tt.want {
				t.Errorf("mapStripeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProductInfoFromPrice(t *testing.T) {
	p := &stripe.Price{
		UnitAmount: 599,
		Currency:   stripe.CurrencyUSD,
		Nickname:   "Premium Monthly",
		Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
	}

	info := productInfoFromPrice("billbridge.premium.monthly", p)
	if info.Price != "5.99" {
		t.Errorf("Price = %q, want %q", info.Price, "5.99")
	}
	if info.Currency != "USD" {
		t.Errorf("Currency = %q, want %q", info.Currency, "USD")
	}
	if info.Title != "Premium Monthly" {
		t.Errorf("Title = %q, want nickname", info.Title)
	}
	if info.Description == "" {
		t.Error("Description empty, want recurring interval text")
	}
}

func TestProductInfoFromPrice_PrefersProductName(t *testing.T) {
	p := &stripe.Price{
		UnitAmount: 4900,
		Currency:   stripe.CurrencyEUR,
		Nickname:   "nickname",
		Product:    &stripe.Product{Name: "Billbridge Premium"},
	}

	info := productInfoFromPrice("billbridge.premium.monthly", p)
	if info.Title != "Billbridge Premium" {
		t.Errorf("Title = %q, want expanded product name", info.Title)
	}
	if info.Price != "49.00" {
		t.Errorf("Price = %q, want %q", info.Price, "49.00")
	}
}

func TestRecordFromSubscription(t *testing.T) {
	svc := testStripeService()
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name    string
		sub     *stripe.Subscription
		wantOK  bool
		wantID  string
	}{
		{
			name: "matching price produces a record",
			sub: &stripe.Subscription{
				ID:      "sub_1",
				Created: created,
				Items: &stripe.SubscriptionItemList{
					Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: "price_123"}}},
				},
			},
			wantOK: true,
			wantID: "sub_1",
		},
		{
			name: "other price is skipped",
			sub: &stripe.Subscription{
				ID:      "sub_2",
				Created: created,
				Items: &stripe.SubscriptionItemList{
					Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: "price_other"}}},
				},
			},
		},
		{
			name: "missing items",
			sub:  &stripe.Subscription{ID: "sub_3", Created: created},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, ok := svc.recordFromSubscription(tt.sub, billing.PurchaseActive)
			if ok != tt.wantOK {
				t.Fatalf("recordFromSubscription() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if record.PurchaseID != tt.wantID {
				t.Errorf("PurchaseID = %q, want %q", record.PurchaseID, tt.wantID)
			}
			if record.ProductID != svc.cfg.ProductID {
				t.Errorf("ProductID = %q, want configured product", record.ProductID)
			}
			if record.PurchaseTime.Unix() != created {
				t.Errorf("PurchaseTime = %v, want unix %d", record.PurchaseTime, created)
			}
		})
	}
}

func TestStripeService_IsFeatureSupported(t *testing.T) {
	svc := testStripeService()

	if got := svc.IsFeatureSupported(billing.FeatureSubscriptions); got != billing.ResultOK {
		t.Errorf("IsFeatureSupported(subscriptions) = %v, want %v", got, billing.ResultOK)
	}
	if got := svc.IsFeatureSupported(billing.Feature("teleportation")); got != billing.ResultFeatureNotSupported {
		t.Errorf("IsFeatureSupported(unknown) = %v, want %v", got, billing.ResultFeatureNotSupported)
	}
}

func TestStripeService_LaunchPurchaseFlowValidation(t *testing.T) {
	t.Run("untracked product", func(t *testing.T) {
		svc := testStripeService()
		_, code := svc.LaunchPurchaseFlow(context.Background(), billing.PurchaseParams{ProductID: "other.product"})
		if code != billing.ResultItemUnavailable {
			t.Errorf("code = %v, want %v", code, billing.ResultItemUnavailable)
		}
	})

	t.Run("missing success URL", func(t *testing.T) {
		svc := NewStripeService(StripeConfig{
			APIKey:    "sk_test_123",
			PriceID:   "price_123",
			ProductID: "billbridge.premium.monthly",
		}, zerolog.Nop())
		_, code := svc.LaunchPurchaseFlow(context.Background(), billing.PurchaseParams{})
		if code != billing.ResultDeveloperError {
			t.Errorf("code = %v, want %v", code, billing.ResultDeveloperError)
		}
	})
}

func TestStripeService_QueryOwnedPurchasesWithoutCustomer(t *testing.T) {
	svc := NewStripeService(StripeConfig{
		APIKey:    "sk_test_123",
		PriceID:   "price_123",
		ProductID: "billbridge.premium.monthly",
	}, zerolog.Nop())

	purchases, code := svc.QueryOwnedPurchases(context.Background(), billing.KindSubscription)
	if code != billing.ResultOK {
		t.Errorf("code = %v, want %v", code, billing.ResultOK)
	}
	if len(purchases) != 0 {
		t.Errorf("purchases = %d, want 0", len(purchases))
	}
}

func TestStripeService_HandleWebhookRejectsBadSignature(t *testing.T) {
	svc := testStripeService()

	err := svc.HandleWebhook(context.Background(), []byte(`{"type":"customer.subscription.updated"}`), "t=1,v1=deadbeef")
	if err == nil {
		t.Fatal("HandleWebhook() error = nil, want signature verification failure")
	}
}
