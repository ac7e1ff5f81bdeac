// Package billing contains the connection controller that keeps subscription
// entitlement state in sync with an external billing service, together with
// the retry scheduler and the service abstraction it drives.
package billing

import "time"

// ResultCode classifies the outcome of a billing service call or callback.
type ResultCode string

const (
	ResultOK                  ResultCode = "ok"
	ResultUserCanceled        ResultCode = "user_canceled"
	ResultServiceUnavailable  ResultCode = "service_unavailable"
	ResultBillingUnavailable  ResultCode = "billing_unavailable"
	ResultItemUnavailable     ResultCode = "item_unavailable"
	ResultDeveloperError      ResultCode = "developer_error"
	ResultError               ResultCode = "error"
	ResultServiceDisconnected ResultCode = "service_disconnected"
	ResultFeatureNotSupported ResultCode = "feature_not_supported"
)

// OK reports whether the code indicates success.
func (c ResultCode) OK() bool {
	return c == ResultOK
}

// ConfigurationError reports whether the code indicates a developer-side
// misconfiguration. These are logged loudly and never retried.
func (c ResultCode) ConfigurationError() bool {
	return c == ResultDeveloperError
}

// ConnectionState describes the controller's view of the service connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateReady        ConnectionState = "ready"
)

// ProductKind distinguishes recurring subscriptions from one-time purchases.
type ProductKind string

const (
	KindSubscription ProductKind = "subscription"
	KindOneTime      ProductKind = "one_time"
)

// Feature identifies an optional service capability probed at connect time.
type Feature string

const (
	FeatureSubscriptions       Feature = "subscriptions"
	FeatureSubscriptionsUpdate Feature = "subscriptions_update"
	FeaturePriceChange         Feature = "price_change"
)

// PurchaseStatus mirrors the provider-side lifecycle state of a purchase.
type PurchaseStatus string

const (
	PurchaseActive   PurchaseStatus = "active"
	PurchaseTrialing PurchaseStatus = "trialing"
	PurchasePastDue  PurchaseStatus = "past_due"
	PurchaseCanceled PurchaseStatus = "canceled"
	PurchasePaused   PurchaseStatus = "paused"
)

// PurchaseRecord is one owned or historical purchase as reported by the
// billing service.
type PurchaseRecord struct {
	ProductID    string         `json:"productId"`
	PurchaseID   string         `json:"purchaseId"`
	Status       PurchaseStatus `json:"status"`
	PurchaseTime time.Time      `json:"purchaseTime"`
}

// ProductInfo is cached metadata for a purchasable product. All fields are
// strings so the struct stays comparable for change detection.
type ProductInfo struct {
	ProductID   string `json:"productId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
}

// PurchaseParams describes a purchase flow launch request.
type PurchaseParams struct {
	ProductID     string `json:"productId"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	SuccessURL    string `json:"successUrl,omitempty"`
	CancelURL     string `json:"cancelUrl,omitempty"`
}

// CheckoutSession is the provider-hosted purchase flow handle returned by
// LaunchPurchaseFlow.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}
