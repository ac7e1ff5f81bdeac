package billing

import "context"

// ConnectionListener receives service lifecycle callbacks. Implementations
// must tolerate being called from the service's own goroutines.
type ConnectionListener interface {
	// OnServiceSetupFinished reports the outcome of a StartConnection attempt.
	OnServiceSetupFinished(code ResultCode)
	// OnServiceDisconnected fires when an established connection is lost.
	OnServiceDisconnected()
	// OnPurchasesUpdated delivers purchase changes, either from a query the
	// controller kicked off or pushed by the provider.
	OnPurchasesUpdated(code ResultCode, purchases []PurchaseRecord)
}

// Service is the surface the controller needs from a billing provider.
// Connection management is callback-driven: StartConnection returns
// immediately and reports through the listener.
type Service interface {
	// StartConnection begins connection setup and reports the outcome via
	// listener.OnServiceSetupFinished.
	StartConnection(listener ConnectionListener)
	// EndConnection releases the connection. No callbacks fire afterwards.
	EndConnection()
	// IsReady reports whether the connection is usable right now.
	IsReady() bool
	// IsFeatureSupported probes an optional capability.
	IsFeatureSupported(feature Feature) ResultCode
	// QueryOwnedPurchases returns the currently owned purchases of the given
	// kind. It is synchronous, mirroring the cached-result semantics of the
	// underlying providers.
	QueryOwnedPurchases(ctx context.Context, kind ProductKind) ([]PurchaseRecord, ResultCode)
	// QueryProductDetails resolves metadata for the given product IDs and
	// invokes fn with the result.
	QueryProductDetails(ctx context.Context, ids []string, kind ProductKind, fn func(ResultCode, []ProductInfo))
	// QueryPurchaseHistory fetches the most recent purchase for each product
	// ever bought and invokes fn with the result.
	QueryPurchaseHistory(ctx context.Context, kind ProductKind, fn func(ResultCode, []PurchaseRecord))
	// LaunchPurchaseFlow starts a provider-hosted purchase flow.
	LaunchPurchaseFlow(ctx context.Context, params PurchaseParams) (CheckoutSession, ResultCode)
}

// WebhookHandler is implemented by services that accept signed provider
// webhooks. Payload verification is the service's responsibility.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}
