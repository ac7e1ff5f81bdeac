package billing

// EventType labels an entry in the billing audit log.
type EventType string

const (
	EventConnectionReady    EventType = "connection_ready"
	EventConnectionLost     EventType = "connection_lost"
	EventReconnectScheduled EventType = "reconnect_scheduled"
	EventRetriesExhausted   EventType = "retries_exhausted"
	EventPurchasesUpdated   EventType = "purchases_updated"
	EventEntitlementGranted EventType = "entitlement_granted"
	EventProductUpdated     EventType = "product_updated"
	EventPurchaseFlow       EventType = "purchase_flow"
)

// EventRecorder persists billing lifecycle events. Implementations must not
// block; the controller records from its event loop.
type EventRecorder interface {
	RecordEvent(event EventType, detail string)
}

// NopRecorder discards all events.
type NopRecorder struct{}

// RecordEvent implements EventRecorder.
func (NopRecorder) RecordEvent(EventType, string) {}
