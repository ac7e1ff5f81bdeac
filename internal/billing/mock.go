package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockService is a Service double that records calls and returns scripted
// results. It backs the daemon's mock provider mode and the package tests.
// Zero-value result fields mean success with empty data.
type MockService struct {
	mu sync.Mutex

	// Scripted results.
	SetupResult    ResultCode   // outcome of StartConnection, ResultOK when empty
	SetupSequence  []ResultCode // per-attempt outcomes, overrides SetupResult while entries remain
	OwnedPurchases []PurchaseRecord
	OwnedResult    ResultCode
	Products       []ProductInfo
	ProductsResult ResultCode
	History        []PurchaseRecord
	HistoryResult  ResultCode
	FlowSession    CheckoutSession // generated when zero
	FlowResult     ResultCode
	FeatureResults map[Feature]ResultCode
	WebhookErr     error

	// Call records.
	StartCalls      int
	EndCalls        int
	OwnedCalls      int
	ProductQueries  [][]string
	HistoryCalls    int
	FlowCalls       []PurchaseParams
	WebhookPayloads [][]byte

	listener ConnectionListener
	ready    bool
	setupSeq int
	flowSeq  int
}

// NewMockService creates a MockService ready for use.
func NewMockService() *MockService {
	return &MockService{
		FeatureResults: make(map[Feature]ResultCode),
	}
}

func orOK(code ResultCode) ResultCode {
	if code == "" {
		return ResultOK
	}
	return code
}

// StartConnection records the attempt and reports the next scripted setup
// outcome. The callback runs without the mock's lock held so listeners can
// call back into the service.
func (m *MockService) StartConnection(listener ConnectionListener) {
	m.mu.Lock()
	m.StartCalls++
	m.listener = listener

	code := orOK(m.SetupResult)
	if m.setupSeq < len(m.SetupSequence) {
		code = orOK(m.SetupSequence[m.setupSeq])
		m.setupSeq++
	}
	m.ready = code.OK()
	m.mu.Unlock()

	listener.OnServiceSetupFinished(code)
}

// EndConnection drops the connection. No callbacks fire afterwards.
func (m *MockService) EndConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndCalls++
	m.ready = false
	m.listener = nil
}

// IsReady reports the mock connection state.
func (m *MockService) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// IsFeatureSupported returns the scripted result for feature, ResultOK by
// default.
func (m *MockService) IsFeatureSupported(feature Feature) ResultCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code, ok := m.FeatureResults[feature]; ok {
		return orOK(code)
	}
	return ResultOK
}

// QueryOwnedPurchases returns the scripted purchase set.
func (m *MockService) QueryOwnedPurchases(_ context.Context, _ ProductKind) ([]PurchaseRecord, ResultCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OwnedCalls++
	return append([]PurchaseRecord(nil), m.OwnedPurchases...), orOK(m.OwnedResult)
}

// QueryProductDetails invokes fn inline with the scripted products.
func (m *MockService) QueryProductDetails(_ context.Context, ids []string, _ ProductKind, fn func(ResultCode, []ProductInfo)) {
	m.mu.Lock()
	m.ProductQueries = append(m.ProductQueries, append([]string(nil), ids...))
	code := orOK(m.ProductsResult)
	products := append([]ProductInfo(nil), m.Products...)
	m.mu.Unlock()

	fn(code, products)
}

// QueryPurchaseHistory invokes fn inline with the scripted history.
func (m *MockService) QueryPurchaseHistory(_ context.Context, _ ProductKind, fn func(ResultCode, []PurchaseRecord)) {
	m.mu.Lock()
	m.HistoryCalls++
	code := orOK(m.HistoryResult)
	history := append([]PurchaseRecord(nil), m.History...)
	m.mu.Unlock()

	fn(code, history)
}

// LaunchPurchaseFlow records the request and returns the scripted session,
// generating one when none is set.
func (m *MockService) LaunchPurchaseFlow(_ context.Context, params PurchaseParams) (CheckoutSession, ResultCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlowCalls = append(m.FlowCalls, params)

	session := m.FlowSession
	if session == (CheckoutSession{}) {
		m.flowSeq++
		session = CheckoutSession{
			SessionID: fmt.Sprintf("cs_mock_%d", m.flowSeq),
			URL:       fmt.Sprintf("https://checkout.invalid/cs_mock_%d", m.flowSeq),
		}
	}
	return session, orOK(m.FlowResult)
}

// mockWebhookEvent is the payload shape accepted by the mock webhook
// endpoint, handy for driving entitlement changes in development.
type mockWebhookEvent struct {
	ProductID  string         `json:"productId"`
	PurchaseID string         `json:"purchaseId"`
	Status     PurchaseStatus `json:"status"`
}

// HandleWebhook accepts a JSON mockWebhookEvent and replays it to the
// listener as a purchase update.
func (m *MockService) HandleWebhook(_ context.Context, payload []byte, _ string) error {
	m.mu.Lock()
	m.WebhookPayloads = append(m.WebhookPayloads, append([]byte(nil), payload...))
	err := m.WebhookErr
	listener := m.listener
	m.mu.Unlock()

	if err != nil {
		return err
	}

	var event mockWebhookEvent
	if jsonErr := json.Unmarshal(payload, &event); jsonErr != nil {
		return fmt.Errorf("billing: invalid mock webhook payload: %w", jsonErr)
	}
	if listener != nil {
		listener.OnPurchasesUpdated(ResultOK, []PurchaseRecord{{
			ProductID:  event.ProductID,
			PurchaseID: event.PurchaseID,
			Status:     event.Status,
		}})
	}
	return nil
}

// CallCounts returns the recorded call counters.
func (m *MockService) CallCounts() (start, end, owned, history int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StartCalls, m.EndCalls, m.OwnedCalls, m.HistoryCalls
}

// FlowLaunches returns a copy of the recorded purchase flow requests.
func (m *MockService) FlowLaunches() []PurchaseParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PurchaseParams(nil), m.FlowCalls...)
}

// SetOwnedPurchases replaces the scripted owned purchase set. Safe while a
// controller is running.
func (m *MockService) SetOwnedPurchases(purchases []PurchaseRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OwnedPurchases = append([]PurchaseRecord(nil), purchases...)
}

// DeliverPurchasesUpdate pushes a purchase update to the current listener.
func (m *MockService) DeliverPurchasesUpdate(code ResultCode, purchases []PurchaseRecord) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener.OnPurchasesUpdated(code, purchases)
	}
}

// DeliverDisconnect simulates the service dropping an established
// connection.
func (m *MockService) DeliverDisconnect() {
	m.mu.Lock()
	m.ready = false
	listener := m.listener
	m.mu.Unlock()

	if listener != nil {
		listener.OnServiceDisconnected()
	}
}
