package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/billbridge/billbridge/internal/billing"
	"github.com/billbridge/billbridge/internal/config"
	"github.com/billbridge/billbridge/internal/history"
	"github.com/billbridge/billbridge/internal/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		BillingProvider:    config.ProviderMock,
		ProductID:          "premium_monthly",
		CheckoutSuccessURL: "https://app.invalid/success",
		CheckoutCancelURL:  "https://app.invalid/cancel",
	}
}

// newTestRouter builds a router backed by svc with the controller running.
func newTestRouter(t *testing.T, cfg *config.Config, svc billing.Service, reloadFunc func() error) *Router {
	t.Helper()

	logger := zerolog.Nop()
	factory := func() (*billing.Controller, error) {
		return billing.NewController(svc, billing.Options{
			ProductID: cfg.ProductID,
			Retry:     billing.RetryConfig{BaseDelay: 10 * time.Millisecond, TaskDelay: 10 * time.Millisecond},
		}, logger), nil
	}

	controllers, err := billing.NewReloadableController(factory, nil, logger)
	if err != nil {
		t.Fatalf("failed to build controller: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	controllers.Start(ctx)
	t.Cleanup(controllers.Stop)
	t.Cleanup(cancel)

	store, err := history.NewStore(history.StoreConfig{
		DBPath:          filepath.Join(t.TempDir(), "history.db"),
		WriteBufferSize: 8,
		FlushInterval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to open history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := websocket.NewHub(func() billing.Snapshot { return controllers.Get().Snapshot() }, cfg.AllowedOrigins)

	return NewRouter(cfg, controllers, store, hub, reloadFunc)
}

func doRequest(router *Router, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
}

func TestHandleVersion(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodGet, "/api/version", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["runtime"] != "go" {
		t.Errorf("expected go runtime, got %v", body["runtime"])
	}
	if body["provider"] != string(config.ProviderMock) {
		t.Errorf("expected mock provider, got %v", body["provider"])
	}
}

func TestHandleState(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodGet, "/api/state", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["productId"] != "premium_monthly" {
		t.Errorf("expected tracked product in snapshot, got %v", body["productId"])
	}
	if _, ok := body["connectionState"]; !ok {
		t.Error("expected connectionState in snapshot")
	}
}

func TestHandleStateRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.APIToken = "secret-token"
	router := newTestRouter(t, cfg, billing.NewMockService(), nil)

	tests := []struct {
		name    string
		headers map[string]string
		path    string
		want    int
	}{
		{"no token", nil, "/api/state", http.StatusUnauthorized},
		{"wrong token", map[string]string{"X-API-Token": "nope"}, "/api/state", http.StatusUnauthorized},
		{"header token", map[string]string{"X-API-Token": "secret-token"}, "/api/state", http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer secret-token"}, "/api/state", http.StatusOK},
		{"raw authorization", map[string]string{"Authorization": "secret-token"}, "/api/state", http.StatusOK},
		{"query token", nil, "/api/state?token=secret-token", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodGet, tc.path, nil, tc.headers)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	cfg := testConfig()
	cfg.APIToken = "secret-token"
	router := newTestRouter(t, cfg, billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health to bypass auth, got %d", rec.Code)
	}
}

func TestHandleProduct(t *testing.T) {
	svc := billing.NewMockService()
	svc.Products = []billing.ProductInfo{{
		ProductID: "premium_monthly",
		Title:     "Premium",
		Price:     "5.99",
		Currency:  "USD",
	}}
	router := newTestRouter(t, testConfig(), svc, nil)

	// Product details resolve on the controller loop after connect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doRequest(router, http.MethodGet, "/api/product", nil, nil)
		if rec.Code == http.StatusOK {
			body := decodeBody(t, rec)
			if body["title"] != "Premium" {
				t.Fatalf("expected product title, got %v", body["title"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("product never became available, last status %d", rec.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleProductNotLoaded(t *testing.T) {
	svc := billing.NewMockService()
	svc.SetupResult = billing.ResultServiceUnavailable
	router := newTestRouter(t, testConfig(), svc, nil)

	rec := doRequest(router, http.MethodGet, "/api/product", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before details load, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "product_unavailable" {
		t.Errorf("expected product_unavailable code, got %v", body["code"])
	}
}

func TestHandleHistory(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	router.store.RecordEvent(billing.EventConnectionReady, "")
	router.store.RecordEvent(billing.EventConnectionLost, "transport error")
	router.store.Flush()

	// The flush commits on a background goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doRequest(router, http.MethodGet, "/api/history", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["count"] == float64(2) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 events, got %v", body["count"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := doRequest(router, http.MethodGet, "/api/history?type=connection_lost", nil, nil)
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("expected 1 filtered event, got %v", body["count"])
	}
}

func TestHandleHistoryInvalidLimit(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	for _, limit := range []string{"abc", "-5", "0"} {
		rec := doRequest(router, http.MethodGet, "/api/history?limit="+limit, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit %q: expected 400, got %d", limit, rec.Code)
		}
	}
}

func TestHandleCheckout(t *testing.T) {
	svc := billing.NewMockService()
	svc.FlowSession = billing.CheckoutSession{
		SessionID: "cs_test_123",
		URL:       "https://checkout.invalid/cs_test_123",
	}
	cfg := testConfig()
	router := newTestRouter(t, cfg, svc, nil)

	payload := []byte(`{"customerEmail":"user@example.com"}`)
	rec := doRequest(router, http.MethodPost, "/api/checkout", payload, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["sessionId"] != "cs_test_123" {
		t.Errorf("expected session ID, got %v", body["sessionId"])
	}

	launches := svc.FlowLaunches()
	if len(launches) != 1 {
		t.Fatalf("expected 1 flow launch, got %d", len(launches))
	}
	if launches[0].CustomerEmail != "user@example.com" {
		t.Errorf("expected customer email forwarded, got %q", launches[0].CustomerEmail)
	}
	if launches[0].SuccessURL != cfg.CheckoutSuccessURL {
		t.Errorf("expected configured success URL, got %q", launches[0].SuccessURL)
	}
	if launches[0].ProductID != "premium_monthly" {
		t.Errorf("expected default product, got %q", launches[0].ProductID)
	}
}

func TestHandleCheckoutEmptyBody(t *testing.T) {
	svc := billing.NewMockService()
	router := newTestRouter(t, testConfig(), svc, nil)

	rec := doRequest(router, http.MethodPost, "/api/checkout", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected empty body to use defaults, got %d", rec.Code)
	}
}

func TestHandleCheckoutFailure(t *testing.T) {
	svc := billing.NewMockService()
	svc.FlowResult = billing.ResultBillingUnavailable
	router := newTestRouter(t, testConfig(), svc, nil)

	rec := doRequest(router, http.MethodPost, "/api/checkout", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != string(billing.ResultBillingUnavailable) {
		t.Errorf("expected result code in response, got %v", body["code"])
	}
}

func TestHandleCheckoutInvalidBody(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodPost, "/api/checkout", []byte("{not json"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRefresh(t *testing.T) {
	svc := billing.NewMockService()
	router := newTestRouter(t, testConfig(), svc, nil)

	rec := doRequest(router, http.MethodPost, "/api/refresh", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	// The refresh runs deferred on the controller loop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, owned, _ := svc.CallCounts()
		if owned >= 2 { // one at connect, one from refresh
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh never reached the service, owned queries: %d", owned)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleReload(t *testing.T) {
	calls := 0
	router := newTestRouter(t, testConfig(), billing.NewMockService(), func() error {
		calls++
		return nil
	})

	rec := doRequest(router, http.MethodPost, "/api/reload", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if calls != 1 {
		t.Errorf("expected reload func called once, got %d", calls)
	}
}

func TestHandleReloadUnwired(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodPost, "/api/reload", nil, nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/health"},
		{http.MethodPost, "/api/state"},
		{http.MethodGet, "/api/checkout"},
		{http.MethodGet, "/api/refresh"},
		{http.MethodGet, "/api/webhooks/billing"},
	}

	for _, tc := range tests {
		rec := doRequest(router, tc.method, tc.path, nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = "https://app.example.com"
	router := newTestRouter(t, cfg, billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodOptions, "/api/state", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected CORS origin header, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	router := newTestRouter(t, testConfig(), billing.NewMockService(), nil)

	rec := doRequest(router, http.MethodGet, "/api/health", nil, nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff header, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected frame deny header, got %q", got)
	}
}

func TestStatusForResult(t *testing.T) {
	tests := []struct {
		code billing.ResultCode
		want int
	}{
		{billing.ResultOK, http.StatusOK},
		{billing.ResultItemUnavailable, http.StatusNotFound},
		{billing.ResultFeatureNotSupported, http.StatusNotImplemented},
		{billing.ResultUserCanceled, http.StatusConflict},
		{billing.ResultServiceUnavailable, http.StatusServiceUnavailable},
		{billing.ResultBillingUnavailable, http.StatusServiceUnavailable},
		{billing.ResultServiceDisconnected, http.StatusServiceUnavailable},
		{billing.ResultDeveloperError, http.StatusInternalServerError},
		{billing.ResultError, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		if got := statusForResult(tc.code); got != tc.want {
			t.Errorf("statusForResult(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
