package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/billbridge/billbridge/internal/billing"
	"github.com/billbridge/billbridge/internal/config"
	"github.com/billbridge/billbridge/internal/history"
	"github.com/billbridge/billbridge/internal/websocket"
)

// Version and Build are stamped at build time via -ldflags.
var (
	Version = "dev"
	Build   = "development"
)

const (
	checkoutBodyLimit = 64 * 1024
	maxHistoryLimit   = 1000
)

// Router handles HTTP routing
type Router struct {
	mux         *http.ServeMux
	config      *config.Config
	controllers *billing.ReloadableController
	store       *history.Store
	wsHub       *websocket.Hub
	reloadFunc  func() error
	startTime   time.Time
}

// NewRouter creates a new router instance. reloadFunc triggers a controller
// rebuild from current configuration and may be nil.
func NewRouter(cfg *config.Config, controllers *billing.ReloadableController, store *history.Store, wsHub *websocket.Hub, reloadFunc func() error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		config:      cfg,
		controllers: controllers,
		store:       store,
		wsHub:       wsHub,
		reloadFunc:  reloadFunc,
		startTime:   time.Now(),
	}

	r.setupRoutes()
	return r
}

// Handler returns the router wrapped with the error-handling middleware.
// This is what the HTTP server should serve.
func (r *Router) Handler() http.Handler {
	return ErrorHandler(r)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	webhookHandlers := NewWebhookHandlers(r.currentWebhookHandler)

	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/api/state", RequireAuth(r.config, r.handleState))
	r.mux.HandleFunc("/api/product", RequireAuth(r.config, r.handleProduct))
	r.mux.HandleFunc("/api/history", RequireAuth(r.config, r.handleHistory))
	r.mux.HandleFunc("/api/checkout", RequireAuth(r.config, r.handleCheckout))
	r.mux.HandleFunc("/api/refresh", RequireAuth(r.config, r.handleRefresh))
	r.mux.HandleFunc("/api/reload", RequireAuth(r.config, r.handleReload))

	// Webhooks authenticate through their provider signature, not the API
	// token.
	r.mux.HandleFunc("/api/webhooks/billing", webhookHandlers.HandleBillingWebhook)

	// WebSocket endpoint
	r.mux.HandleFunc("/ws", r.handleWebSocket)
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Add CORS headers if configured
	if r.config.AllowedOrigins != "" {
		w.Header().Set("Access-Control-Allow-Origin", r.config.AllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Token")
	}

	// Handle preflight requests
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Add security headers for API endpoints
	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/ws") {
		r.addSecurityHeaders(w)
	}

	// Log request
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// addSecurityHeaders adds security headers to the response
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

// currentWebhookHandler resolves the webhook surface of whichever provider
// is live right now. Reloads can swap the provider out from under us, so
// this is evaluated per request.
func (r *Router) currentWebhookHandler() billing.WebhookHandler {
	if r.controllers == nil {
		return nil
	}
	if wh, ok := r.controllers.Get().Service().(billing.WebhookHandler); ok {
		return wh
	}
	return nil
}

// handleHealth handles health check requests
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
	}

	writeJSON(w, http.StatusOK, health)
}

// handleVersion handles version requests
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version := map[string]interface{}{
		"version":  Version,
		"build":    Build,
		"runtime":  "go",
		"provider": r.config.BillingProvider,
	}

	writeJSON(w, http.StatusOK, version)
}

// handleState returns the current billing controller snapshot.
func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, r.controllers.Get().Snapshot())
}

// handleProduct returns cached product details once the controller has
// resolved them.
func (r *Router) handleProduct(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := r.controllers.Get().Snapshot()
	if snap.Product == nil {
		writeErrorResponse(w, http.StatusNotFound, "product_unavailable",
			"Product details have not been loaded yet", nil)
		return
	}

	writeJSON(w, http.StatusOK, snap.Product)
}

// handleHistory returns recent billing lifecycle events, newest first.
// Supports ?limit= and ?type= filters.
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.store == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "history_unavailable",
			"Event history is not configured", nil)
		return
	}

	query := req.URL.Query()
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_limit",
				"limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var (
		events []history.Event
		err    error
	)
	if typ := strings.TrimSpace(query.Get("type")); typ != "" {
		events, err = r.store.EventsByType(billing.EventType(typ), limit)
	} else {
		events, err = r.store.RecentEvents(limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to query billing event history")
		writeErrorResponse(w, http.StatusInternalServerError, "history_query_failed",
			"Failed to query event history", nil)
		return
	}
	if events == nil {
		events = []history.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// checkoutRequest is the optional body of POST /api/checkout. Unset fields
// fall back to configured defaults.
type checkoutRequest struct {
	ProductID     string `json:"productId,omitempty"`
	CustomerEmail string `json:"customerEmail,omitempty"`
}

// handleCheckout launches a provider-hosted purchase flow and returns the
// session handle.
func (r *Router) handleCheckout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, checkoutBodyLimit)
	var body checkoutRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request",
			"Invalid request body", nil)
		return
	}

	params := billing.PurchaseParams{
		ProductID:     body.ProductID,
		CustomerEmail: body.CustomerEmail,
		SuccessURL:    r.config.CheckoutSuccessURL,
		CancelURL:     r.config.CheckoutCancelURL,
	}

	session, code := r.controllers.Get().LaunchPurchaseFlow(req.Context(), params)
	if !code.OK() {
		writeErrorResponse(w, statusForResult(code), string(code),
			"Failed to launch purchase flow", nil)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// handleRefresh re-queries owned purchases. The query runs asynchronously on
// the controller loop; results arrive over the WebSocket.
func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.controllers.Get().Refresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// handleReload rebuilds the billing controller from current configuration.
func (r *Router) handleReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.reloadFunc == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "reload_unsupported",
			"Reload is not wired up", nil)
		return
	}

	if err := r.reloadFunc(); err != nil {
		log.Error().Err(err).Msg("Reload request failed")
		writeErrorResponse(w, http.StatusInternalServerError, "reload_failed",
			"Failed to reload billing controller", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloading"})
}

// handleWebSocket handles WebSocket connections
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	r.wsHub.HandleWebSocket(w, req)
}

// statusForResult maps a billing result code onto an HTTP status.
func statusForResult(code billing.ResultCode) int {
	switch code {
	case billing.ResultOK:
		return http.StatusOK
	case billing.ResultItemUnavailable:
		return http.StatusNotFound
	case billing.ResultFeatureNotSupported:
		return http.StatusNotImplemented
	case billing.ResultUserCanceled:
		return http.StatusConflict
	case billing.ResultServiceUnavailable, billing.ResultBillingUnavailable, billing.ResultServiceDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
