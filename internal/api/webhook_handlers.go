package api

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/billbridge/billbridge/internal/billing"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandlers accepts signed billing provider webhooks. Payload
// verification happens inside the provider, so the handler only moves bytes.
type WebhookHandlers struct {
	source func() billing.WebhookHandler
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandlers creates webhook handlers. source resolves the live
// provider's webhook surface and returns nil when the provider has none.
func NewWebhookHandlers(source func() billing.WebhookHandler) *WebhookHandlers {
	return &WebhookHandlers{source: source}
}

// HandleBillingWebhook verifies and dispatches a provider webhook event.
func (h *WebhookHandlers) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var handler billing.WebhookHandler
	if h.source != nil {
		handler = h.source()
	}
	if handler == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "webhooks_unsupported",
			"The active billing provider does not accept webhooks", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request",
			"Failed to read request body", nil)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := handler.HandleWebhook(r.Context(), payload, signature); err != nil {
		log.Error().Err(err).Msg("Billing webhook rejected")
		writeErrorResponse(w, http.StatusBadRequest, "webhook_rejected",
			"Webhook verification or processing failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}
