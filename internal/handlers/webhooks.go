package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/httpx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/requestctx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

const (
	stripeSignatureHeader = "Stripe-Signature"
	maxWebhookBodySize    = 64 * 1024
)

type webhookAckResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Noop      bool   `json:"noop,omitempty"`
}

// PaymentWebhookHandlers receives gateway callbacks. Authentication is the payload signature,
// so no Firebase middleware is installed.
type PaymentWebhookHandlers struct {
	payments services.PaymentService
}

func NewPaymentWebhookHandlers(payments services.PaymentService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{payments: payments}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	signature := strings.TrimSpace(r.Header.Get(stripeSignatureHeader))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}
	payload, err := readLimitedBody(r, maxWebhookBodySize)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.payments.HandleWebhook(ctx, services.WebhookCommand{Payload: payload, Signature: signature})
	switch {
	case errors.Is(err, services.ErrWebhookInvalidSignature), errors.Is(err, services.ErrRepositoryUnavailable):
		writeServiceError(ctx, w, err)
		return
	case err != nil:
		// Any other failure must reach the gateway as 5xx so the event is redelivered.
		requestctx.Logger(ctx).Error("payment webhook processing failed",
			zap.String("eventId", result.EventID),
			zap.String("eventType", result.EventType),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "failed to process webhook", http.StatusInternalServerError))
		return
	}

	resp := webhookAckResponse{
		Received:  true,
		EventID:   result.EventID,
		EventType: result.EventType,
		Reason:    result.Reason,
	}
	if result.Settlement != nil {
		resp.Noop = result.Settlement.Noop
	}
	writeJSONResponse(w, http.StatusOK, resp)
}
