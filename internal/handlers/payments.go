package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/auth"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/httpx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

const maxConfirmBodySize = 4 * 1024

type confirmPaymentRequest struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// PaymentHandlers exposes the synchronous confirmation entry point used by the checkout page
// after the client-side payment step returns.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
	clock    func() time.Time
	window   time.Duration
}

// NewPaymentHandlers constructs payment handlers. The clock and window only affect the
// order representation in responses.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, clock func() time.Time, window time.Duration) *PaymentHandlers {
	if clock == nil {
		clock = time.Now
	}
	if window <= 0 {
		window = domain.DefaultModificationWindow
	}
	return &PaymentHandlers{authn: authn, payments: payments, clock: clock, window: window}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/confirm", h.confirmPayment)
}

func (h *PaymentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if !decodeJSONBody(w, r, maxConfirmBodySize, false, &req) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if orderID == "" || intentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id and payment_intent_id are required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.Confirm(ctx, services.ConfirmPaymentCommand{
		OrderID:   orderID,
		IntentID:  intentID,
		Requester: requester,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	view := orderView{modifiable: result.Order.Modifiable(h.clock(), h.window), admin: requester.Admin}
	writeJSONResponse(w, http.StatusOK, buildSettlementPayload(result, view))
}
