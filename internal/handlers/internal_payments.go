package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/auth"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/httpx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/requestctx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

const (
	defaultReconcileLimit = 50
	maxReconcileLimit     = 500
)

type reconcileRequest struct {
	Limit int `json:"limit"`
}

type reconcileResponse struct {
	Checked   int `json:"checked"`
	Settled   int `json:"settled"`
	Unchanged int `json:"unchanged"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// InternalPaymentHandlers serves scheduler-triggered maintenance. The /internal group is
// expected to be wrapped with OIDC verification.
type InternalPaymentHandlers struct {
	payments services.PaymentService
}

func NewInternalPaymentHandlers(payments services.PaymentService) *InternalPaymentHandlers {
	return &InternalPaymentHandlers{payments: payments}
}

// Routes registers the /internal endpoints.
func (h *InternalPaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/reconcile", h.reconcile)
}

func (h *InternalPaymentHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req reconcileRequest
	if !decodeJSONBody(w, r, maxStatusBodySize, true, &req) {
		return
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultReconcileLimit
	case limit > maxReconcileLimit:
		limit = maxReconcileLimit
	}

	result, err := h.payments.Reconcile(ctx, services.ReconcileCommand{Limit: limit})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	fields := []zap.Field{
		zap.Int("checked", result.Checked),
		zap.Int("settled", result.Settled),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("pending", result.Pending),
		zap.Int("failed", result.Failed),
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok {
		fields = append(fields, zap.String("caller", svc.Email))
	}
	requestctx.Logger(ctx).Info("payment reconcile completed", fields...)

	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		Checked:   result.Checked,
		Settled:   result.Settled,
		Unchanged: result.Unchanged,
		Pending:   result.Pending,
		Failed:    result.Failed,
	})
}
