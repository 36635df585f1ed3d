package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/httpx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/requestctx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

// serviceErrors is checked in order; wrapped sentinels must precede the ones they wrap.
var serviceErrors = []struct {
	target  error
	code    string
	status  int
	message string
	reason  bool
}{
	{target: services.ErrInsufficientStockDuringUpdate, code: "insufficient_stock_during_update", status: http.StatusConflict, reason: true},
	{target: services.ErrOutOfStock, code: "out_of_stock", status: http.StatusConflict, reason: true},
	{target: services.ErrProductInactive, code: "product_inactive", status: http.StatusConflict, message: "product is not available"},
	{target: services.ErrProductNotFound, code: "product_not_found", status: http.StatusNotFound, message: "product not found"},
	{target: services.ErrOrderIdempotencyRequired, code: "idempotency_key_required", status: http.StatusBadRequest, message: "Idempotency-Key header is required"},
	{target: services.ErrOrderInvalidInput, code: "invalid_request", status: http.StatusBadRequest, reason: true},
	{target: services.ErrPaymentInvalidInput, code: "invalid_request", status: http.StatusBadRequest, reason: true},
	{target: services.ErrOrderNotFound, code: "order_not_found", status: http.StatusNotFound, message: "order not found"},
	{target: services.ErrOrderPermissionDenied, code: "permission_denied", status: http.StatusForbidden, message: "admin role required"},
	{target: services.ErrOrderNotModifiable, code: "order_not_modifiable", status: http.StatusConflict, message: "order can no longer be modified"},
	{target: services.ErrOrderInvalidTransition, code: "invalid_transition", status: http.StatusConflict, reason: true},
	{target: services.ErrOrderConflict, code: "order_conflict", status: http.StatusConflict, message: "order was modified concurrently, retry the request"},
	{target: services.ErrPaymentNotCompleted, code: "payment_not_completed", status: http.StatusConflict, message: "payment has not completed"},
	{target: services.ErrPaymentIntentMismatch, code: "payment_intent_mismatch", status: http.StatusBadRequest, message: "payment intent does not belong to this order"},
	{target: services.ErrPaymentAlreadySettled, code: "payment_already_settled", status: http.StatusConflict, message: "order is already paid"},
	{target: services.ErrPaymentInvalidState, code: "payment_invalid_state", status: http.StatusConflict, reason: true},
	{target: services.ErrWebhookInvalidSignature, code: "invalid_signature", status: http.StatusBadRequest, message: "webhook signature verification failed"},
	{target: services.ErrPaymentGateway, code: "payment_gateway_error", status: http.StatusBadGateway, message: "payment provider request failed"},
	{target: services.ErrRepositoryUnavailable, code: "unavailable", status: http.StatusServiceUnavailable, message: "service temporarily unavailable"},
}

// writeServiceError maps service sentinels onto the error envelope. Unknown errors are
// logged and reported as 500 without detail.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, mapping := range serviceErrors {
		if !errors.Is(err, mapping.target) {
			continue
		}
		message := mapping.message
		if mapping.reason {
			message = userReason(err, mapping.target)
		}
		httpx.WriteError(ctx, w, httpx.NewError(mapping.code, message, mapping.status))
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
		return
	}
	requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
}

// userReason returns the text following the innermost sentinel prefix, so
// "order: insufficient stock during update: stock: out of stock: insufficient stock for X,
// available: 1" becomes "insufficient stock for X, available: 1". Joined secondary errors
// are dropped.
func userReason(err error, target error) string {
	message := err.Error()
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		message = message[:i]
	}
	for _, sentinel := range []error{services.ErrOutOfStock, target} {
		prefix := sentinel.Error() + ": "
		if i := strings.LastIndex(message, prefix); i >= 0 {
			return message[i+len(prefix):]
		}
	}
	return target.Error()
}
