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

const maxStatusBodySize = 4 * 1024

type adminStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// AdminOrderHandlers serves staff order operations. Every route requires the admin role.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
	clock  func() time.Time
	window time.Duration
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, clock func() time.Time, window time.Duration) *AdminOrderHandlers {
	if clock == nil {
		clock = time.Now
	}
	if window <= 0 {
		window = domain.DefaultModificationWindow
	}
	return &AdminOrderHandlers{authn: authn, orders: orders, clock: clock, window: window}
}

// Routes registers the admin order endpoints under the /admin group.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Patch("/orders/{orderID}/status", h.updateStatus)
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := adminRequester(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(ctx, orderID, requester)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, h.view(order))})
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, ok := adminRequester(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req adminStatusRequest
	if !decodeJSONBody(w, r, maxStatusBodySize, false, &req) {
		return
	}
	target, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be one of pending, confirmed, processing, shipped, delivered, cancelled", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionOrderStatusCommand{
		OrderID:   orderID,
		Requester: requester,
		Target:    target,
		Note:      strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, h.view(order))})
}

func (h *AdminOrderHandlers) view(order domain.Order) orderView {
	return orderView{modifiable: order.Modifiable(h.clock(), h.window), admin: true}
}

// adminRequester re-checks the role so the handlers stay safe when mounted without the
// Firebase middleware.
func adminRequester(w http.ResponseWriter, r *http.Request) (services.Requester, bool) {
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return services.Requester{}, false
	}
	if !requester.Admin {
		httpx.WriteError(r.Context(), w, httpx.NewError("permission_denied", "admin role required", http.StatusForbidden))
		return services.Requester{}, false
	}
	return requester, true
}
