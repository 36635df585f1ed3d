package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/auth"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/httpx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/idempotency"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

const (
	maxCreateOrderBodySize = 32 * 1024
	maxOrderCancelBodySize = 4 * 1024
)

type createOrderRequest struct {
	Items           []orderLinePayload `json:"items"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	PaymentMethod   string             `json:"payment_method"`
	Notes           string             `json:"notes"`
	Locale          string             `json:"locale"`
}

type updateOrderItemsRequest struct {
	Items []orderLinePayload `json:"items"`
}

type updateOrderDetailsRequest struct {
	ShippingAddress *addressPayload `json:"shipping_address"`
	Notes           *string         `json:"notes"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type paymentIntentResponse struct {
	OrderID      string `json:"order_id"`
	IntentID     string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Reused       bool   `json:"reused"`
}

// OrderHandlers exposes the customer order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
	clock       func() time.Time
	window      time.Duration
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderPayments enables the payment-intent endpoint.
func WithOrderPayments(payments services.PaymentService) OrderHandlersOption {
	return func(h *OrderHandlers) { h.payments = payments }
}

// WithOrderIdempotency installs the Idempotency-Key middleware in front of order creation.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) { h.idempotency = mw }
}

// WithOrderCreateRateLimit caps order creation per user within window.
func WithOrderCreateRateLimit(limit int, window time.Duration) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, func() time.Time { return h.clock() })
	}
}

func WithOrderClock(clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithOrderModificationWindow sets the window used to report whether an order is still editable.
func WithOrderModificationWindow(window time.Duration) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if window > 0 {
			h.window = window
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
		clock:  time.Now,
		window: domain.DefaultModificationWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/{orderID}", h.getOrder)
	r.Put("/{orderID}/items", h.updateOrderItems)
	r.Patch("/{orderID}", h.updateOrderDetails)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Delete("/{orderID}", h.deleteOrder)
	r.Post("/{orderID}/payment-intent", h.createPaymentIntent)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, identity, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Allow(requester.UserID); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many orders, try again later", http.StatusTooManyRequests))
			return
		}
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxCreateOrderBodySize, false, &req) {
		return
	}

	key := idempotency.KeyFromContext(ctx)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(idempotency.DefaultHeader))
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = identity.Locale
	}

	result, err := h.orders.Create(ctx, services.CreateOrderCommand{
		UserID:          requester.UserID,
		IdempotencyKey:  key,
		Lines:           linesToDomain(req.Items),
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Notes:           req.Notes,
		Locale:          locale,
		Customer: domain.CustomerSnapshot{
			Name:  identity.Name,
			Email: identity.Email,
			Phone: identity.Phone,
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	} else {
		w.Header().Set("Location", "/api/v1/orders/"+result.Order.ID)
	}
	writeJSONResponse(w, status, orderResponse{
		Order:    buildOrderPayload(result.Order, h.view(result.Order, requester)),
		Replayed: result.Replayed,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
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
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, h.view(order, requester))})
}

func (h *OrderHandlers) updateOrderItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateOrderItemsRequest
	if !decodeJSONBody(w, r, maxCreateOrderBodySize, false, &req) {
		return
	}

	order, err := h.orders.UpdateItems(ctx, services.UpdateOrderItemsCommand{
		OrderID:   orderID,
		Requester: requester,
		Lines:     linesToDomain(req.Items),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, h.view(order, requester))})
}

func (h *OrderHandlers) updateOrderDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req updateOrderDetailsRequest
	if !decodeJSONBody(w, r, defaultBodyLimit, false, &req) {
		return
	}
	if req.ShippingAddress == nil && req.Notes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping_address or notes is required", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderDetailsCommand{
		OrderID:   orderID,
		Requester: requester,
		Notes:     req.Notes,
	}
	if req.ShippingAddress != nil {
		addr := req.ShippingAddress.toDomain()
		cmd.ShippingAddress = &addr
	}
	order, err := h.orders.UpdateDetails(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, h.view(order, requester))})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderCancelBodySize, true, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:   orderID,
		Requester: requester,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order, h.view(order, requester))})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	if err := h.orders.Delete(ctx, services.DeleteOrderCommand{OrderID: orderID, Requester: requester}); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	requester, _, ok := requesterFrom(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	result, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{OrderID: orderID, Requester: requester})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, paymentIntentResponse{
		OrderID:      result.OrderID,
		IntentID:     result.IntentID,
		ClientSecret: result.ClientSecret,
		Amount:       result.Amount,
		Currency:     strings.ToUpper(result.Currency),
		Reused:       result.Reused,
	})
}

func (h *OrderHandlers) view(order domain.Order, requester services.Requester) orderView {
	return orderView{
		modifiable: order.Modifiable(h.clock(), h.window),
		admin:      requester.Admin,
	}
}
