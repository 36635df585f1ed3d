package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/auth"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

var testNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type stubOrderService struct {
	createFn        func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error)
	getFn           func(context.Context, string, services.Requester) (domain.Order, error)
	updateItemsFn   func(context.Context, services.UpdateOrderItemsCommand) (domain.Order, error)
	updateDetailsFn func(context.Context, services.UpdateOrderDetailsCommand) (domain.Order, error)
	cancelFn        func(context.Context, services.CancelOrderCommand) (domain.Order, error)
	deleteFn        func(context.Context, services.DeleteOrderCommand) error
	transitionFn    func(context.Context, services.TransitionOrderStatusCommand) (domain.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CreateOrderResult{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, requester services.Requester) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, requester)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateItems(ctx context.Context, cmd services.UpdateOrderItemsCommand) (domain.Order, error) {
	if s.updateItemsFn != nil {
		return s.updateItemsFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateDetails(ctx context.Context, cmd services.UpdateOrderDetailsCommand) (domain.Order, error) {
	if s.updateDetailsFn != nil {
		return s.updateDetailsFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Delete(ctx context.Context, cmd services.DeleteOrderCommand) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionOrderStatusCommand) (domain.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

type stubPaymentService struct {
	createIntentFn func(context.Context, services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error)
	confirmFn      func(context.Context, services.ConfirmPaymentCommand) (services.SettlementResult, error)
	webhookFn      func(context.Context, services.WebhookCommand) (services.WebhookResult, error)
	reconcileFn    func(context.Context, services.ReconcileCommand) (services.ReconcileResult, error)
}

func (s *stubPaymentService) CreateIntent(ctx context.Context, cmd services.CreatePaymentIntentCommand) (services.PaymentIntentResult, error) {
	if s.createIntentFn != nil {
		return s.createIntentFn(ctx, cmd)
	}
	return services.PaymentIntentResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) Confirm(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.SettlementResult, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return services.SettlementResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) HandleWebhook(ctx context.Context, cmd services.WebhookCommand) (services.WebhookResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, cmd)
	}
	return services.WebhookResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) Settle(context.Context, services.SettleCommand) (services.SettlementResult, error) {
	return services.SettlementResult{}, errors.New("not implemented")
}

func (s *stubPaymentService) Reconcile(ctx context.Context, cmd services.ReconcileCommand) (services.ReconcileResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func sampleOrder() domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "SE-20250501-ABC123",
		UserID:      "user-1",
		Items: []domain.OrderItem{
			{ProductID: "cement-53", Name: "OPC Cement 53 Grade", UnitPrice: 42000, Quantity: 2, Unit: "bag", LineSubtotal: 84000},
		},
		TotalAmount: 84000,
		Currency:    "inr",
		ShippingAddress: domain.Address{
			Recipient:  "Selvi",
			Line1:      "12 Gandhi Road",
			City:       "Madurai",
			PostalCode: "625001",
			Country:    "IN",
		},
		PaymentMethod: domain.PaymentMethodCOD,
		PaymentStatus: domain.PaymentStatusPending,
		Status:        domain.OrderStatusPending,
		StatusHistory: []domain.StatusHistoryEntry{
			{Status: domain.OrderStatusPending, Event: domain.HistoryEventCreated, Actor: "user:user-1", At: testNow},
		},
		Receipt:   domain.ReceiptDelivery{Status: domain.ReceiptStatusNotSent},
		Version:   1,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

// serve routes req through a fresh chi router mounted at prefix, authenticated as identity
// when it is non-nil.
func serve(t *testing.T, prefix string, routes func(chi.Router), identity *auth.Identity, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route(prefix, routes)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
