package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/payments"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories/memory"
)

var fixedNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func cement(stock int) domain.Product {
	return domain.Product{
		ID:                "P1",
		Name:              "Portland Cement 50kg",
		Price:             42000,
		Unit:              "bag",
		StockQuantity:     stock,
		Status:            domain.ProductStatusActive,
		LowStockThreshold: 2,
	}
}

func product(id, name string, price int64, stock int) domain.Product {
	return domain.Product{
		ID:            id,
		Name:          name,
		Price:         price,
		Unit:          "unit",
		StockQuantity: stock,
		Status:        domain.ProductStatusActive,
	}
}

func testAddress() domain.Address {
	return domain.Address{
		Recipient:  "Selvi K",
		Phone:      "+91 98400 00000",
		Line1:      "12 Anna Salai",
		City:       "Chennai",
		State:      "TN",
		PostalCode: "600002",
		Country:    "IN",
	}
}

type captureEvents struct {
	mu     sync.Mutex
	events []DomainEvent
	err    error
}

func (c *captureEvents) PublishEvent(_ context.Context, event DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureEvents) ofType(eventType string) []DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []DomainEvent
	for _, event := range c.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type captureLogs struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogs) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogs) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

type stubGateway struct {
	createFn   func(context.Context, payments.IntentRequest) (payments.Intent, error)
	retrieveFn func(context.Context, string) (payments.Intent, error)
	verifyFn   func([]byte, string) (payments.WebhookEvent, error)
}

func (s *stubGateway) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.Intent{}, errors.New("not implemented")
}

func (s *stubGateway) RetrieveIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	if s.retrieveFn != nil {
		return s.retrieveFn(ctx, intentID)
	}
	return payments.Intent{}, errors.New("not implemented")
}

func (s *stubGateway) VerifyWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	if s.verifyFn != nil {
		return s.verifyFn(payload, signature)
	}
	return payments.WebhookEvent{}, errors.New("not implemented")
}

type stubReceiptPublisher struct {
	mu       sync.Mutex
	messages []ReceiptMessage
	err      error
}

func (s *stubReceiptPublisher) PublishReceipt(_ context.Context, message ReceiptMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.messages = append(s.messages, message)
	return fmt.Sprintf("msg-%d", len(s.messages)), nil
}

type stubArchiver struct {
	archived []string
	err      error
}

func (s *stubArchiver) Archive(_ context.Context, eventID string, _ time.Time, _ []byte) error {
	s.archived = append(s.archived, eventID)
	return s.err
}

// flakyOrders wraps an order repository and lets tests inject write and read failures.
type flakyOrders struct {
	repositories.OrderRepository
	updateErrs []error
	findErr    error
}

func (f *flakyOrders) Update(ctx context.Context, order domain.Order, expectedVersion int) error {
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	return f.OrderRepository.Update(ctx, order, expectedVersion)
}

func (f *flakyOrders) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if f.findErr != nil {
		return domain.Order{}, f.findErr
	}
	return f.OrderRepository.FindByID(ctx, orderID)
}

// failingReleases rejects every release so compensation failures can be observed.
type failingReleases struct {
	repositories.ProductRepository
}

func (f failingReleases) Release(context.Context, string, int) (domain.Product, error) {
	return domain.Product{}, repositories.Unavailable("test.release", "store offline")
}

type harness struct {
	t        *testing.T
	registry *memory.Registry
	orderDB  *flakyOrders
	clockMu  sync.Mutex
	now      time.Time
	seq      atomic.Int64
	events   *captureEvents
	logs     *captureLogs
	gateway  *stubGateway
	receipts *stubReceiptPublisher
	archive  *stubArchiver
	stock    StockLedger
	orders   OrderService
	payments PaymentService
}

func newHarness(t *testing.T, products ...domain.Product) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		registry: memory.NewRegistry(products...),
		now:      fixedNow,
		events:   &captureEvents{},
		logs:     &captureLogs{},
		gateway:  &stubGateway{},
		receipts: &stubReceiptPublisher{},
		archive:  &stubArchiver{},
	}
	h.orderDB = &flakyOrders{OrderRepository: h.registry.Orders()}

	stock, err := NewStockLedger(StockLedgerDeps{
		Products: h.registry.Products(),
		Events:   h.events,
		Clock:    h.clock,
		Logger:   h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewStockLedger: %v", err)
	}
	h.stock = stock

	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      h.orderDB,
		Stock:       stock,
		Events:      h.events,
		Clock:       h.clock,
		IDGenerator: h.nextID,
		Logger:      h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	h.orders = orders

	receipts, err := NewReceiptService(ReceiptServiceDeps{
		Orders:    h.orderDB,
		Publisher: h.receipts,
		Clock:     h.clock,
		Logger:    h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewReceiptService: %v", err)
	}

	paymentSvc, err := NewPaymentService(PaymentServiceDeps{
		Orders:      h.orderDB,
		Ledger:      h.registry.Payments(),
		Gateway:     h.gateway,
		Receipts:    receipts,
		Events:      h.events,
		Archive:     h.archive,
		Clock:       h.clock,
		IDGenerator: h.nextID,
		Logger:      h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	h.payments = paymentSvc
	return h
}

func (h *harness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) nextID() string {
	return fmt.Sprintf("01JTEST%019d", h.seq.Add(1))
}

func (h *harness) stockOf(productID string) int {
	return h.registry.ProductStore().Stock(productID)
}

func (h *harness) createOrder(userID, key string, method domain.PaymentMethod, lines ...domain.OrderLine) domain.Order {
	h.t.Helper()
	result, err := h.orders.Create(context.Background(), CreateOrderCommand{
		UserID:          userID,
		IdempotencyKey:  key,
		Lines:           lines,
		ShippingAddress: testAddress(),
		PaymentMethod:   method,
		Customer:        domain.CustomerSnapshot{Name: "Selvi K", Email: "selvi@example.com"},
	})
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	return result.Order
}

func (h *harness) storedOrder(orderID string) domain.Order {
	h.t.Helper()
	order, err := h.registry.Orders().FindByID(context.Background(), orderID)
	if err != nil {
		h.t.Fatalf("FindByID: %v", err)
	}
	return order
}

func line(productID string, qty int) domain.OrderLine {
	return domain.OrderLine{ProductID: productID, Quantity: qty}
}

func owner(userID string) Requester {
	return Requester{UserID: userID}
}

func admin() Requester {
	return Requester{UserID: "admin-1", Admin: true}
}

func historyCount(order domain.Order, event string) int {
	n := 0
	for _, entry := range order.StatusHistory {
		if entry.Event == event {
			n++
		}
	}
	return n
}
