package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

func TestOrderServiceCreate(t *testing.T) {
	h := newHarness(t, cement(10))

	order := h.createOrder("cust-1", "checkout-1", domain.PaymentMethodCOD, line("P1", 5))

	if got := h.stockOf("P1"); got != 5 {
		t.Fatalf("expected stock 5 after reservation, got %d", got)
	}
	if order.TotalAmount != 5*42000 {
		t.Fatalf("expected total %d, got %d", 5*42000, order.TotalAmount)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unexpected statuses %s/%s", order.Status, order.PaymentStatus)
	}
	if !strings.HasPrefix(order.OrderNumber, "SE-20250501-") || len(order.OrderNumber) != len("SE-20250501-")+6 {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if !strings.HasPrefix(order.ID, "ord_") || order.Version != 1 || order.Currency != "INR" || order.Locale != "en-IN" {
		t.Fatalf("unexpected order identity %+v", order)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Event != domain.HistoryEventCreated || order.StatusHistory[0].Actor != "user:cust-1" {
		t.Fatalf("unexpected history %+v", order.StatusHistory)
	}
	item := order.Items[0]
	if item.Name != "Portland Cement 50kg" || item.UnitPrice != 42000 || item.Unit != "bag" {
		t.Fatalf("expected catalog snapshot, got %+v", item)
	}
	if got := len(h.events.ofType(EventOrderCreated)); got != 1 {
		t.Fatalf("expected one order.created event, got %d", got)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	h := newHarness(t, cement(10))
	base := CreateOrderCommand{
		UserID:          "cust-1",
		IdempotencyKey:  "k-1",
		Lines:           []domain.OrderLine{line("P1", 1)},
		ShippingAddress: testAddress(),
		PaymentMethod:   domain.PaymentMethodOnline,
	}

	cases := []struct {
		name   string
		mutate func(*CreateOrderCommand)
		want   error
	}{
		{name: "missing key", mutate: func(c *CreateOrderCommand) { c.IdempotencyKey = " " }, want: ErrOrderIdempotencyRequired},
		{name: "missing user", mutate: func(c *CreateOrderCommand) { c.UserID = "" }, want: ErrOrderInvalidInput},
		{name: "bad payment method", mutate: func(c *CreateOrderCommand) { c.PaymentMethod = "barter" }, want: ErrOrderInvalidInput},
		{name: "incomplete address", mutate: func(c *CreateOrderCommand) { c.ShippingAddress.City = "<b></b>" }, want: ErrOrderInvalidInput},
		{name: "bad locale", mutate: func(c *CreateOrderCommand) { c.Locale = "not a locale!" }, want: ErrOrderInvalidInput},
		{name: "no lines", mutate: func(c *CreateOrderCommand) { c.Lines = nil }, want: ErrOrderInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := base
			tc.mutate(&cmd)
			if _, err := h.orders.Create(context.Background(), cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := h.stockOf("P1"); got != 10 {
				t.Fatalf("expected stock untouched, got %d", got)
			}
		})
	}
}

func TestOrderServiceCreateSanitisesText(t *testing.T) {
	h := newHarness(t, cement(10))
	addr := testAddress()
	addr.Line1 = "<i>12</i>   Anna Salai"
	addr.PostalCode = "６００００２"

	result, err := h.orders.Create(context.Background(), CreateOrderCommand{
		UserID:          "cust-1",
		IdempotencyKey:  "k-1",
		Lines:           []domain.OrderLine{line("P1", 1)},
		ShippingAddress: addr,
		PaymentMethod:   domain.PaymentMethodCOD,
		Notes:           "<b>Deliver</b> after 5pm &amp; call first",
		Locale:          "ta_in",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	order := result.Order
	if order.Notes != "Deliver after 5pm & call first" {
		t.Fatalf("unexpected notes %q", order.Notes)
	}
	if order.ShippingAddress.Line1 != "12 Anna Salai" || order.ShippingAddress.PostalCode != "600002" {
		t.Fatalf("unexpected address %+v", order.ShippingAddress)
	}
	if order.Locale != "ta-IN" {
		t.Fatalf("unexpected locale %q", order.Locale)
	}
}

func TestOrderServiceCreateReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t, cement(10))

	first := h.createOrder("cust-1", "checkout-1", domain.PaymentMethodCOD, line("P1", 2))
	result, err := h.orders.Create(context.Background(), CreateOrderCommand{
		UserID:          "cust-1",
		IdempotencyKey:  "checkout-1",
		Lines:           []domain.OrderLine{line("P1", 2)},
		ShippingAddress: testAddress(),
		PaymentMethod:   domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("Create replay: %v", err)
	}
	if !result.Replayed || result.Order.ID != first.ID {
		t.Fatalf("expected replay of %s, got %+v", first.ID, result)
	}
	if got := h.stockOf("P1"); got != 8 {
		t.Fatalf("expected a single reservation, got stock %d", got)
	}
	if got := h.registry.OrderStore().Len(); got != 1 {
		t.Fatalf("expected one stored order, got %d", got)
	}

	// The key is scoped per user.
	other := h.createOrder("cust-2", "checkout-1", domain.PaymentMethodCOD, line("P1", 1))
	if other.ID == first.ID {
		t.Fatalf("expected a distinct order for another user")
	}
}

func TestOrderServiceCreateRollsBackOnInsertFailure(t *testing.T) {
	h := newHarness(t, cement(10))
	orders, err := NewOrderService(OrderServiceDeps{
		Orders: &stubInsertOrders{OrderRepository: h.registry.Orders(), insertErr: repositories.Unavailable("test.insert", "offline")},
		Stock:  h.stock,
		Clock:  h.clock,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	_, err = orders.Create(context.Background(), CreateOrderCommand{
		UserID:          "cust-1",
		IdempotencyKey:  "k-1",
		Lines:           []domain.OrderLine{line("P1", 4)},
		ShippingAddress: testAddress(),
		PaymentMethod:   domain.PaymentMethodCOD,
	})
	if !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
	if got := h.stockOf("P1"); got != 10 {
		t.Fatalf("expected reservation released, got stock %d", got)
	}
}

type stubInsertOrders struct {
	repositories.OrderRepository
	insertErr error
}

func (s *stubInsertOrders) Insert(context.Context, domain.Order) error {
	return s.insertErr
}

func TestOrderServiceCreateRollsBackPartialReservation(t *testing.T) {
	h := newHarness(t, cement(10), product("P2", "TMT Bar 12mm", 78000, 1))

	_, err := h.orders.Create(context.Background(), CreateOrderCommand{
		UserID:          "cust-1",
		IdempotencyKey:  "k-1",
		Lines:           []domain.OrderLine{line("P1", 5), line("P2", 3)},
		ShippingAddress: testAddress(),
		PaymentMethod:   domain.PaymentMethodOnline,
	})
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	if got := h.stockOf("P1"); got != 10 {
		t.Fatalf("expected P1 released, got %d", got)
	}
	if got := h.registry.OrderStore().Len(); got != 0 {
		t.Fatalf("expected no order stored, got %d", got)
	}
}

func TestOrderServiceCreateNeverOversells(t *testing.T) {
	h := newHarness(t, cement(1))

	const buyers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orders.Create(context.Background(), CreateOrderCommand{
				UserID:          fmt.Sprintf("cust-%d", i),
				IdempotencyKey:  "checkout",
				Lines:           []domain.OrderLine{line("P1", 1)},
				ShippingAddress: testAddress(),
				PaymentMethod:   domain.PaymentMethodCOD,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrOutOfStock):
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || outOfStock != buyers-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d out of stock", successes, outOfStock)
	}
	if got := h.stockOf("P1"); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestOrderServiceCancelScenario(t *testing.T) {
	h := newHarness(t, cement(10))
	order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 5))

	cancelled, err := h.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Requester: owner("cust-1"), Reason: "ordered twice"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || h.stockOf("P1") != 10 {
		t.Fatalf("expected cancelled order and stock 10, got %s and %d", cancelled.Status, h.stockOf("P1"))
	}
	last := cancelled.StatusHistory[len(cancelled.StatusHistory)-1]
	if last.Event != domain.HistoryEventCancelled || last.Note != "ordered twice" {
		t.Fatalf("unexpected history entry %+v", last)
	}

	if _, err := h.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition on second cancel, got %v", err)
	}
	if got := h.stockOf("P1"); got != 10 {
		t.Fatalf("expected no double release, got stock %d", got)
	}
	if got := len(h.events.ofType(EventOrderCancelled)); got != 1 {
		t.Fatalf("expected one cancel event, got %d", got)
	}
}

func TestOrderServiceCancelGates(t *testing.T) {
	h := newHarness(t, cement(10))
	order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 1))

	if _, err := h.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Requester: owner("cust-2")}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected other users to get ErrOrderNotFound, got %v", err)
	}

	h.advance(25 * time.Hour)
	if _, err := h.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrOrderNotModifiable) {
		t.Fatalf("expected ErrOrderNotModifiable outside the window, got %v", err)
	}
	if got := h.stockOf("P1"); got != 9 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestOrderServiceModifiabilityBoundary(t *testing.T) {
	cases := []struct {
		name    string
		age     time.Duration
		status  domain.OrderStatus
		wantErr error
	}{
		{name: "inside window", age: 23*time.Hour + 59*time.Minute},
		{name: "outside window", age: 24*time.Hour + time.Minute, wantErr: ErrOrderNotModifiable},
		{name: "shipped", age: time.Minute, status: domain.OrderStatusShipped, wantErr: ErrOrderNotModifiable},
		{name: "confirmed", age: time.Minute, status: domain.OrderStatusConfirmed, wantErr: ErrOrderNotModifiable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, cement(10))
			order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 1))
			if tc.status != "" {
				if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: admin(), Target: tc.status}); err != nil {
					t.Fatalf("TransitionStatus: %v", err)
				}
			}
			h.advance(tc.age)

			notes := "leave at gate"
			_, err := h.orders.UpdateDetails(context.Background(), UpdateOrderDetailsCommand{OrderID: order.ID, Requester: owner("cust-1"), Notes: &notes})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestOrderServiceUpdateDetails(t *testing.T) {
	h := newHarness(t, cement(10))
	order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 1))

	addr := testAddress()
	addr.Line2 = "Near <b>bus stand</b>"
	updated, err := h.orders.UpdateDetails(context.Background(), UpdateOrderDetailsCommand{OrderID: order.ID, Requester: owner("cust-1"), ShippingAddress: &addr})
	if err != nil {
		t.Fatalf("UpdateDetails: %v", err)
	}
	if updated.ShippingAddress.Line2 != "Near bus stand" || updated.Version != 2 {
		t.Fatalf("unexpected update %+v", updated)
	}
	if historyCount(updated, domain.HistoryEventUpdated) != 1 {
		t.Fatalf("expected an updated history entry")
	}
	if _, err := h.orders.UpdateDetails(context.Background(), UpdateOrderDetailsCommand{OrderID: order.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for empty patch, got %v", err)
	}
}

func TestOrderServiceUpdateItems(t *testing.T) {
	t.Run("replacement adjusts stock", func(t *testing.T) {
		h := newHarness(t, product("A", "Sand", 1000, 10), product("B", "Gravel", 1500, 10), product("C", "Brick", 900, 10))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("A", 2), line("B", 3))

		updated, err := h.orders.UpdateItems(context.Background(), UpdateOrderItemsCommand{
			OrderID:   order.ID,
			Requester: owner("cust-1"),
			Lines:     []domain.OrderLine{line("A", 4), line("C", 1)},
		})
		if err != nil {
			t.Fatalf("UpdateItems: %v", err)
		}
		if a, b, c := h.stockOf("A"), h.stockOf("B"), h.stockOf("C"); a != 6 || b != 10 || c != 9 {
			t.Fatalf("expected A=6 B=10 C=9, got A=%d B=%d C=%d", a, b, c)
		}
		if updated.TotalAmount != 4*1000+900 || updated.Version != 2 {
			t.Fatalf("unexpected totals %+v", updated)
		}
		stored := h.storedOrder(order.ID)
		if len(stored.Items) != 2 || historyCount(stored, domain.HistoryEventUpdated) != 1 {
			t.Fatalf("unexpected stored order %+v", stored)
		}
	})

	t.Run("insufficient stock restores the original reservation", func(t *testing.T) {
		h := newHarness(t, product("A", "Sand", 1000, 10), product("B", "Gravel", 1500, 10), product("C", "Brick", 900, 0))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("A", 2), line("B", 3))

		_, err := h.orders.UpdateItems(context.Background(), UpdateOrderItemsCommand{
			OrderID:   order.ID,
			Requester: owner("cust-1"),
			Lines:     []domain.OrderLine{line("A", 2), line("C", 1)},
		})
		if !errors.Is(err, ErrInsufficientStockDuringUpdate) {
			t.Fatalf("expected ErrInsufficientStockDuringUpdate, got %v", err)
		}
		if a, b, c := h.stockOf("A"), h.stockOf("B"), h.stockOf("C"); a != 8 || b != 7 || c != 0 {
			t.Fatalf("expected A=8 B=7 C=0, got A=%d B=%d C=%d", a, b, c)
		}
		stored := h.storedOrder(order.ID)
		if stored.Version != 1 || len(stored.Items) != 2 || stored.Items[1].ProductID != "B" {
			t.Fatalf("expected order untouched, got %+v", stored)
		}
	})

	t.Run("write conflict rolls back increases", func(t *testing.T) {
		h := newHarness(t, product("A", "Sand", 1000, 10))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("A", 2))
		h.orderDB.updateErrs = []error{repositories.Conflict("test.update", "version changed")}

		_, err := h.orders.UpdateItems(context.Background(), UpdateOrderItemsCommand{
			OrderID:   order.ID,
			Requester: owner("cust-1"),
			Lines:     []domain.OrderLine{line("A", 6)},
		})
		if !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("expected ErrOrderConflict, got %v", err)
		}
		if got := h.stockOf("A"); got != 8 {
			t.Fatalf("expected increase rolled back, got %d", got)
		}
	})
}

func TestOrderServiceDelete(t *testing.T) {
	h := newHarness(t, cement(10))
	order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 3))

	if err := h.orders.Delete(context.Background(), DeleteOrderCommand{OrderID: order.ID, Requester: owner("cust-1")}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := h.stockOf("P1"); got != 10 {
		t.Fatalf("expected stock restored, got %d", got)
	}
	if _, err := h.orders.Get(context.Background(), order.ID, owner("cust-1")); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected deleted order to be gone, got %v", err)
	}

	confirmed := h.createOrder("cust-1", "k-2", domain.PaymentMethodCOD, line("P1", 1))
	if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: confirmed.ID, Requester: admin(), Target: domain.OrderStatusConfirmed}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	if err := h.orders.Delete(context.Background(), DeleteOrderCommand{OrderID: confirmed.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
}

func TestOrderServiceTransitionStatus(t *testing.T) {
	t.Run("requires admin", func(t *testing.T) {
		h := newHarness(t, cement(10))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 1))
		if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: owner("cust-1"), Target: domain.OrderStatusShipped}); !errors.Is(err, ErrOrderPermissionDenied) {
			t.Fatalf("expected ErrOrderPermissionDenied, got %v", err)
		}
	})

	t.Run("cancel from shipped releases once", func(t *testing.T) {
		h := newHarness(t, cement(10))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 4))
		for _, target := range []domain.OrderStatus{domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusCancelled} {
			if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: admin(), Target: target}); err != nil {
				t.Fatalf("TransitionStatus(%s): %v", target, err)
			}
		}
		if got := h.stockOf("P1"); got != 10 {
			t.Fatalf("expected a single release back to 10, got %d", got)
		}
		stored := h.storedOrder(order.ID)
		if historyCount(stored, domain.HistoryEventCancelled) != 1 {
			t.Fatalf("expected one cancelled entry, got %+v", stored.StatusHistory)
		}
	})

	t.Run("delivered cod order is paid and retires stock", func(t *testing.T) {
		h := newHarness(t, cement(10))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 4))
		delivered, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: admin(), Target: domain.OrderStatusDelivered, Note: "handed over"})
		if err != nil {
			t.Fatalf("TransitionStatus: %v", err)
		}
		if delivered.PaymentStatus != domain.PaymentStatusPaid || h.stockOf("P1") != 6 {
			t.Fatalf("expected paid delivery with stock 6, got %s and %d", delivered.PaymentStatus, h.stockOf("P1"))
		}
		last := delivered.StatusHistory[len(delivered.StatusHistory)-1]
		if last.Actor != "admin:admin-1" || last.Note != "handed over" || last.Status != domain.OrderStatusDelivered {
			t.Fatalf("unexpected history entry %+v", last)
		}
		if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: admin(), Target: domain.OrderStatusCancelled}); !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected delivered to be terminal, got %v", err)
		}
	})

	t.Run("same status and unknown targets are rejected", func(t *testing.T) {
		h := newHarness(t, cement(10))
		order := h.createOrder("cust-1", "k-1", domain.PaymentMethodOnline, line("P1", 1))
		if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: admin(), Target: domain.OrderStatusPending}); !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
		}
		if _, err := h.orders.TransitionStatus(context.Background(), TransitionOrderStatusCommand{OrderID: order.ID, Requester: admin(), Target: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
		}
	})
}

func TestOrderServiceGetVisibility(t *testing.T) {
	h := newHarness(t, cement(10))
	order := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 1))

	if _, err := h.orders.Get(context.Background(), order.ID, owner("cust-2")); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for another user, got %v", err)
	}
	if got, err := h.orders.Get(context.Background(), order.ID, admin()); err != nil || got.ID != order.ID {
		t.Fatalf("expected admin to read the order, got %v", err)
	}
	h.orderDB.findErr = repositories.Unavailable("test.find", "offline")
	if _, err := h.orders.Get(context.Background(), order.ID, owner("cust-1")); !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
}

func TestOrderServiceStockConservation(t *testing.T) {
	h := newHarness(t, product("A", "Sand", 1000, 50), product("B", "Gravel", 1500, 50))
	ctx := context.Background()

	updated := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("A", 5), line("B", 5))
	if _, err := h.orders.UpdateItems(ctx, UpdateOrderItemsCommand{OrderID: updated.ID, Requester: owner("cust-1"), Lines: []domain.OrderLine{line("A", 7)}}); err != nil {
		t.Fatalf("UpdateItems: %v", err)
	}
	if _, err := h.orders.Cancel(ctx, CancelOrderCommand{OrderID: updated.ID, Requester: owner("cust-1")}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deleted := h.createOrder("cust-1", "k-2", domain.PaymentMethodCOD, line("B", 9))
	if err := h.orders.Delete(ctx, DeleteOrderCommand{OrderID: deleted.ID, Requester: owner("cust-1")}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	delivered := h.createOrder("cust-1", "k-3", domain.PaymentMethodCOD, line("A", 3), line("B", 2))
	if _, err := h.orders.TransitionStatus(ctx, TransitionOrderStatusCommand{OrderID: delivered.ID, Requester: admin(), Target: domain.OrderStatusDelivered}); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	if a, b := h.stockOf("A"), h.stockOf("B"); a != 47 || b != 48 {
		t.Fatalf("expected only delivered quantities to stay out (A=47 B=48), got A=%d B=%d", a, b)
	}
}
