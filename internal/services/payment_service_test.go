package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/payments"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

// fakeIntents is an in-memory gateway backing the harness stub.
type fakeIntents struct {
	mu        sync.Mutex
	intents   map[string]payments.Intent
	requests  []payments.IntentRequest
	createErr error
}

func installIntents(h *harness) *fakeIntents {
	f := &fakeIntents{intents: map[string]payments.Intent{}}
	h.gateway.createFn = f.create
	h.gateway.retrieveFn = f.retrieve
	return f
}

func (f *fakeIntents) create(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return payments.Intent{}, f.createErr
	}
	f.requests = append(f.requests, req)
	id := fmt.Sprintf("pi_%d", len(f.requests))
	intent := payments.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       domain.IntentStatusCreated,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Metadata:     req.Metadata,
	}
	f.intents[id] = intent
	return intent, nil
}

func (f *fakeIntents) retrieve(_ context.Context, intentID string) (payments.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[intentID]
	if !ok {
		return payments.Intent{}, fmt.Errorf("%w: %s", payments.ErrIntentNotFound, intentID)
	}
	return intent, nil
}

func (f *fakeIntents) put(intent payments.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[intent.ID] = intent
}

func (f *fakeIntents) setStatus(intentID string, status domain.IntentStatus) payments.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent := f.intents[intentID]
	intent.Status = status
	if status == domain.IntentStatusFailed {
		intent.FailureReason = "card_declined"
	}
	f.intents[intentID] = intent
	return intent
}

func (f *fakeIntents) get(intentID string) payments.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intents[intentID]
}

// deliver makes the next webhook verification return an event for the intent.
func deliver(h *harness, eventID string, observed domain.IntentStatus, intent payments.Intent) WebhookCommand {
	h.gateway.verifyFn = func(payload []byte, signature string) (payments.WebhookEvent, error) {
		if signature != "sig" {
			return payments.WebhookEvent{}, payments.ErrInvalidSignature
		}
		return payments.WebhookEvent{
			ID:       eventID,
			Type:     "payment_intent." + string(observed),
			Observed: observed,
			Intent:   intent,
			Payload:  payload,
		}, nil
	}
	return WebhookCommand{Payload: []byte(`{"id":"` + eventID + `"}`), Signature: "sig"}
}

func onlineOrderWithIntent(t *testing.T, h *harness, gateway *fakeIntents, key string) (domain.Order, string) {
	t.Helper()
	order := h.createOrder("cust-1", key, domain.PaymentMethodOnline, line("P1", 2))
	result, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: order.ID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	return h.storedOrder(order.ID), result.IntentID
}

func TestPaymentServiceCreateIntent(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order := h.createOrder("cust-1", "k-1", domain.PaymentMethodOnline, line("P1", 2))

	result, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: order.ID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if result.IntentID != "pi_1" || result.ClientSecret != "pi_1_secret" || result.Amount != 84000 || result.Currency != "INR" || result.Reused {
		t.Fatalf("unexpected result %+v", result)
	}
	req := gateway.requests[0]
	if req.IdempotencyKey != "intent:"+order.ID+":v1" {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if req.Metadata[payments.MetadataOrderID] != order.ID || req.Metadata[payments.MetadataOrderNumber] != order.OrderNumber || req.Metadata[payments.MetadataUserID] != "cust-1" {
		t.Fatalf("unexpected metadata %+v", req.Metadata)
	}
	stored := h.storedOrder(order.ID)
	if stored.IntentID() != "pi_1" || stored.Version != 2 {
		t.Fatalf("expected intent stored on order, got %+v", stored)
	}

	again, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: order.ID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("CreateIntent reuse: %v", err)
	}
	if !again.Reused || again.IntentID != "pi_1" || len(gateway.requests) != 1 {
		t.Fatalf("expected open intent to be reused, got %+v after %d requests", again, len(gateway.requests))
	}
}

func TestPaymentServiceCreateIntentRejections(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)

	cod := h.createOrder("cust-1", "k-1", domain.PaymentMethodCOD, line("P1", 1))
	if _, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: cod.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState for cod, got %v", err)
	}

	online := h.createOrder("cust-1", "k-2", domain.PaymentMethodOnline, line("P1", 1))
	if _, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: online.ID, Requester: owner("cust-9")}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for another user, got %v", err)
	}

	gateway.createErr = fmt.Errorf("%w: card network down", payments.ErrGateway)
	if _, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: online.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentGateway) {
		t.Fatalf("expected ErrPaymentGateway, got %v", err)
	}
	if got := h.storedOrder(online.ID); got.IntentID() != "" {
		t.Fatalf("expected no intent stored after gateway failure, got %q", got.IntentID())
	}

	if _, err := h.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: online.ID, Requester: owner("cust-1")}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	gateway.createErr = nil
	if _, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: online.ID, Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected ErrPaymentInvalidState for cancelled order, got %v", err)
	}
}

func TestPaymentServiceCreateIntentSettlesSucceededIntent(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	gateway.setStatus(intentID, domain.IntentStatusSucceeded)

	_, err := h.payments.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: order.ID, Requester: owner("cust-1")})
	if !errors.Is(err, ErrPaymentAlreadySettled) {
		t.Fatalf("expected ErrPaymentAlreadySettled, got %v", err)
	}
	stored := h.storedOrder(order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPaid || stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected settled order, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	if len(gateway.requests) != 1 {
		t.Fatalf("expected no second intent, got %d", len(gateway.requests))
	}
}

func TestPaymentServiceConfirm(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")

	if _, err := h.payments.Confirm(context.Background(), ConfirmPaymentCommand{OrderID: order.ID, IntentID: intentID, Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentNotCompleted) {
		t.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}

	gateway.put(payments.Intent{
		ID:       "pi_other",
		Status:   domain.IntentStatusSucceeded,
		Amount:   84000,
		Metadata: map[string]string{payments.MetadataOrderID: "ord_elsewhere"},
	})
	if _, err := h.payments.Confirm(context.Background(), ConfirmPaymentCommand{OrderID: order.ID, IntentID: "pi_other", Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentIntentMismatch) {
		t.Fatalf("expected ErrPaymentIntentMismatch, got %v", err)
	}
	if _, err := h.payments.Confirm(context.Background(), ConfirmPaymentCommand{OrderID: order.ID, IntentID: "pi_missing", Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentIntentMismatch) {
		t.Fatalf("expected ErrPaymentIntentMismatch for unknown intent, got %v", err)
	}

	gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	result, err := h.payments.Confirm(context.Background(), ConfirmPaymentCommand{OrderID: order.ID, IntentID: intentID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !result.OrderChanged || !result.LedgerCreated || result.Noop {
		t.Fatalf("unexpected settlement %+v", result)
	}
	if result.Order.Status != domain.OrderStatusConfirmed || result.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected confirmed and paid, got %s/%s", result.Order.Status, result.Order.PaymentStatus)
	}
	if result.Ledger.Status != domain.LedgerStatusSuccess || result.Ledger.Amount != 84000 || result.Ledger.PaymentDate == nil {
		t.Fatalf("unexpected ledger row %+v", result.Ledger)
	}
	if result.Order.Receipt.Status != domain.ReceiptStatusSent || len(h.receipts.messages) != 1 {
		t.Fatalf("expected one receipt sent, got %+v", result.Order.Receipt)
	}
	last := result.Order.StatusHistory[len(result.Order.StatusHistory)-1]
	if last.Event != domain.HistoryEventPaymentSucceeded || last.Actor != "system:confirm" {
		t.Fatalf("unexpected history entry %+v", last)
	}
	if got := len(h.events.ofType(EventPaymentSettled)); got != 1 {
		t.Fatalf("expected one payment.settled event, got %d", got)
	}
}

func TestPaymentServiceSettlementIsIdempotent(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	intent := gateway.setStatus(intentID, domain.IntentStatusSucceeded)

	if _, err := h.payments.Confirm(context.Background(), ConfirmPaymentCommand{OrderID: order.ID, IntentID: intentID, Requester: owner("cust-1")}); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	webhook, err := h.payments.HandleWebhook(context.Background(), deliver(h, "evt_1", domain.IntentStatusSucceeded, intent))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if webhook.Reason != "already settled" || webhook.Settlement == nil || !webhook.Settlement.Noop {
		t.Fatalf("expected an acknowledged no-op, got %+v", webhook)
	}
	reconciled, err := h.payments.Settle(context.Background(), SettleCommand{IntentID: intentID, Observed: domain.IntentStatusSucceeded, Intent: intent, Source: SettlementSourceReconcile})
	if err != nil || !reconciled.Noop {
		t.Fatalf("expected third observation to be a no-op, got %+v, %v", reconciled, err)
	}

	stored := h.storedOrder(order.ID)
	if got := historyCount(stored, domain.HistoryEventPaymentSucceeded); got != 1 {
		t.Fatalf("expected one payment_succeeded entry, got %d", got)
	}
	if got := h.registry.PaymentStore().Len(); got != 1 {
		t.Fatalf("expected one ledger row, got %d", got)
	}
	if got := len(h.receipts.messages); got != 1 {
		t.Fatalf("expected one receipt, got %d", got)
	}
	if len(h.archive.archived) != 1 || h.archive.archived[0] != "evt_1" {
		t.Fatalf("expected webhook archived, got %v", h.archive.archived)
	}
}

func TestPaymentServiceLateFailureAfterSuccess(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	intent := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	if _, err := h.payments.Settle(context.Background(), SettleCommand{IntentID: intentID, Observed: domain.IntentStatusSucceeded, Intent: intent, Source: SettlementSourceWebhook}); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	intent.Status = domain.IntentStatusFailed
	result, err := h.payments.Settle(context.Background(), SettleCommand{IntentID: intentID, Observed: domain.IntentStatusFailed, Intent: intent, Source: SettlementSourceWebhook})
	if err != nil {
		t.Fatalf("Settle failure: %v", err)
	}
	if !result.Noop {
		t.Fatalf("expected a late failure to be a no-op, got %+v", result)
	}
	stored := h.storedOrder(order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPaid || historyCount(stored, domain.HistoryEventPaymentFailed) != 0 {
		t.Fatalf("expected paid to be final, got %+v", stored)
	}
	record, err := h.registry.Payments().FindByTransactionID(context.Background(), intentID)
	if err != nil || record.Status != domain.LedgerStatusSuccess {
		t.Fatalf("expected ledger to stay success, got %+v, %v", record, err)
	}
}

func TestPaymentServiceFailureThenRetry(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	ctx := context.Background()

	failed := gateway.setStatus(intentID, domain.IntentStatusFailed)
	if _, err := h.payments.HandleWebhook(ctx, deliver(h, "evt_1", domain.IntentStatusFailed, failed)); err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	stored := h.storedOrder(order.ID)
	if stored.PaymentStatus != domain.PaymentStatusFailed || stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected failed payment on pending order, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	last := stored.StatusHistory[len(stored.StatusHistory)-1]
	if last.Event != domain.HistoryEventPaymentFailed || last.Note != "card_declined" {
		t.Fatalf("unexpected history entry %+v", last)
	}

	canceled := gateway.setStatus(intentID, domain.IntentStatusCanceled)
	if _, err := h.payments.HandleWebhook(ctx, deliver(h, "evt_2", domain.IntentStatusCanceled, canceled)); err != nil {
		t.Fatalf("HandleWebhook canceled: %v", err)
	}
	stored = h.storedOrder(order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPending || historyCount(stored, domain.HistoryEventPaymentCancelled) != 1 {
		t.Fatalf("expected payment back to pending, got %+v", stored)
	}
	record, err := h.registry.Payments().FindByTransactionID(ctx, intentID)
	if err != nil || record.Status != domain.LedgerStatusCancelled {
		t.Fatalf("expected ledger cancelled, got %+v, %v", record, err)
	}

	succeeded := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	result, err := h.payments.Settle(ctx, SettleCommand{IntentID: intentID, Observed: domain.IntentStatusSucceeded, Intent: succeeded, Source: SettlementSourceWebhook})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPaid || result.Ledger.Status != domain.LedgerStatusSuccess || result.LedgerCreated {
		t.Fatalf("expected the same ledger row to move to success, got %+v", result)
	}
	if got := h.registry.PaymentStore().Len(); got != 1 {
		t.Fatalf("expected one ledger row per intent, got %d", got)
	}
}

func TestPaymentServiceRefundIsLedgerOnly(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	intent := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	if _, err := h.payments.Settle(context.Background(), SettleCommand{IntentID: intentID, Observed: domain.IntentStatusSucceeded, Intent: intent, Source: SettlementSourceWebhook}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	before := h.storedOrder(order.ID)

	refunded := gateway.setStatus(intentID, domain.IntentStatusRefunded)
	result, err := h.payments.HandleWebhook(context.Background(), deliver(h, "evt_refund", domain.IntentStatusRefunded, refunded))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if result.Settlement == nil || result.Settlement.Ledger.Status != domain.LedgerStatusRefunded || result.Settlement.OrderChanged {
		t.Fatalf("expected ledger-only refund, got %+v", result.Settlement)
	}
	after := h.storedOrder(order.ID)
	if after.Version != before.Version || after.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected order untouched by refund, got %+v", after)
	}
	if got := len(h.events.ofType(EventPaymentRefunded)); got != 1 {
		t.Fatalf("expected one refund event, got %d", got)
	}
}

func TestPaymentServiceLateSuccessOnCancelledOrder(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	if _, err := h.orders.Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, Requester: owner("cust-1")}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	intent := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	if _, err := h.payments.HandleWebhook(context.Background(), deliver(h, "evt_1", domain.IntentStatusSucceeded, intent)); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	stored := h.storedOrder(order.ID)
	if stored.Status != domain.OrderStatusCancelled || stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected a paid cancelled order, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	if got := h.logs.count(paymentEventCancelledOrderPay); got != 1 {
		t.Fatalf("expected the late payment to be flagged, got %d", got)
	}
	if got := h.stockOf("P1"); got != 10 {
		t.Fatalf("expected stock to stay released, got %d", got)
	}
}

func TestPaymentServiceWebhookOutcomes(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	_, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	ctx := context.Background()

	cmd := deliver(h, "evt_1", domain.IntentStatusSucceeded, gateway.get(intentID))
	cmd.Signature = "forged"
	if _, err := h.payments.HandleWebhook(ctx, cmd); !errors.Is(err, ErrWebhookInvalidSignature) {
		t.Fatalf("expected ErrWebhookInvalidSignature, got %v", err)
	}

	stranger := payments.Intent{ID: "pi_stranger", Status: domain.IntentStatusSucceeded, Metadata: map[string]string{payments.MetadataOrderID: "ord_unknown"}}
	result, err := h.payments.HandleWebhook(ctx, deliver(h, "evt_2", domain.IntentStatusSucceeded, stranger))
	if err != nil || result.Reason != "order not found" {
		t.Fatalf("expected unknown order to be acknowledged, got %+v, %v", result, err)
	}

	orphan := payments.Intent{ID: "pi_orphan", Status: domain.IntentStatusSucceeded}
	result, err = h.payments.HandleWebhook(ctx, deliver(h, "evt_3", domain.IntentStatusSucceeded, orphan))
	if err != nil || result.Reason != "event carries no order reference" {
		t.Fatalf("expected orphan intent to be acknowledged, got %+v, %v", result, err)
	}

	result, err = h.payments.HandleWebhook(ctx, deliver(h, "evt_4", "", gateway.get(intentID)))
	if err != nil || result.Reason != "event type ignored" || result.Settlement != nil {
		t.Fatalf("expected ignored event, got %+v, %v", result, err)
	}

	h.orderDB.findErr = repositories.Unavailable("test.find", "offline")
	succeeded := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	if _, err := h.payments.HandleWebhook(ctx, deliver(h, "evt_5", domain.IntentStatusSucceeded, succeeded)); !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable so the gateway retries, got %v", err)
	}
	if got := h.logs.count(paymentEventWebhookAcked); got != 2 {
		t.Fatalf("expected two acknowledged events, got %d", got)
	}
}

func TestPaymentServiceToleratesReceiptFailure(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	h.receipts.err = errors.New("topic unavailable")

	result, err := h.payments.Confirm(context.Background(), ConfirmPaymentCommand{OrderID: order.ID, IntentID: intentID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid order, got %s", result.Order.PaymentStatus)
	}
	stored := h.storedOrder(order.ID)
	if stored.Receipt.Status != domain.ReceiptStatusFailed || stored.Receipt.Attempts != 1 || stored.Receipt.Error == "" {
		t.Fatalf("expected failed receipt bookkeeping, got %+v", stored.Receipt)
	}
	if got := h.logs.count(paymentEventReceiptFailed); got != 1 {
		t.Fatalf("expected receipt failure logged, got %d", got)
	}
}

func TestPaymentServiceSettleRetriesOnConflict(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	intent := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	h.orderDB.updateErrs = []error{repositories.Conflict("test.update", "version changed")}

	result, err := h.payments.Settle(context.Background(), SettleCommand{IntentID: intentID, Observed: domain.IntentStatusSucceeded, Intent: intent, Source: SettlementSourceWebhook})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPaid || h.storedOrder(order.ID).PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected settlement after retry, got %+v", result.Order)
	}
	if got := h.logs.count(paymentEventSettleRetry); got != 1 {
		t.Fatalf("expected one retry, got %d", got)
	}
}

func TestPaymentServiceReconcile(t *testing.T) {
	h := newHarness(t, cement(20))
	gateway := installIntents(h)
	settled, settledIntent := onlineOrderWithIntent(t, h, gateway, "k-1")
	_, pendingIntent := onlineOrderWithIntent(t, h, gateway, "k-2")
	_, lostIntent := onlineOrderWithIntent(t, h, gateway, "k-3")

	gateway.setStatus(settledIntent, domain.IntentStatusSucceeded)
	gateway.setStatus(pendingIntent, domain.IntentStatusProcessing)
	gateway.mu.Lock()
	delete(gateway.intents, lostIntent)
	gateway.mu.Unlock()

	h.advance(20 * time.Minute)
	fresh, freshIntent := onlineOrderWithIntent(t, h, gateway, "k-4")
	gateway.setStatus(freshIntent, domain.IntentStatusSucceeded)

	result, err := h.payments.Reconcile(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Checked != 3 || result.Settled != 1 || result.Pending != 1 || result.Failed != 1 {
		t.Fatalf("unexpected reconcile result %+v", result)
	}
	if got := h.storedOrder(settled.ID); got.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected reconciled order paid, got %s", got.PaymentStatus)
	}
	if got := h.storedOrder(fresh.ID); got.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected recent order left alone, got %s", got.PaymentStatus)
	}
}

func TestPaymentServiceStaleIntentCannotPayUpdatedOrder(t *testing.T) {
	h := newHarness(t, cement(20))
	gateway := installIntents(h)
	ctx := context.Background()
	order, staleIntent := onlineOrderWithIntent(t, h, gateway, "k-1")

	updated, err := h.orders.UpdateItems(ctx, UpdateOrderItemsCommand{
		OrderID:   order.ID,
		Requester: owner("cust-1"),
		Lines:     []domain.OrderLine{line("P1", 10)},
	})
	if err != nil {
		t.Fatalf("UpdateItems: %v", err)
	}
	if updated.TotalAmount != 420000 || updated.IntentID() != "" {
		t.Fatalf("expected the priced-out intent to be detached, got total=%d intent=%q", updated.TotalAmount, updated.IntentID())
	}

	paid := gateway.setStatus(staleIntent, domain.IntentStatusSucceeded)
	if _, err := h.payments.Confirm(ctx, ConfirmPaymentCommand{OrderID: order.ID, IntentID: staleIntent, Requester: owner("cust-1")}); !errors.Is(err, ErrPaymentIntentMismatch) {
		t.Fatalf("expected ErrPaymentIntentMismatch for the old amount, got %v", err)
	}
	webhook, err := h.payments.HandleWebhook(ctx, deliver(h, "evt_stale", domain.IntentStatusSucceeded, paid))
	if err != nil || webhook.Reason != "intent does not match order" {
		t.Fatalf("expected stale success to be acknowledged, got %+v, %v", webhook, err)
	}

	stored := h.storedOrder(order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPending || stored.Status != domain.OrderStatusPending || stored.IntentID() != "" {
		t.Fatalf("expected order untouched by the stale intent, got %s/%s intent=%q", stored.Status, stored.PaymentStatus, stored.IntentID())
	}
	record, err := h.registry.Payments().FindByTransactionID(ctx, staleIntent)
	if err != nil {
		t.Fatalf("expected the captured amount in the ledger: %v", err)
	}
	if record.Amount != 84000 || record.OrderID != order.ID || record.FailureReason == "" {
		t.Fatalf("unexpected ledger row %+v", record)
	}
	if got := h.logs.count(paymentEventAmountMismatch); got != 2 {
		t.Fatalf("expected both observations escalated, got %d", got)
	}
	if got := len(h.receipts.messages); got != 0 {
		t.Fatalf("expected no receipt, got %d", got)
	}

	fresh, err := h.payments.CreateIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if fresh.IntentID == staleIntent || fresh.Amount != 420000 || gateway.get(fresh.IntentID).Amount != 420000 {
		t.Fatalf("expected a new intent for the new total, got %+v", fresh)
	}
	gateway.setStatus(fresh.IntentID, domain.IntentStatusSucceeded)
	result, err := h.payments.Confirm(ctx, ConfirmPaymentCommand{OrderID: order.ID, IntentID: fresh.IntentID, Requester: owner("cust-1")})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPaid || result.Ledger.Amount != 420000 {
		t.Fatalf("expected the full total paid, got %s ledger=%d", result.Order.PaymentStatus, result.Ledger.Amount)
	}
}

func TestPaymentServiceUpdateKeepsIntentWhenTotalUnchanged(t *testing.T) {
	h := newHarness(t, cement(20))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")

	updated, err := h.orders.UpdateItems(context.Background(), UpdateOrderItemsCommand{
		OrderID:   order.ID,
		Requester: owner("cust-1"),
		Lines:     []domain.OrderLine{line("P1", 2)},
	})
	if err != nil {
		t.Fatalf("UpdateItems: %v", err)
	}
	if updated.IntentID() != intentID {
		t.Fatalf("expected intent kept for an unchanged total, got %q", updated.IntentID())
	}
}

func TestPaymentServiceReconcileDoesNotStarve(t *testing.T) {
	h := newHarness(t, cement(20))
	gateway := installIntents(h)
	ctx := context.Background()

	cancelled, cancelledIntent := onlineOrderWithIntent(t, h, gateway, "k-1")
	stuck, stuckIntent := onlineOrderWithIntent(t, h, gateway, "k-2")
	h.advance(time.Minute)
	late, lateIntent := onlineOrderWithIntent(t, h, gateway, "k-3")

	gateway.setStatus(cancelledIntent, domain.IntentStatusCanceled)
	gateway.setStatus(stuckIntent, domain.IntentStatusProcessing)
	gateway.setStatus(lateIntent, domain.IntentStatusSucceeded)
	h.advance(20 * time.Minute)

	var total ReconcileResult
	for sweep := 0; sweep < 3; sweep++ {
		result, err := h.payments.Reconcile(ctx, ReconcileCommand{Limit: 1})
		if err != nil {
			t.Fatalf("Reconcile %d: %v", sweep, err)
		}
		if result.Checked != 1 {
			t.Fatalf("sweep %d: expected one order checked, got %+v", sweep, result)
		}
		total.Settled += result.Settled
		total.Pending += result.Pending
	}
	if total.Settled != 2 || total.Pending != 1 {
		t.Fatalf("expected each order visited once, got %+v", total)
	}
	if got := h.storedOrder(late.ID); got.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected the newer succeeded intent reconciled, got %s", got.PaymentStatus)
	}
	if got := h.storedOrder(cancelled.ID); got.AwaitingReconcile() || got.IntentStatus != domain.IntentStatusCanceled {
		t.Fatalf("expected the cancelled intent out of the sweep, got %+v", got)
	}
	if got := h.storedOrder(stuck.ID); got.ReconcileCheckedAt == nil || got.Version != stuck.Version {
		t.Fatalf("expected the in-flight order stamped without a version bump, got %+v", got)
	}

	result, err := h.payments.Reconcile(ctx, ReconcileCommand{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Checked != 0 {
		t.Fatalf("expected the stamped order to wait for the next interval, got %+v", result)
	}
	h.advance(20 * time.Minute)
	if result, err = h.payments.Reconcile(ctx, ReconcileCommand{}); err != nil || result.Checked != 1 || result.Pending != 1 {
		t.Fatalf("expected the in-flight order checked again, got %+v, %v", result, err)
	}
}

func TestPaymentServiceReconcileCountsRecordedOutcomesAsUnchanged(t *testing.T) {
	h := newHarness(t, cement(20))
	gateway := installIntents(h)
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	h.advance(20 * time.Minute)

	// The webhook lands between the sweep listing the order and asking the gateway.
	raced := false
	h.gateway.retrieveFn = func(ctx context.Context, id string) (payments.Intent, error) {
		intent, err := gateway.retrieve(ctx, id)
		if err == nil && !raced {
			raced = true
			if _, err := h.payments.Settle(ctx, SettleCommand{IntentID: id, Observed: intent.Status, Intent: intent, Source: SettlementSourceWebhook}); err != nil {
				t.Errorf("webhook Settle: %v", err)
			}
		}
		return intent, err
	}

	result, err := h.payments.Reconcile(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Checked != 1 || result.Unchanged != 1 || result.Settled != 0 {
		t.Fatalf("expected the recorded outcome counted as unchanged, got %+v", result)
	}
	stored := h.storedOrder(order.ID)
	if historyCount(stored, domain.HistoryEventPaymentSucceeded) != 1 || stored.ReconcileCheckedAt != nil {
		t.Fatalf("expected a single settlement and no sweep stamp, got %+v", stored)
	}
}

func TestPaymentServiceAcknowledgesMalformedWebhook(t *testing.T) {
	h := newHarness(t, cement(10))
	h.gateway.verifyFn = func([]byte, string) (payments.WebhookEvent, error) {
		return payments.WebhookEvent{ID: "evt_bad", Type: "payment_intent.succeeded"}, fmt.Errorf("%w: decode payment intent: bad amount", payments.ErrMalformedEvent)
	}

	result, err := h.payments.HandleWebhook(context.Background(), WebhookCommand{Payload: []byte(`{"id":"evt_bad"}`), Signature: "sig"})
	if err != nil {
		t.Fatalf("expected malformed event to be acknowledged, got %v", err)
	}
	if result.EventID != "evt_bad" || result.Reason != "event payload could not be decoded" || result.Settlement != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.archive.archived) != 1 || h.archive.archived[0] != "evt_bad" {
		t.Fatalf("expected malformed payload archived, got %v", h.archive.archived)
	}
	if got := h.logs.count(paymentEventWebhookAcked); got != 1 {
		t.Fatalf("expected one acknowledgement, got %d", got)
	}
}

// interleavedLedger runs beforeUpsert once, between the service reading the row and
// writing it.
type interleavedLedger struct {
	repositories.PaymentLedgerRepository
	beforeUpsert func()
}

func (l *interleavedLedger) Upsert(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, bool, error) {
	if fn := l.beforeUpsert; fn != nil {
		l.beforeUpsert = nil
		fn()
	}
	return l.PaymentLedgerRepository.Upsert(ctx, record)
}

func TestPaymentServiceRefundWinsLedgerRace(t *testing.T) {
	h := newHarness(t, cement(10))
	gateway := installIntents(h)
	ctx := context.Background()
	order, intentID := onlineOrderWithIntent(t, h, gateway, "k-1")
	failed := gateway.setStatus(intentID, domain.IntentStatusFailed)
	if _, err := h.payments.Settle(ctx, SettleCommand{IntentID: intentID, Observed: domain.IntentStatusFailed, Intent: failed, Source: SettlementSourceWebhook}); err != nil {
		t.Fatalf("Settle failure: %v", err)
	}

	ledger := &interleavedLedger{PaymentLedgerRepository: h.registry.Payments()}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:      h.orderDB,
		Ledger:      ledger,
		Gateway:     h.gateway,
		Clock:       h.clock,
		IDGenerator: h.nextID,
		Logger:      h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	ledger.beforeUpsert = func() {
		if _, _, err := h.registry.Payments().Upsert(ctx, domain.PaymentRecord{TransactionID: intentID, Status: domain.LedgerStatusRefunded, UpdatedAt: h.clock()}); err != nil {
			t.Errorf("refund Upsert: %v", err)
		}
	}

	succeeded := gateway.setStatus(intentID, domain.IntentStatusSucceeded)
	if _, err := svc.Settle(ctx, SettleCommand{IntentID: intentID, Observed: domain.IntentStatusSucceeded, Intent: succeeded, Source: SettlementSourceWebhook}); err != nil {
		t.Fatalf("Settle success: %v", err)
	}
	record, err := h.registry.Payments().FindByTransactionID(ctx, intentID)
	if err != nil || record.Status != domain.LedgerStatusRefunded {
		t.Fatalf("expected the refund to stay final, got %+v, %v", record, err)
	}
	if got := h.logs.count(paymentEventSettleRetry); got != 1 {
		t.Fatalf("expected the rejected write to be retried once, got %d", got)
	}
	if got := h.storedOrder(order.ID); got.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected order paid, got %s", got.PaymentStatus)
	}
}
