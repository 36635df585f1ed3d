package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/payments"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const (
	paymentEventSettleNoop        = "payment.settle.noop"
	paymentEventSettleRetry       = "payment.settle.retry"
	paymentEventCancelledOrderPay = "payment.settle.cancelled_order"
	paymentEventAmountMismatch    = "payment.settle.amount.mismatch"
	paymentEventReceiptFailed     = "payment.receipt.failed"
	paymentEventWebhookIgnored    = "payment.webhook.ignored"
	paymentEventWebhookAcked      = "payment.webhook.acknowledged"
	paymentEventArchiveFailed     = "payment.webhook.archive.failed"
	paymentEventReconcileFailed   = "payment.reconcile.failed"
	paymentEventIntentReused      = "payment.intent.reused"
	paymentEventPublishFailed     = "payment.event.publish.failed"

	paymentIDPrefix = "pay_"

	maxSettleAttempts       = 3
	defaultReconcileAfter   = 15 * time.Minute
	defaultReconcileBatch   = 50
	webhookReasonIgnored    = "event type ignored"
	webhookReasonSettled    = "already settled"
	webhookReasonNoOrder    = "order not found"
	webhookReasonMismatch   = "intent does not match order"
	webhookReasonUnroutable = "event carries no order reference"
	webhookReasonMalformed  = "event payload could not be decoded"
)

// Settlement sources, recorded as the history actor and on published events.
const (
	SettlementSourceConfirm   = "confirm"
	SettlementSourceWebhook   = "webhook"
	SettlementSourceReconcile = "reconcile"
	SettlementSourceIntent    = "intent"
)

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders         repositories.OrderRepository
	Ledger         repositories.PaymentLedgerRepository
	Gateway        payments.Gateway
	Receipts       ReceiptService
	Events         EventPublisher
	Archive        WebhookArchiver
	Clock          func() time.Time
	IDGenerator    func() string
	ReconcileAfter time.Duration
	ReconcileBatch int
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders         repositories.OrderRepository
	ledger         repositories.PaymentLedgerRepository
	gateway        payments.Gateway
	receipts       ReceiptService
	events         EventPublisher
	archive        WebhookArchiver
	clock          func() time.Time
	newID          func() string
	reconcileAfter time.Duration
	reconcileBatch int
	logger         eventLogger
}

// NewPaymentService wires the gateway, the order store and the payment ledger into the
// settlement coordinator.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("payment service: payment ledger is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	after := deps.ReconcileAfter
	if after <= 0 {
		after = defaultReconcileAfter
	}
	batch := deps.ReconcileBatch
	if batch <= 0 {
		batch = defaultReconcileBatch
	}

	return &paymentService{
		orders:         deps.Orders,
		ledger:         deps.Ledger,
		gateway:        deps.Gateway,
		receipts:       deps.Receipts,
		events:         deps.Events,
		archive:        deps.Archive,
		clock:          func() time.Time { return clock().UTC() },
		newID:          idGen,
		reconcileAfter: after,
		reconcileBatch: batch,
		logger:         logger,
	}, nil
}

func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error) {
	order, err := s.loadVisible(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return PaymentIntentResult{}, err
	}
	switch {
	case order.PaymentMethod != domain.PaymentMethodOnline:
		return PaymentIntentResult{}, fmt.Errorf("%w: order is not paid online", ErrPaymentInvalidState)
	case order.Status == domain.OrderStatusCancelled:
		return PaymentIntentResult{}, fmt.Errorf("%w: order is cancelled", ErrPaymentInvalidState)
	case order.PaymentStatus == domain.PaymentStatusPaid:
		return PaymentIntentResult{}, ErrPaymentAlreadySettled
	case order.TotalAmount <= 0:
		return PaymentIntentResult{}, fmt.Errorf("%w: order total must be positive", ErrPaymentInvalidState)
	}

	if stored := order.IntentID(); stored != "" {
		intent, err := s.gateway.RetrieveIntent(ctx, stored)
		switch {
		case err == nil && intent.Open() && intent.Amount == order.TotalAmount && intent.ClientSecret != "":
			s.logger(ctx, paymentEventIntentReused, map[string]any{"orderId": order.ID, "intentId": intent.ID})
			return intentResult(order, intent, true), nil
		case err == nil && intent.Status == domain.IntentStatusSucceeded:
			// The customer already paid; settle now instead of charging twice.
			if _, settleErr := s.Settle(ctx, SettleCommand{
				IntentID: intent.ID,
				OrderID:  order.ID,
				Observed: intent.Status,
				Intent:   intent,
				Source:   SettlementSourceIntent,
			}); settleErr != nil {
				return PaymentIntentResult{}, settleErr
			}
			return PaymentIntentResult{}, ErrPaymentAlreadySettled
		case err != nil && !errors.Is(err, payments.ErrIntentNotFound):
			return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
		}
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
		Description: "Order " + order.OrderNumber,
		Metadata: map[string]string{
			payments.MetadataOrderID:     order.ID,
			payments.MetadataOrderNumber: order.OrderNumber,
			payments.MetadataUserID:      order.UserID,
		},
		IdempotencyKey: fmt.Sprintf("intent:%s:v%d", order.ID, order.Version),
	})
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	previous := order.Version
	order.BindIntent(intent.ID, intent.Status)
	order.Version++
	order.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, order, previous); err != nil {
		return PaymentIntentResult{}, mapOrderRepositoryError(err)
	}
	return intentResult(order, intent, false), nil
}

func (s *paymentService) Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (SettlementResult, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return SettlementResult{}, fmt.Errorf("%w: intent id is required", ErrPaymentInvalidInput)
	}
	order, err := s.loadVisible(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return SettlementResult{}, err
	}

	intent, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, payments.ErrIntentNotFound) {
			return SettlementResult{}, fmt.Errorf("%w: unknown intent", ErrPaymentIntentMismatch)
		}
		return SettlementResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if intent.Status != domain.IntentStatusSucceeded {
		return SettlementResult{}, fmt.Errorf("%w: intent status is %s", ErrPaymentNotCompleted, intent.Status)
	}
	if stored := order.IntentID(); stored != intentID && !(stored == "" && intent.OrderID() == order.ID) {
		return SettlementResult{}, ErrPaymentIntentMismatch
	}

	return s.Settle(ctx, SettleCommand{
		IntentID: intentID,
		OrderID:  order.ID,
		Observed: domain.IntentStatusSucceeded,
		Intent:   intent,
		Source:   SettlementSourceConfirm,
	})
}

func (s *paymentService) HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error) {
	event, err := s.gateway.VerifyWebhook(cmd.Payload, cmd.Signature)
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookInvalidSignature, err)
	case errors.Is(err, payments.ErrMalformedEvent):
		// Signed by the gateway but undecodable; redelivery returns the same bytes.
		result := WebhookResult{EventID: event.ID, EventType: event.Type, Reason: webhookReasonMalformed}
		event.Payload = cmd.Payload
		s.archiveEvent(ctx, event)
		s.logger(ctx, paymentEventWebhookAcked, map[string]any{
			"eventId": event.ID,
			"type":    event.Type,
			"reason":  result.Reason,
			"error":   err.Error(),
		})
		return result, nil
	case err != nil:
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	result := WebhookResult{EventID: event.ID, EventType: event.Type}
	s.archiveEvent(ctx, event)

	if event.Observed == "" {
		result.Reason = webhookReasonIgnored
		s.logger(ctx, paymentEventWebhookIgnored, map[string]any{"eventId": event.ID, "type": event.Type})
		return result, nil
	}

	settlement, err := s.Settle(ctx, SettleCommand{
		IntentID: event.Intent.ID,
		OrderID:  event.Intent.OrderID(),
		Observed: event.Observed,
		Intent:   event.Intent,
		Source:   SettlementSourceWebhook,
	})
	switch {
	case err == nil:
		result.Settlement = &settlement
		if settlement.Noop {
			result.Reason = webhookReasonSettled
		}
		return result, nil
	case errors.Is(err, ErrOrderNotFound):
		result.Reason = webhookReasonNoOrder
	case errors.Is(err, ErrPaymentIntentMismatch):
		result.Reason = webhookReasonMismatch
	case errors.Is(err, ErrPaymentInvalidInput):
		result.Reason = webhookReasonUnroutable
	default:
		return result, err
	}
	// Redelivery cannot fix these; acknowledge so the gateway stops retrying.
	s.logger(ctx, paymentEventWebhookAcked, map[string]any{
		"eventId":  event.ID,
		"type":     event.Type,
		"intentId": event.Intent.ID,
		"reason":   result.Reason,
	})
	return result, nil
}

// Settle applies one observed intent outcome to the order and the ledger. It is safe to
// call any number of times for the same observation.
func (s *paymentService) Settle(ctx context.Context, cmd SettleCommand) (SettlementResult, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return SettlementResult{}, fmt.Errorf("%w: intent id is required", ErrPaymentInvalidInput)
	}
	rule, ok := domain.LookupSettlementRule(cmd.Observed)
	if !ok {
		return SettlementResult{}, fmt.Errorf("%w: %q is not a settleable status", ErrPaymentInvalidInput, cmd.Observed)
	}

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		orderID = cmd.Intent.OrderID()
	}
	if orderID == "" {
		record, found, err := s.findLedger(ctx, intentID)
		if err != nil {
			return SettlementResult{}, err
		}
		if !found || record.OrderID == "" {
			return SettlementResult{}, fmt.Errorf("%w: intent %s has no order reference", ErrPaymentInvalidInput, intentID)
		}
		orderID = record.OrderID
	}

	for attempt := 1; ; attempt++ {
		result, err := s.settleOnce(ctx, orderID, intentID, rule, cmd)
		if err == nil || !errors.Is(err, ErrOrderConflict) || attempt == maxSettleAttempts {
			return result, err
		}
		s.logger(ctx, paymentEventSettleRetry, map[string]any{"orderId": orderID, "intentId": intentID, "attempt": attempt})
	}
}

func (s *paymentService) settleOnce(ctx context.Context, orderID, intentID string, rule domain.SettlementRule, cmd SettleCommand) (SettlementResult, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SettlementResult{}, mapOrderRepositoryError(err)
	}
	if stored := order.IntentID(); stored != "" && stored != intentID {
		return SettlementResult{}, fmt.Errorf("%w: order %s is bound to another intent", ErrPaymentIntentMismatch, order.OrderNumber)
	}
	record, hasRecord, err := s.findLedger(ctx, intentID)
	if err != nil {
		return SettlementResult{}, err
	}
	if hasRecord && record.OrderID != "" && record.OrderID != order.ID {
		return SettlementResult{}, fmt.Errorf("%w: intent recorded against another order", ErrPaymentIntentMismatch)
	}

	now := s.now()
	result := SettlementResult{Order: order, Ledger: record}
	paidNow := false

	if rule.UpdatesOrder {
		if order.PaymentStatus == domain.PaymentStatusPaid && rule.PaymentStatus != domain.PaymentStatusPaid {
			// Paid is final; a late failure or cancel changes nothing.
			result.Noop = true
			s.logger(ctx, paymentEventSettleNoop, map[string]any{
				"orderId":  order.ID,
				"intentId": intentID,
				"observed": string(rule.Observed),
				"source":   cmd.Source,
			})
			return result, nil
		}
		if order.PaymentStatus != domain.PaymentStatusPaid && cmd.Intent.Amount > 0 && cmd.Intent.Amount != order.TotalAmount {
			return s.rejectAmount(ctx, order, intentID, rule, cmd, record, hasRecord, now)
		}

		changed := false
		previous := order.Version
		if order.IntentID() == "" {
			order.BindIntent(intentID, rule.Observed)
			changed = true
		} else if order.IntentStatus != rule.Observed {
			order.IntentStatus = rule.Observed
			changed = true
		}
		if order.PaymentStatus != rule.PaymentStatus && domain.CanMovePayment(order.PaymentStatus, rule.PaymentStatus) {
			order.PaymentStatus = rule.PaymentStatus
			s.recordPaymentHistory(ctx, &order, rule, cmd, now)
			paidNow = rule.PaymentStatus == domain.PaymentStatusPaid
			changed = true
		}
		if changed {
			order.Version++
			order.UpdatedAt = now
			if err := s.orders.Update(ctx, order, previous); err != nil {
				return SettlementResult{}, mapOrderRepositoryError(err)
			}
			result.Order = order
			result.OrderChanged = true
		}
	}

	if !hasRecord || domain.LedgerAccepts(record.Status, rule.LedgerStatus) {
		saved, created, err := s.ledger.Upsert(ctx, s.ledgerRecord(order, intentID, rule, cmd, now))
		if err != nil {
			return result, s.mapLedgerError(err)
		}
		result.Ledger = saved
		result.LedgerCreated = created
	} else if !result.OrderChanged {
		result.Noop = true
		s.logger(ctx, paymentEventSettleNoop, map[string]any{
			"orderId":  order.ID,
			"intentId": intentID,
			"observed": string(rule.Observed),
			"source":   cmd.Source,
		})
		return result, nil
	}

	if paidNow && s.receipts != nil {
		updated, err := s.receipts.Send(ctx, result.Order)
		if err != nil {
			s.logger(ctx, paymentEventReceiptFailed, map[string]any{"orderId": order.ID, "error": err.Error()})
		}
		if updated.ID != "" {
			result.Order = updated
		}
	}

	eventType := EventPaymentSettled
	if rule.Observed == domain.IntentStatusRefunded {
		eventType = EventPaymentRefunded
	}
	s.publish(ctx, DomainEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		OccurredAt:  now,
		Data: map[string]any{
			"intentId":      intentID,
			"observed":      string(rule.Observed),
			"paymentStatus": string(result.Order.PaymentStatus),
			"ledgerStatus":  string(result.Ledger.Status),
			"source":        cmd.Source,
		},
	})
	return result, nil
}

func (s *paymentService) recordPaymentHistory(ctx context.Context, order *domain.Order, rule domain.SettlementRule, cmd SettleCommand, now time.Time) {
	actor := systemActor(cmd.Source)
	note := cmd.Intent.FailureReason
	if rule.ConfirmsOrder && order.Status == domain.OrderStatusPending {
		if transition, ok := domain.LookupTransition(order.Status, domain.OrderStatusConfirmed); ok &&
			order.ApplyTransition(transition, rule.HistoryEvent, actor, note, now) {
			return
		}
	}
	if rule.PaymentStatus == domain.PaymentStatusPaid && order.Status == domain.OrderStatusCancelled {
		s.logger(ctx, paymentEventCancelledOrderPay, map[string]any{"orderId": order.ID, "intentId": cmd.IntentID})
	}
	order.AppendHistory(rule.HistoryEvent, actor, note, now)
}

// rejectAmount keeps an intent whose amount differs from the order total from settling
// the order. The ledger still records what the gateway reported.
func (s *paymentService) rejectAmount(ctx context.Context, order domain.Order, intentID string, rule domain.SettlementRule, cmd SettleCommand, record domain.PaymentRecord, hasRecord bool, now time.Time) (SettlementResult, error) {
	reason := fmt.Sprintf("amount mismatch: intent %d, order total %d", cmd.Intent.Amount, order.TotalAmount)
	s.logger(ctx, paymentEventAmountMismatch, map[string]any{
		"orderId":      order.ID,
		"intentId":     intentID,
		"observed":     string(rule.Observed),
		"intentAmount": cmd.Intent.Amount,
		"orderTotal":   order.TotalAmount,
		"source":       cmd.Source,
	})
	if !hasRecord || domain.LedgerAccepts(record.Status, rule.LedgerStatus) {
		row := s.ledgerRecord(order, intentID, rule, cmd, now)
		row.FailureReason = reason
		if _, _, err := s.ledger.Upsert(ctx, row); err != nil && !isRepoConflict(err) {
			return SettlementResult{}, s.mapLedgerError(err)
		}
	}
	return SettlementResult{}, fmt.Errorf("%w: %s", ErrPaymentIntentMismatch, reason)
}

func (s *paymentService) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error) {
	limit := cmd.Limit
	if limit <= 0 || limit > s.reconcileBatch {
		limit = s.reconcileBatch
	}
	now := s.now()
	orders, err := s.orders.ListAwaitingPayment(ctx, repositories.AwaitingPaymentQuery{
		DueBefore: now.Add(-s.reconcileAfter),
		Limit:     limit,
	})
	if err != nil {
		return ReconcileResult{}, mapOrderRepositoryError(err)
	}

	var result ReconcileResult
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		settled, err := s.reconcileOne(ctx, order)
		switch {
		case err != nil:
			result.Failed++
			s.logger(ctx, paymentEventReconcileFailed, map[string]any{"orderId": order.ID, "intentId": order.IntentID(), "error": err.Error()})
		case settled == nil:
			result.Pending++
		case settled.Noop:
			result.Unchanged++
		default:
			result.Settled++
		}
		if settled == nil || err != nil {
			// Unsettled orders go to the back of the sweep.
			if markErr := s.orders.MarkReconcileChecked(ctx, order.ID, now); markErr != nil && !isRepoNotFound(markErr) {
				s.logger(ctx, paymentEventReconcileFailed, map[string]any{"orderId": order.ID, "error": markErr.Error()})
			}
		}
	}
	return result, nil
}

// reconcileOne returns a nil settlement while the intent is still in flight.
func (s *paymentService) reconcileOne(ctx context.Context, order domain.Order) (*SettlementResult, error) {
	intent, err := s.gateway.RetrieveIntent(ctx, order.IntentID())
	if err != nil {
		return nil, err
	}
	if !intent.Status.Terminal() {
		return nil, nil
	}
	settled, err := s.Settle(ctx, SettleCommand{
		IntentID: intent.ID,
		OrderID:  order.ID,
		Observed: intent.Status,
		Intent:   intent,
		Source:   SettlementSourceReconcile,
	})
	if err != nil {
		return nil, err
	}
	return &settled, nil
}

func (s *paymentService) ledgerRecord(order domain.Order, intentID string, rule domain.SettlementRule, cmd SettleCommand, now time.Time) domain.PaymentRecord {
	amount := cmd.Intent.Amount
	if amount <= 0 || rule.Observed == domain.IntentStatusRefunded {
		amount = order.TotalAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Intent.Currency))
	if currency == "" {
		currency = order.Currency
	}
	record := domain.PaymentRecord{
		ID:              paymentIDPrefix + s.newID(),
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Customer:        order.Customer,
		PaymentMethod:   order.PaymentMethod,
		TransactionID:   intentID,
		Amount:          amount,
		Currency:        currency,
		Status:          rule.LedgerStatus,
		GatewayResponse: cmd.Intent.Raw,
		FailureReason:   cmd.Intent.FailureReason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if rule.LedgerStatus == domain.LedgerStatusSuccess {
		paidAt := now
		record.PaymentDate = &paidAt
	}
	return record
}

func (s *paymentService) findLedger(ctx context.Context, intentID string) (domain.PaymentRecord, bool, error) {
	record, err := s.ledger.FindByTransactionID(ctx, intentID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.PaymentRecord{}, false, nil
		}
		return domain.PaymentRecord{}, false, s.mapLedgerError(err)
	}
	return record, true, nil
}

func (s *paymentService) mapLedgerError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
		}
	}
	return fmt.Errorf("payment: ledger failure: %w", err)
}

func (s *paymentService) loadVisible(ctx context.Context, orderID string, requester Requester) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	}
	if !requester.canSee(order) {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *paymentService) archiveEvent(ctx context.Context, event payments.WebhookEvent) {
	if s.archive == nil || event.ID == "" {
		return
	}
	if err := s.archive.Archive(ctx, event.ID, s.now(), event.Payload); err != nil {
		s.logger(ctx, paymentEventArchiveFailed, map[string]any{"eventId": event.ID, "error": err.Error()})
	}
}

func (s *paymentService) publish(ctx context.Context, event DomainEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, paymentEventPublishFailed, map[string]any{"orderId": event.OrderID, "type": event.Type, "error": err.Error()})
	}
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func intentResult(order domain.Order, intent payments.Intent, reused bool) PaymentIntentResult {
	return PaymentIntentResult{
		OrderID:      order.ID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       order.TotalAmount,
		Currency:     order.Currency,
		Reused:       reused,
	}
}

func systemActor(source string) string {
	if source == "" {
		return "system"
	}
	return "system:" + source
}
