package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const (
	receiptEventQueued        = "receipt.queued"
	receiptEventBookkeeping   = "receipt.bookkeeping.failed"
	maxReceiptRecordAttempts  = 3
	maxReceiptErrorTextLength = 500
)

// ReceiptServiceDeps bundles collaborators required to construct the receipt service.
type ReceiptServiceDeps struct {
	Orders    repositories.OrderRepository
	Publisher ReceiptPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type receiptService struct {
	orders    repositories.OrderRepository
	publisher ReceiptPublisher
	clock     func() time.Time
	logger    eventLogger
}

// NewReceiptService constructs a ReceiptService. A missing publisher is not an error:
// every send is then recorded as failed on the order.
func NewReceiptService(deps ReceiptServiceDeps) (ReceiptService, error) {
	if deps.Orders == nil {
		return nil, errors.New("receipt service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &receiptService{
		orders:    deps.Orders,
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Send queues the receipt and records the attempt. The returned order carries the
// updated bookkeeping even when publishing failed.
func (s *receiptService) Send(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.ID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	now := s.clock()

	var publishErr error
	if s.publisher == nil {
		publishErr = errReceiptPublisherUnavailable
	} else {
		messageID, err := s.publisher.PublishReceipt(ctx, buildReceiptMessage(order, order.Receipt.Attempts+1, now))
		if err != nil {
			publishErr = err
		} else {
			s.logger(ctx, receiptEventQueued, map[string]any{"orderId": order.ID, "messageId": messageID})
		}
	}

	current := order
	for attempt := 1; ; attempt++ {
		previous := current.Version
		recordReceiptAttempt(&current, publishErr, now)
		current.Version++
		current.UpdatedAt = now

		err := s.orders.Update(ctx, current, previous)
		if err == nil {
			break
		}
		if !isRepoConflict(err) || attempt == maxReceiptRecordAttempts {
			s.logger(ctx, receiptEventBookkeeping, map[string]any{"orderId": order.ID, "error": err.Error()})
			return order, errors.Join(publishErr, mapOrderRepositoryError(err))
		}
		reloaded, findErr := s.orders.FindByID(ctx, order.ID)
		if findErr != nil {
			return order, errors.Join(publishErr, mapOrderRepositoryError(findErr))
		}
		current = reloaded
	}

	if publishErr != nil {
		return current, fmt.Errorf("receipt: publish: %w", publishErr)
	}
	return current, nil
}

func recordReceiptAttempt(order *domain.Order, publishErr error, at time.Time) {
	attemptAt := at
	order.Receipt.Attempts++
	order.Receipt.LastAttemptAt = &attemptAt
	if publishErr != nil {
		order.Receipt.Status = domain.ReceiptStatusFailed
		message := publishErr.Error()
		if len(message) > maxReceiptErrorTextLength {
			message = message[:maxReceiptErrorTextLength]
		}
		order.Receipt.Error = message
		return
	}
	order.Receipt.Status = domain.ReceiptStatusSent
	order.Receipt.Error = ""
}

func buildReceiptMessage(order domain.Order, attempt int, now time.Time) ReceiptMessage {
	lines := make([]ReceiptLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, ReceiptLine{
			Name:         item.Name,
			Quantity:     item.Quantity,
			Unit:         item.Unit,
			UnitPrice:    item.UnitPrice,
			LineSubtotal: item.LineSubtotal,
		})
	}
	return ReceiptMessage{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
		Locale:        order.Locale,
		Currency:      order.Currency,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: string(order.PaymentMethod),
		Items:         lines,
		Attempt:       attempt,
		RequestedAt:   now,
	}
}
