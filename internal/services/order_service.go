package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const (
	orderEventCreateReplayed   = "order.create.replayed"
	orderEventCreateDuplicate  = "order.create.duplicate"
	orderEventStockReleaseFail = "order.stock.release.failed"
	orderEventNumberCollision  = "order.number.collision"
	orderEventPublishFailed    = "order.event.publish.failed"
	orderEventIntentDetached   = "order.intent.detached"

	orderIDPrefix            = "ord_"
	defaultOrderNumberPrefix = "SE"
	defaultOrderCurrency     = "INR"
	orderNumberSuffixLength  = 6
	maxOrderNumberAttempts   = 3
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Stock       StockLedger
	Events      EventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	// ModificationWindow defaults to domain.DefaultModificationWindow.
	ModificationWindow time.Duration
	// AllowMissingIdempotencyKey turns the create key into an optional hint.
	AllowMissingIdempotencyKey bool
	OrderNumberPrefix          string
	Currency                   string
	Logger                     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	stock       StockLedger
	events      EventPublisher
	clock       func() time.Time
	newID       func() string
	window      time.Duration
	keyOptional bool
	prefix      string
	currency    string
	logger      eventLogger
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock ledger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	window := deps.ModificationWindow
	if window <= 0 {
		window = domain.DefaultModificationWindow
	}

	prefix := strings.ToUpper(strings.TrimSpace(deps.OrderNumberPrefix))
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	return &orderService{
		orders: deps.Orders,
		stock:  deps.Stock,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		window:      window,
		keyOptional: deps.AllowMissingIdempotencyKey,
		prefix:      prefix,
		currency:    currency,
		logger:      logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" && !s.keyOptional {
		return CreateOrderResult{}, ErrOrderIdempotencyRequired
	}
	if !cmd.PaymentMethod.Valid() {
		return CreateOrderResult{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	address, err := sanitizeAddress(cmd.ShippingAddress)
	if err != nil {
		return CreateOrderResult{}, err
	}
	notes, err := sanitizeNotes(cmd.Notes)
	if err != nil {
		return CreateOrderResult{}, err
	}
	locale, err := canonicaliseLocale(cmd.Locale)
	if err != nil {
		return CreateOrderResult{}, err
	}

	if key != "" {
		existing, found, err := s.findByKey(ctx, userID, key)
		if err != nil {
			return CreateOrderResult{}, err
		}
		if found {
			s.logger(ctx, orderEventCreateReplayed, map[string]any{"orderId": existing.ID, "userId": userID})
			return CreateOrderResult{Order: existing, Replayed: true}, nil
		}
	}

	items, err := s.stock.ReserveAll(ctx, cmd.Lines)
	if err != nil {
		return CreateOrderResult{}, err
	}

	now := s.now()
	actor := Requester{UserID: userID}.Actor()
	order := domain.Order{
		ID:              s.nextOrderID(),
		UserID:          userID,
		Items:           items,
		TotalAmount:     domain.SumItems(items),
		Currency:        s.currency,
		ShippingAddress: address,
		Notes:           notes,
		Locale:          locale,
		Customer:        cmd.Customer,
		PaymentMethod:   cmd.PaymentMethod,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		Receipt:         domain.ReceiptDelivery{Status: domain.ReceiptStatusNotSent},
		IdempotencyKey:  key,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.AppendHistory(domain.HistoryEventCreated, actor, "", now)

	for attempt := 1; ; attempt++ {
		order.OrderNumber = s.nextOrderNumber(now)
		err := s.orders.Insert(ctx, order)
		if err == nil {
			break
		}
		if isRepoConflict(err) && key != "" {
			// A concurrent request with the same key won the claim; hand back its order.
			if winner, found, findErr := s.findByKey(ctx, userID, key); findErr == nil && found {
				s.releaseItems(ctx, order, items, "order.create.duplicate")
				s.logger(ctx, orderEventCreateDuplicate, map[string]any{"orderId": winner.ID, "userId": userID})
				return CreateOrderResult{Order: winner, Replayed: true}, nil
			}
		}
		if !isRepoConflict(err) || attempt == maxOrderNumberAttempts {
			mapped := s.mapRepositoryError(err)
			if relErr := s.releaseItems(ctx, order, items, "order.create.rollback"); relErr != nil {
				return CreateOrderResult{}, errors.Join(mapped, relErr)
			}
			return CreateOrderResult{}, mapped
		}
		s.logger(ctx, orderEventNumberCollision, map[string]any{"orderNumber": order.OrderNumber, "attempt": attempt})
	}

	s.publish(ctx, EventOrderCreated, order, map[string]any{
		"totalAmount":   order.TotalAmount,
		"paymentMethod": string(order.PaymentMethod),
	})
	return CreateOrderResult{Order: order}, nil
}

func (s *orderService) Get(ctx context.Context, orderID string, requester Requester) (domain.Order, error) {
	return s.loadVisible(ctx, orderID, requester)
}

func (s *orderService) UpdateItems(ctx context.Context, cmd UpdateOrderItemsCommand) (domain.Order, error) {
	order, err := s.loadModifiable(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return domain.Order{}, err
	}

	adjustment, err := s.stock.Adjust(ctx, order.Items, cmd.Lines)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	previous := order.Version
	previousTotal := order.TotalAmount
	detached := order.IntentID()
	order.Items = adjustment.Items
	order.TotalAmount = domain.SumItems(adjustment.Items)
	if detached != "" && order.TotalAmount != previousTotal {
		// The intent was priced for the old total and cannot pay for this order any more.
		order.DetachIntent()
	} else {
		detached = ""
	}
	order.AppendHistory(domain.HistoryEventUpdated, cmd.Requester.Actor(), "items replaced", now)
	order.Version++
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order, previous); err != nil {
		mapped := s.mapRepositoryError(err)
		if rbErr := adjustment.Rollback(ctx); rbErr != nil {
			return domain.Order{}, errors.Join(mapped, rbErr)
		}
		return domain.Order{}, mapped
	}
	if err := adjustment.Commit(ctx); err != nil {
		// The order already reflects the new items; the surplus stays reserved and is escalated.
		s.logger(ctx, orderEventStockReleaseFail, map[string]any{"orderId": order.ID, "error": err.Error()})
	}
	if detached != "" {
		s.logger(ctx, orderEventIntentDetached, map[string]any{"orderId": order.ID, "intentId": detached, "totalAmount": order.TotalAmount})
	}

	s.publish(ctx, EventOrderUpdated, order, map[string]any{"totalAmount": order.TotalAmount})
	return order, nil
}

func (s *orderService) UpdateDetails(ctx context.Context, cmd UpdateOrderDetailsCommand) (domain.Order, error) {
	if cmd.ShippingAddress == nil && cmd.Notes == nil {
		return domain.Order{}, fmt.Errorf("%w: nothing to update", ErrOrderInvalidInput)
	}
	order, err := s.loadModifiable(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return domain.Order{}, err
	}

	var changed []string
	if cmd.ShippingAddress != nil {
		address, err := sanitizeAddress(*cmd.ShippingAddress)
		if err != nil {
			return domain.Order{}, err
		}
		order.ShippingAddress = address
		changed = append(changed, "shipping address")
	}
	if cmd.Notes != nil {
		notes, err := sanitizeNotes(*cmd.Notes)
		if err != nil {
			return domain.Order{}, err
		}
		order.Notes = notes
		changed = append(changed, "notes")
	}

	now := s.now()
	previous := order.Version
	order.AppendHistory(domain.HistoryEventUpdated, cmd.Requester.Actor(), strings.Join(changed, ", ")+" updated", now)
	order.Version++
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order, previous); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publish(ctx, EventOrderUpdated, order, map[string]any{"fields": changed})
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	order, err := s.loadVisible(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return domain.Order{}, fmt.Errorf("%w: only pending orders can be cancelled, order is %s", ErrOrderInvalidTransition, order.Status)
	}
	now := s.now()
	if !order.Modifiable(now, s.window) {
		return domain.Order{}, fmt.Errorf("%w: cancellation window has closed", ErrOrderNotModifiable)
	}

	transition, ok := domain.LookupTransition(order.Status, domain.OrderStatusCancelled)
	if !ok {
		return domain.Order{}, ErrOrderInvalidTransition
	}
	return s.applyTransition(ctx, order, transition, domain.HistoryEventCancelled, cmd.Requester.Actor(), strings.TrimSpace(cmd.Reason), now)
}

func (s *orderService) Delete(ctx context.Context, cmd DeleteOrderCommand) error {
	order, err := s.loadVisible(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPending {
		return fmt.Errorf("%w: only pending orders can be deleted, order is %s", ErrOrderInvalidTransition, order.Status)
	}

	// The record goes first: a lost race must not release stock that the winner still holds.
	if err := s.orders.Delete(ctx, order.ID, order.Version); err != nil {
		return s.mapRepositoryError(err)
	}
	if err := s.releaseItems(ctx, order, order.Items, "order.delete"); err != nil {
		return err
	}

	s.publish(ctx, EventOrderDeleted, order, nil)
	return nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionOrderStatusCommand) (domain.Order, error) {
	if !cmd.Requester.Admin {
		return domain.Order{}, ErrOrderPermissionDenied
	}
	target, ok := domain.ParseOrderStatus(string(cmd.Target))
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Target)
	}
	order, err := s.loadVisible(ctx, cmd.OrderID, cmd.Requester)
	if err != nil {
		return domain.Order{}, err
	}

	if order.Status == domain.OrderStatusCancelled && target == domain.OrderStatusCancelled {
		return order, nil
	}
	transition, ok := domain.LookupTransition(order.Status, target)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, target)
	}

	event := domain.HistoryEventStatusChanged
	if target == domain.OrderStatusCancelled {
		event = domain.HistoryEventCancelled
	}
	return s.applyTransition(ctx, order, transition, event, cmd.Requester.Actor(), strings.TrimSpace(cmd.Note), s.now())
}

// applyTransition writes the move first and only then performs the stock effect, so a
// conflicting writer can never cause a second release.
func (s *orderService) applyTransition(ctx context.Context, order domain.Order, transition domain.Transition, event, actor, note string, now time.Time) (domain.Order, error) {
	previous := order.Version
	from := order.Status
	if !order.ApplyTransition(transition, event, actor, note, now) {
		return domain.Order{}, fmt.Errorf("%w: order is %s", ErrOrderInvalidTransition, order.Status)
	}
	order.Version++
	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order, previous); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	if transition.Effects().Has(domain.EffectReleaseStock) {
		if err := s.releaseItems(ctx, order, order.Items, "order."+string(transition.To())); err != nil {
			return order, err
		}
	}

	eventType := EventOrderStatusChanged
	if transition.To() == domain.OrderStatusCancelled {
		eventType = EventOrderCancelled
	}
	s.publish(ctx, eventType, order, map[string]any{
		"from":          string(from),
		"to":            string(order.Status),
		"actor":         actor,
		"paymentStatus": string(order.PaymentStatus),
	})
	return order, nil
}

func (s *orderService) loadVisible(ctx context.Context, orderID string, requester Requester) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !requester.canSee(order) {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}

// loadModifiable re-evaluates the edit policy on every call.
func (s *orderService) loadModifiable(ctx context.Context, orderID string, requester Requester) (domain.Order, error) {
	order, err := s.loadVisible(ctx, orderID, requester)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusPending || !order.Modifiable(s.now(), s.window) {
		return domain.Order{}, fmt.Errorf("%w: order is %s", ErrOrderNotModifiable, order.Status)
	}
	return order, nil
}

func (s *orderService) findByKey(ctx context.Context, userID, key string) (domain.Order, bool, error) {
	order, err := s.orders.FindByIdempotencyKey(ctx, userID, key)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, s.mapRepositoryError(err)
	}
	return order, true, nil
}

func (s *orderService) releaseItems(ctx context.Context, order domain.Order, items []domain.OrderItem, reason string) error {
	if err := s.stock.ReleaseAll(ctx, items, reason); err != nil {
		s.logger(ctx, orderEventStockReleaseFail, map[string]any{
			"orderId": order.ID,
			"reason":  reason,
			"error":   err.Error(),
		})
		return err
	}
	return nil
}

func (s *orderService) publish(ctx context.Context, eventType string, order domain.Order, data map[string]any) {
	if s.events == nil {
		return
	}
	event := DomainEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		OccurredAt:  s.now(),
		Data:        data,
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, orderEventPublishFailed, map[string]any{"orderId": order.ID, "type": eventType, "error": err.Error()})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapOrderRepositoryError(err)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

// nextOrderNumber renders PREFIX-YYYYMMDD-XXXXXX from the random tail of a fresh id.
func (s *orderService) nextOrderNumber(now time.Time) string {
	id := strings.ToUpper(s.newID())
	if len(id) > orderNumberSuffixLength {
		id = id[len(id)-orderNumberSuffixLength:]
	}
	return fmt.Sprintf("%s-%s-%s", s.prefix, now.Format("20060102"), id)
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
		}
	}
	return fmt.Errorf("order: repository failure: %w", err)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}
