package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const (
	stockEventLowStock           = "stock.low"
	stockEventCompensationFailed = "stock.compensation.failed"
)

// StockLedgerDeps bundles the collaborators of the stock ledger.
type StockLedgerDeps struct {
	Products repositories.ProductRepository
	Events   EventPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type stockLedger struct {
	products repositories.ProductRepository
	events   EventPublisher
	clock    func() time.Time
	logger   eventLogger
}

// NewStockLedger wires the product repository into a StockLedger.
func NewStockLedger(deps StockLedgerDeps) (StockLedger, error) {
	if deps.Products == nil {
		return nil, errors.New("stock ledger: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &stockLedger{
		products: deps.Products,
		events:   deps.Events,
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

func (l *stockLedger) ReserveAll(ctx context.Context, lines []domain.OrderLine) ([]domain.OrderItem, error) {
	lines, err := normaliseLines(lines)
	if err != nil {
		return nil, err
	}

	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		res, err := l.products.Reserve(ctx, line.ProductID, line.Quantity)
		if err != nil {
			mapped := mapStockError(err)
			if rbErr := l.ReleaseAll(ctx, items, "reserve.rollback"); rbErr != nil {
				return nil, errors.Join(mapped, rbErr)
			}
			return nil, mapped
		}
		items = append(items, itemFromReservation(res, line.Quantity))
		l.signalLowStock(ctx, res)
	}
	return items, nil
}

func (l *stockLedger) ReleaseAll(ctx context.Context, items []domain.OrderItem, reason string) error {
	var failed []error
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		if _, err := l.products.Release(ctx, item.ProductID, item.Quantity); err != nil {
			l.escalate(ctx, item, reason, err)
			failed = append(failed, fmt.Errorf("%w: release %d of %s: %v", ErrStockCompensationFailed, item.Quantity, item.ProductID, err))
		}
	}
	return errors.Join(failed...)
}

func (l *stockLedger) Adjust(ctx context.Context, current []domain.OrderItem, lines []domain.OrderLine) (StockAdjustment, error) {
	lines, err := normaliseLines(lines)
	if err != nil {
		return StockAdjustment{}, err
	}

	existing := make(map[string]domain.OrderItem, len(current))
	for _, item := range current {
		existing[item.ProductID] = item
	}

	var (
		items     = make([]domain.OrderItem, 0, len(lines))
		increases []domain.OrderItem
		decreases []domain.OrderItem
		kept      = make(map[string]struct{}, len(lines))
	)
	for _, line := range lines {
		kept[line.ProductID] = struct{}{}
		old, had := existing[line.ProductID]
		delta := line.Quantity - old.Quantity

		var snapshot domain.OrderItem
		switch {
		case delta > 0:
			res, err := l.products.Reserve(ctx, line.ProductID, delta)
			if err != nil {
				mapped := mapStockError(err)
				if errors.Is(mapped, ErrOutOfStock) {
					mapped = fmt.Errorf("%w: %w", ErrInsufficientStockDuringUpdate, mapped)
				}
				if rbErr := l.ReleaseAll(ctx, increases, "update.rollback"); rbErr != nil {
					return StockAdjustment{}, errors.Join(mapped, rbErr)
				}
				return StockAdjustment{}, mapped
			}
			increases = append(increases, domain.OrderItem{ProductID: line.ProductID, Quantity: delta})
			l.signalLowStock(ctx, res)
			snapshot = itemFromReservation(res, line.Quantity)
		case delta < 0:
			decreases = append(decreases, domain.OrderItem{ProductID: line.ProductID, Quantity: -delta})
		}

		// Lines already on the order keep the price captured when they were first reserved.
		if had {
			snapshot = old
			snapshot.Quantity = line.Quantity
			snapshot.LineSubtotal = domain.LineSubtotal(old.UnitPrice, line.Quantity)
		}
		items = append(items, snapshot)
	}
	for _, item := range current {
		if _, ok := kept[item.ProductID]; !ok {
			decreases = append(decreases, domain.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity})
		}
	}

	return StockAdjustment{
		Items: items,
		Commit: func(ctx context.Context) error {
			return l.ReleaseAll(ctx, decreases, "update.commit")
		},
		Rollback: func(ctx context.Context) error {
			return l.ReleaseAll(ctx, increases, "update.rollback")
		},
	}, nil
}

func (l *stockLedger) signalLowStock(ctx context.Context, res domain.StockReservation) {
	if !res.LowStock() {
		return
	}
	l.logger(ctx, stockEventLowStock, map[string]any{
		"productId": res.ProductID,
		"remaining": res.Remaining,
		"threshold": res.LowStockThreshold,
	})
	l.publish(ctx, DomainEvent{
		Type:       EventInventoryLowStock,
		ProductID:  res.ProductID,
		OccurredAt: l.clock(),
		Data: map[string]any{
			"remaining": res.Remaining,
			"threshold": res.LowStockThreshold,
		},
	})
}

// escalate reports a release that could not be applied. Nothing retries it.
func (l *stockLedger) escalate(ctx context.Context, item domain.OrderItem, reason string, err error) {
	l.logger(ctx, stockEventCompensationFailed, map[string]any{
		"productId": item.ProductID,
		"quantity":  item.Quantity,
		"reason":    reason,
		"error":     err.Error(),
	})
	l.publish(ctx, DomainEvent{
		Type:       EventCompensationFailed,
		ProductID:  item.ProductID,
		OccurredAt: l.clock(),
		Data: map[string]any{
			"quantity": item.Quantity,
			"reason":   reason,
			"error":    err.Error(),
		},
	})
}

func (l *stockLedger) publish(ctx context.Context, event DomainEvent) {
	if l.events == nil {
		return
	}
	if err := l.events.PublishEvent(ctx, event); err != nil {
		l.logger(ctx, "stock.event.publish.failed", map[string]any{"type": event.Type, "error": err.Error()})
	}
}

func itemFromReservation(res domain.StockReservation, quantity int) domain.OrderItem {
	return domain.OrderItem{
		ProductID:    res.ProductID,
		Name:         res.Name,
		UnitPrice:    res.UnitPrice,
		Quantity:     quantity,
		Unit:         res.Unit,
		LineSubtotal: domain.LineSubtotal(res.UnitPrice, quantity),
	}
}

// normaliseLines validates lines and merges repeated products, keeping first-seen order.
func normaliseLines(lines []domain.OrderLine) ([]domain.OrderLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	out := make([]domain.OrderLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, productID)
		}
		if i, ok := index[productID]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[productID] = len(out)
		out = append(out, domain.OrderLine{ProductID: productID, Quantity: line.Quantity})
	}
	return out, nil
}

func mapStockError(err error) error {
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficientStock:
			name := stockErr.ProductName
			if name == "" {
				name = stockErr.ProductID
			}
			return fmt.Errorf("%w: insufficient stock for %s, available: %d", ErrOutOfStock, name, stockErr.Available)
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: %s", ErrProductNotFound, stockErr.ProductID)
		case repositories.StockErrorProductInactive:
			return fmt.Errorf("%w: %s", ErrProductInactive, stockErr.ProductID)
		case repositories.StockErrorInvalidQuantity:
			return fmt.Errorf("%w: invalid quantity for %s", ErrOrderInvalidInput, stockErr.ProductID)
		}
	}
	return fmt.Errorf("stock: %w", err)
}
