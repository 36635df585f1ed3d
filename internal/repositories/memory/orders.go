package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

// OrderStore keeps orders plus the two uniqueness indexes (order number and
// user-scoped idempotency key).
type OrderStore struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	numbers  map[string]string
	idemKeys map[string]string
}

// NewOrderStore constructs an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:   make(map[string]domain.Order),
		numbers:  make(map[string]string),
		idemKeys: make(map[string]string),
	}
}

// Len returns the number of stored orders.
func (s *OrderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *OrderStore) Insert(_ context.Context, order domain.Order) error {
	const op = "memory.orders.insert"
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return repositories.Conflict(op, "order id already exists")
	}
	if _, exists := s.numbers[order.OrderNumber]; exists {
		return repositories.Conflict(op, "order number already exists")
	}
	key := idemKey(order.UserID, order.IdempotencyKey)
	if key != "" {
		if _, exists := s.idemKeys[key]; exists {
			return repositories.Conflict(op, "idempotency key already used")
		}
		s.idemKeys[key] = order.ID
	}
	s.numbers[order.OrderNumber] = order.ID
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *OrderStore) Update(_ context.Context, order domain.Order, expectedVersion int) error {
	const op = "memory.orders.update"
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return repositories.NotFound(op, "order not found")
	}
	if current.Version != expectedVersion {
		return repositories.Conflict(op, "order version changed")
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *OrderStore) Delete(_ context.Context, orderID string, expectedVersion int) error {
	const op = "memory.orders.delete"
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[orderID]
	if !ok {
		return repositories.NotFound(op, "order not found")
	}
	if current.Version != expectedVersion {
		return repositories.Conflict(op, "order version changed")
	}
	delete(s.orders, orderID)
	delete(s.numbers, current.OrderNumber)
	if key := idemKey(current.UserID, current.IdempotencyKey); key != "" {
		delete(s.idemKeys, key)
	}
	return nil
}

func (s *OrderStore) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("memory.orders.find", "order not found")
	}
	return cloneOrder(order), nil
}

func (s *OrderStore) FindByIdempotencyKey(_ context.Context, userID, key string) (domain.Order, error) {
	const op = "memory.orders.find_by_key"
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idemKeys[idemKey(userID, key)]
	if !ok {
		return domain.Order{}, repositories.NotFound(op, "order not found")
	}
	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, repositories.NotFound(op, "order not found")
	}
	return cloneOrder(order), nil
}

func (s *OrderStore) ListAwaitingPayment(_ context.Context, query repositories.AwaitingPaymentQuery) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, order := range s.orders {
		if !order.AwaitingReconcile() {
			continue
		}
		if !query.DueBefore.IsZero() && !order.ReconcileCursor().Before(query.DueBefore) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].ReconcileCursor(), out[j].ReconcileCursor()
		if ci.Equal(cj) {
			return out[i].ID < out[j].ID
		}
		return ci.Before(cj)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *OrderStore) MarkReconcileChecked(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return repositories.NotFound("memory.orders.mark_reconcile", "order not found")
	}
	checked := at
	order.ReconcileCheckedAt = &checked
	s.orders[orderID] = order
	return nil
}

func idemKey(userID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return strings.TrimSpace(userID) + "::" + key
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = append([]domain.OrderItem(nil), order.Items...)
	out.StatusHistory = append([]domain.StatusHistoryEntry(nil), order.StatusHistory...)
	if order.PaymentIntentID != nil {
		id := *order.PaymentIntentID
		out.PaymentIntentID = &id
	}
	if order.ReconcileCheckedAt != nil {
		at := *order.ReconcileCheckedAt
		out.ReconcileCheckedAt = &at
	}
	if order.Receipt.LastAttemptAt != nil {
		at := *order.Receipt.LastAttemptAt
		out.Receipt.LastAttemptAt = &at
	}
	return out
}
