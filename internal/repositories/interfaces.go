package repositories

import (
	"context"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Orders() OrderRepository
	Payments() PaymentLedgerRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository is the stock ledger. Reserve and Release are the only ways order
// flows change a product's stock quantity, and both must be atomic per product.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// Reserve decrements stock by quantity when the product is active and has enough
	// units. Failures are reported as *StockError.
	Reserve(ctx context.Context, productID string, quantity int) (domain.StockReservation, error)
	// Release increments stock by quantity.
	Release(ctx context.Context, productID string, quantity int) (domain.Product, error)
}

// OrderRepository persists order aggregates with optimistic versioning.
type OrderRepository interface {
	// Insert stores a new order. It must fail with a conflict when the order number or
	// the (user, idempotency key) pair is already taken.
	Insert(ctx context.Context, order domain.Order) error
	// Update replaces the stored order when its version still equals expectedVersion.
	Update(ctx context.Context, order domain.Order, expectedVersion int) error
	// Delete removes the order when its version still equals expectedVersion.
	Delete(ctx context.Context, orderID string, expectedVersion int) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error)
	// ListAwaitingPayment returns orders for which domain.Order.AwaitingReconcile holds,
	// oldest ReconcileCursor first.
	ListAwaitingPayment(ctx context.Context, query AwaitingPaymentQuery) ([]domain.Order, error)
	// MarkReconcileChecked stamps the order as checked at the given time without
	// touching its version.
	MarkReconcileChecked(ctx context.Context, orderID string, at time.Time) error
}

// AwaitingPaymentQuery selects online orders whose intent has not been settled yet.
// DueBefore excludes orders created or last checked at or after it.
type AwaitingPaymentQuery struct {
	DueBefore time.Time
	Limit     int
}

// PaymentLedgerRepository stores one record per gateway intent id.
type PaymentLedgerRepository interface {
	FindByTransactionID(ctx context.Context, transactionID string) (domain.PaymentRecord, error)
	// Upsert inserts the record or updates the existing row for the same transaction id.
	// The boolean reports whether a new row was created. An update that
	// domain.LedgerAccepts refuses fails with a conflict and leaves the row unchanged.
	Upsert(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error)
}

// HealthRepository aggregates dependency probes for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
