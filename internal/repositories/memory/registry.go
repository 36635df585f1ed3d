// Package memory provides mutex-guarded in-process repositories. They back unit tests
// and local runs with API_PERSISTENCE=memory and give the same per-record atomicity as
// the Firestore implementations.
package memory

import (
	"context"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	products *ProductStore
	orders   *OrderStore
	payments *PaymentStore
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs an empty registry seeded with the given products.
func NewRegistry(products ...domain.Product) *Registry {
	health, _ := repositories.NewProbeHealthRepository([]repositories.DependencyProbe{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, time.Now)
	return &Registry{
		products: NewProductStore(products...),
		orders:   NewOrderStore(),
		payments: NewPaymentStore(),
		health:   health,
	}
}

func (r *Registry) Close(context.Context) error                   { return nil }
func (r *Registry) Products() repositories.ProductRepository       { return r.products }
func (r *Registry) Orders() repositories.OrderRepository           { return r.orders }
func (r *Registry) Payments() repositories.PaymentLedgerRepository { return r.payments }
func (r *Registry) Health() repositories.HealthRepository          { return r.health }

// ProductStore exposes the concrete product store for seeding and assertions.
func (r *Registry) ProductStore() *ProductStore { return r.products }

// OrderStore exposes the concrete order store.
func (r *Registry) OrderStore() *OrderStore { return r.orders }

// PaymentStore exposes the concrete payment ledger store.
func (r *Registry) PaymentStore() *PaymentStore { return r.payments }
