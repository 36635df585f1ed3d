package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/firestore"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

// Registry wires the Firestore-backed repositories around one provider.
type Registry struct {
	provider *pfirestore.Provider
	products *ProductRepository
	orders   *OrderRepository
	payments *PaymentRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds all repositories. Extra probes (Pub/Sub, Redis) are added to
// the Firestore probe for readiness.
func NewRegistry(provider *pfirestore.Provider, clock func() time.Time, probes ...repositories.DependencyProbe) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	products, err := NewProductRepository(provider, clock)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		return nil, err
	}
	all := append([]repositories.DependencyProbe{{Name: "firestore", Check: provider.Ping}}, probes...)
	health, err := repositories.NewProbeHealthRepository(all, clock)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, products: products, orders: orders, payments: payments, health: health}, nil
}

func (r *Registry) Close(ctx context.Context) error                 { return r.provider.Close(ctx) }
func (r *Registry) Products() repositories.ProductRepository       { return r.products }
func (r *Registry) Orders() repositories.OrderRepository           { return r.orders }
func (r *Registry) Payments() repositories.PaymentLedgerRepository { return r.payments }
func (r *Registry) Health() repositories.HealthRepository          { return r.health }
