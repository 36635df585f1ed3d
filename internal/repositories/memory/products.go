package memory

import (
	"context"
	"sync"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

// ProductStore is an in-memory stock ledger. The check and the decrement happen under
// one lock, which is the in-process equivalent of a conditional update.
type ProductStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
}

// NewProductStore seeds the store.
func NewProductStore(products ...domain.Product) *ProductStore {
	store := &ProductStore{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		store.products[p.ID] = p
	}
	return store
}

// Put inserts or replaces a product.
func (s *ProductStore) Put(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// Stock returns the current quantity, or -1 when the product is missing.
func (s *ProductStore) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return -1
	}
	return p.StockQuantity
}

func (s *ProductStore) FindByID(_ context.Context, productID string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewStockError("memory.products.find", repositories.StockErrorProductNotFound, productID)
	}
	return p, nil
}

func (s *ProductStore) Reserve(_ context.Context, productID string, quantity int) (domain.StockReservation, error) {
	const op = "memory.products.reserve"
	if quantity <= 0 {
		return domain.StockReservation{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return domain.StockReservation{}, repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID)
	}
	if p.Status != domain.ProductStatusActive {
		return domain.StockReservation{}, repositories.NewStockError(op, repositories.StockErrorProductInactive, productID)
	}
	if p.StockQuantity < quantity {
		err := repositories.NewStockError(op, repositories.StockErrorInsufficientStock, productID)
		err.ProductName = p.Name
		err.Requested = quantity
		err.Available = p.StockQuantity
		return domain.StockReservation{}, err
	}

	p.StockQuantity -= quantity
	s.products[productID] = p

	return domain.StockReservation{
		ProductID:         p.ID,
		Name:              p.Name,
		Unit:              p.Unit,
		UnitPrice:         p.Price,
		Quantity:          quantity,
		Remaining:         p.StockQuantity,
		LowStockThreshold: p.LowStockThreshold,
	}, nil
}

func (s *ProductStore) Release(_ context.Context, productID string, quantity int) (domain.Product, error) {
	const op = "memory.products.release"
	if quantity <= 0 {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorProductNotFound, productID)
	}
	p.StockQuantity += quantity
	s.products[productID] = p
	return p, nil
}
