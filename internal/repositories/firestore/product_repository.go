package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	pfirestore "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/firestore"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name              string    `firestore:"name"`
	Price             int64     `firestore:"price"`
	Unit              string    `firestore:"unit"`
	StockQuantity     int       `firestore:"stockQuantity"`
	Status            string    `firestore:"status"`
	LowStockThreshold int       `firestore:"lowStockThreshold"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:                id,
		Name:              d.Name,
		Price:             d.Price,
		Unit:              d.Unit,
		StockQuantity:     d.StockQuantity,
		Status:            domain.ProductStatus(d.Status),
		LowStockThreshold: d.LowStockThreshold,
		UpdatedAt:         d.UpdatedAt,
	}
}

// ProductRepository is the Firestore stock ledger. Every stock change reads the
// product and writes the new quantity inside one transaction, so two reservations
// racing for the last unit cannot both commit.
type ProductRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// NewProductRepository constructs the stock ledger.
func NewProductRepository(provider *pfirestore.Provider, clock func() time.Time) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &ProductRepository{provider: provider, clock: clock}, nil
}

func (r *ProductRepository) ref(ctx context.Context, productID string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(productsCollection).Doc(productID), nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.Product{}, repositories.NewStockError("products.find", repositories.StockErrorProductNotFound, productID)
		}
		return domain.Product{}, pfirestore.WrapError("products.find", err)
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", productID, err)
	}
	return doc.toDomain(productID), nil
}

func (r *ProductRepository) Reserve(ctx context.Context, productID string, quantity int) (domain.StockReservation, error) {
	const op = "products.reserve"
	productID = strings.TrimSpace(productID)
	if quantity <= 0 {
		return domain.StockReservation{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID)
	}
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return domain.StockReservation{}, err
	}

	var reservation domain.StockReservation
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := loadProduct(tx, ref, op)
		if err != nil {
			return err
		}
		if domain.ProductStatus(doc.Status) != domain.ProductStatusActive {
			return repositories.NewStockError(op, repositories.StockErrorProductInactive, productID)
		}
		if doc.StockQuantity < quantity {
			stockErr := repositories.NewStockError(op, repositories.StockErrorInsufficientStock, productID)
			stockErr.ProductName = doc.Name
			stockErr.Requested = quantity
			stockErr.Available = doc.StockQuantity
			return stockErr
		}

		remaining := doc.StockQuantity - quantity
		if err := tx.Update(ref, []firestore.Update{
			{Path: "stockQuantity", Value: remaining},
			{Path: "updatedAt", Value: r.clock().UTC()},
		}); err != nil {
			return err
		}

		reservation = domain.StockReservation{
			ProductID:         productID,
			Name:              doc.Name,
			Unit:              doc.Unit,
			UnitPrice:         doc.Price,
			Quantity:          quantity,
			Remaining:         remaining,
			LowStockThreshold: doc.LowStockThreshold,
		}
		return nil
	})
	if err != nil {
		return domain.StockReservation{}, wrapStockError(op, err)
	}
	return reservation, nil
}

func (r *ProductRepository) Release(ctx context.Context, productID string, quantity int) (domain.Product, error) {
	const op = "products.release"
	productID = strings.TrimSpace(productID)
	if quantity <= 0 {
		return domain.Product{}, repositories.NewStockError(op, repositories.StockErrorInvalidQuantity, productID)
	}
	ref, err := r.ref(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	var product domain.Product
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := loadProduct(tx, ref, op)
		if err != nil {
			return err
		}
		doc.StockQuantity += quantity
		doc.UpdatedAt = r.clock().UTC()
		if err := tx.Update(ref, []firestore.Update{
			{Path: "stockQuantity", Value: doc.StockQuantity},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}); err != nil {
			return err
		}
		product = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, wrapStockError(op, err)
	}
	return product, nil
}

func loadProduct(tx *firestore.Transaction, ref *firestore.DocumentRef, op string) (productDocument, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return productDocument{}, repositories.NewStockError(op, repositories.StockErrorProductNotFound, ref.ID)
		}
		return productDocument{}, err
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return productDocument{}, fmt.Errorf("decode product %s: %w", ref.ID, err)
	}
	return doc, nil
}

func wrapStockError(op string, err error) error {
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
