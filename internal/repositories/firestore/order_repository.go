package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	pfirestore "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/firestore"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const (
	ordersCollection         = "orders"
	orderNumbersCollection   = "orderNumbers"
	orderIdempotencyKeysColl = "orderIdempotencyKeys"
	defaultAwaitingPageLimit = 100
)

// OrderRepository stores orders as single documents embedding items and history.
// Uniqueness of the order number and of the (user, idempotency key) pair is enforced
// with claim documents created in the same transaction as the order.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

type orderItemDocument struct {
	ProductID    string `firestore:"productId"`
	Name         string `firestore:"name"`
	UnitPrice    int64  `firestore:"unitPrice"`
	Quantity     int    `firestore:"quantity"`
	Unit         string `firestore:"unit"`
	LineSubtotal int64  `firestore:"lineSubtotal"`
}

type historyDocument struct {
	Status string    `firestore:"status"`
	Event  string    `firestore:"event"`
	Actor  string    `firestore:"actor"`
	Note   string    `firestore:"note,omitempty"`
	At     time.Time `firestore:"at"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Phone      string `firestore:"phone"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type customerDocument struct {
	Name  string `firestore:"name,omitempty"`
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type orderDocument struct {
	OrderNumber          string              `firestore:"orderNumber"`
	UserID               string              `firestore:"userId"`
	Items                []orderItemDocument `firestore:"items"`
	TotalAmount          int64               `firestore:"totalAmount"`
	Currency             string              `firestore:"currency"`
	ShippingAddress      addressDocument     `firestore:"shippingAddress"`
	Notes                string              `firestore:"notes,omitempty"`
	Locale               string              `firestore:"locale,omitempty"`
	Customer             customerDocument    `firestore:"customer"`
	PaymentMethod        string              `firestore:"paymentMethod"`
	PaymentIntentID      *string             `firestore:"paymentIntentId"`
	IntentStatus         string              `firestore:"intentStatus,omitempty"`
	PaymentStatus        string              `firestore:"paymentStatus"`
	OrderStatus          string              `firestore:"orderStatus"`
	StatusHistory        []historyDocument   `firestore:"statusHistory"`
	ReceiptEmailStatus   string              `firestore:"receiptEmailStatus"`
	ReceiptEmailAttempts int                 `firestore:"receiptEmailAttempts"`
	ReceiptEmailError    string              `firestore:"receiptEmailError,omitempty"`
	ReceiptLastAttemptAt *time.Time          `firestore:"receiptLastAttemptAt"`
	ReconcileCheckedAt   *time.Time          `firestore:"reconcileCheckedAt"`
	IdempotencyKey       string              `firestore:"idempotencyKey,omitempty"`
	Version              int                 `firestore:"version"`
	CreatedAt            time.Time           `firestore:"createdAt"`
	UpdatedAt            time.Time           `firestore:"updatedAt"`

	// Derived on every write so the reconciliation sweep filters and pages in the query.
	AwaitingReconcile bool      `firestore:"awaitingReconcile"`
	ReconcileCursor   time.Time `firestore:"reconcileCursor"`
}

type claimDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:          o.OrderNumber,
		UserID:               o.UserID,
		Items:                make([]orderItemDocument, 0, len(o.Items)),
		TotalAmount:          o.TotalAmount,
		Currency:             o.Currency,
		ShippingAddress:      addressDocument(o.ShippingAddress),
		Notes:                o.Notes,
		Locale:               o.Locale,
		Customer:             customerDocument(o.Customer),
		PaymentMethod:        string(o.PaymentMethod),
		PaymentIntentID:      o.PaymentIntentID,
		IntentStatus:         string(o.IntentStatus),
		PaymentStatus:        string(o.PaymentStatus),
		OrderStatus:          string(o.Status),
		StatusHistory:        make([]historyDocument, 0, len(o.StatusHistory)),
		ReceiptEmailStatus:   string(o.Receipt.Status),
		ReceiptEmailAttempts: o.Receipt.Attempts,
		ReceiptEmailError:    o.Receipt.Error,
		ReceiptLastAttemptAt: o.Receipt.LastAttemptAt,
		ReconcileCheckedAt:   o.ReconcileCheckedAt,
		AwaitingReconcile:    o.AwaitingReconcile(),
		ReconcileCursor:      o.ReconcileCursor().UTC(),
		IdempotencyKey:       o.IdempotencyKey,
		Version:              o.Version,
		CreatedAt:            o.CreatedAt.UTC(),
		UpdatedAt:            o.UpdatedAt.UTC(),
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	for _, entry := range o.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, historyDocument{
			Status: string(entry.Status),
			Event:  entry.Event,
			Actor:  entry.Actor,
			Note:   entry.Note,
			At:     entry.At.UTC(),
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		Items:           make([]domain.OrderItem, 0, len(d.Items)),
		TotalAmount:     d.TotalAmount,
		Currency:        d.Currency,
		ShippingAddress: domain.Address(d.ShippingAddress),
		Notes:           d.Notes,
		Locale:          d.Locale,
		Customer:        domain.CustomerSnapshot(d.Customer),
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		PaymentIntentID: d.PaymentIntentID,
		IntentStatus:    domain.IntentStatus(d.IntentStatus),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		Status:          domain.OrderStatus(d.OrderStatus),
		StatusHistory:   make([]domain.StatusHistoryEntry, 0, len(d.StatusHistory)),
		Receipt: domain.ReceiptDelivery{
			Status:        domain.ReceiptStatus(d.ReceiptEmailStatus),
			Attempts:      d.ReceiptEmailAttempts,
			Error:         d.ReceiptEmailError,
			LastAttemptAt: d.ReceiptLastAttemptAt,
		},
		ReconcileCheckedAt: d.ReconcileCheckedAt,
		IdempotencyKey:     d.IdempotencyKey,
		Version:            d.Version,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem(item))
	}
	for _, entry := range d.StatusHistory {
		order.StatusHistory = append(order.StatusHistory, domain.StatusHistoryEntry{
			Status: domain.OrderStatus(entry.Status),
			Event:  entry.Event,
			Actor:  entry.Actor,
			Note:   entry.Note,
			At:     entry.At,
		})
	}
	return order
}

func (r *OrderRepository) client(ctx context.Context) (*firestore.Client, error) {
	return r.provider.Client(ctx)
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	const op = "orders.insert"
	client, err := r.client(ctx)
	if err != nil {
		return err
	}
	orderRef := client.Collection(ordersCollection).Doc(order.ID)
	numberRef := client.Collection(orderNumbersCollection).Doc(order.OrderNumber)
	var keyRef *firestore.DocumentRef
	if strings.TrimSpace(order.IdempotencyKey) != "" {
		keyRef = client.Collection(orderIdempotencyKeysColl).Doc(idempotencyDocID(order.UserID, order.IdempotencyKey))
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claim := claimDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}
		if keyRef != nil {
			if err := tx.Create(keyRef, claim); err != nil {
				return err
			}
		}
		if err := tx.Create(numberRef, claim); err != nil {
			return err
		}
		return tx.Create(orderRef, newOrderDocument(order))
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedVersion int) error {
	const op = "orders.update"
	client, err := r.client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(ordersCollection).Doc(order.ID)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := loadOrder(tx, ref)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return pfirestore.Conflict(op, fmt.Sprintf("order %s version %d, expected %d", order.ID, current.Version, expectedVersion))
		}
		return tx.Set(ref, newOrderDocument(order))
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string, expectedVersion int) error {
	const op = "orders.delete"
	client, err := r.client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(ordersCollection).Doc(orderID)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := loadOrder(tx, ref)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return pfirestore.Conflict(op, fmt.Sprintf("order %s version %d, expected %d", orderID, current.Version, expectedVersion))
		}
		if err := tx.Delete(client.Collection(orderNumbersCollection).Doc(current.OrderNumber)); err != nil {
			return err
		}
		if strings.TrimSpace(current.IdempotencyKey) != "" {
			if err := tx.Delete(client.Collection(orderIdempotencyKeysColl).Doc(idempotencyDocID(current.UserID, current.IdempotencyKey))); err != nil {
				return err
			}
		}
		return tx.Delete(ref)
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "orders.find"
	client, err := r.client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(ordersCollection).Doc(orderID).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	const op = "orders.find_by_key"
	client, err := r.client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(orderIdempotencyKeysColl).Doc(idempotencyDocID(userID, key)).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	var claim claimDocument
	if err := snap.DataTo(&claim); err != nil {
		return domain.Order{}, fmt.Errorf("decode idempotency claim: %w", err)
	}
	return r.FindByID(ctx, claim.OrderID)
}

func (r *OrderRepository) ListAwaitingPayment(ctx context.Context, query repositories.AwaitingPaymentQuery) ([]domain.Order, error) {
	const op = "orders.list_awaiting_payment"
	client, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultAwaitingPageLimit
	}

	q := client.Collection(ordersCollection).Where("awaitingReconcile", "==", true)
	if !query.DueBefore.IsZero() {
		q = q.Where("reconcileCursor", "<", query.DueBefore.UTC())
	}
	iter := q.OrderBy("reconcileCursor", firestore.Asc).Limit(limit).Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}
	return orders, nil
}

// MarkReconcileChecked writes only the sweep fields, so concurrent versioned updates
// are not invalidated.
func (r *OrderRepository) MarkReconcileChecked(ctx context.Context, orderID string, at time.Time) error {
	const op = "orders.mark_reconcile_checked"
	client, err := r.client(ctx)
	if err != nil {
		return err
	}
	at = at.UTC()
	_, err = client.Collection(ordersCollection).Doc(orderID).Update(ctx, []firestore.Update{
		{Path: "reconcileCheckedAt", Value: at},
		{Path: "reconcileCursor", Value: at},
	})
	if err != nil {
		return pfirestore.WrapError(op, err)
	}
	return nil
}

func loadOrder(tx *firestore.Transaction, ref *firestore.DocumentRef) (orderDocument, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return orderDocument{}, pfirestore.WrapError("orders.load", err)
		}
		return orderDocument{}, err
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return orderDocument{}, fmt.Errorf("decode order %s: %w", ref.ID, err)
	}
	return doc, nil
}

// idempotencyDocID hashes the pair so arbitrary client keys are safe document ids.
func idempotencyDocID(userID, key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(userID) + "\x00" + strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
