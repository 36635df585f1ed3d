package firestore

import (
	"context"
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
)

const paymentsCollection = "payments"

// PaymentRepository is the payment ledger. The document id is the gateway transaction
// id, so a second row for the same intent cannot exist.
type PaymentRepository struct {
	provider *pfirestore.Provider
}

// NewPaymentRepository constructs the ledger repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{provider: provider}, nil
}

type paymentDocument struct {
	RecordID        string           `firestore:"id"`
	OrderID         string           `firestore:"orderId"`
	OrderNumber     string           `firestore:"orderNumber"`
	UserID          string           `firestore:"userId"`
	Customer        customerDocument `firestore:"customer"`
	PaymentMethod   string           `firestore:"paymentMethod"`
	Amount          int64            `firestore:"amount"`
	Currency        string           `firestore:"currency"`
	Status          string           `firestore:"status"`
	GatewayResponse map[string]any   `firestore:"gatewayResponse,omitempty"`
	FailureReason   string           `firestore:"failureReason,omitempty"`
	PaymentDate     *time.Time       `firestore:"paymentDate"`
	CreatedAt       time.Time        `firestore:"createdAt"`
	UpdatedAt       time.Time        `firestore:"updatedAt"`
}

func newPaymentDocument(r domain.PaymentRecord) paymentDocument {
	return paymentDocument{
		RecordID:        r.ID,
		OrderID:         r.OrderID,
		OrderNumber:     r.OrderNumber,
		UserID:          r.UserID,
		Customer:        customerDocument(r.Customer),
		PaymentMethod:   string(r.PaymentMethod),
		Amount:          r.Amount,
		Currency:        r.Currency,
		Status:          string(r.Status),
		GatewayResponse: r.GatewayResponse,
		FailureReason:   r.FailureReason,
		PaymentDate:     r.PaymentDate,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func (d paymentDocument) toDomain(transactionID string) domain.PaymentRecord {
	return domain.PaymentRecord{
		ID:              d.RecordID,
		OrderID:         d.OrderID,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		Customer:        domain.CustomerSnapshot(d.Customer),
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		TransactionID:   transactionID,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Status:          domain.LedgerStatus(d.Status),
		GatewayResponse: d.GatewayResponse,
		FailureReason:   d.FailureReason,
		PaymentDate:     d.PaymentDate,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (r *PaymentRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(paymentsCollection), nil
}

func (r *PaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.PaymentRecord, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	transactionID = strings.TrimSpace(transactionID)
	snap, err := coll.Doc(transactionID).Get(ctx)
	if err != nil {
		return domain.PaymentRecord{}, pfirestore.WrapError("payments.find", err)
	}
	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode payment %s: %w", transactionID, err)
	}
	return doc.toDomain(transactionID), nil
}

func (r *PaymentRepository) Upsert(ctx context.Context, record domain.PaymentRecord) (domain.PaymentRecord, bool, error) {
	const op = "payments.upsert"
	transactionID := strings.TrimSpace(record.TransactionID)
	if transactionID == "" {
		return domain.PaymentRecord{}, false, pfirestore.Conflict(op, "transaction id is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.PaymentRecord{}, false, err
	}
	ref := coll.Doc(transactionID)

	var (
		stored  domain.PaymentRecord
		created bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			created = true
			stored = record
			stored.TransactionID = transactionID
			return tx.Create(ref, newPaymentDocument(stored))
		case err != nil:
			return err
		}

		created = false
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode payment %s: %w", transactionID, err)
		}
		if current := domain.LedgerStatus(doc.Status); !domain.LedgerAccepts(current, record.Status) {
			return errLedgerRejected{current: current, next: record.Status}
		}
		doc.Status = string(record.Status)
		doc.FailureReason = record.FailureReason
		if record.GatewayResponse != nil {
			doc.GatewayResponse = record.GatewayResponse
		}
		if record.PaymentDate != nil {
			doc.PaymentDate = record.PaymentDate
		}
		if record.Amount != 0 {
			doc.Amount = record.Amount
		}
		doc.UpdatedAt = record.UpdatedAt.UTC()
		stored = doc.toDomain(transactionID)
		return tx.Set(ref, doc)
	})
	var rejected errLedgerRejected
	switch {
	case errors.As(err, &rejected):
		return domain.PaymentRecord{}, false, pfirestore.Conflict(op, rejected.Error())
	case err != nil:
		return domain.PaymentRecord{}, false, pfirestore.WrapError(op, err)
	}
	return stored, created, nil
}

type errLedgerRejected struct {
	current, next domain.LedgerStatus
}

func (e errLedgerRejected) Error() string {
	return fmt.Sprintf("ledger status %s does not accept %s", e.current, e.next)
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentRecord, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	iter := coll.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var records []domain.PaymentRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("payments.list_by_order", err)
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
		}
		records = append(records, doc.toDomain(snap.Ref.ID))
	}
	return records, nil
}
