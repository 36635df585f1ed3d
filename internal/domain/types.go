package domain

import (
	"time"
)

// ProductStatus marks whether a catalog product can be ordered.
type ProductStatus string

const (
	// ProductStatusActive products can be reserved by orders.
	ProductStatusActive ProductStatus = "active"
	// ProductStatusInactive products are hidden from checkout and reject reservations.
	ProductStatusInactive ProductStatus = "inactive"
)

// Product is the catalog record whose stock quantity backs order reservations.
type Product struct {
	ID                string
	Name              string
	Price             int64
	Unit              string
	StockQuantity     int
	Status            ProductStatus
	LowStockThreshold int
	UpdatedAt         time.Time
}

// StockReservation is the result of a successful stock decrement. It carries the
// catalog values captured at reservation time so the order can snapshot them.
type StockReservation struct {
	ProductID         string
	Name              string
	Unit              string
	UnitPrice         int64
	Quantity          int
	Remaining         int
	LowStockThreshold int
}

// LowStock reports whether the reservation left the product at or under its threshold.
func (r StockReservation) LowStock() bool {
	return r.LowStockThreshold > 0 && r.Remaining <= r.LowStockThreshold
}

// PaymentMethod identifies how the customer settles the order.
type PaymentMethod string

const (
	// PaymentMethodCOD is cash on delivery.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodOnline is settled through the payment gateway.
	PaymentMethodOnline PaymentMethod = "online"
	// PaymentMethodCredit is settled on account terms.
	PaymentMethodCredit PaymentMethod = "credit"
)

// Valid reports whether the method is one of the supported values.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodOnline, PaymentMethodCredit:
		return true
	default:
		return false
	}
}

// Address is the shipping destination captured on the order.
type Address struct {
	Recipient  string
	Phone      string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// OrderItem is the frozen line snapshot taken when stock was reserved. It is never
// re-derived from the current catalog price.
type OrderItem struct {
	ProductID    string
	Name         string
	UnitPrice    int64
	Quantity     int
	Unit         string
	LineSubtotal int64
}

// OrderLine is a requested (productId, quantity) pair prior to reservation.
type OrderLine struct {
	ProductID string
	Quantity  int
}

// StatusHistoryEntry is one append-only record of an order lifecycle event.
type StatusHistoryEntry struct {
	Status OrderStatus
	Event  string
	Actor  string
	Note   string
	At     time.Time
}

// Order history event names.
const (
	HistoryEventCreated          = "created"
	HistoryEventUpdated          = "updated"
	HistoryEventStatusChanged    = "status_changed"
	HistoryEventCancelled        = "cancelled"
	HistoryEventPaymentSucceeded = "payment_succeeded"
	HistoryEventPaymentFailed    = "payment_failed"
	HistoryEventPaymentCancelled = "payment_cancelled"
)

// ReceiptStatus tracks delivery of the receipt notification.
type ReceiptStatus string

const (
	ReceiptStatusNotSent ReceiptStatus = "not_sent"
	ReceiptStatusSent    ReceiptStatus = "sent"
	ReceiptStatusFailed  ReceiptStatus = "failed"
)

// ReceiptDelivery is bookkeeping owned by the notification collaborator.
type ReceiptDelivery struct {
	Status        ReceiptStatus
	Attempts      int
	Error         string
	LastAttemptAt *time.Time
}

// Order is the aggregate holding the item snapshot, lifecycle status and history.
// IntentStatus is the last status observed for PaymentIntentID. ReconcileCheckedAt is
// when the reconciliation sweep last asked the gateway about it without settling.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	Items              []OrderItem
	TotalAmount        int64
	Currency           string
	ShippingAddress    Address
	Notes              string
	Locale             string
	Customer           CustomerSnapshot
	PaymentMethod      PaymentMethod
	PaymentIntentID    *string
	IntentStatus       IntentStatus
	PaymentStatus      PaymentStatus
	Status             OrderStatus
	StatusHistory      []StatusHistoryEntry
	Receipt            ReceiptDelivery
	ReconcileCheckedAt *time.Time
	IdempotencyKey     string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IntentID returns the stored gateway intent id or an empty string.
func (o Order) IntentID() string {
	if o.PaymentIntentID == nil {
		return ""
	}
	return *o.PaymentIntentID
}

// BindIntent records intentID as the order's current payment attempt.
func (o *Order) BindIntent(intentID string, status IntentStatus) {
	id := intentID
	o.PaymentIntentID = &id
	o.IntentStatus = status
	o.ReconcileCheckedAt = nil
}

// DetachIntent forgets the current payment attempt so the next one starts fresh.
func (o *Order) DetachIntent() {
	o.PaymentIntentID = nil
	o.IntentStatus = ""
	o.ReconcileCheckedAt = nil
}

// AwaitingReconcile reports whether the order has an online intent that may still
// settle without the core hearing about it.
func (o Order) AwaitingReconcile() bool {
	return o.PaymentMethod == PaymentMethodOnline &&
		o.PaymentStatus == PaymentStatusPending &&
		o.Status != OrderStatusCancelled &&
		o.IntentID() != "" &&
		o.IntentStatus != IntentStatusCanceled
}

// ReconcileCursor orders the reconciliation sweep. Orders never checked sort by
// creation time and each unsettled check moves the order to the back.
func (o Order) ReconcileCursor() time.Time {
	if o.ReconcileCheckedAt != nil {
		return *o.ReconcileCheckedAt
	}
	return o.CreatedAt
}

// CustomerSnapshot holds contact details copied onto orders and ledger rows.
type CustomerSnapshot struct {
	Name  string
	Email string
	Phone string
}

// LedgerStatus is the settlement status recorded in the payment ledger.
type LedgerStatus string

const (
	LedgerStatusPending    LedgerStatus = "pending"
	LedgerStatusProcessing LedgerStatus = "processing"
	LedgerStatusSuccess    LedgerStatus = "success"
	LedgerStatusFailed     LedgerStatus = "failed"
	LedgerStatusRefunded   LedgerStatus = "refunded"
	LedgerStatusCancelled  LedgerStatus = "cancelled"
)

// PaymentRecord is one ledger entry. TransactionID is the gateway intent id and is
// unique across the ledger.
type PaymentRecord struct {
	ID              string
	OrderID         string
	OrderNumber     string
	UserID          string
	Customer        CustomerSnapshot
	PaymentMethod   PaymentMethod
	TransactionID   string
	Amount          int64
	Currency        string
	Status          LedgerStatus
	GatewayResponse map[string]any
	FailureReason   string
	PaymentDate     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LineSubtotal multiplies quantity by unit price.
func LineSubtotal(unitPrice int64, quantity int) int64 {
	return unitPrice * int64(quantity)
}

// SumItems returns the order total for the given snapshot.
func SumItems(items []OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineSubtotal
	}
	return total
}
