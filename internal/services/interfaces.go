package services

import (
	"context"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/payments"
)

// Requester is the authenticated caller as supplied by the HTTP layer.
type Requester struct {
	UserID string
	Admin  bool
}

// Actor renders the requester for status history entries.
func (r Requester) Actor() string {
	if r.Admin {
		return "admin:" + r.UserID
	}
	return "user:" + r.UserID
}

func (r Requester) canSee(order domain.Order) bool {
	return r.Admin || (r.UserID != "" && r.UserID == order.UserID)
}

// StockLedger is the only path through which order flows change stock.
type StockLedger interface {
	// ReserveAll reserves every line or none of them.
	ReserveAll(ctx context.Context, lines []domain.OrderLine) ([]domain.OrderItem, error)
	// ReleaseAll returns every item quantity to stock. Failures are escalated and
	// reported as ErrStockCompensationFailed; the remaining items are still released.
	ReleaseAll(ctx context.Context, items []domain.OrderItem, reason string) error
	// Adjust prepares a move from current to lines by reserving only the increases.
	// Commit releases the decreases; Rollback undoes the increases.
	Adjust(ctx context.Context, current []domain.OrderItem, lines []domain.OrderLine) (StockAdjustment, error)
}

// StockAdjustment is a prepared item update whose reservations are already held.
type StockAdjustment struct {
	Items    []domain.OrderItem
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// OrderService runs the order lifecycle against the stock ledger.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	Get(ctx context.Context, orderID string, requester Requester) (domain.Order, error)
	UpdateItems(ctx context.Context, cmd UpdateOrderItemsCommand) (domain.Order, error)
	UpdateDetails(ctx context.Context, cmd UpdateOrderDetailsCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
	Delete(ctx context.Context, cmd DeleteOrderCommand) error
	TransitionStatus(ctx context.Context, cmd TransitionOrderStatusCommand) (domain.Order, error)
}

type CreateOrderCommand struct {
	UserID          string
	IdempotencyKey  string
	Lines           []domain.OrderLine
	ShippingAddress domain.Address
	PaymentMethod   domain.PaymentMethod
	Notes           string
	Locale          string
	Customer        domain.CustomerSnapshot
}

// CreateOrderResult reports Replayed when the idempotency key matched an existing order.
type CreateOrderResult struct {
	Order    domain.Order
	Replayed bool
}

type UpdateOrderItemsCommand struct {
	OrderID   string
	Requester Requester
	Lines     []domain.OrderLine
}

// UpdateOrderDetailsCommand patches the fields that are set.
type UpdateOrderDetailsCommand struct {
	OrderID         string
	Requester       Requester
	ShippingAddress *domain.Address
	Notes           *string
}

type CancelOrderCommand struct {
	OrderID   string
	Requester Requester
	Reason    string
}

type DeleteOrderCommand struct {
	OrderID   string
	Requester Requester
}

type TransitionOrderStatusCommand struct {
	OrderID   string
	Requester Requester
	Target    domain.OrderStatus
	Note      string
}

// PaymentService is the settlement coordinator. Confirm, HandleWebhook and Reconcile
// are thin entry points over Settle.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
	Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (SettlementResult, error)
	HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookResult, error)
	Settle(ctx context.Context, cmd SettleCommand) (SettlementResult, error)
	Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error)
}

type CreatePaymentIntentCommand struct {
	OrderID   string
	Requester Requester
}

type PaymentIntentResult struct {
	OrderID      string
	IntentID     string
	ClientSecret string
	Amount       int64
	Currency     string
	Reused       bool
}

type ConfirmPaymentCommand struct {
	OrderID   string
	IntentID  string
	Requester Requester
}

type WebhookCommand struct {
	Payload   []byte
	Signature string
}

// WebhookResult is returned for every verified event. Acknowledged events with a
// Reason were not applied and must not be redelivered.
type WebhookResult struct {
	EventID    string
	EventType  string
	Settlement *SettlementResult
	Reason     string
}

// SettleCommand is one observation of an intent outcome. OrderID may be empty when the
// ledger already knows the intent.
type SettleCommand struct {
	IntentID string
	OrderID  string
	Observed domain.IntentStatus
	Intent   payments.Intent
	Source   string
}

// SettlementResult describes what a settle call changed. Noop is true when neither the
// order nor the ledger moved.
type SettlementResult struct {
	Order         domain.Order
	Ledger        domain.PaymentRecord
	OrderChanged  bool
	LedgerCreated bool
	Noop          bool
}

type ReconcileCommand struct {
	Limit int
}

// ReconcileResult counts one sweep. Unchanged covers terminal intents whose outcome
// was already recorded.
type ReconcileResult struct {
	Checked   int
	Settled   int
	Unchanged int
	Pending   int
	Failed    int
}

// ReceiptService hands a settled order to the notification collaborator and records the
// delivery outcome on the order.
type ReceiptService interface {
	Send(ctx context.Context, order domain.Order) (domain.Order, error)
}

// Domain event types published on the events topic.
const (
	EventOrderCreated       = "order.created"
	EventOrderUpdated       = "order.updated"
	EventOrderStatusChanged = "order.status_changed"
	EventOrderCancelled     = "order.cancelled"
	EventOrderDeleted       = "order.deleted"
	EventPaymentSettled     = "payment.settled"
	EventPaymentRefunded    = "payment.refunded"
	EventInventoryLowStock  = "inventory.low_stock"
	EventCompensationFailed = "inventory.compensation_failed"
)

// DomainEvent is published for downstream consumers. Delivery is best effort.
type DomainEvent struct {
	Type        string
	OrderID     string
	OrderNumber string
	UserID      string
	ProductID   string
	OccurredAt  time.Time
	Data        map[string]any
}

// EventPublisher publishes domain events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event DomainEvent) error
}

// ReceiptMessage asks the notification service to send a payment receipt.
type ReceiptMessage struct {
	OrderID       string        `json:"orderId"`
	OrderNumber   string        `json:"orderNumber"`
	UserID        string        `json:"userId"`
	CustomerName  string        `json:"customerName,omitempty"`
	CustomerEmail string        `json:"customerEmail,omitempty"`
	Locale        string        `json:"locale"`
	Currency      string        `json:"currency"`
	TotalAmount   int64         `json:"totalAmount"`
	PaymentMethod string        `json:"paymentMethod"`
	Items         []ReceiptLine `json:"items"`
	Attempt       int           `json:"attempt"`
	RequestedAt   time.Time     `json:"requestedAt"`
}

type ReceiptLine struct {
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	Unit         string `json:"unit,omitempty"`
	UnitPrice    int64  `json:"unitPrice"`
	LineSubtotal int64  `json:"lineSubtotal"`
}

// ReceiptPublisher enqueues receipt requests and returns the message id.
type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, message ReceiptMessage) (string, error)
}

// WebhookArchiver keeps the raw payload of verified gateway events.
type WebhookArchiver interface {
	Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error
}

type eventLogger func(ctx context.Context, event string, fields map[string]any)

func noopLogger(context.Context, string, map[string]any) {}
