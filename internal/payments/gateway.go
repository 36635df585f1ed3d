package payments

import (
	"context"
	"errors"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
)

// Metadata keys written on every intent so webhooks can be routed back to the order.
const (
	MetadataOrderID     = "orderId"
	MetadataOrderNumber = "orderNumber"
	MetadataUserID      = "userId"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when a verified payload cannot be decoded. The event
	// is still returned with its id and type.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
	// ErrIntentNotFound is returned when the gateway has no intent with the given id.
	ErrIntentNotFound = errors.New("payments: intent not found")
	// ErrGateway covers every other gateway failure. Declines and outages are not told apart.
	ErrGateway = errors.New("payments: gateway error")
)

// IntentRequest describes a charge intent to create.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the gateway's view of a charge attempt.
type Intent struct {
	ID            string
	ClientSecret  string
	Status        domain.IntentStatus
	Amount        int64
	Currency      string
	FailureReason string
	Metadata      map[string]string
	Raw           map[string]any
}

// OrderID returns the order id embedded in the intent metadata.
func (i Intent) OrderID() string {
	return i.Metadata[MetadataOrderID]
}

// Open reports whether the intent can still be paid by the customer.
func (i Intent) Open() bool {
	return i.Status == domain.IntentStatusCreated || i.Status == domain.IntentStatusProcessing
}

// WebhookEvent is a verified gateway notification. Observed is empty for event types
// that carry no settlement outcome.
type WebhookEvent struct {
	ID         string
	Type       string
	Observed   domain.IntentStatus
	Intent     Intent
	Payload    []byte
	OccurredAt time.Time
}

// Gateway is the payment service provider as seen by settlement. Implementations are
// built at startup and passed in explicitly.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
}
