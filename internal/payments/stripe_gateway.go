package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/observability"
)

const (
	stripeEventIntentSucceeded = "payment_intent.succeeded"
	stripeEventIntentFailed    = "payment_intent.payment_failed"
	stripeEventIntentCanceled  = "payment_intent.canceled"
	stripeEventChargeRefunded  = "charge.refunded"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures StripeGateway. Intents replaces the API client in tests.
type StripeGatewayConfig struct {
	APIKey           string
	WebhookSecret    string
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Logger           func(ctx context.Context, event string, fields map[string]any)
	Intents          stripeIntentAPI
}

// StripeGateway implements Gateway on Stripe PaymentIntents.
type StripeGateway struct {
	intents       stripeIntentAPI
	webhookSecret string
	tolerance     time.Duration
	logger        func(context.Context, string, map[string]any)
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway builds a gateway with its own API client; nothing is stored in
// stripe package globals.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents:       intents,
		webhookSecret: secret,
		tolerance:     tolerance,
		logger:        logger,
	}, nil
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (intent Intent, err error) {
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: amount must be positive", ErrGateway)
	}
	ctx, end := observability.StartSpan(ctx, "stripe.payment_intent.create",
		attribute.Int64("payment.amount", req.Amount),
		attribute.String("payment.currency", req.Currency),
	)
	defer func() { end(err) }()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		return Intent{}, mapStripeError("create payment intent", err)
	}
	intent = intentFromStripe(pi)
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"intentId": intent.ID,
		"orderId":  intent.OrderID(),
		"amount":   intent.Amount,
	})
	return intent, nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (intent Intent, err error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Intent{}, fmt.Errorf("%w: intent id is required", ErrIntentNotFound)
	}
	ctx, end := observability.StartSpan(ctx, "stripe.payment_intent.get", attribute.String("payment.intent_id", intentID))
	defer func() { end(err) }()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := g.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, mapStripeError("retrieve payment intent", err)
	}
	return intentFromStripe(pi), nil
}

// VerifyWebhook checks the Stripe-Signature header and decodes the event. API version
// mismatches are tolerated since only intent and charge fields are read.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Payload:    payload,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case stripeEventIntentSucceeded, stripeEventIntentFailed, stripeEventIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return out, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, err)
		}
		out.Intent = intentFromStripe(&pi)
		switch out.Type {
		case stripeEventIntentSucceeded:
			out.Observed = domain.IntentStatusSucceeded
		case stripeEventIntentFailed:
			out.Observed = domain.IntentStatusFailed
		default:
			out.Observed = domain.IntentStatusCanceled
		}
	case stripeEventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return out, fmt.Errorf("%w: decode charge: %v", ErrMalformedEvent, err)
		}
		if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
			return out, nil
		}
		out.Intent = Intent{
			ID:       charge.PaymentIntent.ID,
			Status:   domain.IntentStatusRefunded,
			Amount:   charge.AmountRefunded,
			Currency: strings.ToUpper(string(charge.Currency)),
			Metadata: charge.Metadata,
			Raw:      rawObject(&charge),
		}
		out.Observed = domain.IntentStatusRefunded
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	if pi == nil {
		return Intent{}
	}
	intent := Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi),
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Metadata:     pi.Metadata,
		Raw:          rawObject(pi),
	}
	if pi.LastPaymentError != nil {
		intent.FailureReason = pi.LastPaymentError.Msg
	}
	if intent.FailureReason == "" && pi.CancellationReason != "" {
		intent.FailureReason = string(pi.CancellationReason)
	}
	return intent
}

func intentStatus(pi *stripe.PaymentIntent) domain.IntentStatus {
	if charge := pi.LatestCharge; charge != nil && charge.Refunded && charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
		return domain.IntentStatusRefunded
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.IntentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return domain.IntentStatusCanceled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return domain.IntentStatusProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// Stripe returns a failed attempt to requires_payment_method with the error attached.
		if pi.LastPaymentError != nil {
			return domain.IntentStatusFailed
		}
	}
	return domain.IntentStatusCreated
}

func rawObject(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw
}

func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: stripe %s: %v", ErrIntentNotFound, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrGateway, op, err)
}
