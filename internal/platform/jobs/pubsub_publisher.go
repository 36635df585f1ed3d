package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/services"
)

// PubSubPublisher publishes receipt requests and domain events to their Pub/Sub topics.
type PubSubPublisher struct {
	receipts *pubsub.Topic
	events   *pubsub.Topic
	marshal  func(any) ([]byte, error)
}

// eventEnvelope is the wire shape of a domain event.
type eventEnvelope struct {
	Type        string         `json:"type"`
	OrderID     string         `json:"orderId,omitempty"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	ProductID   string         `json:"productId,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewPubSubPublisher constructs a publisher. The events topic is optional; without it
// domain events are dropped.
func NewPubSubPublisher(receipts, events *pubsub.Topic) (*PubSubPublisher, error) {
	if receipts == nil {
		return nil, errors.New("pubsub publisher: receipts topic is required")
	}
	return &PubSubPublisher{
		receipts: receipts,
		events:   events,
		marshal:  json.Marshal,
	}, nil
}

// PublishReceipt enqueues a receipt request for the notification service.
func (p *PubSubPublisher) PublishReceipt(ctx context.Context, message services.ReceiptMessage) (string, error) {
	if p == nil || p.receipts == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "locale", message.Locale)
	if message.Attempt > 0 {
		attrs["attempt"] = strconv.Itoa(message.Attempt)
	}

	id, err := p.receipts.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish receipt: %w", err)
	}
	return id, nil
}

// PublishEvent emits a domain event. Events for one order share an ordering key when the
// topic has message ordering enabled.
func (p *PubSubPublisher) PublishEvent(ctx context.Context, event services.DomainEvent) error {
	if p == nil || p.events == nil {
		return nil
	}

	data, err := p.marshal(eventEnvelope{
		Type:        event.Type,
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		UserID:      event.UserID,
		ProductID:   event.ProductID,
		OccurredAt:  event.OccurredAt.UTC(),
		Data:        event.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	attrs := map[string]string{"type": event.Type}
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "productId", event.ProductID)

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.events.EnableMessageOrdering && event.OrderID != "" {
		msg.OrderingKey = event.OrderID
	}
	if _, err := p.events.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.events.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

// Stop flushes pending messages on both topics.
func (p *PubSubPublisher) Stop() {
	if p == nil {
		return
	}
	if p.receipts != nil {
		p.receipts.Stop()
	}
	if p.events != nil {
		p.events.Stop()
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
