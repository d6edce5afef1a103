package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
// Events for the same order share an ordering key so subscribers see them in
// the order they were emitted.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type orderEventMessage struct {
	Type         string    `json:"type"`
	OrderID      string    `json:"orderId"`
	RequesterKey string    `json:"requesterKey,omitempty"`
	TotalPrice   int64     `json:"totalPrice"`
	Currency     string    `json:"currency,omitempty"`
	Source       string    `json:"source,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(orderEventMessage{
		Type:         event.Type,
		OrderID:      event.OrderID,
		RequesterKey: event.RequesterKey,
		TotalPrice:   event.TotalPrice,
		Currency:     event.Currency,
		Source:       event.Source,
		Actor:        event.Actor,
		OccurredAt:   event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "source", event.Source)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(event.OrderID),
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(strings.TrimSpace(event.OrderID))
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
