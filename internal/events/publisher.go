// Package events publishes contractor workflow audit events to a message
// broker through watermill.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/aventus/onboarding/model"
)

// Message metadata keys.
const (
	MetadataEventType    = "event_type"
	MetadataContractorID = "contractor_id"
	MetadataTenantID     = "tenant_id"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "onboarding.contractor_events"

// Publisher emits workflow events.
type Publisher interface {
	Publish(ctx context.Context, evt model.WorkflowEvent) error
	Close() error
}

// WatermillPublisher publishes JSON-encoded events to a single topic.
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher wraps a watermill publisher.
func NewWatermillPublisher(pub message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{publisher: pub, topic: topic}
}

// Publish encodes evt and sends it with contractor and type metadata.
func (p *WatermillPublisher) Publish(ctx context.Context, evt model.WorkflowEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal workflow event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventType, evt.Event)
	msg.Metadata.Set(MetadataContractorID, evt.ContractorID)
	msg.Metadata.Set(MetadataTenantID, evt.TenantID)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Event, p.topic, err)
	}
	return nil
}

// Topic returns the destination topic.
func (p *WatermillPublisher) Topic() string {
	return p.topic
}

// Close closes the underlying publisher.
func (p *WatermillPublisher) Close() error {
	return p.publisher.Close()
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, model.WorkflowEvent) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// Decode parses a message produced by WatermillPublisher.
func Decode(msg *message.Message) (model.WorkflowEvent, error) {
	var evt model.WorkflowEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("decode workflow event %s: %w", msg.UUID, err)
	}
	return evt, nil
}

// Consume subscribes to topic and calls handle for every event until ctx is
// done. Messages that fail to decode or whose handler errors are nacked.
func Consume(ctx context.Context, sub message.Subscriber, topic string, handle func(context.Context, model.WorkflowEvent) error) error {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	for msg := range messages {
		evt, err := Decode(msg)
		if err != nil {
			msg.Nack()
			continue
		}
		if err := handle(msg.Context(), evt); err != nil {
			msg.Nack()
			continue
		}
		msg.Ack()
	}
	return nil
}
