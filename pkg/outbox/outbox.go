package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/cloudevents"
)

// DefaultMaxRetries bounds how often the publisher retries one event.
const DefaultMaxRetries = 10

// OutboxEvent is a CloudEvent written next to the ledger change that raised it and
// relayed to Kafka afterwards. Its ID is the CloudEvent id, so consumers can drop
// the duplicates an at-least-once relay produces.
type OutboxEvent struct {
	ID            string          `bson:"_id" json:"id"`
	AggregateID   string          `bson:"aggregateId" json:"aggregateId"`
	AggregateType string          `bson:"aggregateType" json:"aggregateType"`
	EventType     string          `bson:"eventType" json:"eventType"`
	Topic         string          `bson:"topic" json:"topic"`
	Payload       json.RawMessage `bson:"payload" json:"payload"`
	CreatedAt     time.Time       `bson:"createdAt" json:"createdAt"`
	PublishedAt   *time.Time      `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
	RetryCount    int             `bson:"retryCount" json:"retryCount"`
	LastError     string          `bson:"lastError,omitempty" json:"lastError,omitempty"`
	MaxRetries    int             `bson:"maxRetries" json:"maxRetries"`
}

// NewOutboxEventFromCloudEvent stores ce for topic. An event without id gets one.
func NewOutboxEventFromCloudEvent(aggregateID, aggregateType, topic string, ce *cloudevents.WMSCloudEvent) (*OutboxEvent, error) {
	if ce == nil {
		return nil, fmt.Errorf("outbox: nil cloud event for %s %s", aggregateType, aggregateID)
	}
	if ce.ID == "" {
		ce.ID = uuid.New().String()
	}
	createdAt := ce.Time.UTC()
	if ce.Time.IsZero() {
		createdAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode %s: %w", ce.Type, err)
	}

	return &OutboxEvent{
		ID:            ce.ID,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     ce.Type,
		Topic:         topic,
		Payload:       payload,
		CreatedAt:     createdAt,
		MaxRetries:    DefaultMaxRetries,
	}, nil
}

// Pending reports whether the relay should still try to publish the event
func (e *OutboxEvent) Pending() bool {
	return e.PublishedAt == nil && e.RetryCount < e.MaxRetries
}

// ToCloudEvent decodes the stored payload
func (e *OutboxEvent) ToCloudEvent() (*cloudevents.WMSCloudEvent, error) {
	var ce cloudevents.WMSCloudEvent
	if err := json.Unmarshal(e.Payload, &ce); err != nil {
		return nil, fmt.Errorf("outbox: decode %s: %w", e.ID, err)
	}
	return &ce, nil
}
