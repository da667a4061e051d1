package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/application"
	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/cloudevents"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/kafka"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
)

// Subscriber registers CloudEvent handlers on a topic
type Subscriber interface {
	Subscribe(topic string, eventType string, handler kafka.EventHandler)
}

// NotificationQueue hands webhook notifications to Kafka so they are processed by a consumer
// instead of the request goroutine
type NotificationQueue struct {
	producer     kafka.EventPublisher
	eventFactory *cloudevents.EventFactory
	topic        string
}

// NewNotificationQueue creates a NotificationQueue publishing to the notifications topic
func NewNotificationQueue(producer kafka.EventPublisher, eventFactory *cloudevents.EventFactory) *NotificationQueue {
	return &NotificationQueue{
		producer:     producer,
		eventFactory: eventFactory,
		topic:        kafka.Topics.MarketplaceNotifications,
	}
}

// Enqueue publishes the notification as a NotificationReceived event
func (q *NotificationQueue) Enqueue(ctx context.Context, n domain.Notification) error {
	ce := q.eventFactory.CreateNotificationReceivedEvent(ctx, cloudevents.NotificationReceivedData{
		ID:            n.ID,
		Topic:         n.Topic,
		Resource:      n.Resource,
		UserID:        n.UserID,
		ApplicationID: n.ApplicationID,
		Attempts:      n.Attempts,
		ReceivedAt:    n.ReceivedAt,
	})
	if err := q.producer.PublishEvent(ctx, q.topic, ce); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	return nil
}

// NotificationConsumer feeds queued notifications to the ingestion pipeline
type NotificationConsumer struct {
	handler application.NotificationHandler
	logger  *logging.Logger
}

// NewNotificationConsumer creates a NotificationConsumer
func NewNotificationConsumer(handler application.NotificationHandler, logger *logging.Logger) *NotificationConsumer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NotificationConsumer{handler: handler, logger: logger.WithComponent("notification-consumer")}
}

// Register subscribes the consumer to the notifications topic
func (c *NotificationConsumer) Register(sub Subscriber) {
	sub.Subscribe(kafka.Topics.MarketplaceNotifications, cloudevents.NotificationReceived, c.Handle)
}

// Handle processes one NotificationReceived event. Failed notifications return an error so the
// offset is not committed; ignored ones are acknowledged.
func (c *NotificationConsumer) Handle(ctx context.Context, event *cloudevents.WMSCloudEvent) error {
	var data cloudevents.NotificationReceivedData
	if err := decodeData(event, &data); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("Dropping malformed notification", "eventId", event.ID)
		return nil
	}

	outcome := c.handler.HandleNotification(ctx, domain.Notification{
		ID:            data.ID,
		Topic:         data.Topic,
		Resource:      data.Resource,
		UserID:        data.UserID,
		ApplicationID: data.ApplicationID,
		Attempts:      data.Attempts,
		ReceivedAt:    data.ReceivedAt,
	})
	if outcome.Kind == domain.OutcomeFailed {
		return fmt.Errorf("notification %s: %w", data.Resource, outcome.Err)
	}
	return nil
}

// decodeData re-reads the generic payload of a decoded CloudEvent into out
func decodeData(event *cloudevents.WMSCloudEvent, out interface{}) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", event.Type, err)
	}
	return nil
}
