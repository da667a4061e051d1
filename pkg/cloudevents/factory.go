package cloudevents

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
)

// EventFactory creates CloudEvents for one source
type EventFactory struct {
	source string
	now    func() time.Time
}

// NewEventFactory creates a new EventFactory for a specific source
func NewEventFactory(source string) *EventFactory {
	return &EventFactory{source: source, now: func() time.Time { return time.Now().UTC() }}
}

// CreateEvent builds an event, copying the correlation id and W3C trace context from ctx.
func (f *EventFactory) CreateEvent(ctx context.Context, eventType, subject string, data interface{}) *WMSCloudEvent {
	event := &WMSCloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          f.source,
		Subject:         subject,
		ID:              uuid.New().String(),
		Time:            f.now(),
		DataContentType: "application/json",
		Data:            data,
	}

	if v, ok := ctx.Value(logging.CorrelationIDKey).(string); ok {
		event.CorrelationID = v
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	event.TraceParent = carrier.Get(ExtTraceParent)
	event.TraceState = carrier.Get(ExtTraceState)

	return event
}

// CreateShipmentIngestedEvent creates a ShipmentIngested event
func (f *EventFactory) CreateShipmentIngestedEvent(ctx context.Context, data ShipmentIngestedData) *WMSCloudEvent {
	id := strconv.FormatInt(data.ShipmentID, 10)
	event := f.CreateEvent(ctx, ShipmentIngested, "shipment/"+id, data)
	event.ShipmentID = id
	return event
}

// CreateStockSyncedEvent creates a StockSynced event
func (f *EventFactory) CreateStockSyncedEvent(ctx context.Context, data StockSyncedData) *WMSCloudEvent {
	return f.CreateEvent(ctx, StockSynced, "sku/"+data.SKU, data)
}

// CreateNotificationReceivedEvent wraps a webhook notification for the notification queue
func (f *EventFactory) CreateNotificationReceivedEvent(ctx context.Context, data NotificationReceivedData) *WMSCloudEvent {
	event := f.CreateEvent(ctx, NotificationReceived, data.Resource, data)
	if data.UserID != 0 {
		event.SellerID = strconv.FormatInt(data.UserID, 10)
	}
	return event
}
