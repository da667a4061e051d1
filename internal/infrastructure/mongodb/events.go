package mongodb

import (
	"context"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/cloudevents"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/kafka"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/outbox"
)

// eventMapper turns domain events into outbox rows carrying CloudEvents
type eventMapper struct {
	factory *cloudevents.EventFactory
	topic   string
}

func newEventMapper() *eventMapper {
	return &eventMapper{
		factory: cloudevents.NewEventFactory(cloudevents.SourceMarketplaceSync),
		topic:   kafka.Topics.MarketplaceEvents,
	}
}

func (m *eventMapper) toCloudEvent(ctx context.Context, event domain.DomainEvent) *cloudevents.WMSCloudEvent {
	switch e := event.(type) {
	case *domain.ShipmentIngestedEvent:
		return m.factory.CreateShipmentIngestedEvent(ctx, cloudevents.ShipmentIngestedData{
			ShipmentID:     e.ShipmentID,
			OrderIDs:       e.OrderIDs,
			Status:         e.Status,
			LogisticType:   string(e.LogisticType),
			Items:          e.Items,
			UnresolvedSKUs: e.UnresolvedSKUs,
			IngestedAt:     e.IngestedAt,
		})
	case *domain.StockSyncedEvent:
		return m.factory.CreateStockSyncedEvent(ctx, cloudevents.StockSyncedData{
			SKU:       e.SKU,
			OnHand:    e.OnHand,
			Committed: e.Committed,
			Available: e.Available,
			Listings:  e.Listings,
		})
	default:
		return m.factory.CreateEvent(ctx, "wms.marketplace."+event.EventType(), "", event)
	}
}

func (m *eventMapper) toOutbox(ctx context.Context, aggregateID, aggregateType string, event domain.DomainEvent) (*outbox.OutboxEvent, error) {
	return outbox.NewOutboxEventFromCloudEvent(aggregateID, aggregateType, m.topic, m.toCloudEvent(ctx, event))
}
