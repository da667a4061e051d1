package kafka

import (
	"context"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/cloudevents"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/kafka"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
)

// StockEnqueuer queues SKUs for a marketplace stock push
type StockEnqueuer interface {
	Enqueue(ctx context.Context, skus []string, source domain.StockSource) error
}

// InventoryListener queues a stock push whenever the warehouse reports a change to a SKU's
// on-hand or committed quantity
type InventoryListener struct {
	stock  StockEnqueuer
	logger *logging.Logger
}

// NewInventoryListener creates an InventoryListener
func NewInventoryListener(stock StockEnqueuer, logger *logging.Logger) *InventoryListener {
	if logger == nil {
		logger = logging.Nop()
	}
	return &InventoryListener{stock: stock, logger: logger.WithComponent("inventory-listener")}
}

// Register subscribes to the inventory and picking event types that move availability
func (l *InventoryListener) Register(sub Subscriber) {
	for _, eventType := range []string{
		cloudevents.InventoryReceived,
		cloudevents.InventoryAdjusted,
		cloudevents.InventoryReserved,
		cloudevents.InventoryReleased,
	} {
		sub.Subscribe(kafka.Topics.InventoryEvents, eventType, l.Handle)
	}
	sub.Subscribe(kafka.Topics.PickingEvents, cloudevents.ItemPicked, l.Handle)
}

// Handle queues the event's SKU
func (l *InventoryListener) Handle(ctx context.Context, event *cloudevents.WMSCloudEvent) error {
	var data cloudevents.InventoryChangedData
	if err := decodeData(event, &data); err != nil || data.SKU == "" {
		l.logger.WithContext(ctx).Warn("Inventory event without sku", "eventType", event.Type, "eventId", event.ID)
		return nil
	}

	if err := l.stock.Enqueue(ctx, []string{data.SKU}, domain.StockSourceInventoryEvent); err != nil {
		return err
	}
	l.logger.WithContext(ctx).Debug("Queued stock push", "sku", data.SKU, "eventType", event.Type)
	return nil
}
