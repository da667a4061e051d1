package cloudevents

import (
	"time"
)

// Marketplace events emitted by this service
const (
	ShipmentIngested     = "wms.marketplace.shipment-ingested"
	StockSynced          = "wms.marketplace.stock-synced"
	NotificationReceived = "wms.marketplace.notification-received"
)

// Warehouse events that change a SKU's available-to-sell quantity
const (
	InventoryReceived = "wms.inventory.received"
	InventoryAdjusted = "wms.inventory.adjusted"
	InventoryReserved = "wms.inventory.reserved"
	InventoryReleased = "wms.inventory.released"
	ItemPicked        = "wms.picking.item-picked"
)

// SourceMarketplaceSync is the CloudEvents source for events from this service
const SourceMarketplaceSync = "/wms/marketplace-sync"

// Extension attribute names, carried as ce-<name> Kafka headers
const (
	ExtCorrelationID = "wmscorrelationid"
	ExtSellerID      = "wmssellerid"
	ExtShipmentID    = "wmsshipmentid"
	ExtTraceParent   = "traceparent"
	ExtTraceState    = "tracestate"
)

// WMSCloudEvent represents a CloudEvents v1.0 event on the platform bus
type WMSCloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	Type            string      `json:"type"`
	Source          string      `json:"source"`
	Subject         string      `json:"subject,omitempty"`
	ID              string      `json:"id"`
	Time            time.Time   `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data            interface{} `json:"data"`

	CorrelationID string `json:"wmscorrelationid,omitempty"`
	SellerID      string `json:"wmssellerid,omitempty"`
	ShipmentID    string `json:"wmsshipmentid,omitempty"`
	TraceParent   string `json:"traceparent,omitempty"`
	TraceState    string `json:"tracestate,omitempty"`
}

// ShipmentIngestedData is the payload of ShipmentIngested
type ShipmentIngestedData struct {
	ShipmentID     int64     `json:"shipmentId"`
	OrderIDs       []int64   `json:"orderIds"`
	Status         string    `json:"status"`
	LogisticType   string    `json:"logisticType"`
	Items          int       `json:"items"`
	UnresolvedSKUs []string  `json:"unresolvedSkus,omitempty"`
	IngestedAt     time.Time `json:"ingestedAt"`
}

// StockSyncedData is the payload of StockSynced
type StockSyncedData struct {
	SKU       string   `json:"sku"`
	OnHand    int      `json:"onHand"`
	Committed int      `json:"committed"`
	Available int      `json:"available"`
	Listings  []string `json:"listings"`
}

// NotificationReceivedData carries a marketplace webhook notification through the queue
type NotificationReceivedData struct {
	ID            string    `json:"id,omitempty"`
	Topic         string    `json:"topic"`
	Resource      string    `json:"resource"`
	UserID        int64     `json:"userId,omitempty"`
	ApplicationID int64     `json:"applicationId,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// InventoryChangedData is the subset of warehouse inventory payloads this service reads
type InventoryChangedData struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity,omitempty"`
}
