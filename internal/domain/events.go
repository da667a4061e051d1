package domain

import "time"

// DomainEvent is the base interface for all domain events
type DomainEvent interface {
	EventType() string
	OccurredAt() time.Time
}

// ShipmentIngestedEvent is emitted when a shipment and its lines are written to the ledger
type ShipmentIngestedEvent struct {
	ShipmentID     int64        `json:"shipmentId"`
	OrderIDs       []int64      `json:"orderIds"`
	Status         string       `json:"status"`
	LogisticType   LogisticType `json:"logisticType"`
	Items          int          `json:"items"`
	UnresolvedSKUs []string     `json:"unresolvedSkus,omitempty"`
	IngestedAt     time.Time    `json:"ingestedAt"`
}

func (e *ShipmentIngestedEvent) EventType() string     { return "marketplace.shipment.ingested" }
func (e *ShipmentIngestedEvent) OccurredAt() time.Time { return e.IngestedAt }

// StockSyncedEvent is emitted after availability was pushed for a SKU
type StockSyncedEvent struct {
	SKU       string    `json:"sku"`
	OnHand    int       `json:"onHand"`
	Committed int       `json:"committed"`
	Available int       `json:"available"`
	Listings  []string  `json:"listings"`
	SyncedAt  time.Time `json:"syncedAt"`
}

func (e *StockSyncedEvent) EventType() string     { return "marketplace.stock.synced" }
func (e *StockSyncedEvent) OccurredAt() time.Time { return e.SyncedAt }
