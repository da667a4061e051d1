package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StockSource records why a SKU was queued for a stock push
type StockSource string

const (
	StockSourceWebhook        StockSource = "webhook"
	StockSourceInventoryEvent StockSource = "inventory-event"
	StockSourceManual         StockSource = "manual"
)

// Picking order statuses whose lines hold committed stock
const (
	PickingStatusPending = "PENDING"
	PickingStatusPicking = "PICKING"
)

// CommittedStatuses lists the picking statuses that commit stock
func CommittedStatuses() []string {
	return []string{PickingStatusPending, PickingStatusPicking}
}

// StockSyncQueueEntry is a SKU whose marketplace availability must be recalculated
type StockSyncQueueEntry struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SKU       string             `bson:"sku" json:"sku"`
	Source    StockSource        `bson:"source,omitempty" json:"source,omitempty"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// StockLevel is the derived availability of one warehouse SKU
type StockLevel struct {
	SKU       string `json:"sku"`
	OnHand    int    `json:"onHand"`
	Committed int    `json:"committed"`
	Available int    `json:"available"`
}

// NewStockLevel computes availability from on-hand and committed quantities
func NewStockLevel(sku string, onHand, committed int) StockLevel {
	return StockLevel{
		SKU:       sku,
		OnHand:    onHand,
		Committed: committed,
		Available: Available(onHand, committed),
	}
}

// Available is on-hand minus committed, floored at zero. The marketplace rejects negative stock.
func Available(onHand, committed int) int {
	if v := onHand - committed; v > 0 {
		return v
	}
	return 0
}

// DistinctSKUs returns each SKU of the entries once, in first-seen order
func DistinctSKUs(entries []*StockSyncQueueEntry) []string {
	seen := make(map[string]bool, len(entries))
	skus := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.SKU == "" || seen[e.SKU] {
			continue
		}
		seen[e.SKU] = true
		skus = append(skus, e.SKU)
	}
	return skus
}

// EntryIDsBySKU groups the entry ids per SKU
func EntryIDsBySKU(entries []*StockSyncQueueEntry) map[string][]primitive.ObjectID {
	ids := make(map[string][]primitive.ObjectID)
	for _, e := range entries {
		if e.SKU == "" {
			continue
		}
		ids[e.SKU] = append(ids[e.SKU], e.ID)
	}
	return ids
}

// ListingStock is the quantity to publish for one marketplace listing
type ListingStock struct {
	ItemID      string `json:"itemId"`
	VariationID int64  `json:"variationId,omitempty"`
	SellerSKU   string `json:"sellerSku"`
	Quantity    int    `json:"quantity"`
}
