package domain

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UpsertResult reports what a shipment upsert changed
type UpsertResult struct {
	Created       bool
	NewOrderIDs   int
	ItemsInserted int
	ItemsUpdated  int
}

// ShipmentRepository persists shipments and their lines
type ShipmentRepository interface {
	// Upsert merges the shipment by id and its lines by (shipmentId, orderId, itemId),
	// together with any pending domain events, in one transaction
	Upsert(ctx context.Context, shipment *Shipment, items []*ShipmentItem) (*UpsertResult, error)

	// FindByID retrieves a shipment, returning ErrNotFound when absent
	FindByID(ctx context.Context, shipmentID int64) (*Shipment, error)

	// FindItems retrieves the lines of a shipment
	FindItems(ctx context.Context, shipmentID int64) ([]*ShipmentItem, error)

	// FindPending retrieves not-yet-dispatched shipments of the given logistic types,
	// soonest handling limit first
	FindPending(ctx context.Context, logisticTypes []LogisticType, limit int) ([]*Shipment, error)

	// Count returns the number of stored shipments
	Count(ctx context.Context) (int64, error)
}

// StockQueueRepository is the queue of SKUs awaiting a stock push
type StockQueueRepository interface {
	// Enqueue adds one entry per SKU
	Enqueue(ctx context.Context, skus []string, source StockSource) error

	// Snapshot returns every queued entry, oldest first
	Snapshot(ctx context.Context) ([]*StockSyncQueueEntry, error)

	// DeleteEntries removes the SKU's entries with the given ids. Entries queued since are kept.
	DeleteEntries(ctx context.Context, sku string, ids []primitive.ObjectID) (int64, error)

	// Depth returns the number of queued entries
	Depth(ctx context.Context) (int64, error)
}

// TokenRepository stores the marketplace OAuth token
type TokenRepository interface {
	// Load returns the token for the client id, or ErrNotFound
	Load(ctx context.Context, clientID string) (*OAuthToken, error)

	// Save replaces the stored token
	Save(ctx context.Context, token *OAuthToken) error
}

// SKUMappingRepository reads the warehouse SKU dictionary
type SKUMappingRepository interface {
	// FindBySellerSKUs returns the mappings keyed by seller SKU. Unknown SKUs are absent.
	FindBySellerSKUs(ctx context.Context, sellerSKUs []string) (map[string]*SKUMapping, error)

	// FindByComponentSKU returns every mapping that draws from the warehouse SKU
	FindByComponentSKU(ctx context.Context, sku string) ([]*SKUMapping, error)
}

// WarehouseLedger reads the warehouse's own stock records
type WarehouseLedger interface {
	// OnHand sums the SKU's quantity across all storage positions
	OnHand(ctx context.Context, sku string) (int, error)

	// Committed sums the SKU's quantity across picking orders in a committed status
	Committed(ctx context.Context, sku string) (int, error)
}
