package application

import (
	"context"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
)

// MarketplaceAPI is the typed view of the marketplace REST API the pipelines depend on
type MarketplaceAPI interface {
	GetShipment(ctx context.Context, shipmentID int64) (*domain.MarketplaceShipment, error)
	GetShipmentItems(ctx context.Context, shipmentID int64) ([]domain.MarketplaceShipmentItem, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.MarketplaceOrder, error)
	GetPack(ctx context.Context, packID int64) (*domain.MarketplacePack, error)
	SearchOrders(ctx context.Context, search domain.OrderSearch) (*domain.OrderSearchPage, error)
	GetCurrentUser(ctx context.Context) (*domain.MarketplaceUser, error)
}

// TokenStatusSource reports the marketplace credential state for diagnostics
type TokenStatusSource interface {
	Status(ctx context.Context) (domain.TokenStatus, error)
}

// StockPublisher writes a listing's available quantity to the marketplace
type StockPublisher interface {
	PublishStock(ctx context.Context, listing domain.ListingStock) error
}

// NotificationDeduper remembers notification keys for a while
type NotificationDeduper interface {
	// FirstSeen records key and reports whether it had not been seen before
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// NotificationQueue hands a notification off for processing outside the request
type NotificationQueue interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// NotificationHandler processes one notification to completion
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n domain.Notification) domain.WebhookOutcome
}

// EventOutbox stores domain events for asynchronous publication
type EventOutbox interface {
	Append(ctx context.Context, aggregateID string, events ...domain.DomainEvent) error
}
