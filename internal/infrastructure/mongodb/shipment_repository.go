package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	pkgmongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
)

const (
	shipmentsCollection     = "ml_shipments"
	shipmentItemsCollection = "ml_shipment_items"
	outboxCollection        = "outbox_events"
)

// closedStatuses are shipment states that need no more warehouse work
var closedStatuses = []string{"shipped", "delivered", "not_delivered", "cancelled"}

// ShipmentRepository implements domain.ShipmentRepository
type ShipmentRepository struct {
	shipments *mongo.Collection
	items     *mongo.Collection
	outbox    *mongo.Collection
	events    *eventMapper
	observer  *pkgmongo.Observer
}

// NewShipmentRepository creates a ShipmentRepository. observer may be nil.
func NewShipmentRepository(db *mongo.Database, observer *pkgmongo.Observer) *ShipmentRepository {
	return &ShipmentRepository{
		shipments: db.Collection(shipmentsCollection),
		items:     db.Collection(shipmentItemsCollection),
		outbox:    db.Collection(outboxCollection),
		events:    newEventMapper(),
		observer:  observer,
	}
}

// EnsureIndexes creates the unique keys the upsert relies on
func (r *ShipmentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.shipments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "shipmentId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_shipmentId"),
		},
		{
			Keys: bson.D{
				{Key: "logisticType", Value: 1},
				{Key: "status", Value: 1},
				{Key: "handlingLimit", Value: 1},
			},
			Options: options.Index().SetName("idx_logisticType_status_handlingLimit"),
		},
		{
			Keys:    bson.D{{Key: "orderIds", Value: 1}},
			Options: options.Index().SetName("idx_orderIds"),
		},
	})
	if err != nil {
		return fmt.Errorf("create shipment indexes: %w", err)
	}

	_, err = r.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "shipmentId", Value: 1},
				{Key: "orderId", Value: 1},
				{Key: "itemId", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_shipment_order_item"),
		},
		{
			Keys:    bson.D{{Key: "sellerSku", Value: 1}, {Key: "resolution", Value: 1}},
			Options: options.Index().SetName("idx_sellerSku_resolution"),
		},
	})
	if err != nil {
		return fmt.Errorf("create shipment item indexes: %w", err)
	}
	return nil
}

// Upsert writes the shipment, its lines and its pending events in one transaction. A write that
// loses an insert race to a concurrent ingestion of the same shipment is retried once as an update.
func (r *ShipmentRepository) Upsert(ctx context.Context, shipment *domain.Shipment, items []*domain.ShipmentItem) (*domain.UpsertResult, error) {
	result, err := r.upsertTx(ctx, shipment, items)
	if mongo.IsDuplicateKeyError(err) {
		result, err = r.upsertTx(ctx, shipment, items)
	}
	if err != nil {
		return nil, err
	}
	shipment.ClearDomainEvents()
	return result, nil
}

func (r *ShipmentRepository) upsertTx(ctx context.Context, shipment *domain.Shipment, items []*domain.ShipmentItem) (*domain.UpsertResult, error) {
	session, err := r.shipments.Database().Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	var result *domain.UpsertResult
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		res, err := r.write(sessCtx, shipment, items)
		if err != nil {
			return nil, err
		}
		result = res
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ShipmentRepository) write(ctx mongo.SessionContext, shipment *domain.Shipment, items []*domain.ShipmentItem) (*domain.UpsertResult, error) {
	result := &domain.UpsertResult{}

	existing, err := r.knownOrderIDs(ctx, shipment.ShipmentID)
	if err != nil {
		return nil, err
	}
	for _, id := range shipment.OrderIDs {
		if !existing[id] {
			result.NewOrderIDs++
		}
	}

	err = r.observer.Observe(ctx, shipmentsCollection, "upsert", func(ctx context.Context) (int64, error) {
		set := bson.M{
			"status":       shipment.Status,
			"substatus":    shipment.Substatus,
			"logisticType": shipment.LogisticType,
			"destination":  shipment.Destination,
			"updatedAt":    shipment.UpdatedAt,
		}
		if shipment.HandlingLimit != nil {
			set["handlingLimit"] = shipment.HandlingLimit
		}
		update := bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"createdAt": shipment.CreatedAt},
			"$addToSet":    bson.M{"orderIds": bson.M{"$each": orderIDs(shipment.OrderIDs)}},
		}
		res, err := r.shipments.UpdateOne(ctx, bson.M{"shipmentId": shipment.ShipmentID}, update, options.Update().SetUpsert(true))
		if err != nil {
			return 0, fmt.Errorf("upsert shipment %d: %w", shipment.ShipmentID, err)
		}
		result.Created = res.UpsertedCount > 0
		return res.MatchedCount + res.UpsertedCount, nil
	})
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		err = r.observer.Observe(ctx, shipmentItemsCollection, "bulkUpsert", func(ctx context.Context) (int64, error) {
			models := make([]mongo.WriteModel, 0, len(items))
			for _, item := range items {
				models = append(models, mongo.NewUpdateOneModel().
					SetFilter(bson.M{"shipmentId": item.ShipmentID, "orderId": item.OrderID, "itemId": item.ItemID}).
					SetUpdate(bson.M{"$set": itemFields(item)}).
					SetUpsert(true))
			}
			res, err := r.items.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
			if err != nil {
				return 0, fmt.Errorf("upsert items of shipment %d: %w", shipment.ShipmentID, err)
			}
			result.ItemsInserted = int(res.UpsertedCount)
			result.ItemsUpdated = int(res.MatchedCount)
			return res.UpsertedCount + res.MatchedCount, nil
		})
		if err != nil {
			return nil, err
		}
	}

	aggregateID := strconv.FormatInt(shipment.ShipmentID, 10)
	for _, event := range shipment.DomainEvents() {
		row, err := r.events.toOutbox(ctx, aggregateID, "Shipment", event)
		if err != nil {
			return nil, fmt.Errorf("build outbox event: %w", err)
		}
		if _, err := r.outbox.InsertOne(ctx, row); err != nil {
			return nil, fmt.Errorf("store outbox event: %w", err)
		}
	}

	return result, nil
}

func (r *ShipmentRepository) knownOrderIDs(ctx context.Context, shipmentID int64) (map[int64]bool, error) {
	var doc struct {
		OrderIDs []int64 `bson:"orderIds"`
	}
	opts := options.FindOne().SetProjection(bson.M{"orderIds": 1})
	err := r.shipments.FindOne(ctx, bson.M{"shipmentId": shipmentID}, opts).Decode(&doc)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("read shipment %d: %w", shipmentID, err)
	}

	known := make(map[int64]bool, len(doc.OrderIDs))
	for _, id := range doc.OrderIDs {
		known[id] = true
	}
	return known, nil
}

// FindByID returns the stored shipment or domain.ErrNotFound
func (r *ShipmentRepository) FindByID(ctx context.Context, shipmentID int64) (*domain.Shipment, error) {
	var shipment domain.Shipment
	err := r.observer.Observe(ctx, shipmentsCollection, "findOne", func(ctx context.Context) (int64, error) {
		if err := r.shipments.FindOne(ctx, bson.M{"shipmentId": shipmentID}).Decode(&shipment); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find shipment %d: %w", shipmentID, err)
	}
	return &shipment, nil
}

// FindItems returns the shipment's lines ordered by order id then item id
func (r *ShipmentRepository) FindItems(ctx context.Context, shipmentID int64) ([]*domain.ShipmentItem, error) {
	var items []*domain.ShipmentItem
	opts := options.Find().SetSort(bson.D{{Key: "orderId", Value: 1}, {Key: "itemId", Value: 1}})
	err := r.observer.Observe(ctx, shipmentItemsCollection, "find", func(ctx context.Context) (int64, error) {
		cursor, err := r.items.Find(ctx, bson.M{"shipmentId": shipmentID}, opts)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)
		if err := cursor.All(ctx, &items); err != nil {
			return 0, err
		}
		return int64(len(items)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("find items of shipment %d: %w", shipmentID, err)
	}
	return items, nil
}

// FindPending lists open shipments of the given logistic types, earliest handling limit first
func (r *ShipmentRepository) FindPending(ctx context.Context, logisticTypes []domain.LogisticType, limit int) ([]*domain.Shipment, error) {
	filter := bson.M{
		"logisticType": bson.M{"$in": logisticTypes},
		"status":       bson.M{"$nin": closedStatuses},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "handlingLimit", Value: 1}, {Key: "shipmentId", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	var shipments []*domain.Shipment
	err := r.observer.Observe(ctx, shipmentsCollection, "find", func(ctx context.Context) (int64, error) {
		cursor, err := r.shipments.Find(ctx, filter, opts)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)
		if err := cursor.All(ctx, &shipments); err != nil {
			return 0, err
		}
		return int64(len(shipments)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("find pending shipments: %w", err)
	}
	return shipments, nil
}

// Count returns the number of stored shipments
func (r *ShipmentRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.observer.Observe(ctx, shipmentsCollection, "count", func(ctx context.Context) (int64, error) {
		n, err := r.shipments.CountDocuments(ctx, bson.M{})
		count = n
		return n, err
	})
	if err != nil {
		return 0, fmt.Errorf("count shipments: %w", err)
	}
	return count, nil
}

func itemFields(item *domain.ShipmentItem) bson.M {
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return bson.M{
		"sellerSku":   item.SellerSKU,
		"sellerSkus":  item.SellerSKUs,
		"variationId": item.VariationID,
		"quantity":    item.Quantity,
		"title":       item.Title,
		"sku":         item.SKU,
		"components":  item.Components,
		"resolution":  item.Resolution,
		"updatedAt":   updatedAt,
	}
}

// orderIDs never returns nil so $each always receives an array
func orderIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
