package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	pkgmongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
)

const (
	stockPositionsCollection = "stock_positions"
	pickingOrdersCollection  = "picking_orders"
)

// WarehouseLedger implements domain.WarehouseLedger over the warehouse's position and picking
// collections
type WarehouseLedger struct {
	positions *mongo.Collection
	picking   *mongo.Collection
	observer  *pkgmongo.Observer
}

// NewWarehouseLedger creates a WarehouseLedger. observer may be nil.
func NewWarehouseLedger(db *mongo.Database, observer *pkgmongo.Observer) *WarehouseLedger {
	return &WarehouseLedger{
		positions: db.Collection(stockPositionsCollection),
		picking:   db.Collection(pickingOrdersCollection),
		observer:  observer,
	}
}

// OnHand sums the SKU's quantity over every position
func (l *WarehouseLedger) OnHand(ctx context.Context, sku string) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"sku": sku}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$quantity"}}}},
	}
	total, err := l.sum(ctx, l.positions, stockPositionsCollection, pipeline)
	if err != nil {
		return 0, fmt.Errorf("on hand %s: %w", sku, err)
	}
	return total, nil
}

// Committed sums the SKU's line quantities over picking orders that have not been picked yet
func (l *WarehouseLedger) Committed(ctx context.Context, sku string) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$in": domain.CommittedStatuses()}, "lines.sku": sku}}},
		{{Key: "$unwind", Value: "$lines"}},
		{{Key: "$match", Value: bson.M{"lines.sku": sku}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$lines.quantity"}}}},
	}
	total, err := l.sum(ctx, l.picking, pickingOrdersCollection, pipeline)
	if err != nil {
		return 0, fmt.Errorf("committed %s: %w", sku, err)
	}
	return total, nil
}

func (l *WarehouseLedger) sum(ctx context.Context, coll *mongo.Collection, name string, pipeline mongo.Pipeline) (int, error) {
	var rows []struct {
		Total int `bson:"total"`
	}
	err := l.observer.Observe(ctx, name, "aggregate", func(ctx context.Context) (int64, error) {
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)
		if err := cursor.All(ctx, &rows); err != nil {
			return 0, err
		}
		return int64(len(rows)), nil
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}
