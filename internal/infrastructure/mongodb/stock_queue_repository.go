package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	pkgmongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
)

const stockQueueCollection = "stock_sync_queue"

// StockQueueRepository implements domain.StockQueueRepository
type StockQueueRepository struct {
	collection *mongo.Collection
	observer   *pkgmongo.Observer
	now        func() time.Time
}

// NewStockQueueRepository creates a StockQueueRepository. observer may be nil.
func NewStockQueueRepository(db *mongo.Database, observer *pkgmongo.Observer) *StockQueueRepository {
	return &StockQueueRepository{
		collection: db.Collection(stockQueueCollection),
		observer:   observer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the index backing the oldest-first snapshot
func (r *StockQueueRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetName("idx_createdAt"),
	})
	if err != nil {
		return fmt.Errorf("create stock queue indexes: %w", err)
	}
	return nil
}

// Enqueue inserts one entry per SKU
func (r *StockQueueRepository) Enqueue(ctx context.Context, skus []string, source domain.StockSource) error {
	if len(skus) == 0 {
		return nil
	}
	now := r.now()
	docs := make([]interface{}, 0, len(skus))
	for _, sku := range skus {
		docs = append(docs, domain.StockSyncQueueEntry{SKU: sku, Source: source, CreatedAt: now})
	}

	return r.observer.Observe(ctx, stockQueueCollection, "insertMany", func(ctx context.Context) (int64, error) {
		res, err := r.collection.InsertMany(ctx, docs)
		if err != nil {
			return 0, fmt.Errorf("enqueue stock sync: %w", err)
		}
		return int64(len(res.InsertedIDs)), nil
	})
}

// Snapshot returns every queued entry, oldest first
func (r *StockQueueRepository) Snapshot(ctx context.Context) ([]*domain.StockSyncQueueEntry, error) {
	var entries []*domain.StockSyncQueueEntry
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	err := r.observer.Observe(ctx, stockQueueCollection, "find", func(ctx context.Context) (int64, error) {
		cursor, err := r.collection.Find(ctx, bson.M{}, opts)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)
		if err := cursor.All(ctx, &entries); err != nil {
			return 0, err
		}
		return int64(len(entries)), nil
	})
	if err != nil {
		return nil, fmt.Errorf("read stock queue: %w", err)
	}
	return entries, nil
}

// DeleteEntries removes the SKU's entries with the given ids
func (r *StockQueueRepository) DeleteEntries(ctx context.Context, sku string, ids []primitive.ObjectID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	filter := bson.M{"_id": bson.M{"$in": ids}, "sku": sku}
	err := r.observer.Observe(ctx, stockQueueCollection, "deleteMany", func(ctx context.Context) (int64, error) {
		res, err := r.collection.DeleteMany(ctx, filter)
		if err != nil {
			return 0, err
		}
		deleted = res.DeletedCount
		return deleted, nil
	})
	if err != nil {
		return 0, fmt.Errorf("dequeue %s: %w", sku, err)
	}
	return deleted, nil
}

// Depth returns the number of queued entries
func (r *StockQueueRepository) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := r.observer.Observe(ctx, stockQueueCollection, "count", func(ctx context.Context) (int64, error) {
		n, err := r.collection.CountDocuments(ctx, bson.M{})
		depth = n
		return n, err
	})
	if err != nil {
		return 0, fmt.Errorf("count stock queue: %w", err)
	}
	return depth, nil
}
