package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	pkgmongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/outbox"
)

// DefaultCollectionName is the default name for the outbox collection
const DefaultCollectionName = "outbox_events"

// publishedTTL keeps published events around for inspection before Mongo expires them.
const publishedTTL = 7 * 24 * time.Hour

// OutboxRepository implements outbox.Repository for MongoDB
type OutboxRepository struct {
	collection *mongo.Collection
	observer   *pkgmongo.Observer
}

// NewOutboxRepository creates a new MongoDB outbox repository. observer may be nil.
func NewOutboxRepository(db *mongo.Database, observer *pkgmongo.Observer) *OutboxRepository {
	return &OutboxRepository{
		collection: db.Collection(DefaultCollectionName),
		observer:   observer,
	}
}

// Save saves an outbox event
func (r *OutboxRepository) Save(ctx context.Context, event *outbox.OutboxEvent) error {
	return r.observer.Observe(ctx, DefaultCollectionName, "insert", func(ctx context.Context) (int64, error) {
		if _, err := r.collection.InsertOne(ctx, event); err != nil {
			return 0, fmt.Errorf("failed to save outbox event: %w", err)
		}
		return 1, nil
	})
}

// FindUnpublished retrieves unpublished events up to the specified limit
func (r *OutboxRepository) FindUnpublished(ctx context.Context, limit int) ([]*outbox.OutboxEvent, error) {
	filter := bson.M{
		"publishedAt": bson.M{"$exists": false},
		"$expr":       bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	var events []*outbox.OutboxEvent
	err := r.observer.Observe(ctx, DefaultCollectionName, "find", func(ctx context.Context) (int64, error) {
		cursor, err := r.collection.Find(ctx, filter, opts)
		if err != nil {
			return 0, fmt.Errorf("failed to find unpublished events: %w", err)
		}
		defer cursor.Close(ctx)

		if err := cursor.All(ctx, &events); err != nil {
			return 0, fmt.Errorf("failed to decode outbox events: %w", err)
		}
		return int64(len(events)), nil
	})
	return events, err
}

// MarkPublished marks an event as published
func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID string) error {
	update := bson.M{"$set": bson.M{"publishedAt": time.Now().UTC()}}
	return r.updateOne(ctx, "markPublished", eventID, update)
}

// IncrementRetry increments the retry count and updates last error
func (r *OutboxRepository) IncrementRetry(ctx context.Context, eventID string, errorMsg string) error {
	update := bson.M{
		"$inc": bson.M{"retryCount": 1},
		"$set": bson.M{"lastError": errorMsg},
	}
	return r.updateOne(ctx, "incrementRetry", eventID, update)
}

func (r *OutboxRepository) updateOne(ctx context.Context, operation, eventID string, update bson.M) error {
	return r.observer.Observe(ctx, DefaultCollectionName, operation, func(ctx context.Context) (int64, error) {
		result, err := r.collection.UpdateOne(ctx, bson.M{"_id": eventID}, update)
		if err != nil {
			return 0, fmt.Errorf("outbox %s: %w", operation, err)
		}
		if result.MatchedCount == 0 {
			return 0, fmt.Errorf("outbox event not found: %s", eventID)
		}
		return result.ModifiedCount, nil
	})
}

// EnsureIndexes creates necessary indexes for the outbox collection
func (r *OutboxRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "publishedAt", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_publishedAt_createdAt"),
		},
		{
			Keys: bson.D{
				{Key: "aggregateId", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_aggregateId_createdAt"),
		},
		{
			// only documents with publishedAt set expire
			Keys: bson.D{{Key: "publishedAt", Value: 1}},
			Options: options.Index().
				SetName("idx_publishedAt_ttl").
				SetExpireAfterSeconds(int32(publishedTTL.Seconds())),
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}
	return nil
}
