package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	pkgmongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
)

const tokensCollection = "marketplace_tokens"

// TokenRepository implements domain.TokenRepository, one document per marketplace client id
type TokenRepository struct {
	collection *mongo.Collection
	observer   *pkgmongo.Observer
}

// NewTokenRepository creates a TokenRepository. observer may be nil.
func NewTokenRepository(db *mongo.Database, observer *pkgmongo.Observer) *TokenRepository {
	return &TokenRepository{collection: db.Collection(tokensCollection), observer: observer}
}

// Load returns the stored token or domain.ErrNotFound
func (r *TokenRepository) Load(ctx context.Context, clientID string) (*domain.OAuthToken, error) {
	var tok domain.OAuthToken
	err := r.observer.Observe(ctx, tokensCollection, "findOne", func(ctx context.Context) (int64, error) {
		if err := r.collection.FindOne(ctx, bson.M{"_id": clientID}).Decode(&tok); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &tok, nil
}

// Save replaces the stored token
func (r *TokenRepository) Save(ctx context.Context, tok *domain.OAuthToken) error {
	return r.observer.Observe(ctx, tokensCollection, "replace", func(ctx context.Context) (int64, error) {
		res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": tok.ClientID}, tok, options.Replace().SetUpsert(true))
		if err != nil {
			return 0, fmt.Errorf("save token: %w", err)
		}
		return res.ModifiedCount + res.UpsertedCount, nil
	})
}
