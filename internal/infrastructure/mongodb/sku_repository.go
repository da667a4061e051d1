package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	pkgmongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
)

const skuMappingsCollection = "sku_mappings"

// SKUMappingRepository reads the warehouse SKU dictionary
type SKUMappingRepository struct {
	collection *mongo.Collection
	observer   *pkgmongo.Observer
}

// NewSKUMappingRepository creates a SKUMappingRepository. observer may be nil.
func NewSKUMappingRepository(db *mongo.Database, observer *pkgmongo.Observer) *SKUMappingRepository {
	return &SKUMappingRepository{collection: db.Collection(skuMappingsCollection), observer: observer}
}

// FindBySellerSKUs returns the mappings for the given seller SKUs keyed by seller SKU. Unknown
// SKUs are absent from the map.
func (r *SKUMappingRepository) FindBySellerSKUs(ctx context.Context, sellerSKUs []string) (map[string]*domain.SKUMapping, error) {
	out := make(map[string]*domain.SKUMapping, len(sellerSKUs))
	if len(sellerSKUs) == 0 {
		return out, nil
	}

	mappings, err := r.find(ctx, bson.M{"sellerSku": bson.M{"$in": sellerSKUs}})
	if err != nil {
		return nil, fmt.Errorf("load sku mappings: %w", err)
	}
	for _, m := range mappings {
		out[m.SellerSKU] = m
	}
	return out, nil
}

// FindByComponentSKU returns every mapping that draws from the warehouse SKU
func (r *SKUMappingRepository) FindByComponentSKU(ctx context.Context, sku string) ([]*domain.SKUMapping, error) {
	mappings, err := r.find(ctx, bson.M{"components.sku": sku})
	if err != nil {
		return nil, fmt.Errorf("load listings of %s: %w", sku, err)
	}
	return mappings, nil
}

func (r *SKUMappingRepository) find(ctx context.Context, filter bson.M) ([]*domain.SKUMapping, error) {
	var mappings []*domain.SKUMapping
	err := r.observer.Observe(ctx, skuMappingsCollection, "find", func(ctx context.Context) (int64, error) {
		cursor, err := r.collection.Find(ctx, filter)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)
		if err := cursor.All(ctx, &mappings); err != nil {
			return 0, err
		}
		return int64(len(mappings)), nil
	})
	return mappings, err
}
