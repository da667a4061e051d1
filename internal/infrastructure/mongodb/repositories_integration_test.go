//go:build integration

package mongodb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	testhelpers "github.com/velias1070-ship-it/banvabodega-sub000/pkg/testing"
)

func TestShipmentRepository_Integration(t *testing.T) {
	db := testhelpers.StartMongoDB(t)
	ctx := testhelpers.CreateTestContext(t, time.Minute)

	repo := NewShipmentRepository(db, nil)
	require.NoError(t, repo.EnsureIndexes(ctx))

	lines := func(orderIDs ...int64) []*domain.ShipmentItem {
		items := make([]*domain.ShipmentItem, 0, len(orderIDs))
		for _, id := range orderIDs {
			items = append(items, &domain.ShipmentItem{ShipmentID: 9001, OrderID: id, ItemID: "MLC1", SellerSKU: "A", Quantity: 1})
		}
		return items
	}

	first := domain.NewShipment(9001, 501)
	first.Status = "ready_to_ship"
	first.LogisticType = "self_service"
	first.MarkIngested(lines(501))
	res, err := repo.Upsert(ctx, first, lines(501))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.ItemsInserted)

	// a second pass with a sibling order only grows the set
	again := domain.NewShipment(9001, 501, 502)
	again.Status = "ready_to_ship"
	again.LogisticType = "self_service"
	res, err = repo.Upsert(ctx, again, lines(501, 502))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 1, res.NewOrderIDs)
	assert.Equal(t, 1, res.ItemsInserted)
	assert.Equal(t, 1, res.ItemsUpdated)

	stored, err := repo.FindByID(ctx, 9001)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{501, 502}, stored.OrderIDs)

	items, err := repo.FindItems(ctx, 9001)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	outboxCount, err := db.Collection(outboxCollection).CountDocuments(ctx, bson.M{"aggregateId": "9001"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), outboxCount)

	pending, err := repo.FindPending(ctx, []domain.LogisticType{"self_service"}, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestShipmentRepository_ConcurrentUpserts(t *testing.T) {
	db := testhelpers.StartMongoDB(t)
	ctx := testhelpers.CreateTestContext(t, time.Minute)

	repo := NewShipmentRepository(db, nil)
	require.NoError(t, repo.EnsureIndexes(ctx))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := domain.NewShipment(7000, 1, 2)
			items := []*domain.ShipmentItem{{ShipmentID: 7000, OrderID: 1, ItemID: "MLC1", SellerSKU: "A", Quantity: 1}}
			_, err := repo.Upsert(context.Background(), s, items)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	itemCount, err := db.Collection(shipmentItemsCollection).CountDocuments(ctx, bson.M{"shipmentId": 7000})
	require.NoError(t, err)
	assert.Equal(t, int64(1), itemCount)
}

func TestStockQueueRepository_Integration(t *testing.T) {
	db := testhelpers.StartMongoDB(t)
	ctx := testhelpers.CreateTestContext(t, time.Minute)

	repo := NewStockQueueRepository(db, nil)
	require.NoError(t, repo.EnsureIndexes(ctx))

	base := time.Now().UTC().Truncate(time.Millisecond)
	repo.now = func() time.Time { return base }
	require.NoError(t, repo.Enqueue(ctx, []string{"A", "A", "B"}, domain.StockSourceWebhook))

	read, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, read, 3)

	// queued after the read but stamped earlier by a lagging clock
	repo.now = func() time.Time { return base.Add(-time.Minute) }
	require.NoError(t, repo.Enqueue(ctx, []string{"A"}, domain.StockSourceInventoryEvent))

	deleted, err := repo.DeleteEntries(ctx, "A", domain.EntryIDsBySKU(read)["A"])
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	entries, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].SKU)
	assert.Equal(t, domain.StockSourceInventoryEvent, entries[0].Source)
	assert.Equal(t, "B", entries[1].SKU)
}

func TestWarehouseLedger_Integration(t *testing.T) {
	db := testhelpers.StartMongoDB(t)
	ctx := testhelpers.CreateTestContext(t, time.Minute)

	_, err := db.Collection(stockPositionsCollection).InsertMany(ctx, []interface{}{
		bson.M{"sku": "A", "position": "P1", "quantity": 6},
		bson.M{"sku": "A", "position": "P2", "quantity": 4},
		bson.M{"sku": "B", "position": "P1", "quantity": 9},
	})
	require.NoError(t, err)

	_, err = db.Collection(pickingOrdersCollection).InsertMany(ctx, []interface{}{
		bson.M{"status": domain.PickingStatusPending, "lines": bson.A{bson.M{"sku": "A", "quantity": 2}, bson.M{"sku": "B", "quantity": 1}}},
		bson.M{"status": domain.PickingStatusPicking, "lines": bson.A{bson.M{"sku": "A", "quantity": 1}}},
		bson.M{"status": "PICKED", "lines": bson.A{bson.M{"sku": "A", "quantity": 5}}},
	})
	require.NoError(t, err)

	ledger := NewWarehouseLedger(db, nil)
	onHand, err := ledger.OnHand(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 10, onHand)

	committed, err := ledger.Committed(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 3, committed)
}
