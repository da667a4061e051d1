package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
)

func listing(sellerSKU, itemID string, components ...domain.Component) *domain.SKUMapping {
	return &domain.SKUMapping{SellerSKU: sellerSKU, ItemID: itemID, Components: components}
}

type stockFixture struct {
	queue     *memoryQueue
	ledger    *fakeLedger
	publisher *recordingPublisher
	outbox    *fakeOutbox
	svc       *StockReconciliationService
}

func newStockFixture(queue *memoryQueue, mappings ...*domain.SKUMapping) *stockFixture {
	f := &stockFixture{
		queue:     queue,
		ledger:    &fakeLedger{onHand: map[string]int{}, committed: map[string]int{}},
		publisher: &recordingPublisher{},
		outbox:    &fakeOutbox{},
	}
	f.svc = NewStockReconciliationService(StockDeps{
		Queue:     f.queue,
		Ledger:    f.ledger,
		SKUs:      dictionary(mappings...),
		Publisher: f.publisher,
		Outbox:    f.outbox,
		Metrics:   metrics.New(metrics.DefaultConfig("test")),
	})
	return f
}

func TestDrainQueuePushesEachSKUOnce(t *testing.T) {
	f := newStockFixture(newMemoryQueue("A", "A", "B"),
		listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}),
		listing("SKU-B", "MLC2", domain.Component{SKU: "B", Quantity: 1}),
	)
	f.ledger.onHand["A"] = 10
	f.ledger.committed["A"] = 3
	f.ledger.onHand["B"] = 4

	result, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Synced)
	assert.Empty(t, result.Errors)
	require.Len(t, f.publisher.pushes, 2)
	assert.Equal(t, domain.ListingStock{ItemID: "MLC1", SellerSKU: "SKU-A", Quantity: 7}, f.publisher.pushes[0])
	assert.Equal(t, 4, f.publisher.pushes[1].Quantity)
	assert.Empty(t, f.queue.skus())
}

func TestDrainQueueFloorsAvailabilityAtZero(t *testing.T) {
	f := newStockFixture(newMemoryQueue("A"), listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}))
	f.ledger.onHand["A"] = 5
	f.ledger.committed["A"] = 8

	_, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)

	require.Len(t, f.publisher.pushes, 1)
	assert.Zero(t, f.publisher.pushes[0].Quantity)
}

func TestDrainQueueKeepsFailedSKUQueued(t *testing.T) {
	f := newStockFixture(newMemoryQueue("A", "B"),
		listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}),
		listing("SKU-B", "MLC2", domain.Component{SKU: "B", Quantity: 1}),
	)
	f.publisher.failOn = map[string]error{"MLC1": errors.New("marketplace unavailable")}

	result, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "marketplace unavailable")
	assert.Equal(t, []string{"A"}, f.queue.skus())

	f.publisher.failOn = nil
	retry, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Synced)
	assert.Empty(t, f.queue.skus())
}

func TestDrainQueueSkipsSKUWithoutListing(t *testing.T) {
	f := newStockFixture(newMemoryQueue("LOOSE"),
		&domain.SKUMapping{SellerSKU: "SKU-L", Components: []domain.Component{{SKU: "LOOSE", Quantity: 1}}},
	)

	result, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Synced)
	assert.Empty(t, f.publisher.pushes)
	assert.Empty(t, f.queue.skus())
	assert.Empty(t, f.outbox.events)
}

func TestDrainQueueBundleTakesMinimumOverComponents(t *testing.T) {
	f := newStockFixture(newMemoryQueue("A"),
		listing("KIT", "MLC9", domain.Component{SKU: "A", Quantity: 2}, domain.Component{SKU: "B", Quantity: 1}),
	)
	f.ledger.onHand["A"] = 9
	f.ledger.onHand["B"] = 10

	_, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)

	require.Len(t, f.publisher.pushes, 1)
	assert.Equal(t, 4, f.publisher.pushes[0].Quantity)
}

func TestDrainQueueRecordsSyncedEvent(t *testing.T) {
	f := newStockFixture(newMemoryQueue("A"), listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}))
	f.ledger.onHand["A"] = 6
	f.ledger.committed["A"] = 2

	_, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)

	require.Len(t, f.outbox.events, 1)
	synced, ok := f.outbox.events[0].(*domain.StockSyncedEvent)
	require.True(t, ok)
	assert.Equal(t, "A", synced.SKU)
	assert.Equal(t, 4, synced.Available)
	assert.Equal(t, []string{"MLC1"}, synced.Listings)
}

func TestDrainQueueKeepsEntriesQueuedDuringDrain(t *testing.T) {
	queue := newMemoryQueue("A")
	f := newStockFixture(queue, listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}))
	// another instance with a lagging clock enqueues A while the drain runs
	queue.afterSnapshot = func() {
		queue.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }
		require.NoError(t, queue.Enqueue(context.Background(), []string{"A"}, domain.StockSourceWebhook))
	}

	result, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	assert.Equal(t, []string{"A"}, queue.skus())
}

func TestDrainQueueRemovesEveryEntryRead(t *testing.T) {
	queue := newMemoryQueue("A")
	queue.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	require.NoError(t, queue.Enqueue(context.Background(), []string{"A"}, domain.StockSourceWebhook))
	f := newStockFixture(queue, listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}))

	_, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)

	assert.Empty(t, queue.skus())
}

func TestDrainQueueLedgerFailure(t *testing.T) {
	f := newStockFixture(newMemoryQueue("A"), listing("SKU-A", "MLC1", domain.Component{SKU: "A", Quantity: 1}))
	f.ledger.err = errUnexpected

	result, err := f.svc.DrainQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Empty(t, f.publisher.pushes)
	assert.Equal(t, []string{"A"}, f.queue.skus())
}

func TestEnqueueDropsBlankAndRepeatedSKUs(t *testing.T) {
	queue := newMemoryQueue()
	f := newStockFixture(queue)

	require.NoError(t, f.svc.Enqueue(context.Background(), []string{"A", "", "A", "B"}, domain.StockSourceManual))
	assert.Equal(t, []string{"A", "B"}, queue.skus())

	require.NoError(t, f.svc.Enqueue(context.Background(), []string{""}, domain.StockSourceManual))
	assert.Len(t, queue.skus(), 2)
}

func TestStockLevel(t *testing.T) {
	f := newStockFixture(newMemoryQueue())
	f.ledger.onHand["A"] = 3
	f.ledger.committed["A"] = 1

	level, err := f.svc.StockLevel(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, domain.StockLevel{SKU: "A", OnHand: 3, Committed: 1, Available: 2}, level)
}
