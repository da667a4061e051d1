package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
)

var errUnexpected = errors.New("unexpected call")

type fakeAPI struct {
	getShipmentFn      func(context.Context, int64) (*domain.MarketplaceShipment, error)
	getShipmentItemsFn func(context.Context, int64) ([]domain.MarketplaceShipmentItem, error)
	getOrderFn         func(context.Context, int64) (*domain.MarketplaceOrder, error)
	getPackFn          func(context.Context, int64) (*domain.MarketplacePack, error)
	searchOrdersFn     func(context.Context, domain.OrderSearch) (*domain.OrderSearchPage, error)
	getCurrentUserFn   func(context.Context) (*domain.MarketplaceUser, error)
}

func (f *fakeAPI) GetShipment(ctx context.Context, id int64) (*domain.MarketplaceShipment, error) {
	if f.getShipmentFn == nil {
		return nil, errUnexpected
	}
	return f.getShipmentFn(ctx, id)
}

func (f *fakeAPI) GetShipmentItems(ctx context.Context, id int64) ([]domain.MarketplaceShipmentItem, error) {
	if f.getShipmentItemsFn == nil {
		return nil, errUnexpected
	}
	return f.getShipmentItemsFn(ctx, id)
}

func (f *fakeAPI) GetOrder(ctx context.Context, id int64) (*domain.MarketplaceOrder, error) {
	if f.getOrderFn == nil {
		return nil, errUnexpected
	}
	return f.getOrderFn(ctx, id)
}

func (f *fakeAPI) GetPack(ctx context.Context, id int64) (*domain.MarketplacePack, error) {
	if f.getPackFn == nil {
		return nil, errUnexpected
	}
	return f.getPackFn(ctx, id)
}

func (f *fakeAPI) SearchOrders(ctx context.Context, search domain.OrderSearch) (*domain.OrderSearchPage, error) {
	if f.searchOrdersFn == nil {
		return nil, errUnexpected
	}
	return f.searchOrdersFn(ctx, search)
}

func (f *fakeAPI) GetCurrentUser(ctx context.Context) (*domain.MarketplaceUser, error) {
	if f.getCurrentUserFn == nil {
		return nil, errUnexpected
	}
	return f.getCurrentUserFn(ctx)
}

// memoryShipments applies the same merge rules as the Mongo repository
type memoryShipments struct {
	mu        sync.Mutex
	shipments map[int64]*domain.Shipment
	items     map[domain.ItemKey]*domain.ShipmentItem
	events    []domain.DomainEvent
	upsertErr error
}

func newMemoryShipments() *memoryShipments {
	return &memoryShipments{
		shipments: make(map[int64]*domain.Shipment),
		items:     make(map[domain.ItemKey]*domain.ShipmentItem),
	}
}

func (m *memoryShipments) Upsert(_ context.Context, s *domain.Shipment, items []*domain.ShipmentItem) (*domain.UpsertResult, error) {
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &domain.UpsertResult{}
	existing, ok := m.shipments[s.ShipmentID]
	if !ok {
		copied := *s
		copied.OrderIDs = nil
		copied.AddOrderIDs(s.OrderIDs...)
		m.shipments[s.ShipmentID] = &copied
		result.Created = true
		result.NewOrderIDs = len(s.OrderIDs)
	} else {
		result.NewOrderIDs = existing.AddOrderIDs(s.OrderIDs...)
		existing.Status = s.Status
		existing.Substatus = s.Substatus
		existing.LogisticType = s.LogisticType
		existing.UpdatedAt = s.UpdatedAt
	}

	for _, item := range items {
		copied := *item
		if _, ok := m.items[item.Key()]; ok {
			result.ItemsUpdated++
		} else {
			result.ItemsInserted++
		}
		m.items[item.Key()] = &copied
	}
	m.events = append(m.events, s.DomainEvents()...)
	return result, nil
}

func (m *memoryShipments) FindByID(_ context.Context, id int64) (*domain.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *memoryShipments) FindItems(_ context.Context, id int64) ([]*domain.ShipmentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ShipmentItem
	for key, item := range m.items {
		if key.ShipmentID == id {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *memoryShipments) FindPending(_ context.Context, lts []domain.LogisticType, limit int) ([]*domain.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Shipment
	for _, s := range m.shipments {
		if s.IsSupported(lts) && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryShipments) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.shipments)), nil
}

func (m *memoryShipments) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type fakeSKURepo struct {
	findBySellerSKUsFn   func(context.Context, []string) (map[string]*domain.SKUMapping, error)
	findByComponentSKUFn func(context.Context, string) ([]*domain.SKUMapping, error)
}

func (f *fakeSKURepo) FindBySellerSKUs(ctx context.Context, skus []string) (map[string]*domain.SKUMapping, error) {
	if f.findBySellerSKUsFn == nil {
		return nil, errUnexpected
	}
	return f.findBySellerSKUsFn(ctx, skus)
}

func (f *fakeSKURepo) FindByComponentSKU(ctx context.Context, sku string) ([]*domain.SKUMapping, error) {
	if f.findByComponentSKUFn == nil {
		return nil, errUnexpected
	}
	return f.findByComponentSKUFn(ctx, sku)
}

// dictionary serves a fixed set of mappings
func dictionary(mappings ...*domain.SKUMapping) *fakeSKURepo {
	return &fakeSKURepo{
		findBySellerSKUsFn: func(_ context.Context, skus []string) (map[string]*domain.SKUMapping, error) {
			out := make(map[string]*domain.SKUMapping)
			for _, sku := range skus {
				for _, m := range mappings {
					if m.SellerSKU == sku {
						out[sku] = m
					}
				}
			}
			return out, nil
		},
		findByComponentSKUFn: func(_ context.Context, sku string) ([]*domain.SKUMapping, error) {
			var out []*domain.SKUMapping
			for _, m := range mappings {
				for _, c := range m.Components {
					if c.SKU == sku {
						out = append(out, m)
						break
					}
				}
			}
			return out, nil
		},
	}
}

// memoryQueue is an in-memory stock sync queue
type memoryQueue struct {
	mu        sync.Mutex
	entries   []*domain.StockSyncQueueEntry
	deleteErr error
	now       func() time.Time

	// afterSnapshot runs once the snapshot is taken, outside the lock
	afterSnapshot func()
}

func newMemoryQueue(skus ...string) *memoryQueue {
	q := &memoryQueue{now: func() time.Time { return time.Now().UTC().Add(-time.Second) }}
	for _, sku := range skus {
		q.entries = append(q.entries, &domain.StockSyncQueueEntry{ID: primitive.NewObjectID(), SKU: sku, CreatedAt: q.now()})
	}
	return q
}

func (q *memoryQueue) Enqueue(_ context.Context, skus []string, source domain.StockSource) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sku := range skus {
		q.entries = append(q.entries, &domain.StockSyncQueueEntry{ID: primitive.NewObjectID(), SKU: sku, Source: source, CreatedAt: q.now()})
	}
	return nil
}

func (q *memoryQueue) Snapshot(context.Context) ([]*domain.StockSyncQueueEntry, error) {
	q.mu.Lock()
	snapshot := append([]*domain.StockSyncQueueEntry(nil), q.entries...)
	q.mu.Unlock()
	if q.afterSnapshot != nil {
		q.afterSnapshot()
	}
	return snapshot, nil
}

func (q *memoryQueue) DeleteEntries(_ context.Context, sku string, ids []primitive.ObjectID) (int64, error) {
	if q.deleteErr != nil {
		return 0, q.deleteErr
	}
	remove := make(map[primitive.ObjectID]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var kept []*domain.StockSyncQueueEntry
	var deleted int64
	for _, e := range q.entries {
		if e.SKU == sku && remove[e.ID] {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return deleted, nil
}

func (q *memoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

func (q *memoryQueue) skus() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, e := range q.entries {
		out = append(out, e.SKU)
	}
	return out
}

type fakeLedger struct {
	onHand    map[string]int
	committed map[string]int
	err       error
}

func (f *fakeLedger) OnHand(_ context.Context, sku string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.onHand[sku], nil
}

func (f *fakeLedger) Committed(_ context.Context, sku string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.committed[sku], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	pushes []domain.ListingStock
	failOn map[string]error
}

func (p *recordingPublisher) PublishStock(_ context.Context, listing domain.ListingStock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn[listing.ItemID]; err != nil {
		return err
	}
	p.pushes = append(p.pushes, listing)
	return nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (f *fakeOutbox) Append(_ context.Context, _ string, events ...domain.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

type memoryDeduper struct {
	mu       sync.Mutex
	seen     map[string]bool
	released []string
}

func (d *memoryDeduper) FirstSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	d.released = append(d.released, key)
	return nil
}

type fakeTokens struct {
	status domain.TokenStatus
	err    error
}

func (f *fakeTokens) Status(context.Context) (domain.TokenStatus, error) {
	return f.status, f.err
}
