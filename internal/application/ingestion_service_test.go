package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
)

// marketplace serves fixed shipments and orders and 404s everything else
type marketplace struct {
	shipments map[int64]*domain.MarketplaceShipment
	items     map[int64][]domain.MarketplaceShipmentItem
	orders    map[int64]*domain.MarketplaceOrder
	packs     map[int64]*domain.MarketplacePack
	pages     []*domain.OrderSearchPage
	searches  []domain.OrderSearch
	calls     atomic.Int32
}

func (m *marketplace) api() *fakeAPI {
	notFound := func(path string) error { return &domain.HttpError{Status: http.StatusNotFound, Method: "GET", Path: path} }
	return &fakeAPI{
		getShipmentFn: func(_ context.Context, id int64) (*domain.MarketplaceShipment, error) {
			m.calls.Add(1)
			if s, ok := m.shipments[id]; ok {
				return s, nil
			}
			return nil, notFound(fmt.Sprintf("/shipments/%d", id))
		},
		getShipmentItemsFn: func(_ context.Context, id int64) ([]domain.MarketplaceShipmentItem, error) {
			m.calls.Add(1)
			return m.items[id], nil
		},
		getOrderFn: func(_ context.Context, id int64) (*domain.MarketplaceOrder, error) {
			m.calls.Add(1)
			if o, ok := m.orders[id]; ok {
				return o, nil
			}
			return nil, notFound(fmt.Sprintf("/orders/%d", id))
		},
		getPackFn: func(_ context.Context, id int64) (*domain.MarketplacePack, error) {
			m.calls.Add(1)
			if p, ok := m.packs[id]; ok {
				return p, nil
			}
			return nil, notFound(fmt.Sprintf("/packs/%d", id))
		},
		searchOrdersFn: func(_ context.Context, search domain.OrderSearch) (*domain.OrderSearchPage, error) {
			m.searches = append(m.searches, search)
			page := search.Offset / search.Limit
			if page >= len(m.pages) {
				return &domain.OrderSearchPage{}, nil
			}
			return m.pages[page], nil
		},
		getCurrentUserFn: func(context.Context) (*domain.MarketplaceUser, error) {
			return &domain.MarketplaceUser{ID: 42, Nickname: "BODEGA"}, nil
		},
	}
}

// shipment9001 is a self-service shipment with two items for orders 501 and 502
func shipment9001() *marketplace {
	return &marketplace{
		shipments: map[int64]*domain.MarketplaceShipment{9001: selfService(9001)},
		items: map[int64][]domain.MarketplaceShipmentItem{9001: {
			{ItemID: "MLC1", OrderID: 501, Quantity: 1},
			{ItemID: "MLC2", OrderID: 502, Quantity: 2},
		}},
		orders: map[int64]*domain.MarketplaceOrder{
			501: order(501, 9001, line("MLC1", "SKU-A", 1)),
			502: order(502, 9001, line("MLC2", "SKU-B", 2)),
		},
	}
}

func pack(t *testing.T, id int64, orderIDs ...int64) *domain.MarketplacePack {
	t.Helper()
	orders := make([]map[string]int64, 0, len(orderIDs))
	for _, oid := range orderIDs {
		orders = append(orders, map[string]int64{"id": oid})
	}
	raw, err := json.Marshal(map[string]any{"id": id, "orders": orders})
	require.NoError(t, err)

	var p domain.MarketplacePack
	require.NoError(t, json.Unmarshal(raw, &p))
	return &p
}

func newTestIngestion(api MarketplaceAPI, shipments domain.ShipmentRepository, deduper NotificationDeduper) *IngestionService {
	svc := NewIngestionService(IngestionDeps{
		API:       api,
		Shipments: shipments,
		SKUs: dictionary(
			&domain.SKUMapping{SellerSKU: "SKU-A", Components: []domain.Component{{SKU: "A", Quantity: 1}}},
		),
		Queue:   newMemoryQueue(),
		Tokens:  &fakeTokens{status: domain.TokenStatus{Valid: true, UserID: 42}},
		Deduper: deduper,
		Metrics: metrics.New(metrics.DefaultConfig("test")),
	}, IngestionConfig{PageSize: 2, MaxHistoryPages: 5})
	svc.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestProcessShipmentIsIdempotent(t *testing.T) {
	mp := shipment9001()
	repo := newMemoryShipments()
	svc := newTestIngestion(mp.api(), repo, nil)
	ctx := context.Background()

	first, err := svc.ProcessShipment(ctx, 9001, []int64{501, 502})
	require.NoError(t, err)
	assert.Equal(t, int64(9001), first.ShipmentID)
	assert.Equal(t, 2, first.Items)
	assert.Equal(t, 2, first.NewOrders)

	second, err := svc.ProcessShipment(ctx, 9001, []int64{501, 502})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Items)
	assert.Equal(t, 0, second.NewOrders)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, 2, repo.itemCount())

	stored, err := repo.FindByID(ctx, 9001)
	require.NoError(t, err)
	assert.Equal(t, []int64{501, 502}, stored.OrderIDs)

	require.Len(t, repo.events, 2)
	ingested, ok := repo.events[0].(*domain.ShipmentIngestedEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"SKU-B"}, ingested.UnresolvedSKUs)
}

func TestProcessShipmentConcurrentCallsConverge(t *testing.T) {
	mp := shipment9001()
	repo := newMemoryShipments()
	svc := newTestIngestion(mp.api(), repo, nil)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := svc.ProcessShipment(context.Background(), 9001, nil)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, 2, repo.itemCount())
}

func TestProcessOrderUnionsPackSiblings(t *testing.T) {
	mp := &marketplace{
		shipments: map[int64]*domain.MarketplaceShipment{9001: selfService(9001)},
		orders: map[int64]*domain.MarketplaceOrder{
			501: packed(order(501, 9001, line("MLC1", "SKU-A", 1)), 77),
			502: packed(order(502, 9001, line("MLC2", "SKU-B", 1)), 77),
		},
		packs: map[int64]*domain.MarketplacePack{77: pack(t, 77, 501, 502)},
	}
	repo := newMemoryShipments()
	svc := newTestIngestion(mp.api(), repo, nil)

	result, err := svc.ProcessOrder(context.Background(), 501)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Items)

	stored, err := repo.FindByID(context.Background(), 9001)
	require.NoError(t, err)
	assert.Equal(t, []int64{501, 502}, stored.OrderIDs)
}

func TestProcessOrderWithoutShipmentIsSkipped(t *testing.T) {
	mp := &marketplace{orders: map[int64]*domain.MarketplaceOrder{501: order(501, 0, line("MLC1", "SKU-A", 1))}}
	svc := newTestIngestion(mp.api(), newMemoryShipments(), nil)

	result, err := svc.ProcessOrder(context.Background(), 501)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, domain.ErrNoShipment.Error(), result.Reason)
}

func TestProcessShipmentSkipsUnsupportedLogistics(t *testing.T) {
	mp := shipment9001()
	mp.shipments[9001].LogisticType = "cross_docking"
	repo := newMemoryShipments()
	repo.upsertErr = errUnexpected
	svc := newTestIngestion(mp.api(), repo, nil)

	result, err := svc.ProcessShipment(context.Background(), 9001, nil)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Contains(t, result.Reason, "cross_docking")
	assert.Zero(t, repo.itemCount())
}

func TestProcessShipmentNotFound(t *testing.T) {
	svc := newTestIngestion((&marketplace{}).api(), newMemoryShipments(), nil)

	_, err := svc.ProcessShipment(context.Background(), 404, nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "shipment", nf.Resource)
}

func TestProcessShipmentPropagatesAuthErrorFromItems(t *testing.T) {
	mp := shipment9001()
	api := mp.api()
	api.getShipmentItemsFn = func(context.Context, int64) ([]domain.MarketplaceShipmentItem, error) {
		return nil, &domain.AuthError{Op: "refresh"}
	}
	svc := newTestIngestion(api, newMemoryShipments(), nil)

	_, err := svc.ProcessShipment(context.Background(), 9001, nil)
	assert.True(t, domain.IsAuthError(err))
}

func TestHandleNotification(t *testing.T) {
	tests := []struct {
		name       string
		n          domain.Notification
		upsertErr  error
		wantKind   domain.OutcomeKind
		wantItems  int
		wantReason string
	}{
		{
			name:      "shipment notification",
			n:         domain.Notification{Topic: "shipments", Resource: "/shipments/9001"},
			wantKind:  domain.OutcomeProcessed,
			wantItems: 2,
		},
		{
			name:      "order notification",
			n:         domain.Notification{Topic: "orders_v2", Resource: "/orders/501"},
			wantKind:  domain.OutcomeProcessed,
			wantItems: 2,
		},
		{
			name:       "malformed resource",
			n:          domain.Notification{Topic: "orders_v2", Resource: "/items/1"},
			wantKind:   domain.OutcomeIgnored,
			wantReason: "unrecognized resource",
		},
		{
			name:       "unsupported topic",
			n:          domain.Notification{Topic: "questions", Resource: "/questions/1"},
			wantKind:   domain.OutcomeIgnored,
			wantReason: "unsupported topic",
		},
		{
			name:       "vanished shipment",
			n:          domain.Notification{Topic: "shipments", Resource: "/shipments/1"},
			wantKind:   domain.OutcomeIgnored,
			wantReason: "not found",
		},
		{
			name:      "storage failure",
			n:         domain.Notification{Topic: "shipments", Resource: "/shipments/9001"},
			upsertErr: errors.New("write conflict"),
			wantKind:  domain.OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryShipments()
			repo.upsertErr = tt.upsertErr
			svc := newTestIngestion(shipment9001().api(), repo, nil)

			outcome := svc.HandleNotification(context.Background(), tt.n)

			assert.Equal(t, tt.wantKind, outcome.Kind)
			assert.Equal(t, tt.wantItems, outcome.Items)
			if tt.wantReason != "" {
				assert.Contains(t, outcome.Reason, tt.wantReason)
			}
			if tt.wantKind == domain.OutcomeFailed {
				assert.Error(t, outcome.Err)
			}
		})
	}
}

func TestHandleNotificationSuppressesDuplicates(t *testing.T) {
	deduper := &memoryDeduper{}
	repo := newMemoryShipments()
	svc := newTestIngestion(shipment9001().api(), repo, deduper)
	n := domain.Notification{ID: "n-1", Topic: "shipments", Resource: "/shipments/9001"}

	first := svc.HandleNotification(context.Background(), n)
	assert.Equal(t, domain.OutcomeProcessed, first.Kind)

	second := svc.HandleNotification(context.Background(), n)
	assert.Equal(t, domain.OutcomeIgnored, second.Kind)
	assert.Equal(t, domain.ErrDuplicateNotification.Error(), second.Reason)
}

func TestHandleNotificationReleasesKeyOnFailure(t *testing.T) {
	deduper := &memoryDeduper{}
	repo := newMemoryShipments()
	repo.upsertErr = errors.New("primary stepped down")
	svc := newTestIngestion(shipment9001().api(), repo, deduper)
	n := domain.Notification{ID: "n-2", Topic: "shipments", Resource: "/shipments/9001"}

	outcome := svc.HandleNotification(context.Background(), n)
	assert.Equal(t, domain.OutcomeFailed, outcome.Kind)
	assert.Equal(t, []string{"ml:notification:n-2"}, deduper.released)

	repo.upsertErr = nil
	retried := svc.HandleNotification(context.Background(), n)
	assert.Equal(t, domain.OutcomeProcessed, retried.Kind)
}

func TestSyncRecentOrdersGroupsByShipmentAndCollectsErrors(t *testing.T) {
	mp := shipment9001()
	mp.shipments[9100] = selfService(9100)
	mp.orders[700] = order(700, 9100, line("MLC7", "SKU-A", 1))
	mp.pages = []*domain.OrderSearchPage{
		{Results: []domain.MarketplaceOrder{*mp.orders[501], *mp.orders[502]}},
		{Results: []domain.MarketplaceOrder{*mp.orders[700], *order(800, 9200)}},
	}
	for _, p := range mp.pages {
		p.Paging.Total = 4
	}
	repo := newMemoryShipments()
	svc := newTestIngestion(mp.api(), repo, nil)
	api := mp.api()
	getShipment := api.getShipmentFn
	api.getShipmentFn = func(ctx context.Context, id int64) (*domain.MarketplaceShipment, error) {
		if id == 9200 {
			return nil, &domain.HttpError{Status: http.StatusBadGateway, Method: "GET", Path: "/shipments/9200"}
		}
		return getShipment(ctx, id)
	}
	svc.api = api

	result, err := svc.SyncRecentOrders(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.ShipmentsProcessed)
	assert.Equal(t, 3, result.NewOrders)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "shipment 9200")

	require.Len(t, mp.searches, 2)
	assert.Equal(t, domain.OrderSearchLastUpdated, mp.searches[0].Field)
	assert.Equal(t, 2*time.Hour, mp.searches[0].To.Sub(mp.searches[0].From))
}

func TestSyncRecentOrdersStopsOnAuthError(t *testing.T) {
	mp := shipment9001()
	mp.pages = []*domain.OrderSearchPage{{Results: []domain.MarketplaceOrder{*mp.orders[501]}}}
	api := mp.api()
	api.getShipmentFn = func(context.Context, int64) (*domain.MarketplaceShipment, error) {
		return nil, &domain.AuthError{Op: "refresh", Err: errors.New("invalid_grant")}
	}
	svc := newTestIngestion(api, newMemoryShipments(), nil)

	_, err := svc.SyncRecentOrders(context.Background())
	assert.True(t, domain.IsAuthError(err))
}

func TestSyncHistoricalOrdersCountsSkippedShipments(t *testing.T) {
	mp := shipment9001()
	mp.shipments[9300] = &domain.MarketplaceShipment{ID: 9300, Status: "ready_to_ship", LogisticType: "cross_docking"}
	mp.orders[900] = order(900, 9300, line("MLC9", "SKU-A", 1))
	mp.pages = []*domain.OrderSearchPage{
		{Results: []domain.MarketplaceOrder{*mp.orders[501], *mp.orders[900]}},
		{Results: []domain.MarketplaceOrder{*mp.orders[502]}},
	}
	for _, p := range mp.pages {
		p.Paging.Total = 3
	}
	repo := newMemoryShipments()
	svc := newTestIngestion(mp.api(), repo, nil)

	result, err := svc.SyncHistoricalOrders(context.Background(), 30)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 1, result.ShipmentsProcessed, "9001 is processed once even though it spans two pages")
	assert.Equal(t, 1, result.ShipmentsSkipped)
	assert.Empty(t, result.Errors)
	assert.Equal(t, domain.OrderSearchDateCreated, mp.searches[0].Field)

	_, err = repo.FindByID(context.Background(), 9300)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncHistoricalOrdersRejectsNonPositiveDays(t *testing.T) {
	svc := newTestIngestion((&marketplace{}).api(), newMemoryShipments(), nil)

	_, err := svc.SyncHistoricalOrders(context.Background(), 0)
	var vErr *domain.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestDiagnose(t *testing.T) {
	repo := newMemoryShipments()
	svc := newTestIngestion(shipment9001().api(), repo, nil)
	_, err := svc.ProcessShipment(context.Background(), 9001, nil)
	require.NoError(t, err)

	result, err := svc.Diagnose(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Token.Valid)
	require.NotNil(t, result.User)
	assert.Equal(t, "BODEGA", result.User.Nickname)
	assert.Equal(t, int64(1), result.Shipments)
	assert.Equal(t, []string{"self_service"}, result.LogisticTypes)
}

func TestPendingShipments(t *testing.T) {
	repo := newMemoryShipments()
	svc := newTestIngestion(shipment9001().api(), repo, nil)
	_, err := svc.ProcessShipment(context.Background(), 9001, nil)
	require.NoError(t, err)

	pending, err := svc.PendingShipments(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(9001), pending[0].ShipmentID)
	assert.Equal(t, "self_service", pending[0].LogisticType)
}
