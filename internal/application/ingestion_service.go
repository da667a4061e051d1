package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/tracing"
)

var ingestionTracer = otel.Tracer("marketplace-sync/ingestion")

// Ingestion triggers, used as metric labels
const (
	TriggerWebhook  = "webhook"
	TriggerPoll     = "poll"
	TriggerBackfill = "backfill"
	TriggerManual   = "manual"
)

const dedupKeyPrefix = "ml:notification:"

// IngestionConfig tunes the ingestion pipeline
type IngestionConfig struct {
	SupportedLogistics []domain.LogisticType
	RecentWindow       time.Duration
	PageSize           int
	MaxHistoryPages    int
}

// DefaultIngestionConfig returns the defaults: self-service only, a 2h window, 50 orders per
// page and at most 40 pages per backfill
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		SupportedLogistics: []domain.LogisticType{domain.LogisticTypeSelfService},
		RecentWindow:       2 * time.Hour,
		PageSize:           50,
		MaxHistoryPages:    40,
	}
}

// IngestionDeps groups the collaborators of IngestionService. Tokens and Deduper are optional.
type IngestionDeps struct {
	API       MarketplaceAPI
	Shipments domain.ShipmentRepository
	SKUs      domain.SKUMappingRepository
	Queue     domain.StockQueueRepository
	Tokens    TokenStatusSource
	Deduper   NotificationDeduper
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// IngestionService drives marketplace orders and shipments into the ledger
type IngestionService struct {
	api        MarketplaceAPI
	shipments  domain.ShipmentRepository
	skus       domain.SKUMappingRepository
	queue      domain.StockQueueRepository
	tokens     TokenStatusSource
	deduper    NotificationDeduper
	normalizer *Normalizer
	logger     *logging.Logger
	metrics    *metrics.Metrics
	config     IngestionConfig
	now        func() time.Time
}

// NewIngestionService creates an IngestionService
func NewIngestionService(deps IngestionDeps, config IngestionConfig) *IngestionService {
	defaults := DefaultIngestionConfig()
	if len(config.SupportedLogistics) == 0 {
		config.SupportedLogistics = defaults.SupportedLogistics
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = defaults.RecentWindow
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.MaxHistoryPages <= 0 {
		config.MaxHistoryPages = defaults.MaxHistoryPages
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &IngestionService{
		api:        deps.API,
		shipments:  deps.Shipments,
		skus:       deps.SKUs,
		queue:      deps.Queue,
		tokens:     deps.Tokens,
		deduper:    deps.Deduper,
		normalizer: NewNormalizer(),
		logger:     logger.WithComponent("ingestion"),
		metrics:    deps.Metrics,
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessShipment fetches, normalizes and upserts one shipment. Calling it twice with the
// same input leaves the ledger unchanged.
func (s *IngestionService) ProcessShipment(ctx context.Context, shipmentID int64, orderIDs []int64) (*ProcessShipmentResult, error) {
	return s.process(ctx, shipmentID, orderIDs, nil, TriggerManual)
}

// ProcessOrder ingests the shipment an order belongs to
func (s *IngestionService) ProcessOrder(ctx context.Context, orderID int64) (*ProcessShipmentResult, error) {
	return s.processOrder(ctx, orderID, TriggerManual)
}

func (s *IngestionService) processOrder(ctx context.Context, orderID int64, trigger string) (*ProcessShipmentResult, error) {
	order, err := s.api.GetOrder(ctx, orderID)
	if err != nil {
		return nil, notFoundAs("order", orderID, err)
	}

	shipmentID := order.ShipmentID()
	if shipmentID == 0 && order.InPack() {
		pack, err := s.api.GetPack(ctx, *order.PackID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("get pack %d: %w", *order.PackID, err)
		}
		if pack != nil && pack.Shipment != nil {
			shipmentID = pack.Shipment.ID
		}
	}
	if shipmentID == 0 {
		s.recordShipment(trigger, "skipped")
		return &ProcessShipmentResult{Skipped: true, Reason: domain.ErrNoShipment.Error()}, nil
	}

	return s.process(ctx, shipmentID, []int64{order.ID}, []*domain.MarketplaceOrder{order}, trigger)
}

func (s *IngestionService) process(
	ctx context.Context,
	shipmentID int64,
	orderIDs []int64,
	known []*domain.MarketplaceOrder,
	trigger string,
) (result *ProcessShipmentResult, err error) {
	ctx, span := ingestionTracer.Start(ctx, "ingestion.process_shipment",
		trace.WithAttributes(
			attribute.Int64("shipment.id", shipmentID),
			attribute.String("ingestion.trigger", trigger),
		),
	)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	shp, err := s.api.GetShipment(ctx, shipmentID)
	if err != nil {
		s.recordShipment(trigger, "error")
		return nil, notFoundAs("shipment", shipmentID, err)
	}

	if lt := shp.Logistics(); !s.isSupported(lt) {
		span.SetAttributes(attribute.Bool("ingestion.skipped", true))
		s.recordShipment(trigger, "skipped")
		return &ProcessShipmentResult{
			ShipmentID: shipmentID,
			Skipped:    true,
			Reason:     fmt.Sprintf("%s %q", domain.ErrUnsupportedLogistics, lt),
		}, nil
	}

	shipmentItems, err := s.api.GetShipmentItems(ctx, shipmentID)
	if err != nil {
		if domain.IsAuthError(err) {
			s.recordShipment(trigger, "error")
			return nil, err
		}
		s.logger.WithContext(ctx).WithError(err).Warn("Shipment items unavailable, using order lines only",
			"shipmentId", shipmentID)
		shipmentItems = nil
	}

	orders, err := s.collectOrders(ctx, shp, shipmentItems, orderIDs, known)
	if err != nil {
		s.recordShipment(trigger, "error")
		return nil, err
	}

	mappings, err := s.skus.FindBySellerSKUs(ctx, SellerSKUs(shipmentID, orders))
	if err != nil {
		s.recordShipment(trigger, "error")
		return nil, fmt.Errorf("load sku mappings: %w", err)
	}

	shipment, items := s.normalizer.Normalize(NormalizeInput{
		Shipment:      shp,
		Orders:        orders,
		ShipmentItems: shipmentItems,
		OrderIDs:      orderIDs,
		Mappings:      mappings,
	})
	shipment.MarkIngested(items)

	upsert, err := s.shipments.Upsert(ctx, shipment, items)
	if err != nil {
		s.recordShipment(trigger, "error")
		return nil, fmt.Errorf("upsert shipment %d: %w", shipmentID, err)
	}

	s.recordShipment(trigger, "processed")
	s.recordItems(items)
	span.SetAttributes(attribute.Int("shipment.items", len(items)))

	s.logger.WithContext(ctx).Info("Shipment ingested",
		"shipmentId", shipmentID,
		"orderIds", shipment.OrderIDs,
		"items", len(items),
		"created", upsert.Created,
		"newOrders", upsert.NewOrderIDs,
		"trigger", trigger,
	)

	return &ProcessShipmentResult{
		ShipmentID: shipmentID,
		Items:      len(items),
		NewOrders:  upsert.NewOrderIDs,
	}, nil
}

// collectOrders fetches every order the shipment refers to, then the rest of any pack
func (s *IngestionService) collectOrders(
	ctx context.Context,
	shp *domain.MarketplaceShipment,
	shipmentItems []domain.MarketplaceShipmentItem,
	orderIDs []int64,
	known []*domain.MarketplaceOrder,
) ([]*domain.MarketplaceOrder, error) {
	byID := make(map[int64]*domain.MarketplaceOrder)
	for _, o := range known {
		if o != nil {
			byID[o.ID] = o
		}
	}
	missing := make(map[int64]bool)

	fetch := func(id int64) error {
		if id <= 0 || byID[id] != nil || missing[id] {
			return nil
		}
		order, err := s.api.GetOrder(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			missing[id] = true
			s.logger.WithContext(ctx).Warn("Order vanished upstream", "orderId", id, "shipmentId", shp.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("get order %d: %w", id, err)
		}
		byID[id] = order
		return nil
	}

	ids := append([]int64{shp.OrderID}, orderIDs...)
	for _, si := range shipmentItems {
		ids = append(ids, si.OrderID)
	}
	for _, id := range ids {
		if err := fetch(id); err != nil {
			return nil, err
		}
	}

	packs := make(map[int64]bool)
	for _, order := range sortedOrders(byID) {
		if !order.InPack() || packs[*order.PackID] {
			continue
		}
		packID := *order.PackID
		packs[packID] = true

		pack, err := s.api.GetPack(ctx, packID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get pack %d: %w", packID, err)
		}
		for _, sibling := range pack.OrderIDs() {
			if err := fetch(sibling); err != nil {
				return nil, err
			}
		}
	}

	return sortedOrders(byID), nil
}

func sortedOrders(byID map[int64]*domain.MarketplaceOrder) []*domain.MarketplaceOrder {
	orders := make([]*domain.MarketplaceOrder, 0, len(byID))
	for _, o := range byID {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

// SyncRecentOrders ingests every shipment whose orders changed within the recent window
func (s *IngestionService) SyncRecentOrders(ctx context.Context) (*SyncResult, error) {
	to := s.now()
	from := to.Add(-s.config.RecentWindow)
	result := &SyncResult{}

	groups := make(map[int64][]*domain.MarketplaceOrder)
	for page := 0; page < s.config.MaxHistoryPages; page++ {
		res, err := s.api.SearchOrders(ctx, domain.OrderSearch{
			Field:  domain.OrderSearchLastUpdated,
			From:   from,
			To:     to,
			Offset: page * s.config.PageSize,
			Limit:  s.config.PageSize,
		})
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("search orders: %w", err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", page+1, err))
			break
		}

		for i := range res.Results {
			order := &res.Results[i]
			result.Total++
			if sid := order.ShipmentID(); sid != 0 {
				groups[sid] = append(groups[sid], order)
			}
		}
		if len(res.Results) == 0 || (page+1)*s.config.PageSize >= res.Paging.Total {
			break
		}
	}

	for _, sid := range sortedKeys(groups) {
		r, err := s.process(ctx, sid, orderIDsOf(groups[sid]), groups[sid], TriggerPoll)
		if fatal := s.collect(ctx, sid, r, err, &result.ShipmentsProcessed, &result.ShipmentsSkipped, &result.Errors); fatal != nil {
			return result, fatal
		}
		if r != nil {
			result.NewOrders += r.NewOrders
		}
	}

	s.logger.WithContext(ctx).Info("Recent order sync finished",
		"total", result.Total,
		"processed", result.ShipmentsProcessed,
		"skipped", result.ShipmentsSkipped,
		"errors", len(result.Errors),
	)
	return result, nil
}

// SyncHistoricalOrders backfills orders created in the last days, one page at a time
func (s *IngestionService) SyncHistoricalOrders(ctx context.Context, days int) (*HistoricalSyncResult, error) {
	if days <= 0 {
		return nil, &domain.ValidationError{Field: "days", Reason: "must be positive"}
	}

	to := s.now()
	from := to.AddDate(0, 0, -days)
	result := &HistoricalSyncResult{}
	done := make(map[int64]bool)

	for page := 0; page < s.config.MaxHistoryPages; page++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res, err := s.api.SearchOrders(ctx, domain.OrderSearch{
			Field:  domain.OrderSearchDateCreated,
			From:   from,
			To:     to,
			Offset: page * s.config.PageSize,
			Limit:  s.config.PageSize,
		})
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("search orders: %w", err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("page %d: %v", page+1, err))
			break
		}
		result.Pages++

		groups := make(map[int64][]*domain.MarketplaceOrder)
		for i := range res.Results {
			order := &res.Results[i]
			result.Total++
			if sid := order.ShipmentID(); sid != 0 && !done[sid] {
				groups[sid] = append(groups[sid], order)
			}
		}

		for _, sid := range sortedKeys(groups) {
			done[sid] = true
			r, err := s.process(ctx, sid, orderIDsOf(groups[sid]), groups[sid], TriggerBackfill)
			if fatal := s.collect(ctx, sid, r, err, &result.ShipmentsProcessed, &result.ShipmentsSkipped, &result.Errors); fatal != nil {
				return result, fatal
			}
		}

		if len(res.Results) == 0 || (page+1)*s.config.PageSize >= res.Paging.Total {
			break
		}
	}

	s.logger.WithContext(ctx).Info("Historical order sync finished",
		"days", days,
		"pages", result.Pages,
		"total", result.Total,
		"processed", result.ShipmentsProcessed,
		"skipped", result.ShipmentsSkipped,
		"errors", len(result.Errors),
	)
	return result, nil
}

// collect folds one shipment outcome into batch counters. Only auth failures stop the batch,
// since every following call would fail the same way.
func (s *IngestionService) collect(
	ctx context.Context,
	shipmentID int64,
	r *ProcessShipmentResult,
	err error,
	processed, skipped *int,
	errs *[]string,
) error {
	switch {
	case err == nil && r.Skipped:
		*skipped++
	case err == nil:
		*processed++
	case domain.IsAuthError(err):
		return err
	case errors.Is(err, domain.ErrNotFound):
		*skipped++
		s.logger.WithContext(ctx).WithError(err).Warn("Shipment skipped", "shipmentId", shipmentID)
	default:
		*errs = append(*errs, fmt.Sprintf("shipment %d: %v", shipmentID, err))
		s.logger.WithContext(ctx).WithError(err).Error("Shipment ingestion failed", "shipmentId", shipmentID)
	}
	return nil
}

// HandleNotification processes one webhook notification. It never returns an error; every
// result is a named outcome the webhook acknowledges with HTTP 200.
func (s *IngestionService) HandleNotification(ctx context.Context, n domain.Notification) (outcome domain.WebhookOutcome) {
	defer func() {
		s.recordWebhook(n.Topic, outcome)
	}()

	ref, err := n.Parse()
	if err != nil {
		s.logger.WithContext(ctx).Info("Notification ignored", "topic", n.Topic, "resource", n.Resource, "reason", err.Error())
		return domain.Ignored(err.Error())
	}

	key := dedupKeyPrefix + n.DedupKey()
	if s.deduper != nil {
		first, err := s.deduper.FirstSeen(ctx, key)
		switch {
		case err != nil:
			s.logger.WithContext(ctx).WithError(err).Warn("Notification dedup unavailable", "key", key)
		case !first:
			return domain.Ignored(domain.ErrDuplicateNotification.Error())
		}
	}

	var result *ProcessShipmentResult
	switch ref.Kind {
	case domain.ResourceOrder:
		result, err = s.processOrder(ctx, ref.ID, TriggerWebhook)
	case domain.ResourceShipment:
		result, err = s.process(ctx, ref.ID, nil, nil, TriggerWebhook)
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.WithContext(ctx).WithError(err).Warn("Notification target not found", "resource", n.Resource)
		return domain.Ignored(err.Error())
	case err != nil:
		s.logger.WithContext(ctx).WithError(err).Error("Notification processing failed",
			"topic", n.Topic, "resource", n.Resource, "attempts", n.Attempts)
		s.forget(ctx, key)
		return domain.Failed(err)
	case result.Skipped:
		return domain.Ignored(result.Reason)
	}
	return domain.Processed(result.ShipmentID, result.Items)
}

// forget drops a dedup key so a redelivery of a failed notification is processed again
func (s *IngestionService) forget(ctx context.Context, key string) {
	releaser, ok := s.deduper.(interface {
		Release(ctx context.Context, key string) error
	})
	if !ok {
		return
	}
	if err := releaser.Release(ctx, key); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to release notification key", "key", key)
	}
}

// Diagnose checks credentials, marketplace reachability and the ledger
func (s *IngestionService) Diagnose(ctx context.Context) (*DiagnoseResult, error) {
	result := &DiagnoseResult{CheckedAt: s.now()}
	for _, lt := range s.config.SupportedLogistics {
		result.LogisticTypes = append(result.LogisticTypes, string(lt))
	}

	if s.tokens != nil {
		status, err := s.tokens.Status(ctx)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WithContext(ctx).WithError(err).Warn("Token status unavailable")
		}
		result.Token = status
	}

	user, err := s.api.GetCurrentUser(ctx)
	if err != nil {
		result.UserError = err.Error()
	} else {
		result.User = &DiagnoseUser{ID: user.ID, Nickname: user.Nickname}
	}

	if count, err := s.shipments.Count(ctx); err != nil {
		result.LedgerError = err.Error()
	} else {
		result.Shipments = count
	}

	if depth, err := s.queue.Depth(ctx); err != nil {
		if result.LedgerError == "" {
			result.LedgerError = err.Error()
		}
	} else {
		result.QueueDepth = depth
	}

	return result, ctx.Err()
}

// PendingShipments lists stored shipments of the supported logistic types that are still
// to be dispatched
func (s *IngestionService) PendingShipments(ctx context.Context, limit int) ([]*ShipmentDTO, error) {
	if limit <= 0 {
		limit = 100
	}
	shipments, err := s.shipments.FindPending(ctx, s.config.SupportedLogistics, limit)
	if err != nil {
		return nil, err
	}
	dtos := make([]*ShipmentDTO, len(shipments))
	for i, shipment := range shipments {
		dtos[i] = ToShipmentDTO(shipment)
	}
	return dtos, nil
}

func (s *IngestionService) isSupported(lt domain.LogisticType) bool {
	for _, supported := range s.config.SupportedLogistics {
		if lt == supported {
			return true
		}
	}
	return false
}

func (s *IngestionService) recordShipment(trigger, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordShipmentIngested(trigger, outcome)
	}
}

func (s *IngestionService) recordItems(items []*domain.ShipmentItem) {
	if s.metrics == nil {
		return
	}
	counts := make(map[domain.Resolution]int)
	for _, item := range items {
		counts[item.Resolution]++
	}
	for resolution, count := range counts {
		s.metrics.RecordShipmentItems(string(resolution), count)
	}
}

func (s *IngestionService) recordWebhook(topic string, outcome domain.WebhookOutcome) {
	if s.metrics != nil {
		s.metrics.RecordWebhookOutcome(topic, string(outcome.Kind))
	}
}

// notFoundAs turns an upstream 404 into a NotFoundError naming the resource
func notFoundAs(resource string, id int64, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %v", &domain.NotFoundError{Resource: resource, ID: id}, err)
	}
	return fmt.Errorf("get %s %d: %w", resource, id, err)
}

func sortedKeys(groups map[int64][]*domain.MarketplaceOrder) []int64 {
	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func orderIDsOf(orders []*domain.MarketplaceOrder) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}
