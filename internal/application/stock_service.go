package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/tracing"
)

var stockTracer = otel.Tracer("marketplace-sync/stock")

// StockDeps groups the collaborators of StockReconciliationService. Outbox is optional.
type StockDeps struct {
	Queue     domain.StockQueueRepository
	Ledger    domain.WarehouseLedger
	SKUs      domain.SKUMappingRepository
	Publisher StockPublisher
	Outbox    EventOutbox
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// StockReconciliationService keeps marketplace availability in line with the warehouse ledger
type StockReconciliationService struct {
	queue     domain.StockQueueRepository
	ledger    domain.WarehouseLedger
	skus      domain.SKUMappingRepository
	publisher StockPublisher
	outbox    EventOutbox
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewStockReconciliationService creates a StockReconciliationService
func NewStockReconciliationService(deps StockDeps) *StockReconciliationService {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &StockReconciliationService{
		queue:     deps.Queue,
		ledger:    deps.Ledger,
		skus:      deps.SKUs,
		publisher: deps.Publisher,
		outbox:    deps.Outbox,
		logger:    logger.WithComponent("stock-reconciliation"),
		metrics:   deps.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue marks SKUs dirty. Blank and repeated SKUs are dropped.
func (s *StockReconciliationService) Enqueue(ctx context.Context, skus []string, source domain.StockSource) error {
	seen := make(map[string]bool, len(skus))
	distinct := make([]string, 0, len(skus))
	for _, sku := range skus {
		if sku == "" || seen[sku] {
			continue
		}
		seen[sku] = true
		distinct = append(distinct, sku)
	}
	if len(distinct) == 0 {
		return nil
	}
	if err := s.queue.Enqueue(ctx, distinct, source); err != nil {
		return fmt.Errorf("enqueue stock sync: %w", err)
	}
	return nil
}

// DrainQueue pushes current availability for every queued SKU once. A SKU's entries are
// removed only after its push succeeded, so a failed or interrupted drain is retried next time.
func (s *StockReconciliationService) DrainQueue(ctx context.Context) (result *StockSyncResult, err error) {
	ctx, span := stockTracer.Start(ctx, "stock.drain_queue")
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	entries, err := s.queue.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stock queue: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SetStockQueueDepth(len(entries))
	}

	skus := domain.DistinctSKUs(entries)
	// only the entries read here are removed; anything queued during the drain stays
	read := domain.EntryIDsBySKU(entries)
	result = &StockSyncResult{Total: len(skus)}
	span.SetAttributes(
		attribute.Int("stock.queue_entries", len(entries)),
		attribute.Int("stock.skus", len(skus)),
	)

	for _, sku := range skus {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		level, listings, err := s.syncSKU(ctx, sku)
		if err != nil {
			s.recordPush(false)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sku, err))
			s.logger.WithContext(ctx).WithError(err).Warn("Stock push failed, SKU stays queued", "sku", sku)
			continue
		}

		if len(listings) == 0 {
			result.Skipped++
		} else {
			result.Synced++
			s.recordPush(true)
			s.emitSynced(ctx, level, listings)
		}

		if _, err := s.queue.DeleteEntries(ctx, sku, read[sku]); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: dequeue: %v", sku, err))
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to dequeue synced SKU", "sku", sku)
		}
	}

	s.logger.WithContext(ctx).Info("Stock queue drained",
		"total", result.Total,
		"synced", result.Synced,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result, nil
}

// StockLevel computes the availability of one SKU without publishing it
func (s *StockReconciliationService) StockLevel(ctx context.Context, sku string) (domain.StockLevel, error) {
	onHand, err := s.ledger.OnHand(ctx, sku)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("on hand: %w", err)
	}
	committed, err := s.ledger.Committed(ctx, sku)
	if err != nil {
		return domain.StockLevel{}, fmt.Errorf("committed: %w", err)
	}
	return domain.NewStockLevel(sku, onHand, committed), nil
}

// syncSKU pushes every listing that draws from sku and returns the listings it updated
func (s *StockReconciliationService) syncSKU(ctx context.Context, sku string) (domain.StockLevel, []string, error) {
	mappings, err := s.skus.FindByComponentSKU(ctx, sku)
	if err != nil {
		return domain.StockLevel{}, nil, fmt.Errorf("load listings: %w", err)
	}

	var listed []*domain.SKUMapping
	for _, m := range mappings {
		if m.HasListing() {
			listed = append(listed, m)
		}
	}
	if len(listed) == 0 {
		return domain.StockLevel{SKU: sku}, nil, nil
	}

	levels := map[string]domain.StockLevel{}
	available := map[string]int{}
	for _, m := range listed {
		for _, component := range m.ComponentSKUs() {
			if _, ok := levels[component]; ok {
				continue
			}
			level, err := s.StockLevel(ctx, component)
			if err != nil {
				return domain.StockLevel{}, nil, fmt.Errorf("%s %w", component, err)
			}
			levels[component] = level
			available[component] = level.Available
		}
	}

	listings := make([]string, 0, len(listed))
	for _, m := range listed {
		listing := domain.ListingStock{
			ItemID:      m.ItemID,
			VariationID: m.VariationID,
			SellerSKU:   m.SellerSKU,
			Quantity:    m.ListingAvailability(available),
		}
		if err := s.publisher.PublishStock(ctx, listing); err != nil {
			return domain.StockLevel{}, nil, fmt.Errorf("publish %s: %w", m.ItemID, err)
		}
		listings = append(listings, m.ItemID)
	}

	return levels[sku], listings, nil
}

func (s *StockReconciliationService) emitSynced(ctx context.Context, level domain.StockLevel, listings []string) {
	if s.outbox == nil {
		return
	}
	event := &domain.StockSyncedEvent{
		SKU:       level.SKU,
		OnHand:    level.OnHand,
		Committed: level.Committed,
		Available: level.Available,
		Listings:  listings,
		SyncedAt:  s.now(),
	}
	if err := s.outbox.Append(ctx, level.SKU, event); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to record stock synced event", "sku", level.SKU)
	}
}

func (s *StockReconciliationService) recordPush(success bool) {
	if s.metrics != nil {
		s.metrics.RecordStockPush(success)
	}
}
