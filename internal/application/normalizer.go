package application

import (
	"sort"
	"time"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
)

// NormalizeInput is everything the normalizer needs, already fetched
type NormalizeInput struct {
	Shipment      *domain.MarketplaceShipment
	Orders        []*domain.MarketplaceOrder
	ShipmentItems []domain.MarketplaceShipmentItem
	OrderIDs      []int64
	Mappings      map[string]*domain.SKUMapping
}

// Normalizer maps marketplace payloads onto the warehouse's shipment and line representation.
// It performs no I/O.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a Normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{now: func() time.Time { return time.Now().UTC() }}
}

// Normalize builds the shipment and its lines. Orders belonging to another shipment are ignored;
// pack siblings shipped together are merged into one shipment. Unresolved seller SKUs are kept
// and flagged.
func (n *Normalizer) Normalize(in NormalizeInput) (*domain.Shipment, []*domain.ShipmentItem) {
	now := n.now()
	src := in.Shipment

	shipment := domain.NewShipment(src.ID, in.OrderIDs...)
	shipment.Status = src.Status
	shipment.Substatus = src.Substatus
	shipment.LogisticType = src.Logistics()
	shipment.HandlingLimit = src.HandlingLimit()
	shipment.Destination = src.Destination()
	shipment.CreatedAt = now
	shipment.UpdatedAt = now
	shipment.AddOrderIDs(src.OrderID)

	lines := make(map[domain.ItemKey]*domain.ShipmentItem)
	resolve := func(item *domain.ShipmentItem) {
		var mapping *domain.SKUMapping
		if item.SellerSKU != "" {
			mapping = in.Mappings[item.SellerSKU]
		}
		item.Resolve(mapping)
		item.UpdatedAt = now
	}
	// Each source line is resolved on its own before merging so variations with different
	// seller SKUs keep their components.
	add := func(item *domain.ShipmentItem) {
		resolve(item)
		key := item.Key()
		if existing, ok := lines[key]; ok {
			existing.Merge(item)
			return
		}
		lines[key] = item
	}

	for _, order := range in.Orders {
		if order == nil {
			continue
		}
		if sid := order.ShipmentID(); sid != 0 && sid != src.ID {
			continue
		}
		shipment.AddOrderIDs(order.ID)

		for _, oi := range order.OrderItems {
			if oi.Quantity <= 0 || oi.Item.ID == "" {
				continue
			}
			add(&domain.ShipmentItem{
				ShipmentID:  src.ID,
				OrderID:     order.ID,
				ItemID:      oi.Item.ID,
				SellerSKU:   oi.Item.SellerSKU,
				VariationID: oi.Item.VariationID,
				Quantity:    oi.Quantity,
				Title:       oi.Item.Title,
			})
		}
	}

	// Shipment items only fill gaps left by orders that could not be fetched
	for _, si := range in.ShipmentItems {
		shipment.AddOrderIDs(si.OrderID)
		if si.Quantity <= 0 || si.ItemID == "" {
			continue
		}
		key := domain.ItemKey{ShipmentID: src.ID, OrderID: si.OrderID, ItemID: si.ItemID}
		if _, ok := lines[key]; ok {
			continue
		}
		add(&domain.ShipmentItem{
			ShipmentID:  src.ID,
			OrderID:     si.OrderID,
			ItemID:      si.ItemID,
			VariationID: si.VariationID,
			Quantity:    si.Quantity,
			Title:       si.Description,
		})
	}

	items := make([]*domain.ShipmentItem, 0, len(lines))
	for _, item := range lines {
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].OrderID != items[j].OrderID {
			return items[i].OrderID < items[j].OrderID
		}
		return items[i].ItemID < items[j].ItemID
	})

	return shipment, items
}

// SellerSKUs collects the distinct seller SKUs of the orders shipped in shipmentID
func SellerSKUs(shipmentID int64, orders []*domain.MarketplaceOrder) []string {
	seen := make(map[string]bool)
	var skus []string
	for _, order := range orders {
		if order == nil {
			continue
		}
		if sid := order.ShipmentID(); sid != 0 && sid != shipmentID {
			continue
		}
		for _, oi := range order.OrderItems {
			sku := oi.Item.SellerSKU
			if sku == "" || seen[sku] {
				continue
			}
			seen[sku] = true
			skus = append(skus, sku)
		}
	}
	return skus
}
