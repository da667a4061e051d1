package domain

import (
	"sort"
	"strings"
	"time"
)

// LogisticType is the marketplace delivery channel of a shipment
type LogisticType string

const (
	LogisticTypeSelfService  LogisticType = "self_service"
	LogisticTypeFulfillment  LogisticType = "fulfillment"
	LogisticTypeCrossDocking LogisticType = "cross_docking"
	LogisticTypeDropOff      LogisticType = "drop_off"
	LogisticTypeXDDropOff    LogisticType = "xd_drop_off"
)

// ParseLogisticTypes parses a comma separated list, ignoring blanks
func ParseLogisticTypes(s string) []LogisticType {
	var out []LogisticType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, LogisticType(part))
		}
	}
	return out
}

// Resolution tells whether a line's seller SKU matched the warehouse dictionary
type Resolution string

const (
	ResolutionResolved   Resolution = "resolved"
	ResolutionUnresolved Resolution = "unresolved"
)

// Destination is where the package goes
type Destination struct {
	ReceiverName string `bson:"receiverName,omitempty" json:"receiverName,omitempty"`
	City         string `bson:"city,omitempty" json:"city,omitempty"`
}

// Shipment is one physical package dispatched by the marketplace. It may cover several orders.
type Shipment struct {
	ShipmentID    int64        `bson:"shipmentId" json:"shipmentId"`
	OrderIDs      []int64      `bson:"orderIds" json:"orderIds"`
	Status        string       `bson:"status" json:"status"`
	Substatus     string       `bson:"substatus,omitempty" json:"substatus,omitempty"`
	LogisticType  LogisticType `bson:"logisticType" json:"logisticType"`
	HandlingLimit *time.Time   `bson:"handlingLimit,omitempty" json:"handlingLimit,omitempty"`
	Destination   Destination  `bson:"destination" json:"destination"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	domainEvents []DomainEvent
}

// NewShipment creates a shipment with the given order ids
func NewShipment(shipmentID int64, orderIDs ...int64) *Shipment {
	now := time.Now().UTC()
	s := &Shipment{
		ShipmentID: shipmentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.AddOrderIDs(orderIDs...)
	return s
}

// AddOrderIDs merges ids into the order set and returns how many were new.
// The set is kept sorted and never shrinks.
func (s *Shipment) AddOrderIDs(ids ...int64) int {
	added := 0
	for _, id := range ids {
		if id <= 0 || s.HasOrder(id) {
			continue
		}
		s.OrderIDs = append(s.OrderIDs, id)
		added++
	}
	if added > 0 {
		sort.Slice(s.OrderIDs, func(i, j int) bool { return s.OrderIDs[i] < s.OrderIDs[j] })
	}
	return added
}

// HasOrder reports whether the shipment covers the order
func (s *Shipment) HasOrder(orderID int64) bool {
	for _, id := range s.OrderIDs {
		if id == orderID {
			return true
		}
	}
	return false
}

// IsSupported reports whether the shipment's logistic type is among the handled ones
func (s *Shipment) IsSupported(supported []LogisticType) bool {
	for _, lt := range supported {
		if s.LogisticType == lt {
			return true
		}
	}
	return false
}

// MarkIngested records the ShipmentIngested event for the given lines
func (s *Shipment) MarkIngested(items []*ShipmentItem) {
	now := time.Now().UTC()
	s.UpdatedAt = now

	var unresolved []string
	seen := make(map[string]bool)
	for _, item := range items {
		if item.Resolution == ResolutionUnresolved && !seen[item.SellerSKU] {
			seen[item.SellerSKU] = true
			unresolved = append(unresolved, item.SellerSKU)
		}
	}

	s.addDomainEvent(&ShipmentIngestedEvent{
		ShipmentID:     s.ShipmentID,
		OrderIDs:       append([]int64(nil), s.OrderIDs...),
		Status:         s.Status,
		LogisticType:   s.LogisticType,
		Items:          len(items),
		UnresolvedSKUs: unresolved,
		IngestedAt:     now,
	})
}

func (s *Shipment) addDomainEvent(event DomainEvent) {
	s.domainEvents = append(s.domainEvents, event)
}

func (s *Shipment) DomainEvents() []DomainEvent {
	return s.domainEvents
}

func (s *Shipment) ClearDomainEvents() {
	s.domainEvents = nil
}

// Component is one warehouse SKU making up a sold unit
type Component struct {
	SKU      string `bson:"sku" json:"sku"`
	Quantity int    `bson:"quantity" json:"quantity"`
}

// ItemKey is the unique identity of a shipment line
type ItemKey struct {
	ShipmentID int64
	OrderID    int64
	ItemID     string
}

// ShipmentItem is one line within a shipment
type ShipmentItem struct {
	ShipmentID  int64  `bson:"shipmentId" json:"shipmentId"`
	OrderID     int64  `bson:"orderId" json:"orderId"`
	ItemID      string `bson:"itemId" json:"itemId"`
	SellerSKU   string `bson:"sellerSku" json:"sellerSku"`
	VariationID int64  `bson:"variationId,omitempty" json:"variationId,omitempty"`
	Quantity    int    `bson:"quantity" json:"quantity"`
	Title       string `bson:"title,omitempty" json:"title,omitempty"`

	// SellerSKUs lists every seller SKU folded into the line when several variations of one
	// listing were sold in the same order. Empty when the line has a single seller SKU.
	SellerSKUs []string `bson:"sellerSkus,omitempty" json:"sellerSkus,omitempty"`

	// Resolved against the SKU dictionary. SKU is empty when unresolved or when the line folds
	// several warehouse SKUs; Components always holds the full breakdown.
	SKU        string      `bson:"sku,omitempty" json:"sku,omitempty"`
	Components []Component `bson:"components,omitempty" json:"components,omitempty"`
	Resolution Resolution  `bson:"resolution" json:"resolution"`

	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Key returns the line's unique identity
func (i *ShipmentItem) Key() ItemKey {
	return ItemKey{ShipmentID: i.ShipmentID, OrderID: i.OrderID, ItemID: i.ItemID}
}

// IsResolved reports whether the seller SKU was found in the dictionary
func (i *ShipmentItem) IsResolved() bool {
	return i.Resolution == ResolutionResolved
}

// Resolve fills SKU and components from a dictionary entry. A nil mapping flags the line unresolved.
func (i *ShipmentItem) Resolve(mapping *SKUMapping) {
	if mapping == nil || len(mapping.Components) == 0 {
		i.SKU = ""
		i.Components = nil
		i.Resolution = ResolutionUnresolved
		return
	}
	i.Components = mapping.Expand(i.Quantity)
	i.SKU = mapping.Components[0].SKU
	if mapping.IsBundle() {
		i.SKU = mapping.SellerSKU
	}
	i.Resolution = ResolutionResolved
}

// Merge folds another line of the same key into i. Both lines must already be resolved.
// Quantities and components add up, every seller SKU is kept, and an unresolved part leaves the
// merged line unresolved.
func (i *ShipmentItem) Merge(other *ShipmentItem) {
	if other.SellerSKU != i.SellerSKU || len(other.SellerSKUs) > 0 {
		i.SellerSKUs = appendDistinct(i.SellerSKUs, i.SellerSKU)
		i.SellerSKUs = appendDistinct(i.SellerSKUs, other.SellerSKU)
		for _, sku := range other.SellerSKUs {
			i.SellerSKUs = appendDistinct(i.SellerSKUs, sku)
		}
	}
	if other.VariationID != i.VariationID {
		i.VariationID = 0
	}
	i.Quantity += other.Quantity
	i.Components = mergeComponents(i.Components, other.Components)

	if !i.IsResolved() || !other.IsResolved() {
		i.Resolution = ResolutionUnresolved
		i.SKU = ""
		return
	}
	if other.SKU != i.SKU {
		i.SKU = ""
	}
}

func mergeComponents(into, from []Component) []Component {
	for _, c := range from {
		found := false
		for k := range into {
			if into[k].SKU == c.SKU {
				into[k].Quantity += c.Quantity
				found = true
				break
			}
		}
		if !found {
			into = append(into, c)
		}
	}
	return into
}

func appendDistinct(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
