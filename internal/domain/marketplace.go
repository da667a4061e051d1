package domain

import "time"

// Marketplace REST payloads. Only the fields the service reads are declared.

// MarketplaceShipment is the /shipments/{id} resource
type MarketplaceShipment struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	Substatus    string `json:"substatus"`
	LogisticType string `json:"logistic_type"`
	OrderID      int64  `json:"order_id"`

	// Newer API revisions move the logistic type here
	Logistic *struct {
		Type string `json:"type"`
		Mode string `json:"mode"`
	} `json:"logistic,omitempty"`

	LeadTime *struct {
		EstimatedHandlingLimit *struct {
			Date *time.Time `json:"date"`
		} `json:"estimated_handling_limit"`
	} `json:"lead_time,omitempty"`

	ReceiverAddress *struct {
		ReceiverName string `json:"receiver_name"`
		City         *struct {
			Name string `json:"name"`
		} `json:"city"`
	} `json:"receiver_address,omitempty"`
}

// Logistics returns the delivery channel regardless of API revision
func (s *MarketplaceShipment) Logistics() LogisticType {
	if s.LogisticType != "" {
		return LogisticType(s.LogisticType)
	}
	if s.Logistic != nil {
		return LogisticType(s.Logistic.Type)
	}
	return ""
}

// HandlingLimit returns the dispatch deadline, if the marketplace sent one
func (s *MarketplaceShipment) HandlingLimit() *time.Time {
	if s.LeadTime == nil || s.LeadTime.EstimatedHandlingLimit == nil || s.LeadTime.EstimatedHandlingLimit.Date == nil {
		return nil
	}
	t := s.LeadTime.EstimatedHandlingLimit.Date.UTC()
	return &t
}

// Destination returns receiver name and city
func (s *MarketplaceShipment) Destination() Destination {
	var d Destination
	if s.ReceiverAddress == nil {
		return d
	}
	d.ReceiverName = s.ReceiverAddress.ReceiverName
	if s.ReceiverAddress.City != nil {
		d.City = s.ReceiverAddress.City.Name
	}
	return d
}

// MarketplaceShipmentItem is one entry of /shipments/{id}/items
type MarketplaceShipmentItem struct {
	ItemID      string `json:"item_id"`
	Quantity    int    `json:"quantity"`
	OrderID     int64  `json:"order_id"`
	VariationID int64  `json:"variation_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// MarketplaceOrder is the /orders/{id} resource
type MarketplaceOrder struct {
	ID          int64     `json:"id"`
	PackID      *int64    `json:"pack_id"`
	Status      string    `json:"status"`
	DateCreated time.Time `json:"date_created"`
	LastUpdated time.Time `json:"last_updated"`
	Shipping    struct {
		ID int64 `json:"id"`
	} `json:"shipping"`
	OrderItems []MarketplaceOrderItem `json:"order_items"`
}

// ShipmentID returns the order's shipment, zero when it has none
func (o *MarketplaceOrder) ShipmentID() int64 {
	return o.Shipping.ID
}

// InPack reports whether the order belongs to a multi-order pack
func (o *MarketplaceOrder) InPack() bool {
	return o.PackID != nil && *o.PackID > 0
}

// MarketplaceOrderItem is one line of an order
type MarketplaceOrderItem struct {
	Item struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		SellerSKU   string `json:"seller_sku"`
		VariationID int64  `json:"variation_id,omitempty"`
	} `json:"item"`
	Quantity int `json:"quantity"`
}

// MarketplacePack is the /packs/{id} resource
type MarketplacePack struct {
	ID     int64 `json:"id"`
	Orders []struct {
		ID int64 `json:"id"`
	} `json:"orders"`
	Shipment *struct {
		ID int64 `json:"id"`
	} `json:"shipment,omitempty"`
}

// OrderIDs returns the ids of the pack's orders
func (p *MarketplacePack) OrderIDs() []int64 {
	ids := make([]int64, 0, len(p.Orders))
	for _, o := range p.Orders {
		ids = append(ids, o.ID)
	}
	return ids
}

// OrderSearchPage is one page of /orders/search
type OrderSearchPage struct {
	Results []MarketplaceOrder `json:"results"`
	Paging  struct {
		Total  int `json:"total"`
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	} `json:"paging"`
}

// OrderSearchField selects which order date a search window applies to
type OrderSearchField string

const (
	OrderSearchLastUpdated OrderSearchField = "last_updated"
	OrderSearchDateCreated OrderSearchField = "date_created"
)

// OrderSearch describes an /orders/search query
type OrderSearch struct {
	SellerID int64
	Field    OrderSearchField
	From     time.Time
	To       time.Time
	Offset   int
	Limit    int
}

// MarketplaceUser is the /users/me resource
type MarketplaceUser struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	SiteID   string `json:"site_id,omitempty"`
}

// LabelFile is a downloaded shipping label document
type LabelFile struct {
	ContentType string
	Data        []byte
}
