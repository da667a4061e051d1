package domain

// SKUMapping is one entry of the warehouse SKU dictionary. A seller SKU maps to one or more
// warehouse components; a single component with quantity 1 is the plain case.
type SKUMapping struct {
	SellerSKU  string      `bson:"sellerSku" json:"sellerSku"`
	Components []Component `bson:"components" json:"components"`
	Title      string      `bson:"title,omitempty" json:"title,omitempty"`

	// Marketplace listing that sells this mapping, used when publishing stock
	ItemID      string `bson:"itemId,omitempty" json:"itemId,omitempty"`
	VariationID int64  `bson:"variationId,omitempty" json:"variationId,omitempty"`
}

// IsBundle reports whether the mapping expands to more than one unit
func (m *SKUMapping) IsBundle() bool {
	if len(m.Components) > 1 {
		return true
	}
	return len(m.Components) == 1 && m.Components[0].Quantity > 1
}

// HasListing reports whether a marketplace listing is attached
func (m *SKUMapping) HasListing() bool {
	return m.ItemID != ""
}

// Expand returns the components needed for qty sold units
func (m *SKUMapping) Expand(qty int) []Component {
	out := make([]Component, 0, len(m.Components))
	for _, c := range m.Components {
		perUnit := c.Quantity
		if perUnit <= 0 {
			perUnit = 1
		}
		out = append(out, Component{SKU: c.SKU, Quantity: perUnit * qty})
	}
	return out
}

// ComponentSKUs lists the warehouse SKUs the mapping draws from
func (m *SKUMapping) ComponentSKUs() []string {
	skus := make([]string, 0, len(m.Components))
	for _, c := range m.Components {
		skus = append(skus, c.SKU)
	}
	return skus
}

// ListingAvailability is the number of sellable units given per-SKU availability:
// the minimum over components of floor(available/quantity). Missing SKUs count as zero.
func (m *SKUMapping) ListingAvailability(available map[string]int) int {
	if len(m.Components) == 0 {
		return 0
	}
	result := -1
	for _, c := range m.Components {
		perUnit := c.Quantity
		if perUnit <= 0 {
			perUnit = 1
		}
		units := available[c.SKU] / perUnit
		if units < 0 {
			units = 0
		}
		if result < 0 || units < result {
			result = units
		}
	}
	return result
}
