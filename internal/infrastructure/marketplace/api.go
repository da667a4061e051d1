package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
)

// searchTimeLayout is the date format the order search filters accept
const searchTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// UserSource reports the marketplace user behind the stored token
type UserSource interface {
	Status(ctx context.Context) (domain.TokenStatus, error)
}

// API is the typed facade over the marketplace resources this service reads and writes
type API struct {
	client *Client
	users  UserSource

	mu       sync.Mutex
	sellerID int64
}

// NewAPI creates an API. users may be nil, in which case the seller is resolved through /users/me.
func NewAPI(client *Client, users UserSource) *API {
	return &API{client: client, users: users}
}

// GetShipment fetches /shipments/{id}
func (a *API) GetShipment(ctx context.Context, shipmentID int64) (*domain.MarketplaceShipment, error) {
	var shipment domain.MarketplaceShipment
	if err := a.getJSON(ctx, fmt.Sprintf("/shipments/%d", shipmentID), nil, &shipment); err != nil {
		return nil, err
	}
	return &shipment, nil
}

// GetShipmentItems fetches /shipments/{id}/items
func (a *API) GetShipmentItems(ctx context.Context, shipmentID int64) ([]domain.MarketplaceShipmentItem, error) {
	var items []domain.MarketplaceShipmentItem
	if err := a.getJSON(ctx, fmt.Sprintf("/shipments/%d/items", shipmentID), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetOrder fetches /orders/{id}
func (a *API) GetOrder(ctx context.Context, orderID int64) (*domain.MarketplaceOrder, error) {
	var order domain.MarketplaceOrder
	if err := a.getJSON(ctx, fmt.Sprintf("/orders/%d", orderID), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetPack fetches /packs/{id}
func (a *API) GetPack(ctx context.Context, packID int64) (*domain.MarketplacePack, error) {
	var pack domain.MarketplacePack
	if err := a.getJSON(ctx, fmt.Sprintf("/packs/%d", packID), nil, &pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

// SearchOrders runs one page of /orders/search. A zero SellerID is filled with the connected user.
func (a *API) SearchOrders(ctx context.Context, search domain.OrderSearch) (*domain.OrderSearchPage, error) {
	sellerID := search.SellerID
	if sellerID == 0 {
		id, err := a.seller(ctx)
		if err != nil {
			return nil, err
		}
		sellerID = id
	}

	field := search.Field
	if field == "" {
		field = domain.OrderSearchLastUpdated
	}
	dateKey := "order.date_last_updated"
	if field == domain.OrderSearchDateCreated {
		dateKey = "order.date_created"
	}

	params := url.Values{}
	params.Set("seller", strconv.FormatInt(sellerID, 10))
	params.Set(dateKey+".from", search.From.UTC().Format(searchTimeLayout))
	params.Set(dateKey+".to", search.To.UTC().Format(searchTimeLayout))
	params.Set("sort", "date_asc")
	params.Set("offset", strconv.Itoa(search.Offset))
	if search.Limit > 0 {
		params.Set("limit", strconv.Itoa(search.Limit))
	}

	var page domain.OrderSearchPage
	if err := a.getJSON(ctx, "/orders/search", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetCurrentUser fetches /users/me
func (a *API) GetCurrentUser(ctx context.Context) (*domain.MarketplaceUser, error) {
	var user domain.MarketplaceUser
	if err := a.getJSON(ctx, "/users/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateListingStock sets the available quantity of a listing, or of one of its variations
func (a *API) UpdateListingStock(ctx context.Context, itemID string, variationID int64, quantity int) error {
	if quantity < 0 {
		quantity = 0
	}
	path := "/items/" + url.PathEscape(itemID)
	if variationID != 0 {
		path = fmt.Sprintf("%s/variations/%d", path, variationID)
	}
	_, err := a.client.Put(ctx, path, map[string]int{"available_quantity": quantity})
	return err
}

// PublishStock implements application.StockPublisher
func (a *API) PublishStock(ctx context.Context, listing domain.ListingStock) error {
	return a.UpdateListingStock(ctx, listing.ItemID, listing.VariationID, listing.Quantity)
}

// DownloadLabels fetches the printable labels of the given shipments as one document
func (a *API) DownloadLabels(ctx context.Context, shipmentIDs []int64, format string) (*domain.LabelFile, error) {
	if format == "" {
		format = "pdf"
	}
	ids := make([]string, 0, len(shipmentIDs))
	for _, id := range shipmentIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	params := url.Values{}
	params.Set("shipment_ids", strings.Join(ids, ","))
	params.Set("response_type", format)

	resp, err := a.client.GetRaw(ctx, "/shipment_labels", params)
	if err != nil {
		return nil, err
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = labelContentType(format)
	}
	return &domain.LabelFile{ContentType: contentType, Data: resp.Body}, nil
}

func (a *API) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	raw, err := a.client.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// seller resolves and caches the seller id used to scope order searches
func (a *API) seller(ctx context.Context) (int64, error) {
	a.mu.Lock()
	id := a.sellerID
	a.mu.Unlock()
	if id != 0 {
		return id, nil
	}

	if a.users != nil {
		status, err := a.users.Status(ctx)
		if err == nil && status.UserID != 0 {
			id = status.UserID
		}
	}
	if id == 0 {
		user, err := a.GetCurrentUser(ctx)
		if err != nil {
			return 0, fmt.Errorf("resolve seller: %w", err)
		}
		id = user.ID
	}

	a.mu.Lock()
	a.sellerID = id
	a.mu.Unlock()
	return id, nil
}

func labelContentType(format string) string {
	if format == "zpl2" {
		return "text/plain"
	}
	return "application/pdf"
}
