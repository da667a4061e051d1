package application

import (
	"time"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
)

// ProcessShipmentResult is the outcome of ingesting one shipment
type ProcessShipmentResult struct {
	ShipmentID int64  `json:"shipment_id"`
	Items      int    `json:"items"`
	NewOrders  int    `json:"new_orders"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SyncResult summarizes a recent-window sync
type SyncResult struct {
	Total              int      `json:"total"`
	NewOrders          int      `json:"new_orders"`
	ShipmentsProcessed int      `json:"shipments_processed"`
	ShipmentsSkipped   int      `json:"shipments_skipped"`
	Errors             []string `json:"errors,omitempty"`
}

// HistoricalSyncResult summarizes a backfill
type HistoricalSyncResult struct {
	Total              int      `json:"total"`
	ShipmentsProcessed int      `json:"shipments_processed"`
	ShipmentsSkipped   int      `json:"shipments_skipped"`
	Pages              int      `json:"pages"`
	Errors             []string `json:"errors,omitempty"`
}

// StockSyncResult summarizes a queue drain
type StockSyncResult struct {
	Synced  int      `json:"synced"`
	Total   int      `json:"total"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// DiagnoseResult reports connectivity and credential state
type DiagnoseResult struct {
	Token         domain.TokenStatus `json:"token"`
	User          *DiagnoseUser      `json:"user,omitempty"`
	UserError     string             `json:"user_error,omitempty"`
	Shipments     int64              `json:"shipments"`
	LedgerError   string             `json:"ledger_error,omitempty"`
	QueueDepth    int64              `json:"queue_depth"`
	LogisticTypes []string           `json:"logistic_types"`
	CheckedAt     time.Time          `json:"checked_at"`
}

// DiagnoseUser is the marketplace account the token belongs to
type DiagnoseUser struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// ShipmentDTO is the API view of a stored shipment
type ShipmentDTO struct {
	ShipmentID    int64      `json:"shipment_id"`
	OrderIDs      []int64    `json:"order_ids"`
	Status        string     `json:"status"`
	Substatus     string     `json:"substatus,omitempty"`
	LogisticType  string     `json:"logistic_type"`
	HandlingLimit *time.Time `json:"handling_limit,omitempty"`
	ReceiverName  string     `json:"receiver_name,omitempty"`
	City          string     `json:"city,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ToShipmentDTO converts a domain shipment
func ToShipmentDTO(s *domain.Shipment) *ShipmentDTO {
	return &ShipmentDTO{
		ShipmentID:    s.ShipmentID,
		OrderIDs:      s.OrderIDs,
		Status:        s.Status,
		Substatus:     s.Substatus,
		LogisticType:  string(s.LogisticType),
		HandlingLimit: s.HandlingLimit,
		ReceiverName:  s.Destination.ReceiverName,
		City:          s.Destination.City,
		UpdatedAt:     s.UpdatedAt,
	}
}

// SyncCommand is the body of POST /api/ml/sync
type SyncCommand struct {
	Action string `json:"action" binding:"omitempty,oneof=diagnose sync"`
	Days   int    `json:"days" binding:"gte=0,lte=365"`
}

// StockSyncCommand is the optional body of the stock-sync endpoint
type StockSyncCommand struct {
	SKUs []string `json:"skus" binding:"omitempty,max=500,dive,sku"`
}

// FlexCommand is the body of POST /api/ml/flex
type FlexCommand struct {
	Action      string  `json:"action" binding:"required,oneof=list refresh"`
	ShipmentIDs []int64 `json:"shipment_ids" binding:"omitempty,max=50,dive,gt=0"`
	Limit       int     `json:"limit" binding:"gte=0,lte=500"`
}

// LabelsCommand is the body of POST /api/ml/labels
type LabelsCommand struct {
	Action      string  `json:"action" binding:"required,oneof=download status"`
	ShipmentIDs []int64 `json:"shipment_ids" binding:"required,min=1,max=50,dive,gt=0"`
	Format      string  `json:"format" binding:"omitempty,label_format"`
}
