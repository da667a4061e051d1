package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/application"
	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/errors"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/middleware"
)

// WebhookMode selects whether notifications are processed inside the request
type WebhookMode string

const (
	WebhookInline WebhookMode = "inline"
	WebhookQueued WebhookMode = "queued"
)

const defaultWebhookTimeout = 8 * time.Second

// Ingestion is the ingestion pipeline as the handlers use it
type Ingestion interface {
	HandleNotification(ctx context.Context, n domain.Notification) domain.WebhookOutcome
	ProcessShipment(ctx context.Context, shipmentID int64, orderIDs []int64) (*application.ProcessShipmentResult, error)
	SyncRecentOrders(ctx context.Context) (*application.SyncResult, error)
	SyncHistoricalOrders(ctx context.Context, days int) (*application.HistoricalSyncResult, error)
	Diagnose(ctx context.Context) (*application.DiagnoseResult, error)
	PendingShipments(ctx context.Context, limit int) ([]*application.ShipmentDTO, error)
}

// StockSync queues and drains marketplace stock pushes
type StockSync interface {
	Enqueue(ctx context.Context, skus []string, source domain.StockSource) error
	DrainQueue(ctx context.Context) (*application.StockSyncResult, error)
}

// Authorizer runs the marketplace OAuth authorization-code flow
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*domain.OAuthToken, error)
}

// LabelSource reads live shipment state and label documents from the marketplace
type LabelSource interface {
	GetShipment(ctx context.Context, shipmentID int64) (*domain.MarketplaceShipment, error)
	DownloadLabels(ctx context.Context, shipmentIDs []int64, format string) (*domain.LabelFile, error)
}

// Config tunes the marketplace routes
type Config struct {
	WebhookMode      WebhookMode
	WebhookTimeout   time.Duration
	SyncSecret       string
	StateSecret      string
	AdminURL         string
	AllowLocalBypass bool
}

// Deps groups the collaborators of MarketplaceHandler. Queue is required only in queued mode.
type Deps struct {
	Ingestion Ingestion
	Stock     StockSync
	Auth      Authorizer
	Labels    LabelSource
	Queue     application.NotificationQueue
	Logger    *logging.Logger
}

// WebhookRequest is a marketplace notification as posted to the webhook
type WebhookRequest struct {
	ID            string     `json:"_id"`
	Topic         string     `json:"topic"`
	Resource      string     `json:"resource"`
	UserID        int64      `json:"user_id"`
	ApplicationID int64      `json:"application_id"`
	Attempts      int        `json:"attempts"`
	Sent          *time.Time `json:"sent"`
}

// MarketplaceHandler serves the /ml routes
type MarketplaceHandler struct {
	ingestion Ingestion
	stock     StockSync
	auth      Authorizer
	labels    LabelSource
	queue     application.NotificationQueue
	state     *stateSigner
	logger    *logging.Logger
	config    Config
	now       func() time.Time
}

// NewMarketplaceHandler creates a MarketplaceHandler
func NewMarketplaceHandler(deps Deps, config Config) *MarketplaceHandler {
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = defaultWebhookTimeout
	}
	if config.WebhookMode == "" || (config.WebhookMode == WebhookQueued && deps.Queue == nil) {
		config.WebhookMode = WebhookInline
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &MarketplaceHandler{
		ingestion: deps.Ingestion,
		stock:     deps.Stock,
		auth:      deps.Auth,
		labels:    deps.Labels,
		queue:     deps.Queue,
		state:     newStateSigner(config.StateSecret),
		logger:    logger.WithComponent("marketplace-handler"),
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers the marketplace routes
func (h *MarketplaceHandler) RegisterRoutes(r *gin.RouterGroup) {
	ml := r.Group("/ml")
	{
		ml.POST("/webhook", h.Webhook)
		ml.GET("/webhook", h.WebhookPing)
		ml.GET("/auth", h.AuthCallback)
	}

	protected := ml.Group("", middleware.SecretAuth(&middleware.SecretAuthConfig{
		Secret:           h.config.SyncSecret,
		AllowLocalBypass: h.config.AllowLocalBypass,
	}))
	{
		protected.GET("/sync", h.Sync)
		protected.POST("/sync", h.Sync)
		protected.GET("/stock-sync", h.StockSync)
		protected.POST("/stock-sync", h.StockSync)
		protected.GET("/connect", h.Connect)
		protected.POST("/flex", h.Flex)
		protected.POST("/labels", h.Labels)
	}
}

// Webhook handles POST /ml/webhook. Every result is acknowledged with 200 so the marketplace
// does not keep redelivering.
func (h *MarketplaceHandler) Webhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithContext(c.Request.Context()).Info("Webhook body rejected", "error", err.Error())
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "invalid JSON body"})
		return
	}

	n := domain.Notification{
		ID:            req.ID,
		Topic:         req.Topic,
		Resource:      req.Resource,
		UserID:        req.UserID,
		ApplicationID: req.ApplicationID,
		Attempts:      req.Attempts,
		Sent:          req.Sent,
		ReceivedAt:    h.now(),
	}

	middleware.AddSpanAttributes(c, map[string]interface{}{
		"notification.topic":    n.Topic,
		"notification.resource": n.Resource,
		"operation":             "webhook",
	})

	var outcome domain.WebhookOutcome
	if h.config.WebhookMode == WebhookQueued {
		outcome = h.enqueue(c.Request.Context(), n)
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.config.WebhookTimeout)
		outcome = h.ingestion.HandleNotification(ctx, n)
		cancel()
	}

	c.JSON(http.StatusOK, webhookBody(outcome))
}

func (h *MarketplaceHandler) enqueue(ctx context.Context, n domain.Notification) domain.WebhookOutcome {
	if _, err := n.Parse(); err != nil {
		return domain.Ignored(err.Error())
	}
	if err := h.queue.Enqueue(ctx, n); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to queue notification", "resource", n.Resource)
		return domain.Failed(err)
	}
	return domain.Accepted()
}

func webhookBody(outcome domain.WebhookOutcome) gin.H {
	switch outcome.Kind {
	case domain.OutcomeProcessed:
		return gin.H{"status": "ok", "shipment_id": outcome.ShipmentID, "items": outcome.Items}
	case domain.OutcomeAccepted:
		return gin.H{"status": "accepted"}
	case domain.OutcomeFailed:
		msg := "processing failed"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		return gin.H{"status": "error", "error": msg}
	default:
		return gin.H{"status": "ignored", "reason": outcome.Reason}
	}
}

// WebhookPing handles GET /ml/webhook
func (h *MarketplaceHandler) WebhookPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type syncResponse struct {
	Status string `json:"status"`
	*application.SyncResult
}

type historicalSyncResponse struct {
	Status string `json:"status"`
	*application.HistoricalSyncResult
}

type diagnoseResponse struct {
	Status string `json:"status"`
	*application.DiagnoseResult
}

type stockSyncResponse struct {
	Status string `json:"status"`
	*application.StockSyncResult
}

// Sync handles GET and POST /ml/sync
func (h *MarketplaceHandler) Sync(c *gin.Context) {
	var cmd application.SyncCommand
	if c.Request.Method == http.MethodPost {
		if appErr := middleware.BindOptionalJSON(c, &cmd); appErr != nil {
			middleware.AbortWithAppError(c, appErr)
			return
		}
	}
	ctx := c.Request.Context()

	middleware.AddSpanAttributes(c, map[string]interface{}{
		"sync.action": cmd.Action,
		"sync.days":   cmd.Days,
		"operation":   "sync",
	})

	switch {
	case cmd.Action == "diagnose":
		result, err := h.ingestion.Diagnose(ctx)
		if err != nil {
			h.fail(c, "Diagnose failed", err)
			return
		}
		c.JSON(http.StatusOK, diagnoseResponse{Status: "ok", DiagnoseResult: result})

	case cmd.Days > 0:
		result, err := h.ingestion.SyncHistoricalOrders(ctx, cmd.Days)
		if err != nil {
			h.fail(c, "Historical sync failed", err)
			return
		}
		h.logger.WithContext(ctx).Info("Historical sync finished",
			"days", cmd.Days, "total", result.Total, "processed", result.ShipmentsProcessed, "errors", len(result.Errors))
		c.JSON(http.StatusOK, historicalSyncResponse{Status: "ok", HistoricalSyncResult: result})

	default:
		result, err := h.ingestion.SyncRecentOrders(ctx)
		if err != nil {
			h.fail(c, "Recent sync failed", err)
			return
		}
		h.logger.WithContext(ctx).Info("Recent sync finished",
			"total", result.Total, "processed", result.ShipmentsProcessed, "errors", len(result.Errors))
		c.JSON(http.StatusOK, syncResponse{Status: "ok", SyncResult: result})
	}
}

// StockSync handles GET and POST /ml/stock-sync
func (h *MarketplaceHandler) StockSync(c *gin.Context) {
	var cmd application.StockSyncCommand
	if c.Request.Method == http.MethodPost {
		if appErr := middleware.BindOptionalJSON(c, &cmd); appErr != nil {
			middleware.AbortWithAppError(c, appErr)
			return
		}
	}
	ctx := c.Request.Context()

	if len(cmd.SKUs) > 0 {
		if err := h.stock.Enqueue(ctx, cmd.SKUs, domain.StockSourceManual); err != nil {
			h.fail(c, "Failed to queue SKUs", err)
			return
		}
	}

	result, err := h.stock.DrainQueue(ctx)
	if err != nil {
		h.fail(c, "Stock sync failed", err)
		return
	}
	c.JSON(http.StatusOK, stockSyncResponse{Status: "ok", StockSyncResult: result})
}

// AuthCallback handles GET /ml/auth, the OAuth redirect target
func (h *MarketplaceHandler) AuthCallback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		h.logger.WithContext(c.Request.Context()).Warn("Marketplace authorization denied",
			"error", reason, "description", c.Query("error_description"))
		h.redirectAdmin(c, "ml_error", reason)
		return
	}

	code := c.Query("code")
	if code == "" {
		h.redirectAdmin(c, "ml_error", "missing_code")
		return
	}

	if h.state.enabled() {
		if err := h.state.verify(c.Query("state")); err != nil {
			h.logger.WithContext(c.Request.Context()).Warn("Rejected OAuth state", "error", err.Error())
			h.redirectAdmin(c, "ml_error", "invalid_state")
			return
		}
	}

	tok, err := h.auth.Exchange(c.Request.Context(), code)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).WithError(err).Error("Authorization code exchange failed")
		h.redirectAdmin(c, "ml_error", "exchange_failed")
		return
	}

	h.logger.Audit(c.Request.Context(), "connect", "marketplace_account", fmt.Sprintf("%d", tok.UserID), nil)
	h.redirectAdmin(c, "ml_auth", "success")
}

// Connect handles GET /ml/connect by sending the operator to the marketplace consent page
func (h *MarketplaceHandler) Connect(c *gin.Context) {
	state := ""
	if h.state.enabled() {
		signed, err := h.state.sign()
		if err != nil {
			h.fail(c, "Failed to sign OAuth state", err)
			return
		}
		state = signed
	}
	c.Redirect(http.StatusFound, h.auth.AuthCodeURL(state))
}

func (h *MarketplaceHandler) redirectAdmin(c *gin.Context, key, value string) {
	target, err := url.Parse(h.config.AdminURL)
	if err != nil || h.config.AdminURL == "" {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set(key, value)
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

type flexRefreshResponse struct {
	Status  string          `json:"status"`
	Results []refreshResult `json:"results"`
	Errors  []string        `json:"errors,omitempty"`
}

type refreshResult struct {
	ShipmentID int64  `json:"shipment_id"`
	Items      int    `json:"items"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Flex handles POST /ml/flex
func (h *MarketplaceHandler) Flex(c *gin.Context) {
	var cmd application.FlexCommand
	if appErr := middleware.BindAndValidate(c, &cmd); appErr != nil {
		middleware.AbortWithAppError(c, appErr)
		return
	}
	ctx := c.Request.Context()

	middleware.AddSpanAttributes(c, map[string]interface{}{
		"flex.action": cmd.Action,
		"operation":   "flex",
	})

	switch cmd.Action {
	case "list":
		shipments, err := h.ingestion.PendingShipments(ctx, cmd.Limit)
		if err != nil {
			h.fail(c, "Failed to list pending shipments", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "shipments": shipments, "total": len(shipments)})

	case "refresh":
		if len(cmd.ShipmentIDs) == 0 {
			middleware.AbortWithAppError(c, errors.ErrValidationWithFields("validation failed",
				map[string]string{"shipment_ids": "is required"}))
			return
		}
		results := make([]refreshResult, 0, len(cmd.ShipmentIDs))
		var failures []string
		for _, id := range cmd.ShipmentIDs {
			res, err := h.ingestion.ProcessShipment(ctx, id, nil)
			if err != nil {
				if domain.IsAuthError(err) {
					h.fail(c, "Shipment refresh aborted", err)
					return
				}
				failures = append(failures, fmt.Sprintf("%d: %v", id, err))
				continue
			}
			results = append(results, refreshResult{
				ShipmentID: res.ShipmentID, Items: res.Items, Skipped: res.Skipped, Reason: res.Reason,
			})
		}
		c.JSON(http.StatusOK, flexRefreshResponse{Status: "ok", Results: results, Errors: failures})
	}
}

type labelStatusResponse struct {
	Status    string        `json:"status"`
	Shipments []labelStatus `json:"shipments"`
	Errors    []string      `json:"errors,omitempty"`
}

type labelStatus struct {
	ShipmentID int64  `json:"shipment_id"`
	Status     string `json:"status"`
	Substatus  string `json:"substatus,omitempty"`
}

// Labels handles POST /ml/labels
func (h *MarketplaceHandler) Labels(c *gin.Context) {
	var cmd application.LabelsCommand
	if appErr := middleware.BindAndValidate(c, &cmd); appErr != nil {
		middleware.AbortWithAppError(c, appErr)
		return
	}
	ctx := c.Request.Context()

	switch cmd.Action {
	case "download":
		format := cmd.Format
		if format == "" {
			format = "pdf"
		}
		file, err := h.labels.DownloadLabels(ctx, cmd.ShipmentIDs, format)
		if err != nil {
			h.fail(c, "Label download failed", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, labelFilename(format)))
		c.Data(http.StatusOK, file.ContentType, file.Data)

	case "status":
		statuses := make([]labelStatus, 0, len(cmd.ShipmentIDs))
		var failures []string
		for _, id := range cmd.ShipmentIDs {
			s, err := h.labels.GetShipment(ctx, id)
			if err != nil {
				if domain.IsAuthError(err) {
					h.fail(c, "Label status aborted", err)
					return
				}
				failures = append(failures, fmt.Sprintf("%d: %v", id, err))
				continue
			}
			statuses = append(statuses, labelStatus{ShipmentID: id, Status: s.Status, Substatus: s.Substatus})
		}
		c.JSON(http.StatusOK, labelStatusResponse{Status: "ok", Shipments: statuses, Errors: failures})
	}
}

func labelFilename(format string) string {
	if format == "zpl2" {
		return "labels.zpl"
	}
	return "labels.pdf"
}

func (h *MarketplaceHandler) fail(c *gin.Context, msg string, err error) {
	h.logger.WithContext(c.Request.Context()).WithError(err).Error(msg)
	middleware.SetSpanError(c, err)
	if stderrors.Is(err, context.DeadlineExceeded) {
		middleware.AbortWithAppError(c, errors.ErrTimeout(c.FullPath()).Wrap(err))
		return
	}
	middleware.AbortWithError(c, err, ErrorMappers()...)
}
