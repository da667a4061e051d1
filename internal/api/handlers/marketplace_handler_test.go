package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/application"
	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/contracts/openapi"
	apperrors "github.com/velias1070-ship-it/banvabodega-sub000/pkg/errors"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/middleware"
)

const testSecret = "s3cret"

var errUnexpected = errors.New("unexpected call")

type fakeIngestion struct {
	handleFn     func(context.Context, domain.Notification) domain.WebhookOutcome
	processFn    func(context.Context, int64, []int64) (*application.ProcessShipmentResult, error)
	recentFn     func(context.Context) (*application.SyncResult, error)
	historicalFn func(context.Context, int) (*application.HistoricalSyncResult, error)
	diagnoseFn   func(context.Context) (*application.DiagnoseResult, error)
	pendingFn    func(context.Context, int) ([]*application.ShipmentDTO, error)
}

func (f *fakeIngestion) HandleNotification(ctx context.Context, n domain.Notification) domain.WebhookOutcome {
	if f.handleFn == nil {
		return domain.Failed(errUnexpected)
	}
	return f.handleFn(ctx, n)
}

func (f *fakeIngestion) ProcessShipment(ctx context.Context, id int64, orderIDs []int64) (*application.ProcessShipmentResult, error) {
	if f.processFn == nil {
		return nil, errUnexpected
	}
	return f.processFn(ctx, id, orderIDs)
}

func (f *fakeIngestion) SyncRecentOrders(ctx context.Context) (*application.SyncResult, error) {
	if f.recentFn == nil {
		return nil, errUnexpected
	}
	return f.recentFn(ctx)
}

func (f *fakeIngestion) SyncHistoricalOrders(ctx context.Context, days int) (*application.HistoricalSyncResult, error) {
	if f.historicalFn == nil {
		return nil, errUnexpected
	}
	return f.historicalFn(ctx, days)
}

func (f *fakeIngestion) Diagnose(ctx context.Context) (*application.DiagnoseResult, error) {
	if f.diagnoseFn == nil {
		return nil, errUnexpected
	}
	return f.diagnoseFn(ctx)
}

func (f *fakeIngestion) PendingShipments(ctx context.Context, limit int) ([]*application.ShipmentDTO, error) {
	if f.pendingFn == nil {
		return nil, errUnexpected
	}
	return f.pendingFn(ctx, limit)
}

type fakeStockSync struct {
	enqueueFn func(context.Context, []string, domain.StockSource) error
	drainFn   func(context.Context) (*application.StockSyncResult, error)
}

func (f *fakeStockSync) Enqueue(ctx context.Context, skus []string, source domain.StockSource) error {
	if f.enqueueFn == nil {
		return errUnexpected
	}
	return f.enqueueFn(ctx, skus, source)
}

func (f *fakeStockSync) DrainQueue(ctx context.Context) (*application.StockSyncResult, error) {
	if f.drainFn == nil {
		return nil, errUnexpected
	}
	return f.drainFn(ctx)
}

type fakeAuthorizer struct {
	exchangeFn func(context.Context, string) (*domain.OAuthToken, error)
}

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://auth.marketplace.test/authorization?state=" + url.QueryEscape(state)
}

func (f *fakeAuthorizer) Exchange(ctx context.Context, code string) (*domain.OAuthToken, error) {
	if f.exchangeFn == nil {
		return nil, errUnexpected
	}
	return f.exchangeFn(ctx, code)
}

type fakeLabels struct {
	getShipmentFn func(context.Context, int64) (*domain.MarketplaceShipment, error)
	downloadFn    func(context.Context, []int64, string) (*domain.LabelFile, error)
}

func (f *fakeLabels) GetShipment(ctx context.Context, id int64) (*domain.MarketplaceShipment, error) {
	if f.getShipmentFn == nil {
		return nil, errUnexpected
	}
	return f.getShipmentFn(ctx, id)
}

func (f *fakeLabels) DownloadLabels(ctx context.Context, ids []int64, format string) (*domain.LabelFile, error) {
	if f.downloadFn == nil {
		return nil, errUnexpected
	}
	return f.downloadFn(ctx, ids, format)
}

type fakeQueue struct {
	queued []domain.Notification
	err    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, n domain.Notification) error {
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, n)
	return nil
}

type testEnv struct {
	router    *gin.Engine
	ingestion *fakeIngestion
	stock     *fakeStockSync
	auth      *fakeAuthorizer
	labels    *fakeLabels
}

func newTestEnv(t *testing.T, config Config, queue application.NotificationQueue) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		ingestion: &fakeIngestion{},
		stock:     &fakeStockSync{},
		auth:      &fakeAuthorizer{},
		labels:    &fakeLabels{},
	}
	if config.SyncSecret == "" {
		config.SyncSecret = testSecret
	}

	router := gin.New()
	mwConfig := middleware.DefaultConfig("marketplace-sync", slog.New(slog.NewTextHandler(io.Discard, nil)))
	mwConfig.ContentTypeExempt = []string{"/api/ml/webhook"}
	mwConfig.ErrorMappers = ErrorMappers()
	middleware.Setup(router, mwConfig)

	deps := Deps{Ingestion: env.ingestion, Stock: env.stock, Auth: env.auth, Labels: env.labels}
	if queue != nil {
		deps.Queue = queue
	}
	NewMarketplaceHandler(deps, config).RegisterRoutes(router.Group("/api"))
	env.router = router
	return env
}

func (e *testEnv) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testSecret}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func loadContract(t *testing.T) *openapi.Validator {
	t.Helper()
	specPath, err := filepath.Abs(filepath.Join("..", "..", "..", "api", "openapi.yaml"))
	require.NoError(t, err)
	if _, err := os.Stat(specPath); os.IsNotExist(err) {
		t.Skipf("OpenAPI document not found at %s", specPath)
	}
	v, err := openapi.NewValidator(specPath)
	require.NoError(t, err)
	return v
}

// assertContract checks a recorded response against the documented schema for method and path
func assertContract(t *testing.T, v *openapi.Validator, method, path string, rec *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	assert.NoError(t, v.ValidateResponse(req, rec.Result()))
}

func TestWebhook_InlineOutcomes(t *testing.T) {
	contract := loadContract(t)

	tests := []struct {
		name    string
		outcome domain.WebhookOutcome
		want    map[string]interface{}
	}{
		{
			name:    "processed",
			outcome: domain.Processed(9001, 2),
			want:    map[string]interface{}{"status": "ok", "shipment_id": float64(9001), "items": float64(2)},
		},
		{
			name:    "ignored",
			outcome: domain.Ignored("unsupported logistic type"),
			want:    map[string]interface{}{"status": "ignored", "reason": "unsupported logistic type"},
		},
		{
			name:    "failed",
			outcome: domain.Failed(errors.New("marketplace unavailable")),
			want:    map[string]interface{}{"status": "error", "error": "marketplace unavailable"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, nil)
			var got domain.Notification
			env.ingestion.handleFn = func(ctx context.Context, n domain.Notification) domain.WebhookOutcome {
				_, hasDeadline := ctx.Deadline()
				assert.True(t, hasDeadline)
				got = n
				return tt.outcome
			}

			rec := env.do(http.MethodPost, "/api/ml/webhook",
				`{"_id":"n-1","topic":"shipments","resource":"/shipments/9001","user_id":42,"attempts":1}`, nil)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, decode(t, rec))
			assert.Equal(t, "n-1", got.ID)
			assert.Equal(t, "/shipments/9001", got.Resource)
			assert.Equal(t, int64(42), got.UserID)
			assert.False(t, got.ReceivedAt.IsZero())
			assertContract(t, contract, http.MethodPost, "/api/ml/webhook", rec)
		})
	}
}

func TestWebhook_InvalidJSONIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/ml/webhook", strings.NewReader("topic=orders"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"status": "ignored", "reason": "invalid JSON body"}, decode(t, rec))
}

func TestWebhook_Ping(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	rec := env.do(http.MethodGet, "/api/ml/webhook", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestWebhook_QueuedMode(t *testing.T) {
	contract := loadContract(t)
	queue := &fakeQueue{}
	env := newTestEnv(t, Config{WebhookMode: WebhookQueued}, queue)

	rec := env.do(http.MethodPost, "/api/ml/webhook", `{"topic":"orders_v2","resource":"/orders/2000001"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"status": "accepted"}, decode(t, rec))
	require.Len(t, queue.queued, 1)
	assert.Equal(t, "/orders/2000001", queue.queued[0].Resource)
	assertContract(t, contract, http.MethodPost, "/api/ml/webhook", rec)

	// unparseable notifications never reach the queue
	rec = env.do(http.MethodPost, "/api/ml/webhook", `{"topic":"questions","resource":"/questions/1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode(t, rec)["status"])
	assert.Len(t, queue.queued, 1)
}

func TestWebhook_QueueFailureIsReported(t *testing.T) {
	queue := &fakeQueue{err: domain.ErrQueueFull}
	env := newTestEnv(t, Config{WebhookMode: WebhookQueued}, queue)

	rec := env.do(http.MethodPost, "/api/ml/webhook", `{"topic":"shipments","resource":"/shipments/5"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, domain.ErrQueueFull.Error(), body["error"])
}

func TestWebhook_QueuedWithoutQueueRunsInline(t *testing.T) {
	env := newTestEnv(t, Config{WebhookMode: WebhookQueued}, nil)
	env.ingestion.handleFn = func(ctx context.Context, n domain.Notification) domain.WebhookOutcome {
		return domain.Processed(5, 1)
	}

	rec := env.do(http.MethodPost, "/api/ml/webhook", `{"topic":"shipments","resource":"/shipments/5"}`, nil)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestProtectedRoutesRequireSecret(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/ml/sync"},
		{http.MethodPost, "/api/ml/sync"},
		{http.MethodGet, "/api/ml/stock-sync"},
		{http.MethodPost, "/api/ml/stock-sync"},
		{http.MethodGet, "/api/ml/connect"},
		{http.MethodPost, "/api/ml/flex"},
		{http.MethodPost, "/api/ml/labels"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			rec := env.do(r.method, r.path, "", map[string]string{"Authorization": "Bearer wrong"})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, apperrors.CodeUnauthorized, decode(t, rec)["code"])
			assertContract(t, contract, r.method, r.path, rec)
		})
	}
}

func TestSync_Recent(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)
	env.ingestion.recentFn = func(ctx context.Context) (*application.SyncResult, error) {
		return &application.SyncResult{Total: 3, NewOrders: 2, ShipmentsProcessed: 2, ShipmentsSkipped: 1}, nil
	}

	rec := env.do(http.MethodGet, "/api/ml/sync?secret="+testSecret, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(2), body["new_orders"])
	assert.NotContains(t, body, "errors")
	assertContract(t, contract, http.MethodGet, "/api/ml/sync", rec)
}

func TestSync_PostDispatch(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)
	checked := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	env.ingestion.diagnoseFn = func(ctx context.Context) (*application.DiagnoseResult, error) {
		return &application.DiagnoseResult{
			Token:         domain.TokenStatus{Valid: true, UserID: 42},
			User:          &application.DiagnoseUser{ID: 42, Nickname: "BANVA"},
			Shipments:     12,
			QueueDepth:    3,
			LogisticTypes: []string{"self_service"},
			CheckedAt:     checked,
		}, nil
	}
	var gotDays int
	env.ingestion.historicalFn = func(ctx context.Context, days int) (*application.HistoricalSyncResult, error) {
		gotDays = days
		return &application.HistoricalSyncResult{Total: 120, ShipmentsProcessed: 80, Pages: 3, Errors: []string{"order 7: boom"}}, nil
	}
	env.ingestion.recentFn = func(ctx context.Context) (*application.SyncResult, error) {
		return &application.SyncResult{Total: 1, ShipmentsProcessed: 1}, nil
	}

	rec := env.do(http.MethodPost, "/api/ml/sync", `{"action":"diagnose"}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["queue_depth"])
	assert.Equal(t, map[string]interface{}{"id": float64(42), "nickname": "BANVA"}, body["user"])
	assertContract(t, contract, http.MethodPost, "/api/ml/sync", rec)

	rec = env.do(http.MethodPost, "/api/ml/sync", `{"days":30}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, 30, gotDays)
	assert.Equal(t, float64(3), body["pages"])
	assert.Equal(t, []interface{}{"order 7: boom"}, body["errors"])
	assertContract(t, contract, http.MethodPost, "/api/ml/sync", rec)

	// an empty body is a recent-window sync
	rec = env.do(http.MethodPost, "/api/ml/sync", "", bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["shipments_processed"])
}

func TestSync_RejectsOutOfRangeDays(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(http.MethodPost, "/api/ml/sync", `{"days":400}`, bearer())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidationError, decode(t, rec)["code"])
	assertContract(t, contract, http.MethodPost, "/api/ml/sync", rec)
}

func TestSync_Failures(t *testing.T) {
	contract := loadContract(t)

	t.Run("auth error", func(t *testing.T) {
		env := newTestEnv(t, Config{}, nil)
		env.ingestion.recentFn = func(ctx context.Context) (*application.SyncResult, error) {
			return nil, &domain.AuthError{Op: "refresh", Err: errors.New("invalid_grant")}
		}
		rec := env.do(http.MethodGet, "/api/ml/sync", "", bearer())
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, apperrors.CodeMarketplaceAuth, decode(t, rec)["code"])
		assertContract(t, contract, http.MethodGet, "/api/ml/sync", rec)
	})

	t.Run("deadline", func(t *testing.T) {
		env := newTestEnv(t, Config{}, nil)
		env.ingestion.recentFn = func(ctx context.Context) (*application.SyncResult, error) {
			return nil, fmt.Errorf("search orders: %w", context.DeadlineExceeded)
		}
		rec := env.do(http.MethodGet, "/api/ml/sync", "", bearer())
		require.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Equal(t, apperrors.CodeTimeout, decode(t, rec)["code"])
	})
}

func TestStockSync(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)

	var queued []string
	var source domain.StockSource
	env.stock.enqueueFn = func(ctx context.Context, skus []string, src domain.StockSource) error {
		queued = append(queued, skus...)
		source = src
		return nil
	}
	env.stock.drainFn = func(ctx context.Context) (*application.StockSyncResult, error) {
		return &application.StockSyncResult{Synced: 2, Total: 3, Skipped: 1}, nil
	}

	rec := env.do(http.MethodPost, "/api/ml/stock-sync", `{"skus":["A-1","B-2"]}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"A-1", "B-2"}, queued)
	assert.Equal(t, domain.StockSourceManual, source)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["synced"])
	assert.Equal(t, float64(1), body["skipped"])
	assertContract(t, contract, http.MethodPost, "/api/ml/stock-sync", rec)

	// a bare drain queues nothing
	queued = nil
	rec = env.do(http.MethodGet, "/api/ml/stock-sync", "", bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, queued)
}

func TestStockSync_InvalidSKU(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	rec := env.do(http.MethodPost, "/api/ml/stock-sync", `{"skus":["bad sku!"]}`, bearer())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidationError, decode(t, rec)["code"])
}

func TestAuthCallback(t *testing.T) {
	const admin = "https://admin.example.com/settings"
	signer := newStateSigner("state-key")
	validState, err := signer.sign()
	require.NoError(t, err)

	tests := []struct {
		name       string
		query      string
		exchangeFn func(context.Context, string) (*domain.OAuthToken, error)
		wantKey    string
		wantValue  string
	}{
		{name: "denied", query: "error=access_denied", wantKey: "ml_error", wantValue: "access_denied"},
		{name: "missing code", query: "state=" + validState, wantKey: "ml_error", wantValue: "missing_code"},
		{name: "bad state", query: "code=TG-1&state=forged", wantKey: "ml_error", wantValue: "invalid_state"},
		{
			name:  "exchange failure",
			query: "code=TG-1&state=" + validState,
			exchangeFn: func(ctx context.Context, code string) (*domain.OAuthToken, error) {
				return nil, &domain.AuthError{Op: "exchange"}
			},
			wantKey: "ml_error", wantValue: "exchange_failed",
		},
		{
			name:  "success",
			query: "code=TG-1&state=" + validState,
			exchangeFn: func(ctx context.Context, code string) (*domain.OAuthToken, error) {
				assert.Equal(t, "TG-1", code)
				return &domain.OAuthToken{UserID: 42}, nil
			},
			wantKey: "ml_auth", wantValue: "success",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{StateSecret: "state-key", AdminURL: admin}, nil)
			env.auth.exchangeFn = tt.exchangeFn

			rec := env.do(http.MethodGet, "/api/ml/auth?"+tt.query, "", nil)
			require.Equal(t, http.StatusFound, rec.Code)

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "admin.example.com", loc.Host)
			assert.Equal(t, "/settings", loc.Path)
			assert.Equal(t, tt.wantValue, loc.Query().Get(tt.wantKey))
		})
	}
}

func TestAuthCallback_StateOptionalWithoutSecret(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.auth.exchangeFn = func(ctx context.Context, code string) (*domain.OAuthToken, error) {
		return &domain.OAuthToken{UserID: 7}, nil
	}

	rec := env.do(http.MethodGet, "/api/ml/auth?code=TG-2", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/?ml_auth=success", rec.Header().Get("Location"))
}

func TestConnect(t *testing.T) {
	env := newTestEnv(t, Config{StateSecret: "state-key"}, nil)

	rec := env.do(http.MethodGet, "/api/ml/connect", "", bearer())
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "auth.marketplace.test", loc.Host)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	assert.NoError(t, newStateSigner("state-key").verify(state))
}

func TestFlex_List(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)
	updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var gotLimit int
	env.ingestion.pendingFn = func(ctx context.Context, limit int) ([]*application.ShipmentDTO, error) {
		gotLimit = limit
		return []*application.ShipmentDTO{
			{ShipmentID: 9001, OrderIDs: []int64{501}, Status: "ready_to_ship", LogisticType: "self_service", UpdatedAt: updated},
		}, nil
	}

	rec := env.do(http.MethodPost, "/api/ml/flex", `{"action":"list","limit":25}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, gotLimit)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["total"])
	assertContract(t, contract, http.MethodPost, "/api/ml/flex", rec)
}

func TestFlex_Refresh(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)
	env.ingestion.processFn = func(ctx context.Context, id int64, orderIDs []int64) (*application.ProcessShipmentResult, error) {
		switch id {
		case 1:
			return &application.ProcessShipmentResult{ShipmentID: 1, Items: 2}, nil
		case 2:
			return &application.ProcessShipmentResult{ShipmentID: 2, Skipped: true, Reason: "fulfillment"}, nil
		default:
			return nil, &domain.HttpError{Status: http.StatusBadGateway, Method: http.MethodGet, Path: "/shipments/3"}
		}
	}

	rec := env.do(http.MethodPost, "/api/ml/flex", `{"action":"refresh","shipment_ids":[1,2,3]}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	var body flexRefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []refreshResult{
		{ShipmentID: 1, Items: 2},
		{ShipmentID: 2, Skipped: true, Reason: "fulfillment"},
	}, body.Results)
	require.Len(t, body.Errors, 1)
	assert.True(t, strings.HasPrefix(body.Errors[0], "3: "))
	assertContract(t, contract, http.MethodPost, "/api/ml/flex", rec)
}

func TestFlex_RefreshAbortsOnAuthError(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	calls := 0
	env.ingestion.processFn = func(ctx context.Context, id int64, orderIDs []int64) (*application.ProcessShipmentResult, error) {
		calls++
		return nil, &domain.AuthError{Op: "refresh"}
	}

	rec := env.do(http.MethodPost, "/api/ml/flex", `{"action":"refresh","shipment_ids":[1,2]}`, bearer())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.CodeMarketplaceAuth, decode(t, rec)["code"])
	assert.Equal(t, 1, calls)
}

func TestFlex_BadRequests(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)

	for name, body := range map[string]string{
		"unknown action": `{"action":"purge"}`,
		"missing ids":    `{"action":"refresh"}`,
		"negative id":    `{"action":"refresh","shipment_ids":[-4]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/ml/flex", body, bearer())
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.CodeValidationError, decode(t, rec)["code"])
			assertContract(t, contract, http.MethodPost, "/api/ml/flex", rec)
		})
	}
}

func TestLabels_Download(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantFormat  string
		contentType string
		filename    string
	}{
		{"default pdf", `{"action":"download","shipment_ids":[1,2]}`, "pdf", "application/pdf", "labels.pdf"},
		{"zpl", `{"action":"download","shipment_ids":[1],"format":"zpl2"}`, "zpl2", "text/plain", "labels.zpl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, nil)
			env.labels.downloadFn = func(ctx context.Context, ids []int64, format string) (*domain.LabelFile, error) {
				assert.Equal(t, tt.wantFormat, format)
				return &domain.LabelFile{ContentType: tt.contentType, Data: []byte("%LABEL%")}, nil
			}

			rec := env.do(http.MethodPost, "/api/ml/labels", tt.body, bearer())
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Header().Get("Content-Disposition"), tt.filename)
			assert.Equal(t, "%LABEL%", rec.Body.String())
		})
	}
}

func TestLabels_Status(t *testing.T) {
	contract := loadContract(t)
	env := newTestEnv(t, Config{}, nil)
	env.labels.getShipmentFn = func(ctx context.Context, id int64) (*domain.MarketplaceShipment, error) {
		if id == 2 {
			return nil, &domain.HttpError{Status: http.StatusNotFound, Method: http.MethodGet, Path: "/shipments/2"}
		}
		return &domain.MarketplaceShipment{ID: id, Status: "ready_to_ship", Substatus: "printed"}, nil
	}

	rec := env.do(http.MethodPost, "/api/ml/labels", `{"action":"status","shipment_ids":[1,2]}`, bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	var body labelStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []labelStatus{{ShipmentID: 1, Status: "ready_to_ship", Substatus: "printed"}}, body.Shipments)
	assert.Len(t, body.Errors, 1)
	assertContract(t, contract, http.MethodPost, "/api/ml/labels", rec)
}

func TestLabels_Failures(t *testing.T) {
	contract := loadContract(t)

	t.Run("upstream error", func(t *testing.T) {
		env := newTestEnv(t, Config{}, nil)
		env.labels.downloadFn = func(ctx context.Context, ids []int64, format string) (*domain.LabelFile, error) {
			return nil, &domain.HttpError{Status: http.StatusServiceUnavailable, Method: http.MethodGet, Path: "/shipment_labels"}
		}
		rec := env.do(http.MethodPost, "/api/ml/labels", `{"action":"download","shipment_ids":[1]}`, bearer())
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, apperrors.CodeMarketplaceHTTP, body["code"])
		assert.Equal(t, map[string]interface{}{"upstreamStatus": "503"}, body["details"])
		assertContract(t, contract, http.MethodPost, "/api/ml/labels", rec)
	})

	t.Run("bad format", func(t *testing.T) {
		env := newTestEnv(t, Config{}, nil)
		rec := env.do(http.MethodPost, "/api/ml/labels", `{"action":"download","shipment_ids":[1],"format":"png"}`, bearer())
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assertContract(t, contract, http.MethodPost, "/api/ml/labels", rec)
	})

	t.Run("no shipments", func(t *testing.T) {
		env := newTestEnv(t, Config{}, nil)
		rec := env.do(http.MethodPost, "/api/ml/labels", `{"action":"status","shipment_ids":[]}`, bearer())
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	contract := loadContract(t)
	assert.Equal(t, "Marketplace Sync Service", contract.Title())

	env := newTestEnv(t, Config{}, nil)
	routes := env.router.Routes()
	require.NotEmpty(t, routes)
	for _, r := range routes {
		assert.True(t, contract.Documents(r.Method, r.Path), "%s %s is not in the contract", r.Method, r.Path)
	}
	assert.False(t, contract.Documents(http.MethodDelete, "/api/ml/sync"))
}

func TestOpenAPINotificationRequest(t *testing.T) {
	contract := loadContract(t)
	notification := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/ml/webhook", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	assert.NoError(t, contract.ValidateRequest(notification(`{"topic":"shipments","resource":"/shipments/9001","user_id":123}`)))
	assert.Error(t, contract.ValidateRequest(notification(`{"topic":"shipments","user_id":"not-a-number"}`)))
}
