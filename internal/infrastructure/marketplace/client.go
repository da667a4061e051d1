package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/resilience"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/tracing"
)

var tracer = otel.Tracer("marketplace-sync/marketplace")

var idSegment = regexp.MustCompile(`/(\d+|MLC\d+)`)

// TokenSource supplies bearer tokens to the client
type TokenSource interface {
	Token(ctx context.Context) (*domain.OAuthToken, error)
	Refresh(ctx context.Context, stale string) (*domain.OAuthToken, error)
}

// ClientConfig configures the marketplace REST client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// Retry applies to reads only. Nil uses the marketplace read defaults.
	Retry *resilience.RetryConfig
	// Breaker overrides the circuit breaker settings. Nil uses the platform defaults.
	Breaker *resilience.CircuitBreakerConfig
}

// DefaultClientConfig returns the production API endpoint with a 20s per-attempt timeout
func DefaultClientConfig() ClientConfig {
	return ClientConfig{BaseURL: "https://api.mercadolibre.com", Timeout: 20 * time.Second}
}

// Client is the authenticated marketplace REST client. Reads are retried with backoff, writes are
// sent once, and every attempt passes through a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// Response is a raw marketplace response body
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(config ClientConfig, tokens TokenSource, httpClient *http.Client, logger *logging.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultClientConfig().BaseURL
	}
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultClientConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	retry := resilience.RetryConfig{
		MaxAttempts:   resilience.MarketplaceReadMaxAttempts,
		InitialDelay:  resilience.MarketplaceReadInitialDelay,
		MaxDelay:      resilience.MarketplaceReadMaxDelay,
		BackoffFactor: 2,
	}
	if config.Retry != nil {
		retry = *config.Retry
	}
	retry.RetryableErrors = retryable

	breakerConfig := resilience.DefaultCircuitBreakerConfig("marketplace-api")
	if config.Breaker != nil {
		breakerConfig = config.Breaker
	}
	breakerConfig.IsFailure = breakerFailure
	breakerConfig.OnStateChange = func(name string, _, to gobreaker.State) {
		if m != nil {
			m.SetCircuitBreakerState(name, int(to))
			if to == gobreaker.StateOpen {
				m.RecordCircuitBreakerTrip(name)
			}
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		breaker:    resilience.NewCircuitBreaker(breakerConfig, logger.Logger),
		retry:      retry,
		logger:     logger.WithComponent("marketplace-client"),
		metrics:    m,
	}
}

// Get reads a JSON resource
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	resp, err := c.read(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// GetRaw reads a non-JSON resource such as a label file
func (c *Client) GetRaw(ctx context.Context, path string, params url.Values) (*Response, error) {
	return c.read(ctx, path, params)
}

// Post sends a JSON body once
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPost, path, body)
}

// Put sends a JSON body once
func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPut, path, body)
}

func (c *Client) read(ctx context.Context, path string, params url.Values) (*Response, error) {
	attempt := 0
	config := c.retry
	config.OnRetry = func(n int, err error, delay time.Duration) {
		c.logger.WithContext(ctx).WithError(err).Warn("Retrying marketplace read",
			"path", path,
			"attempt", n,
			"delayMs", delay.Milliseconds(),
		)
	}
	return resilience.RetryWithResult(ctx, &config, func() (*Response, error) {
		attempt++
		return c.authorized(ctx, http.MethodGet, path, params, nil, attempt)
	})
}

func (c *Client) write(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = encoded
	}
	resp, err := c.authorized(ctx, method, path, nil, payload, 1)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// authorized sends one request with the current token. A 401 triggers one refresh and one resend.
func (c *Client) authorized(ctx context.Context, method, path string, params url.Values, payload []byte, attempt int) (*Response, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, asAuthError("token", err)
	}

	resp, err := c.send(ctx, method, path, params, payload, tok.AccessToken, attempt)
	if !isUnauthorized(err) {
		return resp, err
	}

	fresh, err := c.tokens.Refresh(ctx, tok.AccessToken)
	if err != nil {
		return nil, asAuthError("refresh", err)
	}
	resp, err = c.send(ctx, method, path, params, payload, fresh.AccessToken, attempt)
	if isUnauthorized(err) {
		return nil, &domain.AuthError{Op: method + " " + path, Err: err}
	}
	return resp, err
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values, payload []byte, accessToken string, attempt int) (*Response, error) {
	resource := resourceLabel(path)
	ctx, span := tracer.Start(ctx, "marketplace "+method+" "+resource,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.MarketplaceSpanAttributes(method, resource, attempt)...),
	)
	defer span.End()

	start := time.Now()
	result, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.do(ctx, method, path, params, payload, accessToken)
	})
	duration := time.Since(start)

	var resp *Response
	if r, ok := result.(*Response); ok && r != nil {
		resp = r
	}
	status := 0
	if resp != nil {
		status = resp.Status
		span.SetAttributes(attribute.Int("http.status_code", status))
	}

	if c.metrics != nil {
		c.metrics.RecordMarketplaceRequest(method, resource, status, duration)
	}
	c.logger.MarketplaceCall(ctx, method, path, status, attempt, duration)
	tracing.RecordResult(span, err)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte, accessToken string) (*Response, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	resp := &Response{Status: httpResp.StatusCode, ContentType: httpResp.Header.Get("Content-Type"), Body: data}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, &domain.HttpError{Status: httpResp.StatusCode, Body: string(data), Method: method, Path: path}
	}
	return resp, nil
}

func isUnauthorized(err error) bool {
	var httpErr *domain.HttpError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized
}

func asAuthError(op string, err error) error {
	if domain.IsAuthError(err) {
		return err
	}
	return &domain.AuthError{Op: op, Err: err}
}

// retryable reports whether a read may be attempted again: 429, 5xx and transport failures
func retryable(err error) bool {
	if domain.IsAuthError(err) || errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var httpErr *domain.HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return isNetworkError(err)
}

// breakerFailure counts only upstream unavailability against the breaker
func breakerFailure(err error) bool {
	var httpErr *domain.HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// resourceLabel collapses ids so metric and span names stay low-cardinality
func resourceLabel(path string) string {
	return idSegment.ReplaceAllString(path, "/:id")
}
