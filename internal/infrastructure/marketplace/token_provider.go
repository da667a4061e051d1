package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
)

const refreshTimeout = 15 * time.Second

// OAuthConfig holds the marketplace application credentials
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
}

// TokenProvider hands out a valid access token and renews it. Concurrent refreshes collapse into
// one token exchange.
type TokenProvider struct {
	oauth      *oauth2.Config
	clientID   string
	store      domain.TokenRepository
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.Metrics

	group singleflight.Group
	mu    sync.RWMutex
	token *domain.OAuthToken
	now   func() time.Time
}

// NewTokenProvider creates a TokenProvider. httpClient is used for token endpoint calls and may be nil.
func NewTokenProvider(config OAuthConfig, store domain.TokenRepository, httpClient *http.Client, logger *logging.Logger, m *metrics.Metrics) *TokenProvider {
	if logger == nil {
		logger = logging.Nop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}
	return &TokenProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		clientID:   config.ClientID,
		store:      store,
		httpClient: httpClient,
		logger:     logger.WithComponent("marketplace-token"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Token returns a token that stays valid for at least the expiry skew, refreshing when needed
func (p *TokenProvider) Token(ctx context.Context) (*domain.OAuthToken, error) {
	if tok := p.cached(); tok.ValidAt(p.now()) {
		return tok, nil
	}

	tok, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	if tok.ValidAt(p.now()) {
		return tok, nil
	}
	return p.Refresh(ctx, tok.AccessToken)
}

// Refresh renews the token after stale was rejected. When another caller already replaced stale,
// the newer token is returned without a second exchange.
func (p *TokenProvider) Refresh(ctx context.Context, stale string) (*domain.OAuthToken, error) {
	v, err, shared := p.group.Do("refresh", func() (interface{}, error) {
		// the flight outlives any single caller
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return p.refresh(flightCtx, stale)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.WithContext(ctx).Debug("Joined in-flight token refresh")
	}
	return v.(*domain.OAuthToken), nil
}

func (p *TokenProvider) refresh(ctx context.Context, stale string) (*domain.OAuthToken, error) {
	current := p.cached()
	if current == nil {
		loaded, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		current = loaded
	}
	if current.AccessToken != stale && current.ValidAt(p.now()) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, &domain.AuthError{Op: "refresh", Err: errors.New("no refresh token stored")}
	}

	src := p.oauth.TokenSource(p.withHTTPClient(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	fresh, err := src.Token()
	p.recordRefresh(err == nil)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Marketplace token refresh failed")
		return nil, &domain.AuthError{Op: "refresh", Err: err}
	}

	tok := p.fromOAuth(fresh)
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	if tok.UserID == 0 {
		tok.UserID = current.UserID
	}
	if err := p.persist(ctx, tok); err != nil {
		return nil, err
	}

	p.logger.WithContext(ctx).Info("Marketplace token refreshed", "expiresAt", tok.ExpiresAt)
	return tok, nil
}

// Exchange trades an authorization code for a token pair and stores it
func (p *TokenProvider) Exchange(ctx context.Context, code string) (*domain.OAuthToken, error) {
	fresh, err := p.oauth.Exchange(p.withHTTPClient(ctx), code)
	if err != nil {
		return nil, &domain.AuthError{Op: "exchange", Err: err}
	}

	tok := p.fromOAuth(fresh)
	if err := p.persist(ctx, tok); err != nil {
		return nil, err
	}

	p.logger.WithContext(ctx).Info("Marketplace account connected", "userId", tok.UserID)
	return tok, nil
}

// AuthCodeURL is the marketplace consent page for the connect flow
func (p *TokenProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Status reports the stored token state. A missing token is reported as invalid, not as an error.
func (p *TokenProvider) Status(ctx context.Context) (domain.TokenStatus, error) {
	tok := p.cached()
	if tok == nil {
		loaded, err := p.store.Load(ctx, p.clientID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TokenStatus{}, nil
		}
		if err != nil {
			return domain.TokenStatus{}, fmt.Errorf("load token: %w", err)
		}
		tok = loaded
	}
	return tok.Status(p.now()), nil
}

func (p *TokenProvider) cached() *domain.OAuthToken {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

func (p *TokenProvider) load(ctx context.Context) (*domain.OAuthToken, error) {
	tok, err := p.store.Load(ctx, p.clientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.AuthError{Op: "load", Err: errors.New("marketplace account not connected")}
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// a concurrent refresh may have landed while the store read was in flight
	if now := p.now(); p.token.ValidAt(now) && !tok.ValidAt(now) {
		return p.token, nil
	}
	p.token = tok
	return tok, nil
}

func (p *TokenProvider) persist(ctx context.Context, tok *domain.OAuthToken) error {
	if err := p.store.Save(ctx, tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
	return nil
}

func (p *TokenProvider) fromOAuth(t *oauth2.Token) *domain.OAuthToken {
	return &domain.OAuthToken{
		ClientID:     p.clientID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry.UTC(),
		UserID:       userID(t.Extra("user_id")),
		UpdatedAt:    p.now(),
	}
}

func (p *TokenProvider) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *TokenProvider) recordRefresh(success bool) {
	if p.metrics != nil {
		p.metrics.RecordTokenRefresh(success)
	}
}

// userID reads the user_id field the token endpoint adds to its response
func userID(v interface{}) int64 {
	switch id := v.(type) {
	case float64:
		return int64(id)
	case int64:
		return id
	case json.Number:
		n, _ := id.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(id, 10, 64)
		return n
	}
	return 0
}
