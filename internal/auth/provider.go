// Package auth obtains and caches the bearer token used for every upstream call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"storefront-proxy-go/internal/client"
	"storefront-proxy-go/internal/config"
	"storefront-proxy-go/internal/metrics"
	"storefront-proxy-go/internal/model"
)

// ErrTokenUnavailable wraps every failure to obtain an upstream access token.
var ErrTokenUnavailable = errors.New("upstream access token unavailable")

// flightKey is the only singleflight key: there is one token per process.
const flightKey = "token"

type authenticator interface {
	Authenticate(ctx context.Context) (*oauth2.Token, error)
}

// TokenProvider hands out a currently valid upstream token. A cached token
// is reused until it is within the refresh skew of its expiry; concurrent
// callers that need a new one share a single authentication call.
type TokenProvider struct {
	auth    authenticator
	store   TokenStore
	skew    time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	cached *oauth2.Token
	group  singleflight.Group
}

// NewTokenProvider creates a TokenProvider for the configured credentials.
// The metrics parameter is optional.
func NewTokenProvider(cfg *config.Config, c *client.UpstreamClient, store TokenStore, m *metrics.Metrics, logger *slog.Logger) (*TokenProvider, error) {
	creds := model.Credentials{
		APIKey:    cfg.Credentials.APIKey,
		APISecret: cfg.Credentials.APISecret,
	}
	a, err := NewAuthenticator(c, cfg.Upstream.BaseURL, creds, cfg.Token.DefaultTTL())
	if err != nil {
		return nil, err
	}
	return newTokenProvider(a, store, cfg.Token, m, logger), nil
}

func newTokenProvider(a authenticator, store TokenStore, tc config.TokenConfig, m *metrics.Metrics, logger *slog.Logger) *TokenProvider {
	if store == nil {
		store = NopStore{}
	}
	return &TokenProvider{
		auth:    a,
		store:   store,
		skew:    tc.RefreshSkew(),
		timeout: tc.Timeout(),
		metrics: m,
		logger:  logger.With("component", "token_provider"),
		now:     time.Now,
	}
}

// Token returns a valid access token, authenticating if needed.
// If ctx ends while a refresh is in flight, Token returns ctx.Err() and the
// refresh carries on for the other waiters.
func (p *TokenProvider) Token(ctx context.Context) (*oauth2.Token, error) {
	if t := p.fresh(); t != nil {
		p.countHit("memory")
		return t, nil
	}

	ch := p.group.DoChan(flightKey, func() (any, error) {
		return p.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for token: %w", ctx.Err())
	}
}

// Invalidate drops t from the cache, unless a newer token already replaced it.
func (p *TokenProvider) Invalidate(ctx context.Context, t *oauth2.Token) {
	if t == nil {
		return
	}

	p.mu.Lock()
	dropped := p.cached != nil && p.cached.AccessToken == t.AccessToken
	if dropped {
		p.cached = nil
	}
	p.mu.Unlock()

	if !dropped {
		return
	}
	p.logger.Info("access token rejected upstream; invalidated")
	if err := p.store.Delete(ctx); err != nil {
		p.logger.Warn("token store delete failed", "err", err)
	}
}

// Cached returns the cached token, if any, without refreshing it.
func (p *TokenProvider) Cached() (*oauth2.Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached, p.cached != nil
}

func (p *TokenProvider) refresh(ctx context.Context) (*oauth2.Token, error) {
	// A previous flight may have landed between fresh() and DoChan.
	if t := p.fresh(); t != nil {
		return t, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stored, err := p.store.Load(ctx)
	if err != nil {
		p.logger.Warn("token store load failed", "err", err)
	} else if p.usable(stored) {
		p.set(stored)
		p.countHit("store")
		return stored, nil
	}

	t, err := p.auth.Authenticate(ctx)
	if err != nil {
		p.countRefresh("error")
		p.logger.Error("authentication failed", "err", err)
		return nil, err
	}
	p.countRefresh("ok")
	p.logger.Debug("access token refreshed", "expiry", t.Expiry)

	p.set(t)
	if err := p.store.Save(ctx, t); err != nil {
		p.logger.Warn("token store save failed", "err", err)
	}
	return t, nil
}

func (p *TokenProvider) fresh() *oauth2.Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.usable(p.cached) {
		return p.cached
	}
	return nil
}

func (p *TokenProvider) usable(t *oauth2.Token) bool {
	return t != nil && t.AccessToken != "" && p.now().Add(p.skew).Before(t.Expiry)
}

func (p *TokenProvider) set(t *oauth2.Token) {
	p.mu.Lock()
	p.cached = t
	p.mu.Unlock()
}

func (p *TokenProvider) countHit(source string) {
	if p.metrics != nil {
		p.metrics.TokenCacheHits.WithLabelValues(source).Inc()
	}
}

func (p *TokenProvider) countRefresh(result string) {
	if p.metrics != nil {
		p.metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
}
