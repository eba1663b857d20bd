package idp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"idp-user-sync/internal/config"
)

// expirySkew is subtracted from the issued lifetime so a token is never used right at expiry.
const expirySkew = 10 * time.Second

// CachedToken is an access token and the instant it stops being served from cache.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token is usable at now.
func (t *CachedToken) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// TokenStore is a second-level cache shared between processes. Get returns nil, nil on miss.
type TokenStore interface {
	Get(ctx context.Context) (*CachedToken, error)
	Set(ctx context.Context, tok CachedToken) error
}

// MemoryTokenStore keeps the token in process memory.
type MemoryTokenStore struct {
	mu  sync.Mutex
	tok *CachedToken
}

func (s *MemoryTokenStore) Get(context.Context) (*CachedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return nil, nil
	}
	t := *s.tok
	return &t, nil
}

func (s *MemoryTokenStore) Set(_ context.Context, tok CachedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = &tok
	return nil
}

// TokenCacheOption configures a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithTokenStore shares the cached token through store (e.g. Redis).
func WithTokenStore(store TokenStore) TokenCacheOption {
	return func(c *TokenCache) { c.store = store }
}

// WithTokenHTTPClient sets the HTTP client used for the exchange.
func WithTokenHTTPClient(hc *http.Client) TokenCacheOption {
	return func(c *TokenCache) { c.httpClient = hc }
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) { c.now = now }
}

// TokenCache hands out a valid bearer token for the IdP management API. It performs the
// client-credentials exchange on a miss and shares one exchange between concurrent callers.
type TokenCache struct {
	creds      clientcredentials.Config
	httpClient *http.Client
	store      TokenStore
	now        func() time.Time

	mu    sync.RWMutex
	token *CachedToken
	group singleflight.Group
}

// NewTokenCache builds a cache for the credentials in cfg.
func NewTokenCache(cfg config.IDPConfig, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenEndpoint,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      &MemoryTokenStore{},
		now:        time.Now,
	}
	if len(c.creds.Scopes) == 0 {
		c.creds.Scopes = []string{"openid", "urn:zitadel:iam:org:project:id:zitadel:aud"}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a cached access token, exchanging credentials when the cache is empty or expired.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok := c.cached(); tok != nil {
		return tok.AccessToken, nil
	}

	// Waiters share one exchange; it ignores the leader's cancellation and is bounded by the HTTP client timeout.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok := c.cached(); tok != nil {
			return tok.AccessToken, nil
		}
		if tok, err := c.store.Get(shared); err != nil {
			slog.Warn("idp token: shared store read failed", "error", err)
		} else if tok.Valid(c.now()) {
			c.keep(tok)
			return tok.AccessToken, nil
		}
		tok, err := c.exchange(shared)
		if err != nil {
			return nil, err
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *TokenCache) cached() *CachedToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.Valid(c.now()) {
		return c.token
	}
	return nil
}

func (c *TokenCache) keep(tok *CachedToken) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *TokenCache) exchange(ctx context.Context) (*CachedToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	raw, err := c.creds.Token(ctx)
	if err != nil {
		return nil, tokenError(err)
	}
	if raw.AccessToken == "" {
		return nil, &Error{Kind: KindToken, Message: "token response has no access_token"}
	}

	tok := &CachedToken{AccessToken: raw.AccessToken}
	if !raw.Expiry.IsZero() {
		tok.ExpiresAt = raw.Expiry.Add(-expirySkew)
	}
	if !tok.Valid(c.now()) {
		// Lifetime too short to cache; serve it once.
		slog.Warn("idp token: issued token not cacheable", "expires_at", raw.Expiry)
		return tok, nil
	}
	c.keep(tok)
	if err := c.store.Set(ctx, *tok); err != nil {
		slog.Warn("idp token: shared store write failed", "error", err)
	}
	return tok, nil
}

func tokenError(err error) *Error {
	e := &Error{Kind: KindToken, Message: err.Error(), Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		e.Status = re.Response.StatusCode
		if re.ErrorDescription != "" {
			e.Message = re.ErrorDescription
		} else if re.ErrorCode != "" {
			e.Message = re.ErrorCode
		}
	}
	return e
}
