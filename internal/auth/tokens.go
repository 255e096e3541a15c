// Package auth provides the bearer-token capability consumed by the save API
// and stream clients. Token acquisition itself (MSAL, on-behalf-of exchange)
// stays with the embedding host; this package only shapes it.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AcquireFunc fetches a fresh access token from the host.
type AcquireFunc func(ctx context.Context) (string, error)

// Static wraps a fixed token. Useful for tools and tests.
type Static struct {
	Value string
}

func (s Static) Token(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.Value) == "" {
		return "", errors.New("auth: empty static token")
	}
	return s.Value, nil
}

// refreshMargin is how far before the exp claim a cached token is considered
// stale.
const refreshMargin = 60 * time.Second

// Cache re-acquires through the AcquireFunc only when the cached token is
// close to its exp claim. The claim is read with an unverified parse: this
// client is not the token's audience, it only schedules refreshes.
type Cache struct {
	acquire AcquireFunc
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewCache(acquire AcquireFunc) (*Cache, error) {
	if acquire == nil {
		return nil, errors.New("auth: acquire func required")
	}
	return &Cache{acquire: acquire, now: time.Now}, nil
}

func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expires.IsZero() || c.now().Before(c.expires.Add(-refreshMargin))) {
		return c.token, nil
	}

	token, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("auth: acquired empty token")
	}

	c.token = token
	c.expires = expiryOf(token)
	return token, nil
}

// Invalidate drops the cached token so the next call re-acquires. Call it
// after a 401.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}

func expiryOf(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Opaque token; no expiry to schedule around.
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
