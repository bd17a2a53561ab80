package iqdb

import (
	"context"
	"sync"
	"time"
)

// tokenSource caches the service's short-lived access token as an
// explicit capability with a known expiry. Callers always go through
// Token; there is no ambient lookup.
type tokenSource struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	skew    time.Duration
	fetch   func(ctx context.Context) (string, time.Duration, error)
	now     func() time.Time
}

func newTokenSource(skew time.Duration, fetch func(ctx context.Context) (string, time.Duration, error)) *tokenSource {
	return &tokenSource{
		skew:  skew,
		fetch: fetch,
		now:   time.Now,
	}
}

// Token returns the cached token, refreshing it when it is within the
// configured skew of expiring.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Add(t.skew).Before(t.expires) {
		return t.token, nil
	}

	token, ttl, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}

	t.token = token
	t.expires = t.now().Add(ttl)
	return t.token, nil
}

// Invalidate drops the cached token so the next call refreshes
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expires = time.Time{}
}
