package fetch

import "context"

// ThrottledFetcher wraps a Fetcher with per-domain politeness limits.
type ThrottledFetcher struct {
	inner   Fetcher
	limiter *RateLimiter
}

// NewThrottledFetcher wraps inner so every Fetch goes through limiter.
func NewThrottledFetcher(inner Fetcher, limiter *RateLimiter) *ThrottledFetcher {
	return &ThrottledFetcher{inner: inner, limiter: limiter}
}

// Fetch acquires a politeness slot before fetching and releases it after,
// whether or not the fetch succeeded.
func (t *ThrottledFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := t.limiter.Acquire(ctx, req.URL); err != nil {
		return nil, err
	}
	defer t.limiter.Release(req.URL)

	return t.inner.Fetch(ctx, req)
}
