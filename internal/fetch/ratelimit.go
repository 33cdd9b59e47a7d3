package fetch

import (
	"context"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness controls how aggressively a single domain is scraped.
type Politeness struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	MaxConcurrency int
	BurstLimit     int
	BurstWindow    time.Duration
}

// DefaultPoliteness returns conservative per-domain limits.
func DefaultPoliteness() Politeness {
	return Politeness{
		MinDelay:       500 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		MaxConcurrency: 2,
		BurstLimit:     5,
		BurstWindow:    10 * time.Second,
	}
}

func (p Politeness) withDefaults() Politeness {
	d := DefaultPoliteness()
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = d.MaxConcurrency
	}
	if p.BurstLimit <= 0 {
		p.BurstLimit = d.BurstLimit
	}
	if p.BurstWindow <= 0 {
		p.BurstWindow = d.BurstWindow
	}
	return p
}

type domainState struct {
	cfg     Politeness
	limiter *rate.Limiter
	sem     chan struct{}

	mu     sync.Mutex
	recent []time.Time
}

// burstWait returns how long the caller must wait so that no more than
// BurstLimit requests land inside a sliding BurstWindow.
func (s *domainState) burstWait(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.BurstWindow)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = kept

	if len(s.recent) < s.cfg.BurstLimit {
		return 0
	}
	return s.recent[0].Add(s.cfg.BurstWindow).Sub(now)
}

func (s *domainState) record(now time.Time) {
	s.mu.Lock()
	s.recent = append(s.recent, now)
	s.mu.Unlock()
}

// RateLimiter enforces per-domain politeness: a minimum jittered delay
// between requests, a concurrency cap, and a sliding-window burst cap.
type RateLimiter struct {
	mu        sync.Mutex
	defaults  Politeness
	overrides map[string]Politeness
	domains   map[string]*domainState

	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter using cfg for every domain without an
// explicit override.
func NewRateLimiter(cfg Politeness) *RateLimiter {
	return &RateLimiter{
		defaults:  cfg.withDefaults(),
		overrides: make(map[string]Politeness),
		domains:   make(map[string]*domainState),
		nowFunc:   time.Now,
	}
}

// SetDomainPoliteness overrides the limits for a single domain. It must be
// called before the first Acquire for that domain.
func (r *RateLimiter) SetDomainPoliteness(domain string, cfg Politeness) {
	r.mu.Lock()
	r.overrides[strings.ToLower(domain)] = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *RateLimiter) state(domain string) *domainState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.domains[domain]; ok {
		return st
	}
	cfg := r.defaults
	if o, ok := r.overrides[domain]; ok {
		cfg = o
	}
	st := &domainState{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
	}
	r.domains[domain] = st
	return st
}

// Acquire blocks until a request to the URL's domain is allowed. Every
// successful Acquire must be paired with a Release, including on fetch
// failure.
func (r *RateLimiter) Acquire(ctx context.Context, rawURL string) error {
	st := r.state(domainOf(rawURL))

	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if wait := st.burstWait(r.nowFunc()); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			<-st.sem
			return err
		}
	}

	if err := st.limiter.Wait(ctx); err != nil {
		<-st.sem
		return err
	}

	if jitterMax := st.cfg.MaxDelay - st.cfg.MinDelay; jitterMax > 0 {
		jitter := time.Duration(rand.Int64N(int64(jitterMax)))
		if err := sleepCtx(ctx, jitter); err != nil {
			<-st.sem
			return err
		}
	}

	st.record(r.nowFunc())
	return nil
}

// Release frees the concurrency slot taken by Acquire.
func (r *RateLimiter) Release(rawURL string) {
	st := r.state(domainOf(rawURL))
	select {
	case <-st.sem:
	default:
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
