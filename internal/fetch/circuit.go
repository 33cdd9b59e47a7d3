package fetch

import (
	"context"

	"go.uber.org/zap"

	"github.com/procurewatch/procurewatch/internal/resilience"
)

// CircuitFetcher wraps a Fetcher with one circuit breaker per domain so
// a consistently failing or blocking portal stops receiving requests.
type CircuitFetcher struct {
	inner    Fetcher
	breakers *resilience.DomainBreakers
}

// NewCircuitFetcher creates a CircuitFetcher. Zero config fields take
// the resilience defaults; the trip check covers transient errors and
// block pages.
func NewCircuitFetcher(inner Fetcher, cfg resilience.CircuitBreakerConfig) *CircuitFetcher {
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool {
			return resilience.IsTransient(err) || resilience.IsBlocked(err)
		}
	}
	breakers := resilience.NewDomainBreakers(cfg)
	breakers.OnStateChange = func(domain string, from, to resilience.CircuitState) {
		zap.L().Warn("fetch circuit state changed",
			zap.String("domain", domain),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return &CircuitFetcher{inner: inner, breakers: breakers}
}

func (f *CircuitFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	cb := f.breakers.Get(domainOf(req.URL))
	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Response, error) {
		return f.inner.Fetch(ctx, req)
	})
}

// CircuitStates reports the current breaker state per domain.
func (f *CircuitFetcher) CircuitStates() map[string]resilience.CircuitState {
	return f.breakers.States()
}
