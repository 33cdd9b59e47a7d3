package fetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurewatch/procurewatch/internal/resilience"
)

// DefaultUserAgent identifies the scraper to portal operators.
const DefaultUserAgent = "procurewatch/1.0 (+https://github.com/procurewatch/procurewatch)"

// DefaultMaxBodyBytes caps response bodies at 10 MiB.
const DefaultMaxBodyBytes = int64(10 << 20)

// Options configures the HTTP fetcher.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	MaxBodyBytes int64
}

// HTTPFetcher implements Fetcher using net/http with retry on transient
// failures. Block pages (cloudflare, captcha, js shells) are reported as
// resilience.BlockedError and never retried.
type HTTPFetcher struct {
	client *http.Client
	opts   Options
	retry  resilience.RetryConfig
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}

	retry := resilience.FromRetryConfig(opts.MaxRetries, 0, 0, 0, -1)
	retry.OnRetry = resilience.RetryLogger("fetch", "page")

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:  opts,
		retry: retry,
	}
}

// Fetch retrieves a page, retrying transient failures (timeouts, 5xx, 429).
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*Response, error) {
		return f.fetchOnce(ctx, req)
	})
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: create request for %s", req.URL)
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: request %s", req.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(
			eris.Wrapf(err, "fetch: read body from %s", req.URL), resp.StatusCode)
	}
	elapsed := time.Since(start)

	if blocked, kind := DetectBlock(resp.StatusCode, resp.Header, body); blocked {
		zap.L().Warn("block page detected",
			zap.String("url", req.URL),
			zap.String("kind", string(kind)),
			zap.Int("status", resp.StatusCode),
		)
		return nil, resilience.NewBlockedError(kind, req.URL)
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("fetch: http %d from %s", resp.StatusCode, req.URL), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("fetch: http %d from %s", resp.StatusCode, req.URL)
	}

	zap.L().Debug("page fetched",
		zap.String("url", req.URL),
		zap.String("page_type", req.PageType),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", elapsed),
	)

	return &Response{
		URL:        req.URL,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
		ElapsedMS:  elapsed.Milliseconds(),
		FetchedAt:  start,
	}, nil
}
