package fetch

import (
	"context"
	"net/http"
	"time"
)

// Request describes a single page fetch.
type Request struct {
	URL      string
	Method   string
	Headers  map[string]string
	Cookies  []*http.Cookie
	Timeout  time.Duration
	PageType string // "listing" or "detail", for logging
}

// Response is the outcome of a successful fetch.
type Response struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Headers    http.Header
	ElapsedMS  int64
	FetchedAt  time.Time
}

// Fetcher retrieves pages from a portal.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}
