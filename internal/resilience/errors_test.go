package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("portal overloaded"), 503), true},
		{"wrapped transient", fmt.Errorf("fetch page: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"plain error", errors.New("portal config: missing base_url"), false},
		{"http 404", errors.New("fetch: http 404"), false},
		{"connection reset syscall", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"connection refused syscall", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"timed out syscall", fmt.Errorf("dial tcp: %w", syscall.ETIMEDOUT), true},
		{"broken pipe syscall", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"block page", NewBlockedError(BlockCloudflare, "https://bids.example.gov"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestIsTransientMessagePatterns(t *testing.T) {
	for _, msg := range []string{
		"read tcp 10.0.0.1:443: connection reset by peer",
		"write tcp: broken pipe",
		"net/http: TLS handshake timeout",
		"context deadline exceeded (Client.Timeout): i/o timeout",
		"unexpected EOF",
		"http2: server sent GOAWAY and closed the connection",
		"server closed idle connection",
	} {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 410, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 502)

	assert.ErrorIs(t, te, inner)
	assert.Equal(t, 502, te.StatusCode)
	assert.Equal(t, "root cause", te.Error())
}
