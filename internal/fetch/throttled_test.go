package fetch

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	calls int
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, req Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{URL: req.URL, StatusCode: 200, Body: []byte("ok")}, nil
}

func TestThrottledFetcherReleasesOnError(t *testing.T) {
	stub := &stubFetcher{err: eris.New("boom")}
	tf := NewThrottledFetcher(stub, NewRateLimiter(fastPoliteness()))
	url := "https://bids.springfield.gov/listing"

	// MaxConcurrency is 1: if the slot leaked on error, the second call
	// would block forever instead of failing fast.
	for range 3 {
		_, err := tf.Fetch(context.Background(), Request{URL: url})
		require.Error(t, err)
	}
	assert.Equal(t, 3, stub.calls)
}

func TestThrottledFetcherPassesThrough(t *testing.T) {
	stub := &stubFetcher{}
	tf := NewThrottledFetcher(stub, NewRateLimiter(fastPoliteness()))

	resp, err := tf.Fetch(context.Background(), Request{URL: "https://bids.springfield.gov/p1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, stub.calls)
}
