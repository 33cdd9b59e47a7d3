package resilience

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsBlocked(t *testing.T) {
	err := NewBlockedError(BlockCaptcha, "https://bids.springfield.gov/listing")
	assert.True(t, IsBlocked(err))
	assert.True(t, IsBlocked(eris.Wrap(err, "fetch page")))
	assert.Contains(t, err.Error(), "captcha")

	assert.False(t, IsBlocked(eris.New("generic failure")))
	assert.False(t, IsBlocked(nil))
}

func TestBlockedIsNotTransient(t *testing.T) {
	err := NewBlockedError(BlockCloudflare, "https://bids.springfield.gov")
	assert.False(t, IsTransient(err))
}
