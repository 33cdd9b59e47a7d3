package resilience

import (
	"errors"
	"fmt"
)

// BlockKind identifies the anti-bot mechanism that produced a block.
type BlockKind string

const (
	BlockCloudflare BlockKind = "cloudflare"
	BlockCaptcha    BlockKind = "captcha"
	BlockJSShell    BlockKind = "js_shell"
)

// BlockedError indicates the remote site served an anti-bot challenge
// instead of content. It is terminal: retrying the same request will only
// trip the block again.
type BlockedError struct {
	Kind BlockKind
	URL  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked (%s) fetching %s", e.Kind, e.URL)
}

// NewBlockedError creates a BlockedError for the given URL.
func NewBlockedError(kind BlockKind, url string) *BlockedError {
	return &BlockedError{Kind: kind, URL: url}
}

// IsBlocked returns true if the error chain contains a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
