package fetch

import (
	"net/http"
	"strings"

	"github.com/procurewatch/procurewatch/internal/resilience"
)

// DetectBlock checks an HTTP response for signs of anti-bot protection.
// It returns the kind of block found, or false when the page looks like
// real content.
func DetectBlock(statusCode int, header http.Header, body []byte) (bool, resilience.BlockKind) {
	// Cloudflare: 403/503 with cf-* headers.
	if statusCode == 403 || statusCode == 503 {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
			return true, resilience.BlockCloudflare
		}
		if header.Get("server") == "cloudflare" {
			return true, resilience.BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, resilience.BlockCloudflare
	}

	// Captcha markers.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, resilience.BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, resilience.BlockJSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, resilience.BlockJSShell
		}
	}

	return false, ""
}
