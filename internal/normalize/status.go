package normalize

import (
	"strings"

	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/synonyms"
)

// StatusResult is a parsed status with confidence.
type StatusResult struct {
	Status     model.Status
	Confidence float64
	Original   string
}

// Pattern order matters: "pending" alone reads as still-open, so OPEN
// is checked before PENDING.
var statusPatterns = []struct {
	status   model.Status
	patterns []string
}{
	{model.StatusOpen, []string{
		"open", "active", "accepting", "in progress", "pending",
		"current", "live", "ongoing", "available", "accepting bids",
		"accepting quotes", "accepting proposals", "open for bid",
		"open for quote", "bidding open",
	}},
	{model.StatusClosed, []string{
		"closed", "ended", "expired", "deadline passed",
		"no longer accepting", "bidding closed", "submission closed",
		"past deadline", "time expired",
	}},
	{model.StatusAwarded, []string{
		"awarded", "award", "winner selected", "contract awarded",
		"vendor selected", "successful bidder", "awardee",
	}},
	{model.StatusCancelled, []string{
		"cancelled", "canceled", "withdrawn", "rescinded", "voided",
		"terminated", "discontinued", "abandoned",
	}},
	{model.StatusPending, []string{
		"pending", "under review", "in review", "evaluation",
		"being evaluated", "under evaluation", "in evaluation",
	}},
}

// ParseStatus maps a raw status string onto a canonical status. Exact
// synonym membership wins, substring matches score high, fuzzy word
// overlap lower, and unrecognized text falls through to UNKNOWN at low
// confidence.
func ParseStatus(raw string) StatusResult {
	original := raw
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return StatusResult{Status: model.StatusUnknown, Original: original}
	}

	if status, ok := synonyms.NormalizeStatus(text); ok {
		return StatusResult{Status: status, Confidence: 0.95, Original: original}
	}

	for _, sp := range statusPatterns {
		for _, pattern := range sp.patterns {
			if strings.Contains(text, pattern) {
				conf := 0.85
				if text == pattern {
					conf = 0.95
				}
				return StatusResult{Status: sp.status, Confidence: conf, Original: original}
			}
		}
	}

	for _, sp := range statusPatterns {
		for _, pattern := range sp.patterns {
			if fuzzyContains(text, pattern, 0.8) {
				return StatusResult{Status: sp.status, Confidence: 0.7, Original: original}
			}
		}
	}

	return StatusResult{Status: model.StatusUnknown, Confidence: 0.3, Original: original}
}

// fuzzyContains reports whether enough of pattern's words appear in
// text.
func fuzzyContains(text, pattern string, threshold float64) bool {
	patternWords := strings.Fields(pattern)
	if len(patternWords) == 0 {
		return false
	}
	textWords := make(map[string]struct{})
	for _, w := range strings.Fields(text) {
		textWords[w] = struct{}{}
	}
	matched := 0
	for _, w := range patternWords {
		if _, ok := textWords[w]; ok {
			matched++
		}
	}
	return float64(matched)/float64(len(patternWords)) >= threshold
}
