// Package extract pulls opportunity records out of portal listing pages
// using layered strategies: structured data, heuristic tables, heuristic
// cards, and configured CSS or XPath rules.
package extract

import (
	"net/url"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/procurewatch/procurewatch/internal/synonyms"
)

// Minimum fuzzy match score (0-100) for header mapping.
const FuzzyMatchThreshold = 75

// Minimum confidence for a pipeline attempt to be accepted.
const MinConfidenceThreshold = 0.4

var (
	requiredFields  = map[string]bool{"external_id": true, "title": true}
	importantFields = map[string]bool{"closing_at": true, "posted_at": true, "status": true, "agency": true}
)

// FieldMapping records how one header or label was mapped to a
// canonical field.
type FieldMapping struct {
	Header     string  `json:"header"`
	Canonical  string  `json:"canonical"`
	Column     int     `json:"column,omitempty"`
	Confidence float64 `json:"confidence"`
	Match      string  `json:"match"`
}

// Result is the outcome of one extraction attempt.
type Result struct {
	Method     string           `json:"method"`
	Records    []map[string]any `json:"records"`
	Confidence float64          `json:"confidence"`
	Mappings   []FieldMapping   `json:"mappings,omitempty"`
	Unmapped   []string         `json:"unmapped,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
}

// OK reports whether the attempt produced usable records.
func (r *Result) OK() bool {
	return r != nil && len(r.Records) > 0 && r.Confidence > 0.3
}

func (r *Result) addWarning(msg string) { r.Warnings = append(r.Warnings, msg) }
func (r *Result) addError(msg string)   { r.Errors = append(r.Errors, msg) }

// Extractor is one extraction strategy.
type Extractor interface {
	Name() string
	Extract(content, sourceURL string) *Result
}

// matchHeader maps a raw header onto a canonical field, trying exact
// synonym membership first and falling back to fuzzy matching.
func matchHeader(header string, aliases map[string][]string, threshold int) (field string, exact bool) {
	normalized := strings.ToLower(strings.TrimSpace(header))
	if normalized == "" {
		return "", false
	}
	if canonical := synonyms.FindCanonicalField(normalized); canonical != "" {
		return canonical, true
	}
	// portal-configured aliases match exactly too
	for f, names := range aliases {
		for _, alias := range names {
			if normalized == strings.ToLower(strings.TrimSpace(alias)) {
				return f, true
			}
		}
	}

	best := ""
	bestScore := 0
	for f, names := range aliases {
		for _, alias := range names {
			score := int(levenshtein.Similarity(normalized, strings.ToLower(alias), nil) * 100)
			if score > bestScore && score >= threshold {
				bestScore = score
				best = f
			}
		}
	}
	return best, false
}

// resolveURL makes href absolute against base when possible.
func resolveURL(base, href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if base == "" {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
