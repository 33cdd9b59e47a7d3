package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type fieldPair struct {
	from string
	to   string
}

// schema.org properties mapped onto canonical fields. Order matters:
// later entries overwrite earlier ones the way portals usually intend.
var schemaFieldMapping = []fieldPair{
	{"identifier", "external_id"},
	{"@id", "external_id"},
	{"sku", "external_id"},
	{"name", "title"},
	{"headline", "title"},
	{"alternateName", "title"},
	{"description", "description"},
	{"abstract", "description"},
	{"startDate", "posted_at"},
	{"datePublished", "posted_at"},
	{"datePosted", "posted_at"},
	{"endDate", "closing_at"},
	{"validThrough", "closing_at"},
	{"expires", "closing_at"},
	{"provider", "agency"},
	{"seller", "agency"},
	{"organizer", "agency"},
	{"author", "agency"},
	{"category", "category"},
	{"@type", "category"},
	{"location", "location"},
	{"areaServed", "location"},
	{"price", "estimated_value"},
	{"priceCurrency", "estimated_value_currency"},
	{"url", "detail_url"},
	{"mainEntityOfPage", "source_url"},
	{"email", "contact_email"},
	{"telephone", "contact_phone"},
}

// Common API field names mapped onto canonical fields. First mapping
// for a canonical field wins.
var apiFieldMappings = []fieldPair{
	{"id", "external_id"},
	{"bid_id", "external_id"},
	{"solicitation_id", "external_id"},
	{"opportunity_id", "external_id"},
	{"reference", "external_id"},
	{"number", "external_id"},
	{"title", "title"},
	{"name", "title"},
	{"subject", "title"},
	{"description_short", "title"},
	{"description", "description"},
	{"details", "description"},
	{"summary", "description"},
	{"scope", "description"},
	{"close_date", "closing_at"},
	{"closing_date", "closing_at"},
	{"due_date", "closing_at"},
	{"deadline", "closing_at"},
	{"end_date", "closing_at"},
	{"post_date", "posted_at"},
	{"posted_date", "posted_at"},
	{"publish_date", "posted_at"},
	{"open_date", "posted_at"},
	{"status", "status"},
	{"state", "status"},
	{"phase", "status"},
	{"agency", "agency"},
	{"organization", "agency"},
	{"buyer", "agency"},
	{"category", "category"},
	{"type", "category"},
	{"commodity", "category"},
	{"location", "location"},
	{"place", "location"},
	{"region", "location"},
	{"value", "estimated_value"},
	{"amount", "estimated_value"},
	{"budget", "estimated_value"},
	{"estimated_value", "estimated_value"},
	{"url", "detail_url"},
	{"link", "detail_url"},
	{"href", "detail_url"},
	{"contact", "contact_name"},
	{"contact_name", "contact_name"},
	{"buyer_name", "contact_name"},
	{"email", "contact_email"},
	{"contact_email", "contact_email"},
	{"phone", "contact_phone"},
	{"contact_phone", "contact_phone"},
}

var embeddedJSONPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)window\.__DATA__\s*=\s*(\{.+?\});`),
	regexp.MustCompile(`(?s)window\.initialData\s*=\s*(\{.+?\});`),
	regexp.MustCompile(`(?s)var\s+data\s*=\s*(\{.+?\});`),
	regexp.MustCompile(`(?s)var\s+bids\s*=\s*(\[.+?\]);`),
	regexp.MustCompile(`(?s)var\s+opportunities\s*=\s*(\[.+?\]);`),
	regexp.MustCompile(`(?s)JSON\.parse\s*\(\s*'(.+?)'\s*\)`),
}

var apiEnvelopeKeys = []string{"data", "results", "items", "records", "bids", "opportunities", "listings"}

// StructuredExtractor pulls records from JSON-LD markup, embedded
// script JSON, data attributes, and raw JSON API responses.
type StructuredExtractor struct {
	// JSONPathHints are dot paths tried before the common envelope keys
	// when unwrapping API responses.
	JSONPathHints []string
}

func (e *StructuredExtractor) Name() string { return "structured" }

func (e *StructuredExtractor) Extract(content, sourceURL string) *Result {
	result := &Result{Method: e.Name()}

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var data any
		if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
			if records := e.extractFromJSON(data); len(records) > 0 {
				result.Method = "raw_json"
				result.Records = records
				result.Confidence = 0.9
				return result
			}
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		result.addError(fmt.Sprintf("HTML parse error: %v", err))
		return result
	}

	records := extractJSONLD(doc)
	if len(records) > 0 {
		result.Method = "jsonld"
	}
	if len(records) == 0 {
		records = e.extractEmbeddedJSON(doc)
		if len(records) > 0 {
			result.Method = "embedded_json"
		}
	}
	if len(records) == 0 {
		records = extractDataAttributes(doc)
		if len(records) > 0 {
			result.Method = "data_attributes"
		}
	}

	result.Records = records
	result.Confidence = structuredConfidence(records)
	return result
}

// structuredConfidence blends field completeness with required and
// important coverage, weighted like the table extractor. Records with
// valid markup but no required fields score below the acceptance
// threshold so a richer strategy can take over.
func structuredConfidence(records []map[string]any) float64 {
	if len(records) == 0 {
		return 0
	}

	totalFields := 0
	completeRecords := 0
	importantHits := 0
	for _, r := range records {
		requiredSeen := 0
		for k, v := range r {
			if strings.HasPrefix(k, "_") {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			totalFields++
			if requiredFields[k] {
				requiredSeen++
			}
			if importantFields[k] {
				importantHits++
			}
		}
		if requiredSeen == len(requiredFields) {
			completeRecords++
		}
	}

	n := float64(len(records))
	fieldScore := float64(totalFields) / n / 6
	if fieldScore > 1 {
		fieldScore = 1
	}
	requiredScore := float64(completeRecords) / n
	importantScore := float64(importantHits) / n / float64(len(importantFields))
	recordFactor := n / 5
	if recordFactor > 1 {
		recordFactor = 1
	}

	confidence := fieldScore*0.3 + requiredScore*0.4 + importantScore*0.2 + recordFactor*0.1
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

func extractJSONLD(doc *goquery.Document) []map[string]any {
	var records []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, script *goquery.Selection) {
		text := script.Text()
		if strings.TrimSpace(text) == "" {
			return
		}
		var data any
		if err := json.Unmarshal([]byte(text), &data); err != nil {
			return
		}

		var items []any
		switch v := data.(type) {
		case map[string]any:
			if graph, ok := v["@graph"].([]any); ok {
				items = graph
			} else {
				items = []any{v}
			}
		case []any:
			items = v
		}

		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			record := mapJSONLD(obj)
			if hasValues(record) {
				records = append(records, record)
			}
		}
	})
	return records
}

func mapJSONLD(item map[string]any) map[string]any {
	record := map[string]any{}
	for _, fp := range schemaFieldMapping {
		v, ok := item[fp.from]
		if !ok {
			continue
		}
		value := scalarize(v)
		if value != "" {
			record[fp.to] = value
		}
	}
	record["_jsonld"] = item
	return record
}

// scalarize flattens nested JSON-LD values (objects and lists) to a
// display string.
func scalarize(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return trimFloat(t)
	case bool:
		return fmt.Sprintf("%t", t)
	case map[string]any:
		for _, key := range []string{"name", "value", "@value"} {
			if s := scalarize(t[key]); s != "" {
				return s
			}
		}
	case []any:
		if len(t) > 0 {
			return scalarize(t[0])
		}
	}
	return ""
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%v", f)
	return s
}

func (e *StructuredExtractor) extractEmbeddedJSON(doc *goquery.Document) []map[string]any {
	var records []map[string]any
	doc.Find("script:not([src])").Each(func(_ int, script *goquery.Selection) {
		text := script.Text()
		if text == "" {
			return
		}
		for _, pattern := range embeddedJSONPatterns {
			for _, m := range pattern.FindAllStringSubmatch(text, -1) {
				payload := m[1]
				payload = strings.ReplaceAll(payload, `\'`, `'`)
				payload = strings.ReplaceAll(payload, `\"`, `"`)

				var data any
				if err := json.Unmarshal([]byte(payload), &data); err != nil {
					continue
				}
				records = append(records, e.extractFromJSON(data)...)
			}
		}
	})
	return records
}

func (e *StructuredExtractor) extractFromJSON(data any) []map[string]any {
	var records []map[string]any

	switch v := data.(type) {
	case []any:
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				record := normalizeJSONRecord(obj)
				if hasValues(record) {
					records = append(records, record)
				}
			}
		}
		return records
	case map[string]any:
		for _, path := range e.JSONPathHints {
			nested := getNested(v, path)
			if nested == nil {
				continue
			}
			switch n := nested.(type) {
			case []any:
				for _, item := range n {
					if obj, ok := item.(map[string]any); ok {
						records = append(records, normalizeJSONRecord(obj))
					}
				}
			case map[string]any:
				records = append(records, normalizeJSONRecord(n))
			}
			if len(records) > 0 {
				return records
			}
		}

		for _, key := range apiEnvelopeKeys {
			nested, ok := v[key].([]any)
			if !ok {
				continue
			}
			for _, item := range nested {
				if obj, ok := item.(map[string]any); ok {
					records = append(records, normalizeJSONRecord(obj))
				}
			}
			if len(records) > 0 {
				return records
			}
		}

		record := normalizeJSONRecord(v)
		if hasValues(record) {
			records = append(records, record)
		}
	}
	return records
}

func normalizeJSONRecord(item map[string]any) map[string]any {
	record := map[string]any{}
	for _, fp := range apiFieldMappings {
		v, ok := item[fp.from]
		if !ok || v == nil {
			continue
		}
		if existing, ok := record[fp.to]; ok && existing != "" {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				record[fp.to] = t
			}
		case float64:
			record[fp.to] = trimFloat(t)
		case bool:
			record[fp.to] = fmt.Sprintf("%t", t)
		case map[string]any:
			record[fp.to] = scalarize(t)
		}
	}
	record["_raw"] = item
	return record
}

func extractDataAttributes(doc *goquery.Document) []map[string]any {
	var records []map[string]any
	doc.Find("[data-id], [data-bid-id], [data-item]").Each(func(_ int, el *goquery.Selection) {
		record := map[string]any{}
		for _, attr := range el.Nodes[0].Attr {
			if !strings.HasPrefix(attr.Key, "data-") {
				continue
			}
			field := strings.ReplaceAll(attr.Key[5:], "-", "_")
			switch field {
			case "id", "bid_id", "item_id":
				record["external_id"] = attr.Val
			case "title", "name":
				record["title"] = attr.Val
			case "status", "state":
				record["status"] = attr.Val
			case "date", "deadline", "due":
				record["closing_at"] = attr.Val
			default:
				record[field] = attr.Val
			}
		}
		if hasValues(record) {
			records = append(records, record)
		}
	})
	return records
}

// hasValues reports whether the record has any non-empty canonical
// field, ignoring underscore-prefixed debug keys.
func hasValues(record map[string]any) bool {
	for k, v := range record {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if v != nil {
			return true
		}
	}
	return false
}

func getNested(data map[string]any, path string) any {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx := -1
			if n, err := fmt.Sscanf(part, "%d", &idx); n != 1 || err != nil {
				return nil
			}
			if idx < 0 || idx >= len(c) {
				return nil
			}
			current = c[idx]
		default:
			return nil
		}
	}
	return current
}
