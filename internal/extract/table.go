package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/procurewatch/procurewatch/internal/normalize"
	"github.com/procurewatch/procurewatch/internal/synonyms"
)

// TableExtractor finds the most promising HTML table on a page and maps
// its columns onto canonical fields via header synonyms.
type TableExtractor struct {
	// TableSelector pins extraction to specific tables instead of
	// auto-detection.
	TableSelector string
	// HeaderAliases adds portal-specific header synonyms.
	HeaderAliases map[string][]string
	// FuzzyThreshold overrides the default fuzzy match cutoff.
	FuzzyThreshold int
}

func (e *TableExtractor) Name() string { return "heuristic_table" }

func (e *TableExtractor) aliases() map[string][]string {
	return synonyms.Merged(e.HeaderAliases)
}

func (e *TableExtractor) threshold() int {
	if e.FuzzyThreshold > 0 {
		return e.FuzzyThreshold
	}
	return FuzzyMatchThreshold
}

func (e *TableExtractor) Extract(content, sourceURL string) *Result {
	result := &Result{Method: e.Name()}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		result.addError(fmt.Sprintf("failed to parse HTML: %v", err))
		return result
	}

	tables := e.findTables(doc)
	if len(tables) == 0 {
		result.addWarning("no tables found in document")
		return result
	}

	var best *Result
	for _, table := range tables {
		attempt := e.extractTable(table, sourceURL)
		if attempt.OK() && (best == nil || attempt.Confidence > best.Confidence) {
			best = attempt
		}
	}
	if best != nil {
		return best
	}

	result.addWarning(fmt.Sprintf("tried %d tables, none matched required fields", len(tables)))
	return result
}

// findTables returns candidate tables ordered by likelihood, capped at
// five.
func (e *TableExtractor) findTables(doc *goquery.Document) []*goquery.Selection {
	selector := e.TableSelector
	if selector == "" {
		selector = "table"
	}

	type scored struct {
		score float64
		sel   *goquery.Selection
	}
	var candidates []scored
	doc.Find(selector).Each(func(_ int, table *goquery.Selection) {
		if score := e.scoreTable(table); score > 0 {
			candidates = append(candidates, scored{score, table})
		}
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > 5 {
		candidates = candidates[:5]
	}
	out := make([]*goquery.Selection, len(candidates))
	for i, c := range candidates {
		out[i] = c.sel
	}
	return out
}

func (e *TableExtractor) scoreTable(table *goquery.Selection) float64 {
	headers := extractHeaders(table)
	if len(headers) == 0 {
		return 0
	}

	score := 0.0
	aliases := e.aliases()
	for _, header := range headers {
		canonical, _ := matchHeader(header, aliases, e.threshold())
		switch {
		case canonical == "":
		case requiredFields[canonical]:
			score += 10
		case importantFields[canonical]:
			score += 5
		default:
			score += 2
		}
	}

	rows := table.Find("tbody tr")
	if rows.Length() == 0 {
		rows = table.Find("tr")
	}
	switch n := rows.Length(); {
	case n == 0:
		return 0
	case n < 3:
		score *= 0.5
	case n > 100:
		score *= 1.2
	}

	if table.Find("table").Length() > 0 {
		score *= 0.5
	}
	return score
}

func extractHeaders(table *goquery.Selection) []string {
	cells := table.Find("thead th")
	if cells.Length() == 0 {
		cells = table.Find("tr").First().Find("th")
	}
	if cells.Length() == 0 {
		cells = table.Find("tr").First().Find("td")
	}

	var headers []string
	cells.Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, cellText(cell))
	})
	return headers
}

func cellText(cell *goquery.Selection) string {
	return normalize.NormalizeWhitespace(cell.Text())
}

func cellLink(cell *goquery.Selection, baseURL string) string {
	href, ok := cell.Find("a").First().Attr("href")
	if !ok {
		return ""
	}
	return resolveURL(baseURL, href)
}

func (e *TableExtractor) extractTable(table *goquery.Selection, baseURL string) *Result {
	result := &Result{Method: e.Name()}

	headers := extractHeaders(table)
	if len(headers) == 0 {
		result.addWarning("no headers found in table")
		return result
	}

	aliases := e.aliases()
	mappedFields := map[string]bool{}
	for i, header := range headers {
		canonical, exact := matchHeader(header, aliases, e.threshold())
		if canonical == "" {
			result.Unmapped = append(result.Unmapped, header)
			continue
		}
		confidence, match := 0.7, "fuzzy"
		if exact {
			confidence, match = 1.0, "exact"
		}
		result.Mappings = append(result.Mappings, FieldMapping{
			Header:     header,
			Canonical:  canonical,
			Column:     i,
			Confidence: confidence,
			Match:      match,
		})
		mappedFields[canonical] = true
	}

	hasRequired := false
	for f := range mappedFields {
		if requiredFields[f] {
			hasRequired = true
			break
		}
	}
	if !hasRequired {
		result.addWarning(fmt.Sprintf("missing required fields, mapped: %v", sortedKeys(mappedFields)))
		result.Confidence = 0.2
		return result
	}

	rows := table.Find("tbody tr")
	if rows.Length() == 0 {
		rows = table.Find("tr").Slice(1, goquery.ToEnd)
	}

	rows.Each(func(rowIdx int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() == 0 {
			return
		}

		record := map[string]any{}
		hasData := false
		for _, mapping := range result.Mappings {
			if mapping.Column >= cells.Length() {
				continue
			}
			cell := cells.Eq(mapping.Column)
			if value := cellText(cell); value != "" {
				record[mapping.Canonical] = value
				hasData = true
			}
			switch mapping.Canonical {
			case "external_id", "title", "detail_url":
				if link := cellLink(cell, baseURL); link != "" {
					record["detail_url"] = link
				}
			}
		}
		if hasData {
			record["_row_index"] = rowIdx
			result.Records = append(result.Records, record)
		}
	})

	result.Confidence = e.confidence(result, mappedFields)
	return result
}

// confidence blends mapping quality, required and important field
// coverage, and record volume.
func (e *TableExtractor) confidence(result *Result, mappedFields map[string]bool) float64 {
	if len(result.Records) == 0 {
		return 0
	}
	total := len(result.Mappings) + len(result.Unmapped)
	if total == 0 {
		return 0
	}
	mappingConfidence := 0.0
	for _, m := range result.Mappings {
		mappingConfidence += m.Confidence
	}
	fieldScore := mappingConfidence / float64(total)

	requiredHits, importantHits := 0, 0
	for f := range mappedFields {
		if requiredFields[f] {
			requiredHits++
		}
		if importantFields[f] {
			importantHits++
		}
	}
	requiredScore := float64(requiredHits) / float64(len(requiredFields))
	importantScore := float64(importantHits) / float64(len(importantFields))

	recordFactor := float64(len(result.Records)) / 5
	if recordFactor > 1 {
		recordFactor = 1
	}

	conf := fieldScore*0.3 + requiredScore*0.4 + importantScore*0.2 + recordFactor*0.1
	return round3(conf)
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
