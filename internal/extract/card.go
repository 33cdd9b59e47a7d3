package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/agext/levenshtein"

	"github.com/procurewatch/procurewatch/internal/normalize"
	"github.com/procurewatch/procurewatch/internal/synonyms"
)

const minCardCount = 3

var cardImportantFields = []string{"closing_at", "posted_at", "status", "agency", "category", "detail_url"}

var (
	cardClassHints      = []string{"card", "result", "listing", "item", "opportunity", "search-result", "mat-card"}
	containerClassHints = []string{"results", "list", "items", "search-results", "listing", "content"}
	statusClassHints    = []string{"status", "badge", "state", "tag", "chip", "label"}
	agencyClassHints    = []string{"agency", "organization", "department", "buyer", "ministry", "fg-text", "org"}
	agencyKeywords      = []string{"town", "city", "county", "municipal", "ministry", "department", "authority", "board", "district", "university", "college", "school", "government"}
	statusTokens        = []string{"open", "closed", "awarded", "expired", "cancelled", "canceled", "draft", "evaluation", "selection"}
	titleStopwords      = map[string]bool{"view": true, "details": true, "more": true, "read more": true, "learn more": true}
)

var cardDatePattern = regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2}|\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\s+\d{1,2},\s+\d{4})\b`)

var externalIDPattern = regexp.MustCompile(`\b[A-Z]{2,}-\d{2,}[A-Z0-9-]*\b`)

// CardExtractor detects repeating card structures on div-based listing
// pages and extracts canonical fields without portal configuration.
type CardExtractor struct {
	// MinCardCount overrides the minimum repeated elements needed to
	// treat a container as a card list.
	MinCardCount int
	// FuzzyThreshold overrides the default fuzzy label match cutoff.
	FuzzyThreshold int
}

func (e *CardExtractor) Name() string { return "heuristic_card" }

func (e *CardExtractor) minCards() int {
	if e.MinCardCount > 0 {
		return e.MinCardCount
	}
	return minCardCount
}

func (e *CardExtractor) threshold() int {
	if e.FuzzyThreshold > 0 {
		return e.FuzzyThreshold
	}
	return FuzzyMatchThreshold
}

type cardCandidate struct {
	score     float64
	cards     []*goquery.Selection
	signature string
}

func (e *CardExtractor) Extract(content, sourceURL string) *Result {
	result := &Result{Method: e.Name()}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		result.addError(fmt.Sprintf("failed to parse HTML: %v", err))
		return result
	}

	candidates := e.findCandidateContainers(doc)
	if len(candidates) == 0 {
		result.addWarning("no repeating card containers found")
		return result
	}

	best := candidates[0]

	var mappings []FieldMapping
	var unmapped []string
	for index, card := range best.cards {
		record, cardMappings, cardUnmapped := e.extractCard(card, sourceURL)
		if len(record) > 0 {
			record["_row_index"] = index
			result.Records = append(result.Records, record)
		}
		mappings = append(mappings, cardMappings...)
		unmapped = append(unmapped, cardUnmapped...)
	}

	if len(result.Records) == 0 {
		result.addWarning("no card records extracted")
		return result
	}

	result.Mappings = dedupeMappings(mappings)
	result.Unmapped = dedupeStrings(unmapped)
	result.Confidence = cardConfidence(result.Records)

	if result.Confidence < MinConfidenceThreshold {
		result.addWarning("card extraction confidence below threshold")
	}
	return result
}

// findCandidateContainers groups each element's children by a
// tag-and-class signature and scores repeated groups as card lists.
func (e *CardExtractor) findCandidateContainers(doc *goquery.Document) []cardCandidate {
	var candidates []cardCandidate

	doc.Find("*").Each(func(_ int, container *goquery.Selection) {
		children := container.Children()
		if children.Length() < e.minCards() {
			return
		}

		grouped := map[string][]*goquery.Selection{}
		var order []string
		children.Each(func(_ int, child *goquery.Selection) {
			sig := childSignature(child)
			if _, ok := grouped[sig]; !ok {
				order = append(order, sig)
			}
			grouped[sig] = append(grouped[sig], child)
		})

		for _, sig := range order {
			cards := grouped[sig]
			if len(cards) < e.minCards() {
				continue
			}
			score := e.scoreContainer(container, cards, sig)
			if score > 0 {
				candidates = append(candidates, cardCandidate{score, cards, sig})
			}
		}
	})

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > 5 {
		candidates = candidates[:5]
	}
	return candidates
}

func childSignature(el *goquery.Selection) string {
	classes := strings.Fields(el.AttrOr("class", ""))
	sort.Strings(classes)
	if len(classes) > 3 {
		classes = classes[:3]
	}
	return goquery.NodeName(el) + "|" + strings.ToLower(strings.Join(classes, " "))
}

func (e *CardExtractor) scoreContainer(container *goquery.Selection, cards []*goquery.Selection, signature string) float64 {
	count := len(cards)

	linked, withText := 0, 0
	for _, card := range cards {
		if card.Find("a[href]").Length() > 0 {
			linked++
		}
		if len(normalize.NormalizeWhitespace(card.Text())) > 40 {
			withText++
		}
	}
	linkRatio := float64(linked) / float64(count)
	textRatio := float64(withText) / float64(count)

	childCount := container.Children().Length()
	similarityRatio := 0.0
	if childCount > 0 {
		similarityRatio = float64(count) / float64(childCount)
	}

	hintScore := 0.0
	if containsAny(signature, cardClassHints) {
		hintScore += 2.0
	}
	if containsAny(strings.ToLower(container.AttrOr("class", "")), containerClassHints) {
		hintScore += 1.5
	}
	if strings.Contains(goquery.NodeName(cards[0]), "-") {
		hintScore += 1.5
	}

	countScore := float64(count)
	if countScore > 30 {
		countScore = 30
	}
	contentMultiplier := 1 + linkRatio*2.0 + textRatio*1.5

	score := countScore*contentMultiplier + similarityRatio*2.0 + hintScore
	if linkRatio < 0.2 && textRatio < 0.2 {
		score *= 0.4
	}
	return score
}

func (e *CardExtractor) extractCard(card *goquery.Selection, baseURL string) (map[string]any, []FieldMapping, []string) {
	record := map[string]any{}

	detailURL, linkText := extractPrimaryLink(card, baseURL)
	title := extractTitle(card, linkText)

	if detailURL != "" {
		record["detail_url"] = detailURL
	}
	if title != "" {
		record["title"] = title
	}

	labelFields, mappings, unmapped := e.extractLabelValuePairs(card)
	for field, value := range labelFields {
		if value == "" {
			continue
		}
		if _, ok := record[field]; !ok {
			record[field] = value
		}
	}

	if _, ok := record["external_id"]; !ok {
		if id := extractExternalID(card, detailURL); id != "" {
			record["external_id"] = id
		}
	}
	if _, ok := record["status"]; !ok {
		if status := extractStatus(card); status != "" {
			record["status"] = status
		}
	}
	if _, ok := record["agency"]; !ok {
		if agency := extractAgency(card, title, record["status"]); agency != "" {
			record["agency"] = agency
		}
	}

	_, hasClosing := record["closing_at"]
	_, hasPosted := record["posted_at"]
	if !hasClosing || !hasPosted {
		dates := extractCardDates(card)
		if !hasClosing && len(dates) > 0 {
			record["closing_at"] = dates[0]
		}
		if !hasPosted && len(dates) > 1 {
			record["posted_at"] = dates[1]
		}
	}

	if record["external_id"] == nil && record["title"] == nil {
		return nil, mappings, unmapped
	}
	return record, mappings, unmapped
}

// extractPrimaryLink finds the most title-like link in a card.
func extractPrimaryLink(card *goquery.Selection, baseURL string) (href, text string) {
	bestScore := 0
	card.Find("a[href]").Each(func(_ int, link *goquery.Selection) {
		h := link.AttrOr("href", "")
		if h == "" || strings.HasPrefix(h, "#") || strings.HasPrefix(strings.ToLower(h), "javascript:") {
			return
		}
		t := normalize.NormalizeWhitespace(link.Text())
		score := 0
		if len(t) > 3 {
			score += len(t)
			if score > 80 {
				score = 80
			}
		}
		if strings.Contains(strings.ToLower(link.AttrOr("class", "")), "title") {
			score += 10
		}
		for _, token := range []string{"posting", "opportunity", "tender", "bid", "notice"} {
			if strings.Contains(h, token) {
				score += 20
				break
			}
		}
		if score > bestScore {
			bestScore = score
			href = h
			text = t
		}
	})
	if href == "" {
		return "", ""
	}
	return resolveURL(baseURL, href), text
}

func extractTitle(card *goquery.Selection, linkText string) string {
	if isTitleCandidate(linkText) {
		return linkText
	}
	for _, selector := range []string{"h1", "h2", "h3", "h4", "h5"} {
		title := ""
		card.Find(selector).EachWithBreak(func(_ int, el *goquery.Selection) bool {
			if t := normalize.NormalizeWhitespace(el.Text()); isTitleCandidate(t) {
				title = t
				return false
			}
			return true
		})
		if title != "" {
			return title
		}
	}

	title := ""
	card.Find("[class*='title']").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if t := normalize.NormalizeWhitespace(el.Text()); isTitleCandidate(t) {
			title = t
			return false
		}
		return true
	})
	if title != "" {
		return title
	}

	var candidates []string
	for _, line := range textLines(card) {
		if isTitleCandidate(line) {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return len(candidates[i]) > len(candidates[j])
		})
		return candidates[0]
	}
	return ""
}

func isTitleCandidate(text string) bool {
	cleaned := strings.TrimSpace(text)
	if len(cleaned) < 4 || len(cleaned) > 180 {
		return false
	}
	return !titleStopwords[strings.ToLower(cleaned)]
}

func extractExternalID(card *goquery.Selection, detailURL string) string {
	idAttrs := []string{"data-id", "data-bid-id", "data-opportunity-id", "data-posting-id", "data-item-id", "id"}
	found := ""
	card.Find("*").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		for _, attr := range idAttrs {
			if v, ok := el.Attr(attr); ok && v != "" {
				found = v
				return false
			}
		}
		return true
	})
	if found == "" {
		for _, attr := range idAttrs {
			if v, ok := card.Attr(attr); ok && v != "" {
				found = v
				break
			}
		}
	}
	if found != "" {
		return found
	}

	if detailURL != "" {
		if parsed, err := url.Parse(detailURL); err == nil {
			path := strings.TrimRight(parsed.Path, "/")
			if path != "" {
				segments := strings.Split(path, "/")
				last := segments[len(segments)-1]
				if len(last) >= 4 {
					return last
				}
			}
			query := parsed.Query()
			for _, key := range []string{"id", "bid", "posting", "opportunity"} {
				if v := query.Get(key); v != "" {
					return v
				}
			}
		}
	}

	return externalIDPattern.FindString(card.Text())
}

func extractStatus(card *goquery.Selection) string {
	status := ""
	card.Find("*").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if containsAny(strings.ToLower(el.AttrOr("class", "")), statusClassHints) {
			text := normalize.NormalizeWhitespace(el.Text())
			if text != "" && len(text) <= 24 {
				status = text
				return false
			}
		}
		return true
	})
	if status != "" {
		return status
	}

	text := strings.ToLower(normalize.NormalizeWhitespace(card.Text()))
	for _, token := range []string{"open", "closed", "awarded", "expired", "cancelled", "canceled"} {
		if strings.Contains(text, token) {
			return strings.ToUpper(token[:1]) + token[1:]
		}
	}
	return ""
}

func extractAgency(card *goquery.Selection, title string, status any) string {
	statusText, _ := status.(string)

	type scoredText struct {
		score float64
		text  string
	}
	var candidates []scoredText

	card.Find("*").Each(func(_ int, el *goquery.Selection) {
		if containsAny(strings.ToLower(el.AttrOr("class", "")), agencyClassHints) {
			text := normalize.NormalizeWhitespace(el.Text())
			if score := scoreAgencyCandidate(text); score > 0 {
				candidates = append(candidates, scoredText{score, text})
			}
		}
	})
	if len(candidates) == 0 {
		for _, line := range textLines(card) {
			if line == title || line == statusText {
				continue
			}
			if score := scoreAgencyCandidate(line); score > 0 {
				candidates = append(candidates, scoredText{score, line})
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates[0].text
}

func scoreAgencyCandidate(text string) float64 {
	if len(text) < 3 || len(text) > 140 {
		return 0
	}
	if cardDatePattern.MatchString(text) {
		return 0
	}

	lower := strings.ToLower(text)
	score := 0.0
	if containsAny(lower, agencyKeywords) {
		score += 6
	}
	if containsAny(lower, statusTokens) {
		score -= 6
	}

	diff := len(text) - 30
	if diff < 0 {
		diff = -diff
	}
	lengthScore := 20.0 - float64(diff)
	if lengthScore < 0 {
		lengthScore = 0
	}
	score += lengthScore / 2

	if len(strings.Fields(text)) >= 2 {
		score += 2
	}
	return score
}

func extractCardDates(card *goquery.Selection) []string {
	text := normalize.NormalizeWhitespace(card.Text())
	if text == "" {
		return nil
	}
	return cardDatePattern.FindAllString(text, -1)
}

// extractLabelValuePairs gathers label/value pairs from the structures
// portals commonly use inside cards and maps the labels onto canonical
// fields.
func (e *CardExtractor) extractLabelValuePairs(card *goquery.Selection) (map[string]string, []FieldMapping, []string) {
	type pair struct{ label, value string }
	var pairs []pair

	card.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		label := normalize.NormalizeWhitespace(dt.Text())
		dd := dt.Next()
		if goquery.NodeName(dd) == "dd" {
			value := normalize.NormalizeWhitespace(dd.Text())
			if label != "" && value != "" {
				pairs = append(pairs, pair{label, value})
			}
		}
	})

	card.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() >= 2 {
			label := normalize.NormalizeWhitespace(cells.Eq(0).Text())
			value := normalize.NormalizeWhitespace(cells.Eq(1).Text())
			if label != "" && value != "" {
				pairs = append(pairs, pair{label, value})
			}
		}
	})

	card.Find("[class*='detail']").Each(func(_ int, detail *goquery.Selection) {
		headers := detail.Find("[class*='header']")
		values := detail.Find("[class*='value']")
		if headers.Length() > 0 && values.Length() > 0 {
			label := normalize.NormalizeWhitespace(headers.First().Text())
			value := normalize.NormalizeWhitespace(values.First().Text())
			if label != "" && value != "" {
				pairs = append(pairs, pair{label, value})
			}
		}
	})

	card.Find(".label, .field-label, .field-name, [class*='label']").Each(func(_ int, el *goquery.Selection) {
		label := normalize.NormalizeWhitespace(el.Text())
		if label == "" || len(label) > 60 {
			return
		}
		value := normalize.NormalizeWhitespace(el.Next().Text())
		if value != "" {
			pairs = append(pairs, pair{label, value})
		}
	})

	for _, line := range textLines(card) {
		if idx := strings.Index(line, ":"); idx >= 0 && len(line) < 120 {
			label := normalize.NormalizeWhitespace(line[:idx])
			value := normalize.NormalizeWhitespace(line[idx+1:])
			if label != "" && value != "" {
				pairs = append(pairs, pair{label, value})
			}
		}
	}

	mapped := map[string]string{}
	var mappings []FieldMapping
	var unmapped []string
	for index, p := range pairs {
		canonical, confidence, matchType := e.matchLabel(p.label)
		if canonical == "" {
			unmapped = append(unmapped, p.label)
			continue
		}
		if _, ok := mapped[canonical]; !ok {
			mapped[canonical] = p.value
		}
		mappings = append(mappings, FieldMapping{
			Header:     p.label,
			Canonical:  canonical,
			Column:     index,
			Confidence: confidence,
			Match:      matchType,
		})
	}
	return mapped, mappings, unmapped
}

var labelKeywordFields = []struct {
	field  string
	tokens []string
}{
	{"posted_at", []string{"posting", "posted", "publish", "issue", "open date"}},
	{"closing_at", []string{"closing", "close", "due", "deadline", "end"}},
	{"external_id", []string{"reference", "solicitation", "rfp", "rfq", "bid", "notice"}},
	{"category", []string{"category", "type", "commodity", "classification"}},
	{"status", []string{"status", "state", "phase"}},
	{"agency", []string{"agency", "organization", "department", "buyer", "ministry"}},
}

var labelCleanRe = regexp.MustCompile(`[^a-z0-9#\s]`)

func (e *CardExtractor) matchLabel(label string) (field string, confidence float64, matchType string) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	normalized = labelCleanRe.ReplaceAllString(normalized, " ")
	normalized = normalize.NormalizeWhitespace(normalized)
	if normalized == "" {
		return "", 0, "none"
	}

	for _, kw := range labelKeywordFields {
		if containsAny(normalized, kw.tokens) {
			return kw.field, 0.9, "keyword"
		}
	}

	if exact := synonyms.FindCanonicalField(normalized); exact != "" {
		return exact, 1.0, "exact"
	}

	best := ""
	bestScore := 0
	for f, aliases := range synonyms.HeaderSynonyms {
		for _, alias := range aliases {
			score := int(levenshtein.Similarity(normalized, strings.ToLower(alias), nil) * 100)
			if score > bestScore && score >= e.threshold() {
				bestScore = score
				best = f
			}
		}
	}
	if best != "" {
		return best, 0.7, "fuzzy"
	}
	return "", 0, "none"
}

func textLines(card *goquery.Selection) []string {
	raw := card.Text()
	if raw == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if cleaned := normalize.NormalizeWhitespace(line); cleaned != "" {
			lines = append(lines, cleaned)
		}
	}
	return lines
}

func cardConfidence(records []map[string]any) float64 {
	if len(records) == 0 {
		return 0
	}
	requiredHits := 0
	fieldScore := 0.0
	for _, record := range records {
		present := 0
		for _, field := range cardImportantFields {
			if v, ok := record[field]; ok && v != "" {
				present++
			}
		}
		fieldScore += float64(present) / float64(len(cardImportantFields))
		if record["external_id"] != nil || record["title"] != nil {
			requiredHits++
		}
	}
	fieldScore /= float64(len(records))
	requiredScore := float64(requiredHits) / float64(len(records))
	recordFactor := float64(len(records)) / 5
	if recordFactor > 1 {
		recordFactor = 1
	}
	return round3(fieldScore*0.4 + requiredScore*0.4 + recordFactor*0.2)
}

func containsAny(s string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(s, token) {
			return true
		}
	}
	return false
}

func dedupeMappings(mappings []FieldMapping) []FieldMapping {
	seen := map[[2]string]bool{}
	var out []FieldMapping
	for _, m := range mappings {
		key := [2]string{m.Header, m.Canonical}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func dedupeStrings(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
