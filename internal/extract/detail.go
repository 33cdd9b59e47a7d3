package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/procurewatch/procurewatch/internal/normalize"
)

// DetailConfig configures extraction from opportunity detail pages.
type DetailConfig struct {
	Fields              map[string]FieldRule `yaml:"fields" mapstructure:"fields"`
	DescriptionSelector string               `yaml:"description_selector" mapstructure:"description_selector"`
}

// Label keywords tried on detail pages when no rules are configured or
// rules produce too few fields.
var detailLabelPatterns = []struct {
	field    string
	keywords []string
}{
	{"title", []string{"title", "solicitation title", "project name", "bid title"}},
	{"external_id", []string{"solicitation number", "bid number", "rfp number", "id", "number"}},
	{"closing_at", []string{"closing date", "due date", "deadline", "close date", "end date"}},
	{"posted_at", []string{"posted date", "publish date", "open date", "issue date"}},
	{"status", []string{"status", "bid status", "state"}},
	{"agency", []string{"agency", "department", "organization", "buyer"}},
	{"category", []string{"category", "type", "commodity", "classification"}},
	{"description", []string{"description", "scope", "details", "summary"}},
	{"contact_name", []string{"contact", "buyer name", "procurement officer"}},
	{"contact_email", []string{"email", "contact email"}},
	{"estimated_value", []string{"estimated value", "budget", "value", "amount"}},
}

// ExtractDetail pulls supplementary fields from a detail page using
// configured rules, falling back to heuristic label-value scanning when
// rules yield too little.
func ExtractDetail(content, pageURL string, cfg DetailConfig) map[string]any {
	data := map[string]any{}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return map[string]any{"_error": "parse error: " + err.Error()}
	}

	if len(cfg.Fields) > 0 {
		rules := &RuleExtractor{Fields: cfg.Fields}
		root := doc.Nodes[0]
		for _, name := range rules.fieldNames() {
			if value := rules.extractField(root, cfg.Fields[name], pageURL); value != "" {
				data[name] = value
			}
		}
	}

	if cfg.DescriptionSelector != "" {
		if sel := doc.Find(cfg.DescriptionSelector); sel.Length() > 0 {
			data["description"] = normalize.NormalizeWhitespace(sel.First().Text())
		}
	}

	if len(data) < 3 {
		for field, value := range heuristicDetailFields(doc) {
			if _, ok := data[field]; !ok {
				data[field] = value
			}
		}
	}

	confidence := 0.3
	if len(data) > 0 {
		confidence = 0.7
	}
	data["source_url"] = pageURL
	data["confidence"] = confidence
	return data
}

func heuristicDetailFields(doc *goquery.Document) map[string]any {
	data := map[string]any{}

	assign := func(label, value string) {
		if value == "" {
			return
		}
		if field := matchDetailLabel(label); field != "" {
			data[field] = value
		}
	}

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.Next()
		if goquery.NodeName(dd) == "dd" {
			assign(dt.Text(), normalize.NormalizeWhitespace(dd.Text()))
		}
	})

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() >= 2 {
			assign(cells.Eq(0).Text(), normalize.NormalizeWhitespace(cells.Eq(1).Text()))
		}
	})

	doc.Find(".label, .field-label, [class*='label']").Each(func(_ int, el *goquery.Selection) {
		next := el.Next()
		if next.Length() > 0 {
			assign(el.Text(), normalize.NormalizeWhitespace(next.Text()))
		}
	})

	return data
}

func matchDetailLabel(label string) string {
	normalized := strings.TrimRight(strings.ToLower(strings.TrimSpace(normalize.NormalizeWhitespace(label))), ":")
	for _, lp := range detailLabelPatterns {
		for _, keyword := range lp.keywords {
			if strings.Contains(normalized, keyword) {
				return lp.field
			}
		}
	}
	return ""
}
