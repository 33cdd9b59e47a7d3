package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/procurewatch/procurewatch/internal/normalize"
)

// FieldRule configures extraction of a single field.
type FieldRule struct {
	// Selectors are CSS or XPath selectors tried in order.
	Selectors []string `yaml:"selectors" mapstructure:"selectors"`
	// Attribute extracts an attribute instead of text content. href and
	// src values are resolved against the page URL.
	Attribute string `yaml:"attribute" mapstructure:"attribute"`
	// Regex narrows the value to the first capture group, or the whole
	// match when the pattern has no groups.
	Regex string `yaml:"regex" mapstructure:"regex"`
	// Raw skips whitespace normalization.
	Raw bool `yaml:"raw" mapstructure:"raw"`
	// Required marks the field as needed for a valid record.
	Required bool `yaml:"required" mapstructure:"required"`
}

// RuleExtractor extracts listing fields with explicit CSS or XPath
// selectors from portal configuration.
type RuleExtractor struct {
	// XPathMode forces XPath interpretation for all selectors.
	XPathMode bool
	// ContainerSelector iterates one record per matched container. When
	// empty, field value lists are aligned by index instead.
	ContainerSelector string
	Fields            map[string]FieldRule
}

func (e *RuleExtractor) Name() string { return "rules" }

func (e *RuleExtractor) Extract(content, sourceURL string) *Result {
	result := &Result{Method: e.Name()}

	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		result.addError(fmt.Sprintf("failed to parse HTML: %v", err))
		return result
	}

	if len(e.Fields) == 0 {
		result.addWarning("no rule fields configured")
		return result
	}

	var records []map[string]any
	if e.ContainerSelector != "" {
		containers := e.selectNodes(root, e.ContainerSelector)
		if len(containers) == 0 {
			result.addWarning("no containers matched rule selector")
			return result
		}
		records = e.extractFromContainers(containers, sourceURL)
	} else {
		records = e.extractFromFieldLists(root, sourceURL)
	}

	result.Records = records
	result.Confidence = e.confidence(records)
	if result.Confidence < MinConfidenceThreshold {
		result.addWarning("rule extraction confidence below threshold")
	}
	return result
}

func (e *RuleExtractor) fieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *RuleExtractor) extractFromContainers(containers []*html.Node, baseURL string) []map[string]any {
	var records []map[string]any
	for index, container := range containers {
		record := map[string]any{}
		for _, name := range e.fieldNames() {
			if value := e.extractField(container, e.Fields[name], baseURL); value != "" {
				record[name] = value
			}
		}
		if len(record) > 0 {
			record["_row_index"] = index
			records = append(records, record)
		}
	}
	return records
}

// extractFromFieldLists aligns per-field value lists by index when no
// container selector is configured.
func (e *RuleExtractor) extractFromFieldLists(root *html.Node, baseURL string) []map[string]any {
	fieldValues := map[string][]string{}
	maxLen := 0
	for _, name := range e.fieldNames() {
		values := e.extractValues(root, e.Fields[name], baseURL)
		if len(values) > 0 {
			fieldValues[name] = values
			if len(values) > maxLen {
				maxLen = len(values)
			}
		}
	}
	if len(fieldValues) == 0 {
		return nil
	}

	var records []map[string]any
	for index := 0; index < maxLen; index++ {
		record := map[string]any{}
		for _, name := range e.fieldNames() {
			values := fieldValues[name]
			if index < len(values) && values[index] != "" {
				record[name] = values[index]
			}
		}
		if len(record) > 0 {
			record["_row_index"] = index
			records = append(records, record)
		}
	}
	return records
}

func (e *RuleExtractor) extractField(container *html.Node, rule FieldRule, baseURL string) string {
	for _, selector := range rule.Selectors {
		nodes := e.selectNodes(container, selector)
		if len(nodes) == 0 {
			continue
		}
		if value := e.extractValue(nodes[0], rule, baseURL); value != "" {
			return value
		}
	}
	return ""
}

func (e *RuleExtractor) extractValues(container *html.Node, rule FieldRule, baseURL string) []string {
	for _, selector := range rule.Selectors {
		nodes := e.selectNodes(container, selector)
		if len(nodes) == 0 {
			continue
		}
		var values []string
		for _, node := range nodes {
			if value := e.extractValue(node, rule, baseURL); value != "" {
				values = append(values, value)
			}
		}
		if len(values) > 0 {
			return values
		}
	}
	return nil
}

// selectNodes runs a selector as CSS or XPath depending on mode and
// selector shape.
func (e *RuleExtractor) selectNodes(container *html.Node, selector string) []*html.Node {
	if e.XPathMode || looksLikeXPath(selector) {
		nodes, err := htmlquery.QueryAll(container, selector)
		if err != nil {
			return nil
		}
		return nodes
	}

	sel, err := cascadia.Parse(selector)
	if err != nil {
		return nil
	}
	return cascadia.QueryAll(container, sel)
}

func looksLikeXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") ||
		strings.HasPrefix(selector, ".//") ||
		strings.HasPrefix(selector, "(")
}

func (e *RuleExtractor) extractValue(node *html.Node, rule FieldRule, baseURL string) string {
	var value string
	if rule.Attribute != "" {
		value = htmlquery.SelectAttr(node, rule.Attribute)
		if value != "" && (rule.Attribute == "href" || rule.Attribute == "src") {
			value = resolveURL(baseURL, value)
		}
	} else {
		value = htmlquery.InnerText(node)
	}
	if value == "" {
		return ""
	}

	if rule.Regex != "" {
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return ""
		}
		m := re.FindStringSubmatch(value)
		if m == nil {
			return ""
		}
		if len(m) > 1 {
			value = m[1]
		} else {
			value = m[0]
		}
	}

	if !rule.Raw {
		value = normalize.NormalizeWhitespace(value)
	}
	return value
}

// confidence blends per-record field completeness with required field
// coverage and record volume.
func (e *RuleExtractor) confidence(records []map[string]any) float64 {
	if len(records) == 0 {
		return 0
	}

	required := map[string]bool{}
	for name, rule := range e.Fields {
		if rule.Required {
			required[name] = true
		}
	}

	fieldScore, requiredScore := 0.0, 0.0
	for _, record := range records {
		present := 0
		for name := range e.Fields {
			if v, ok := record[name]; ok && v != "" {
				present++
			}
		}
		fieldScore += float64(present) / float64(len(e.Fields))

		if len(required) > 0 {
			hits := 0
			for name := range required {
				if v, ok := record[name]; ok && v != "" {
					hits++
				}
			}
			requiredScore += float64(hits) / float64(len(required))
		}
	}
	fieldScore /= float64(len(records))
	if len(required) > 0 {
		requiredScore /= float64(len(records))
	} else {
		requiredScore = 1.0
	}

	recordFactor := float64(len(records)) / 5
	if recordFactor > 1 {
		recordFactor = 1
	}
	return round3(fieldScore*0.4 + requiredScore*0.4 + recordFactor*0.2)
}
