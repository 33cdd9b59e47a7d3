package runner

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// nextLinkSelectors are common next-page markers, tried in order after
// any portal-configured hint.
var nextLinkSelectors = []string{
	`a[rel="next"]`,
	`a.next`,
	`a.pagination-next`,
	`a[aria-label*="Next"]`,
	`a[title*="Next"]`,
	`li.next a`,
}

// detectNextPage finds the next listing page URL, or "" when the
// current page is the last one. A configured hint selector wins over
// the generic markers.
func detectNextPage(doc *goquery.Document, pageURL, hint string) string {
	if hint != "" {
		if href := firstHref(doc, hint, pageURL); href != "" {
			return href
		}
	}

	for _, sel := range nextLinkSelectors {
		if href := firstHref(doc, sel, pageURL); href != "" {
			return href
		}
	}

	// Last resort: links whose visible text is a "next" marker. CSS has
	// no text matcher, so scan anchors directly.
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(a.Text()))
		if text == "next" || text == "next »" || text == "next ›" || text == "next >" ||
			strings.HasPrefix(text, "next page") {
			found = resolveHref(a, pageURL)
			return found == ""
		}
		return true
	})
	return found
}

// nextParamPage increments the page query parameter. A URL without the
// parameter is treated as page 1.
func nextParamPage(pageURL, param string) string {
	if param == "" {
		param = "page"
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	page := 1
	q := u.Query()
	if v := q.Get(param); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ""
		}
		page = n
	}
	q.Set(param, strconv.Itoa(page+1))
	u.RawQuery = q.Encode()
	return u.String()
}

func firstHref(doc *goquery.Document, selector, pageURL string) string {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	return resolveHref(sel, pageURL)
}

func resolveHref(a *goquery.Selection, pageURL string) string {
	href, ok := a.Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" || href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
