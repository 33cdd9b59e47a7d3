package runner

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestDetectNextPageRelAttribute(t *testing.T) {
	doc := parseDoc(t, `<a rel="next" href="/bids?page=2">2</a>`)
	next := detectNextPage(doc, "https://bids.example.gov/bids?page=1", "")
	assert.Equal(t, "https://bids.example.gov/bids?page=2", next)
}

func TestDetectNextPageHintWins(t *testing.T) {
	doc := parseDoc(t, `
		<a rel="next" href="/wrong">wrong</a>
		<a class="pager-forward" href="/bids?page=5">forward</a>`)
	next := detectNextPage(doc, "https://bids.example.gov/bids", "a.pager-forward")
	assert.Equal(t, "https://bids.example.gov/bids?page=5", next)
}

func TestDetectNextPageHintMissFallsBack(t *testing.T) {
	doc := parseDoc(t, `<li class="next"><a href="page3.html">3</a></li>`)
	next := detectNextPage(doc, "https://bids.example.gov/list/page2.html", "a.no-such-class")
	assert.Equal(t, "https://bids.example.gov/list/page3.html", next)
}

func TestDetectNextPageAnchorText(t *testing.T) {
	for _, label := range []string{"Next", "next »", "NEXT ›", "Next Page 2"} {
		doc := parseDoc(t, `<a href="/p2">`+label+`</a>`)
		next := detectNextPage(doc, "https://bids.example.gov/p1", "")
		assert.Equal(t, "https://bids.example.gov/p2", next, "label %q", label)
	}
}

func TestDetectNextPageNone(t *testing.T) {
	doc := parseDoc(t, `
		<a href="/home">Home</a>
		<a href="#">Next</a>
		<a href="javascript:void(0)">next</a>`)
	assert.Empty(t, detectNextPage(doc, "https://bids.example.gov/bids", ""))
}

func TestNextParamPage(t *testing.T) {
	assert.Equal(t, "https://bids.example.gov/bids?page=3",
		nextParamPage("https://bids.example.gov/bids?page=2", ""))
	assert.Equal(t, "https://bids.example.gov/bids?page=2",
		nextParamPage("https://bids.example.gov/bids", "page"))
	assert.Equal(t, "https://bids.example.gov/bids?p=5&sort=closing",
		nextParamPage("https://bids.example.gov/bids?p=4&sort=closing", "p"))
	assert.Empty(t, nextParamPage("https://bids.example.gov/bids?page=abc", "page"))
}

func TestDetectNextPageAbsoluteURL(t *testing.T) {
	doc := parseDoc(t, `<a class="next" href="https://other.example.gov/bids?page=2">Next</a>`)
	next := detectNextPage(doc, "https://bids.example.gov/bids", "")
	assert.Equal(t, "https://other.example.gov/bids?page=2", next)
}
