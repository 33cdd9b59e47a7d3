package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredExtractorRawJSON(t *testing.T) {
	body := `{"results": [
		{"id": "BID-1", "title": "Snow removal", "close_date": "2024-12-01", "status": "open"},
		{"id": "BID-2", "title": "Road salt", "close_date": "2024-11-15", "status": "open"}
	]}`

	e := &StructuredExtractor{}
	result := e.Extract(body, "https://api.example.gov/bids")

	require.True(t, result.OK())
	assert.Equal(t, "raw_json", result.Method)
	assert.Equal(t, 0.9, result.Confidence)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "BID-1", result.Records[0]["external_id"])
	assert.Equal(t, "Snow removal", result.Records[0]["title"])
	assert.Equal(t, "2024-12-01", result.Records[0]["closing_at"])
}

func TestStructuredExtractorJSONPathHint(t *testing.T) {
	body := `{"payload": {"inner": [{"id": "X-1", "title": "Hinted"}]}}`

	e := &StructuredExtractor{JSONPathHints: []string{"payload.inner"}}
	result := e.Extract(body, "")

	require.True(t, result.OK())
	assert.Equal(t, "X-1", result.Records[0]["external_id"])
}

func TestStructuredExtractorJSONLD(t *testing.T) {
	html := `<html><head>
<script type="application/ld+json">
{"@context": "https://schema.org", "@graph": [
  {"@type": "Event", "identifier": "RFP-77", "name": "Bridge repair", "endDate": "2024-09-01", "provider": {"name": "State DOT"}},
  {"@type": "Event", "identifier": "RFP-78", "name": "Tunnel wash", "endDate": "2024-09-15", "provider": {"name": "State DOT"}}
]}
</script></head><body></body></html>`

	e := &StructuredExtractor{}
	result := e.Extract(html, "https://bids.example.gov")

	require.Len(t, result.Records, 2)
	assert.Equal(t, "jsonld", result.Method)
	assert.Equal(t, "RFP-77", result.Records[0]["external_id"])
	assert.Equal(t, "Bridge repair", result.Records[0]["title"])
	assert.Equal(t, "2024-09-01", result.Records[0]["closing_at"])
	assert.Equal(t, "State DOT", result.Records[0]["agency"])
}

func TestStructuredExtractorEmbeddedJSON(t *testing.T) {
	html := `<html><body><script>
var opportunities = [{"id": "EMB-1", "title": "Embedded bid", "status": "open"}];
</script></body></html>`

	e := &StructuredExtractor{}
	result := e.Extract(html, "")

	require.Len(t, result.Records, 1)
	assert.Equal(t, "embedded_json", result.Method)
	assert.Equal(t, "EMB-1", result.Records[0]["external_id"])
}

func TestStructuredExtractorDataAttributes(t *testing.T) {
	html := `<div>
<div data-id="DA-1" data-title="First" data-status="open" data-deadline="2024-08-01"></div>
<div data-id="DA-2" data-title="Second" data-status="closed"></div>
</div>`

	e := &StructuredExtractor{}
	result := e.Extract(html, "")

	require.Len(t, result.Records, 2)
	assert.Equal(t, "data_attributes", result.Method)
	assert.Equal(t, "DA-1", result.Records[0]["external_id"])
	assert.Equal(t, "2024-08-01", result.Records[0]["closing_at"])
}

func TestStructuredExtractorMissingTitleScoresLow(t *testing.T) {
	html := `<html><head>
<script type="application/ld+json">
{"@type": "Event", "identifier": "RFP-9", "startDate": "2024-06-01", "endDate": "2024-10-01"}
</script></head><body></body></html>`

	e := &StructuredExtractor{}
	result := e.Extract(html, "")

	require.Len(t, result.Records, 1)
	assert.Less(t, result.Confidence, MinConfidenceThreshold)
}

func TestStructuredExtractorNothingStructured(t *testing.T) {
	e := &StructuredExtractor{}
	result := e.Extract("<html><body><p>plain page</p></body></html>", "")

	assert.False(t, result.OK())
	assert.Empty(t, result.Records)
}
