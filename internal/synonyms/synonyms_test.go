package synonyms

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/procurewatch/procurewatch/internal/model"
)

func TestFindCanonicalField(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Solicitation #", "external_id"},
		{"  BID NUMBER ", "external_id"},
		{"Title", "title"},
		{"Project Name", "title"},
		{"Close Date", "closing_at"},
		{"Due Date/Time", "closing_at"},
		{"Posted Date", "posted_at"},
		{"Status", "status"},
		{"Issuing Agency", "agency"},
		{"Estimated Value", "estimated_value"},
		{"Awarded To", "awardee"},
		{"not a real header", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FindCanonicalField(tc.header), "header %q", tc.header)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want model.Status
		ok   bool
	}{
		{"Accepting Bids", model.StatusOpen, true},
		{"OPEN", model.StatusOpen, true},
		{"Bid Closed", model.StatusClosed, true},
		{"Contract Awarded", model.StatusAwarded, true},
		{"canceled", model.StatusCancelled, true},
		{"past due", model.StatusExpired, true},
		{"something weird", model.StatusUnknown, false},
		{"", model.StatusUnknown, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeStatus(tc.raw)
		assert.Equal(t, tc.want, got, "raw %q", tc.raw)
		assert.Equal(t, tc.ok, ok, "raw %q", tc.raw)
	}
}

func TestMergedDoesNotMutateBuiltins(t *testing.T) {
	before := len(HeaderSynonyms["title"])
	merged := Merged(map[string][]string{"title": {"Custom Title Col"}})

	assert.Len(t, HeaderSynonyms["title"], before)
	assert.Contains(t, merged["title"], "custom title col")
	assert.Contains(t, merged["title"], "title")
}
