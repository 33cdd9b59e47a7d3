package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/procurewatch/procurewatch/internal/model"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		in     string
		status model.Status
		conf   float64
	}{
		{"Accepting Bids", model.StatusOpen, 0.95},
		{"Open", model.StatusOpen, 0.95},
		{"Open - Accepting Proposals", model.StatusOpen, 0.85},
		{"Posted", model.StatusOpen, 0.95},
		{"Bid Closed", model.StatusClosed, 0.95},
		{"closed", model.StatusClosed, 0.95},
		{"Expired", model.StatusExpired, 0.95},
		{"past due", model.StatusExpired, 0.95},
		{"Contract Awarded", model.StatusAwarded, 0.95},
		{"Cancelled", model.StatusCancelled, 0.95},
		{"Under Review", model.StatusPending, 0.95},
	}
	for _, tc := range cases {
		res := ParseStatus(tc.in)
		assert.Equal(t, tc.status, res.Status, "input %q", tc.in)
		assert.Equal(t, tc.conf, res.Confidence, "input %q", tc.in)
	}
}

func TestParseStatusUnknown(t *testing.T) {
	res := ParseStatus("zzz qqq")
	assert.Equal(t, model.StatusUnknown, res.Status)
	assert.Equal(t, 0.3, res.Confidence)

	res = ParseStatus("")
	assert.Equal(t, model.StatusUnknown, res.Status)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestParseStatusFuzzy(t *testing.T) {
	res := ParseStatus("the winner was selected")
	assert.Equal(t, model.StatusAwarded, res.Status)
	assert.Equal(t, 0.7, res.Confidence)
}
