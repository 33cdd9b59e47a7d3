package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateISO8601(t *testing.T) {
	res := ParseDate("2024-03-15T10:00:00")
	require.True(t, res.OK)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "iso8601", res.Method)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), res.Time)
}

func TestParseDateUSDatetimePM(t *testing.T) {
	res := ParseDate("03/15/2024 2:30 PM")
	require.True(t, res.OK)
	assert.Equal(t, 0.85, res.Confidence)
	assert.Equal(t, "us_datetime", res.Method)
	assert.Equal(t, 14, res.Time.Hour())
	assert.Equal(t, 30, res.Time.Minute())
}

func TestParseDateVariants(t *testing.T) {
	cases := []struct {
		in     string
		method string
		conf   float64
		want   time.Time
	}{
		{"2024-03-15 10:00:00", "iso_space", 0.95, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)},
		{"2024-03-15 10:00", "iso_space_no_sec", 0.95, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)},
		{"2024-03-15", "iso_date", 0.9, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"03/15/2024", "us_date", 0.85, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		res := ParseDate(tc.in)
		require.True(t, res.OK, "input %q", tc.in)
		assert.Equal(t, tc.method, res.Method, "input %q", tc.in)
		assert.Equal(t, tc.conf, res.Confidence, "input %q", tc.in)
		assert.Equal(t, tc.want, res.Time, "input %q", tc.in)
	}
}

func TestParseDateTwoDigitYear(t *testing.T) {
	res := ParseDate("03/15/49")
	require.True(t, res.OK)
	assert.Equal(t, 2049, res.Time.Year())

	res = ParseDate("03/15/72")
	require.True(t, res.OK)
	assert.Equal(t, 1972, res.Time.Year())
}

func TestParseDateStripsLabelsAndTimezones(t *testing.T) {
	res := ParseDate("Due: 2024-03-15")
	require.True(t, res.OK)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), res.Time)

	res = ParseDate("03/15/2024 2:30 PM EST")
	require.True(t, res.OK)
	assert.Equal(t, 14, res.Time.Hour())
}

func TestParseDateFallback(t *testing.T) {
	res := ParseDate("March 15, 2024")
	require.True(t, res.OK)
	assert.Equal(t, "fallback", res.Method)
	assert.InDelta(t, 0.8, res.Confidence, 0.001)
	assert.Equal(t, 2024, res.Time.Year())
	assert.Equal(t, time.March, res.Time.Month())
}

func TestParseDateRelativePhrases(t *testing.T) {
	// Wednesday 2026-06-10
	ref := time.Date(2026, 6, 10, 14, 30, 0, 0, time.UTC)
	dateClock = func() time.Time { return ref }
	t.Cleanup(func() { dateClock = time.Now })

	cases := []struct {
		in   string
		want time.Time
	}{
		{"today", time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)},
		{"Tomorrow", time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC)},
		{"yesterday", time.Date(2026, 6, 9, 0, 0, 0, 0, time.UTC)},
		{"in 5 days", time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)},
		{"in 2 weeks", time.Date(2026, 6, 24, 0, 0, 0, 0, time.UTC)},
		{"in 1 month", time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)},
		{"Friday", time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC)},
		{"next Monday", time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)},
		// same weekday as the reference day rolls to next week
		{"Wednesday", time.Date(2026, 6, 17, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		res := ParseDate(tc.in)
		require.True(t, res.OK, "input %q", tc.in)
		assert.Equal(t, "relative", res.Method, "input %q", tc.in)
		assert.Equal(t, 0.6, res.Confidence, "input %q", tc.in)
		assert.Equal(t, tc.want, res.Time, "input %q", tc.in)
	}
}

func TestParseDateRelativeLabelPrefix(t *testing.T) {
	ref := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	dateClock = func() time.Time { return ref }
	t.Cleanup(func() { dateClock = time.Now })

	res := ParseDate("Due: tomorrow")
	require.True(t, res.OK)
	assert.Equal(t, "relative", res.Method)
	assert.Equal(t, time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC), res.Time)
}

func TestParseDateGarbage(t *testing.T) {
	assert.False(t, ParseDate("not a date at all").OK)
	assert.False(t, ParseDate("").OK)
	assert.False(t, ParseDate("   ").OK)
}

func TestParseDateDayFirst(t *testing.T) {
	res := ParseDateDayFirst("03/04/2024")
	require.True(t, res.OK)
	assert.Equal(t, time.April, res.Time.Month())
	assert.Equal(t, 3, res.Time.Day())
	assert.Equal(t, "intl_date", res.Method)

	// unambiguous ISO dates are unaffected
	iso := ParseDateDayFirst("2024-03-15")
	require.True(t, iso.OK)
	assert.Equal(t, time.March, iso.Time.Month())
	assert.Equal(t, 15, iso.Time.Day())
}
