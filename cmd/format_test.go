package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/procurewatch/procurewatch/internal/config"
	"github.com/procurewatch/procurewatch/internal/model"
)

func TestFormatPortalsList(t *testing.T) {
	success := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	portals := []model.Portal{
		{Name: "springfield", TotalRuns: 4, TotalOpportunities: 120, LastSuccessAt: &success},
		{Name: "orphaned", TotalRuns: 1},
	}
	disabled := false
	configs := []*config.PortalConfig{
		{Name: "springfield", BaseURL: "https://bids.springfield.gov"},
		{Name: "shelbyville", BaseURL: "https://procure.shelbyville.gov", Enabled: &disabled},
	}

	var sb strings.Builder
	formatPortalsList(&sb, portals, configs)
	out := sb.String()

	assert.Contains(t, out, "springfield")
	assert.Contains(t, out, "120")
	// configured but never scraped
	assert.Contains(t, out, "shelbyville")
	assert.Contains(t, out, "never")
	// scraped but no longer configured
	assert.Contains(t, out, "orphaned")
}

func TestFormatOppsListTruncatesTitle(t *testing.T) {
	closing := time.Date(2027, 5, 1, 0, 0, 0, 0, time.UTC)
	opps := []model.Opportunity{
		{
			PortalName: "springfield",
			ExternalID: "B-1",
			Status:     model.StatusOpen,
			ClosingAt:  &closing,
			Title:      strings.Repeat("Road Resurfacing ", 10),
		},
		{PortalName: "springfield", ExternalID: "B-2", Status: model.StatusClosed, Title: "Bridge Painting"},
	}

	var sb strings.Builder
	formatOppsList(&sb, opps)
	out := sb.String()

	assert.Contains(t, out, "B-1")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "Bridge Painting")
	assert.Contains(t, out, "2027-05-01")
}

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(42 * time.Second)
	runs := []model.Run{
		{
			ID:         "run-1",
			Status:     model.RunStatusCompleted,
			DryRun:     true,
			Stats:      model.RunStats{PagesScraped: 3, OpportunitiesNew: 5},
			StartedAt:  started,
			FinishedAt: &finished,
		},
		{ID: "run-2", Status: model.RunStatusFailed, StartedAt: started},
	}

	var sb strings.Builder
	formatRunsList(&sb, runs)
	out := sb.String()

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "42s")
	assert.Contains(t, out, "FAILED")
}
