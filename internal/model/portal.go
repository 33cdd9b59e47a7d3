package model

import "time"

// Portal is a persisted procurement portal with scrape bookkeeping.
type Portal struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`

	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`

	TotalRuns          int `json:"total_runs"`
	TotalOpportunities int `json:"total_opportunities"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
