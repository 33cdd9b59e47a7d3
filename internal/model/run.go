package model

import "time"

// RunStatus represents the state of a scrape run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// RunStats accumulates counters for a single scrape run. Page-level
// failures increment PagesFailed without failing the run.
type RunStats struct {
	PagesScraped           int `json:"pages_scraped"`
	PagesFailed            int `json:"pages_failed"`
	OpportunitiesFound     int `json:"opportunities_found"`
	OpportunitiesNew       int `json:"opportunities_new"`
	OpportunitiesUpdated   int `json:"opportunities_updated"`
	OpportunitiesUnchanged int `json:"opportunities_unchanged"`
	ErrorsCount            int `json:"errors_count"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Duration returns elapsed run time, using now for unfinished runs.
func (s *RunStats) Duration() time.Duration {
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// Run is a persisted record of one scrape execution against a portal.
type Run struct {
	ID           string     `json:"id"`
	PortalID     string     `json:"portal_id"`
	Status       RunStatus  `json:"status"`
	DryRun       bool       `json:"dry_run,omitempty"`
	Stats        RunStats   `json:"stats"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
