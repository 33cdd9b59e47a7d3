package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/normalize"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	PortalID string          `json:"portal_id,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// OpportunityFilter specifies criteria for listing opportunities.
type OpportunityFilter struct {
	PortalID string       `json:"portal_id,omitempty"`
	Status   model.Status `json:"status,omitempty"`
	Search   string       `json:"search,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for portals, runs, opportunities
// and change events.
type Store interface {
	// Portals
	UpsertPortal(ctx context.Context, portal *model.Portal) (*model.Portal, error)
	GetPortal(ctx context.Context, name string) (*model.Portal, error)
	ListPortals(ctx context.Context) ([]model.Portal, error)
	UpdatePortalStats(ctx context.Context, portalID string, success bool, newOpportunities int) error

	// Runs
	CreateRun(ctx context.Context, portalID string, dryRun bool) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Opportunities
	GetOpportunity(ctx context.Context, portalID, externalID string) (*model.Opportunity, error)
	UpsertOpportunity(ctx context.Context, opp *model.Opportunity) (*model.Opportunity, model.EventType, error)
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error)

	// Events
	RecordEvent(ctx context.Context, ev *model.Event) error
	ListEvents(ctx context.Context, opportunityID string) ([]model.Event, error)

	// Run locks
	AcquireRunLock(ctx context.Context, lockName, holderID string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, lockName, holderID string) (bool, error)
	CleanupExpiredLocks(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// mergeOpportunity reconciles an incoming normalized snapshot against the
// stored row and classifies the change. It preserves identity and
// first-seen bookkeeping, and never lets a date-inferred status overwrite a
// status parsed from portal text.
func mergeOpportunity(existing, incoming *model.Opportunity, now time.Time) (*model.Opportunity, model.EventType) {
	if existing == nil {
		merged := *incoming
		if merged.ID == "" {
			merged.ID = uuid.New().String()
		}
		merged.FirstSeenAt = now
		merged.LastSeenAt = now
		merged.UpdatedAt = now
		return &merged, model.EventNew
	}

	merged := *incoming
	merged.ID = existing.ID
	merged.FirstSeenAt = existing.FirstSeenAt
	merged.LastSeenAt = now

	if !merged.StatusExplicit && existing.StatusExplicit {
		merged.Status = existing.Status
		merged.StatusExplicit = true
		merged.Fingerprint = normalize.Fingerprint(&merged)
	}

	if merged.Fingerprint == existing.Fingerprint {
		unchanged := *existing
		unchanged.LastSeenAt = now
		return &unchanged, model.EventUnchanged
	}

	merged.UpdatedAt = now
	diff := normalize.ComputeDiff(existing, &merged)
	return &merged, normalize.DetectEvent(existing, diff, &merged)
}
