package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a procurement opportunity.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusAwarded   Status = "AWARDED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
	StatusPending   Status = "PENDING"
	StatusUnknown   Status = "UNKNOWN"
)

// AllStatuses returns all defined opportunity statuses.
func AllStatuses() []Status {
	return []Status{
		StatusOpen,
		StatusClosed,
		StatusAwarded,
		StatusExpired,
		StatusCancelled,
		StatusPending,
		StatusUnknown,
	}
}

// IsValidStatus returns true if s is a defined status.
func IsValidStatus(s Status) bool {
	for _, v := range AllStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal returns true for statuses an opportunity does not leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAwarded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// EventType classifies a detected change between two snapshots of an
// opportunity.
type EventType string

const (
	EventNew       EventType = "NEW"
	EventUpdated   EventType = "UPDATED"
	EventClosed    EventType = "CLOSED"
	EventAwarded   EventType = "AWARDED"
	EventExpired   EventType = "EXPIRED"
	EventUnchanged EventType = "UNCHANGED"
)

// Opportunity is the canonical normalized form of a procurement listing.
// Raw extracted records are normalized into this shape before persistence.
type Opportunity struct {
	ID          string `json:"id"`
	PortalID    string `json:"portal_id"`
	PortalName  string `json:"portal_name,omitempty"`
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	PostedAt  *time.Time `json:"posted_at,omitempty"`
	ClosingAt *time.Time `json:"closing_at,omitempty"`
	AwardedAt *time.Time `json:"awarded_at,omitempty"`

	Status   Status `json:"status"`
	Category string `json:"category,omitempty"`
	Agency   string `json:"agency,omitempty"`
	Location string `json:"location,omitempty"`

	ContactName  string `json:"contact_name,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`

	EstimatedValue *decimal.Decimal `json:"estimated_value,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	AwardAmount    *decimal.Decimal `json:"award_amount,omitempty"`
	Awardee        string           `json:"awardee,omitempty"`

	SourceURL string `json:"source_url,omitempty"`
	DetailURL string `json:"detail_url,omitempty"`

	Fingerprint string `json:"fingerprint,omitempty"`

	ExtractionConfidence  float64  `json:"extraction_confidence"`
	NormalizationWarnings []string `json:"normalization_warnings,omitempty"`

	// StatusExplicit is true when the status came from portal data rather
	// than being inferred from dates. Inferred statuses never overwrite an
	// explicit stored status.
	StatusExplicit bool `json:"status_explicit,omitempty"`

	RawData map[string]any `json:"raw_data,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Event records a detected change on an opportunity during a run.
type Event struct {
	ID            string         `json:"id"`
	OpportunityID string         `json:"opportunity_id"`
	RunID         string         `json:"run_id,omitempty"`
	Type          EventType      `json:"type"`
	Summary       string         `json:"summary,omitempty"`
	Changes       map[string]any `json:"changes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
