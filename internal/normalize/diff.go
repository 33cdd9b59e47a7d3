package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/procurewatch/procurewatch/internal/model"
)

// Significance ranks how much a field change matters.
type Significance int

const (
	SignificanceLow Significance = iota
	SignificanceMedium
	SignificanceHigh
)

var fieldSignificance = map[string]Significance{
	"title":           SignificanceHigh,
	"status":          SignificanceHigh,
	"closing_at":      SignificanceHigh,
	"estimated_value": SignificanceHigh,
	"award_amount":    SignificanceHigh,
	"awardee":         SignificanceHigh,

	"description":   SignificanceMedium,
	"agency":        SignificanceMedium,
	"category":      SignificanceMedium,
	"posted_at":     SignificanceMedium,
	"awarded_at":    SignificanceMedium,
	"contact_name":  SignificanceMedium,
	"contact_email": SignificanceMedium,

	"contact_phone": SignificanceLow,
	"location":      SignificanceLow,
	"detail_url":    SignificanceLow,
}

// Order fields so summaries and change maps read deterministically.
var diffFieldOrder = []string{
	"title", "status", "closing_at", "estimated_value", "award_amount",
	"awardee", "description", "agency", "category", "posted_at",
	"awarded_at", "contact_name", "contact_email", "contact_phone",
	"location", "detail_url",
}

// FieldChange is one changed field with its before and after values.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// Diff is the set of changed fields between two snapshots.
type Diff struct {
	Changes     []FieldChange `json:"changes"`
	Significant bool          `json:"significant"`
	Summary     string        `json:"summary"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool { return len(d.Changes) == 0 }

// ChangesMap renders the change list as a field-keyed map for storage.
func (d Diff) ChangesMap() map[string]any {
	if len(d.Changes) == 0 {
		return nil
	}
	out := make(map[string]any, len(d.Changes))
	for _, c := range d.Changes {
		out[c.Field] = map[string]any{"old": c.Old, "new": c.New}
	}
	return out
}

// ComputeDiff compares two snapshots of the same opportunity. Equal
// fingerprints short-circuit to an empty diff.
func ComputeDiff(prev, curr *model.Opportunity) Diff {
	if prev == nil || curr == nil {
		return Diff{Summary: "No changes"}
	}
	if prev.Fingerprint != "" && prev.Fingerprint == curr.Fingerprint {
		return Diff{Summary: "No changes"}
	}

	oldVals := fieldValues(prev)
	newVals := fieldValues(curr)

	var d Diff
	for _, field := range diffFieldOrder {
		ov, nv := oldVals[field], newVals[field]
		if !valuesDiffer(ov, nv) {
			continue
		}
		d.Changes = append(d.Changes, FieldChange{Field: field, Old: ov, New: nv})
		if fieldSignificance[field] == SignificanceHigh {
			d.Significant = true
		}
	}
	d.Summary = summarize(d.Changes)
	return d
}

// valuesDiffer treats empty strings on both sides as equal-absent.
func valuesDiffer(a, b string) bool {
	if a == "" && b == "" {
		return false
	}
	return a != b
}

func summarize(changes []FieldChange) string {
	if len(changes) == 0 {
		return "No changes"
	}

	var high, medium, low []FieldChange
	for _, c := range changes {
		switch fieldSignificance[c.Field] {
		case SignificanceHigh:
			high = append(high, c)
		case SignificanceMedium:
			medium = append(medium, c)
		default:
			low = append(low, c)
		}
	}

	var parts []string
	if len(high) > 0 {
		for _, c := range high {
			if c.Field == "status" {
				parts = append(parts, fmt.Sprintf("Status: %s → %s", c.Old, c.New))
				break
			}
		}
		var others []string
		for _, c := range high {
			if c.Field != "status" {
				others = append(others, c.Field)
			}
		}
		if len(others) > 0 {
			parts = append(parts, "Changed: "+strings.Join(others, ", "))
		}
	}
	if len(medium) > 0 {
		names := make([]string, 0, 3)
		for _, c := range medium {
			names = append(names, c.Field)
			if len(names) == 3 {
				break
			}
		}
		parts = append(parts, "Updated: "+strings.Join(names, ", "))
	}
	if len(parts) == 0 && len(low) > 0 {
		parts = append(parts, fmt.Sprintf("%d minor field(s) updated", len(low)))
	}
	return strings.Join(parts, "; ")
}

// DetectEvent classifies what happened to an opportunity this run.
func DetectEvent(prev *model.Opportunity, d Diff, curr *model.Opportunity) model.EventType {
	if prev == nil {
		return model.EventNew
	}
	if d.Empty() {
		return model.EventUnchanged
	}
	for _, c := range d.Changes {
		if c.Field != "status" {
			continue
		}
		switch curr.Status {
		case model.StatusClosed:
			return model.EventClosed
		case model.StatusAwarded:
			return model.EventAwarded
		case model.StatusExpired:
			return model.EventExpired
		}
	}
	return model.EventUpdated
}

func fieldValues(opp *model.Opportunity) map[string]string {
	fmtTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	}
	est, award := "", ""
	if opp.EstimatedValue != nil {
		est = opp.EstimatedValue.String()
	}
	if opp.AwardAmount != nil {
		award = opp.AwardAmount.String()
	}
	return map[string]string{
		"title":           opp.Title,
		"status":          string(opp.Status),
		"closing_at":      fmtTime(opp.ClosingAt),
		"estimated_value": est,
		"award_amount":    award,
		"awardee":         opp.Awardee,
		"description":     opp.Description,
		"agency":          opp.Agency,
		"category":        opp.Category,
		"posted_at":       fmtTime(opp.PostedAt),
		"awarded_at":      fmtTime(opp.AwardedAt),
		"contact_name":    opp.ContactName,
		"contact_email":   opp.ContactEmail,
		"contact_phone":   opp.ContactPhone,
		"location":        opp.Location,
		"detail_url":      opp.DetailURL,
	}
}
