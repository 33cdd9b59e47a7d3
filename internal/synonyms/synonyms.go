// Package synonyms maps the header and status vocabulary seen across
// procurement portals onto canonical field names and statuses.
package synonyms

import (
	"strings"

	"github.com/procurewatch/procurewatch/internal/model"
)

// HeaderSynonyms maps canonical field names to the column headers and
// labels portals use for them. All entries are lowercase.
var HeaderSynonyms = map[string][]string{
	"external_id": {
		"solicitation #", "solicitation number", "solicitation no",
		"bid #", "bid number", "bid no",
		"rfp #", "rfp number",
		"rfq #", "rfq number",
		"itb #", "itb number",
		"reference", "reference #", "reference number",
		"id", "number", "no.", "#",
		"opportunity id", "opportunity #",
		"project #", "project number",
		"contract #", "contract number",
		"procurement id", "tender #", "tender number",
		"notice id", "notice #",
	},
	"title": {
		"title", "name", "description", "project", "project name",
		"project title", "solicitation title", "opportunity",
		"opportunity title", "bid title", "subject", "summary",
	},
	"closing_at": {
		"closing date", "close date", "closes", "closing",
		"due date", "due", "deadline", "submission deadline",
		"bid due date", "bid deadline", "response due",
		"responses due", "proposal due", "end date", "expires",
		"expiration date", "closing date/time", "close date/time",
		"due date/time",
	},
	"posted_at": {
		"posted date", "posted", "post date", "publish date",
		"published", "publication date", "issue date", "issued",
		"open date", "opening date", "release date", "start date",
		"date posted", "date issued",
	},
	"status": {
		"status", "state", "bid status", "current status", "phase",
		"stage",
	},
	"category": {
		"category", "type", "bid type", "commodity", "commodity code",
		"classification", "procurement type", "solicitation type",
		"department category",
	},
	"agency": {
		"agency", "department", "organization", "buyer", "entity",
		"issued by", "issuing agency", "purchasing agency", "office",
		"division", "ministry",
	},
	"contact_name": {
		"contact", "contact name", "contact person", "buyer name",
		"purchasing agent", "point of contact",
	},
	"contact_email": {
		"email", "contact email", "e-mail", "email address",
	},
	"contact_phone": {
		"phone", "contact phone", "telephone", "phone number",
	},
	"estimated_value": {
		"estimated value", "value", "amount", "budget",
		"estimated cost", "contract value", "estimated amount",
		"est. value", "est value",
	},
	"location": {
		"location", "place", "delivery location", "region", "county",
		"city",
	},
	"awardee": {
		"awardee", "awarded to", "vendor", "winner", "contractor",
		"supplier", "successful bidder",
	},
	"award_date": {
		"award date", "awarded", "date awarded", "awarded date",
	},
	"award_amount": {
		"award amount", "awarded amount", "contract amount",
		"award value",
	},
	"documents": {
		"documents", "attachments", "files", "downloads", "related documents",
	},
	"detail_url": {
		"link", "url", "details", "view", "more info", "more information",
	},
}

// StatusSynonyms maps canonical statuses to the raw status strings
// portals use. All entries are lowercase.
var StatusSynonyms = map[model.Status][]string{
	model.StatusOpen: {
		"open", "active", "accepting bids", "accepting proposals",
		"open for bids", "in progress", "posted", "current", "published",
		"available", "accepting responses", "open - accepting bids",
	},
	model.StatusClosed: {
		"closed", "bid closed", "closed for bids", "ended", "complete",
		"completed", "deadline passed", "no longer accepting",
	},
	model.StatusAwarded: {
		"awarded", "award", "contract awarded", "vendor selected",
		"awarded - contract executed",
	},
	model.StatusExpired: {
		"expired", "lapsed", "past due",
	},
	model.StatusCancelled: {
		"cancelled", "canceled", "withdrawn", "rescinded", "terminated",
	},
}

// FindCanonicalField returns the canonical field name for a header, or
// "" when the header is not a known synonym. Matching is exact after
// lowercasing and trimming.
func FindCanonicalField(header string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return ""
	}
	for field, names := range HeaderSynonyms {
		for _, name := range names {
			if h == name {
				return field
			}
		}
	}
	return ""
}

// NormalizeStatus maps a raw status string onto a canonical status via
// exact synonym membership. Returns StatusUnknown and false on miss.
func NormalizeStatus(raw string) (model.Status, bool) {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return model.StatusUnknown, false
	}
	for status, names := range StatusSynonyms {
		for _, name := range names {
			if r == name {
				return status, true
			}
		}
	}
	return model.StatusUnknown, false
}

// Merged returns HeaderSynonyms with extra portal-specific synonyms
// folded in. The built-in map is not modified.
func Merged(extra map[string][]string) map[string][]string {
	out := make(map[string][]string, len(HeaderSynonyms))
	for field, names := range HeaderSynonyms {
		out[field] = append([]string(nil), names...)
	}
	for field, names := range extra {
		for _, name := range names {
			out[field] = append(out[field], strings.ToLower(strings.TrimSpace(name)))
		}
	}
	return out
}
