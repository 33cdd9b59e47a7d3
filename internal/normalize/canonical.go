package normalize

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/procurewatch/procurewatch/internal/model"
)

const (
	maxTitleLen = 1000
	maxFieldLen = 500
)

// Input carries one extracted raw record plus its provenance into
// normalization.
type Input struct {
	Record     map[string]any
	PortalName string
	SourceURL  string
	DetailURL  string
	Confidence float64

	// PreferDayFirst switches ambiguous numeric dates to DD/MM/YYYY.
	PreferDayFirst bool
}

// Alias chains tried in order for each canonical field.
var (
	externalIDKeys  = []string{"external_id", "id", "bid_id", "rfp_id", "solicitation_id"}
	titleKeys       = []string{"title", "name", "project_title", "solicitation_title"}
	descriptionKeys = []string{"description", "details", "summary", "scope"}
	closingKeys     = []string{"closing_at", "close_date", "due_date", "deadline", "end_date"}
	postedKeys      = []string{"posted_at", "post_date", "publish_date", "open_date", "start_date"}
	awardedKeys     = []string{"awarded_at", "award_date"}
	statusKeys      = []string{"status", "state", "bid_status"}
	valueKeys       = []string{"estimated_value", "value", "amount", "budget", "contract_value"}
	awardAmountKeys = []string{"award_amount", "awarded_value", "contract_amount"}
	agencyKeys      = []string{"agency", "department", "organization", "buyer"}
	categoryKeys    = []string{"category", "type", "commodity", "classification"}
	contactKeys     = []string{"contact_name", "contact", "buyer_name"}
	emailKeys       = []string{"contact_email", "email"}
	phoneKeys       = []string{"contact_phone", "phone"}
	awardeeKeys     = []string{"awardee", "vendor", "winner", "contractor"}
)

var nowFunc = time.Now

// Normalize converts one raw extracted record into a canonical
// opportunity, accumulating warnings for anything it could not parse
// or had to invent.
func Normalize(in Input) *model.Opportunity {
	raw := in.Record
	opp := &model.Opportunity{
		PortalName:           in.PortalName,
		SourceURL:            in.SourceURL,
		DetailURL:            in.DetailURL,
		ExtractionConfidence: in.Confidence,
		RawData:              raw,
		Status:               model.StatusUnknown,
	}
	if opp.DetailURL == "" {
		opp.DetailURL = firstString(raw, "detail_url")
	}

	opp.Title = Truncate(CleanText(firstString(raw, titleKeys...)), maxTitleLen)
	opp.Description = CleanText(firstString(raw, descriptionKeys...))

	opp.ExternalID = strings.TrimSpace(firstString(raw, externalIDKeys...))
	if opp.ExternalID == "" {
		if opp.Title != "" {
			sum := md5.Sum([]byte(opp.Title))
			opp.ExternalID = hex.EncodeToString(sum[:])[:16]
			opp.NormalizationWarnings = append(opp.NormalizationWarnings,
				"generated external_id from title hash")
		} else {
			opp.ExternalID = fmt.Sprintf("unknown_%d", nowFunc().Unix())
			opp.NormalizationWarnings = append(opp.NormalizationWarnings,
				"no external_id or title found, generated placeholder id")
		}
	}

	parse := ParseDate
	if in.PreferDayFirst {
		parse = ParseDateDayFirst
	}

	if rawDate := firstString(raw, closingKeys...); rawDate != "" {
		if res := parse(rawDate); res.OK {
			t := res.Time
			opp.ClosingAt = &t
		} else {
			opp.NormalizationWarnings = append(opp.NormalizationWarnings,
				fmt.Sprintf("could not parse closing date: %q", rawDate))
		}
	}
	if rawDate := firstString(raw, postedKeys...); rawDate != "" {
		if res := parse(rawDate); res.OK {
			t := res.Time
			opp.PostedAt = &t
		}
	}
	if rawDate := firstString(raw, awardedKeys...); rawDate != "" {
		if res := parse(rawDate); res.OK {
			t := res.Time
			opp.AwardedAt = &t
		}
	}

	if rawStatus := firstString(raw, statusKeys...); rawStatus != "" {
		res := ParseStatus(rawStatus)
		opp.Status = res.Status
		opp.StatusExplicit = true
	} else {
		opp.Status = inferStatus(opp)
		if opp.Status != model.StatusUnknown {
			opp.NormalizationWarnings = append(opp.NormalizationWarnings,
				"status inferred from dates")
		}
	}

	if rawVal := firstString(raw, valueKeys...); rawVal != "" {
		if res := ParseMoney(rawVal); res.OK {
			v := res.Amount
			opp.EstimatedValue = &v
			opp.Currency = res.Currency
		}
	}
	if rawVal := firstString(raw, awardAmountKeys...); rawVal != "" {
		if res := ParseMoney(rawVal); res.OK {
			v := res.Amount
			opp.AwardAmount = &v
			if opp.Currency == "" {
				opp.Currency = res.Currency
			}
		}
	}

	opp.Agency = Truncate(CleanText(firstString(raw, agencyKeys...)), maxFieldLen)
	opp.Category = Truncate(CleanText(firstString(raw, categoryKeys...)), maxFieldLen)
	opp.Location = Truncate(CleanText(firstString(raw, "location", "place")), maxFieldLen)
	opp.ContactName = CleanText(firstString(raw, contactKeys...))
	opp.ContactEmail = strings.TrimSpace(firstString(raw, emailKeys...))
	opp.ContactPhone = strings.TrimSpace(firstString(raw, phoneKeys...))
	opp.Awardee = CleanText(firstString(raw, awardeeKeys...))

	opp.Fingerprint = Fingerprint(opp)
	return opp
}

// inferStatus derives a status from dates when the portal gives none.
func inferStatus(opp *model.Opportunity) model.Status {
	if opp.AwardedAt != nil {
		return model.StatusAwarded
	}
	if opp.ClosingAt != nil {
		if opp.ClosingAt.After(nowFunc()) {
			return model.StatusOpen
		}
		return model.StatusClosed
	}
	return model.StatusUnknown
}

// Fingerprint hashes the identity-bearing fields of an opportunity into
// a stable 32-character hex digest. Equal fingerprints mean no material
// change.
func Fingerprint(opp *model.Opportunity) string {
	closing := ""
	if opp.ClosingAt != nil {
		closing = opp.ClosingAt.UTC().Format(time.RFC3339)
	}
	value := ""
	if opp.EstimatedValue != nil {
		value = opp.EstimatedValue.String()
	}
	parts := []string{
		opp.ExternalID,
		opp.Title,
		opp.Description,
		string(opp.Status),
		opp.Category,
		opp.Agency,
		closing,
		value,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:32]
}

// firstString returns the first non-empty string value among keys.
// Non-string scalars are stringified.
func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t
			}
		case float64:
			return decimal.NewFromFloat(t).String()
		case int:
			return fmt.Sprintf("%d", t)
		case int64:
			return fmt.Sprintf("%d", t)
		case bool:
			return fmt.Sprintf("%t", t)
		}
	}
	return ""
}
