package normalize

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyResult is a parsed monetary value. Ranges are collapsed to their
// midpoint at reduced confidence.
type MoneyResult struct {
	Amount     decimal.Decimal
	Currency   string
	OK         bool
	Confidence float64
	IsRange    bool
	Original   string
}

// Longer symbols are listed before their prefixes so "C$" wins over "$".
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"C$", "CAD"},
	{"CA$", "CAD"},
	{"A$", "AUD"},
	{"AU$", "AUD"},
	{"US$", "USD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

var currencyCodes = []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD", "INR", "CHF", "CNY"}

var (
	moneyRangeRe  = regexp.MustCompile(`([\d,.]+)\s*(?:-|to)\s*([\d,.]+)`)
	moneySuffixRe = regexp.MustCompile(`([\d,.]+)\s*([KMBkmb])\b`)
	moneyPlainRe  = regexp.MustCompile(`[\d,.]+`)
)

// ParseMoney parses a monetary string, detecting currency from codes or
// symbols and handling thousand-separator locales, K/M/B suffixes, and
// ranges.
func ParseMoney(raw string) MoneyResult {
	original := raw
	text := strings.TrimSpace(raw)
	if text == "" {
		return MoneyResult{Original: original}
	}

	currency := "USD"
	confidence := 0.8

	upper := strings.ToUpper(text)
	for _, code := range currencyCodes {
		if containsWord(upper, code) {
			currency = code
			confidence = 0.95
			text = removeWord(text, code)
			break
		}
	}
	for _, cs := range currencySymbols {
		if strings.Contains(text, cs.symbol) {
			if confidence < 0.9 {
				currency = cs.code
				confidence = 0.9
			}
			text = strings.ReplaceAll(text, cs.symbol, "")
		}
	}
	text = strings.TrimSpace(text)

	if m := moneyRangeRe.FindStringSubmatch(text); m != nil {
		lo, okLo := parseNumeric(m[1])
		hi, okHi := parseNumeric(m[2])
		if okLo && okHi {
			mid := lo.Add(hi).Div(decimal.NewFromInt(2))
			return MoneyResult{
				Amount:     mid,
				Currency:   currency,
				OK:         true,
				Confidence: confidence * 0.9,
				IsRange:    true,
				Original:   original,
			}
		}
	}

	if m := moneySuffixRe.FindStringSubmatch(text); m != nil {
		n, ok := parseNumeric(m[1])
		if ok {
			mult := decimal.NewFromInt(1000)
			switch strings.ToUpper(m[2]) {
			case "M":
				mult = decimal.NewFromInt(1000000)
			case "B":
				mult = decimal.NewFromInt(1000000000)
			}
			return MoneyResult{
				Amount:     n.Mul(mult),
				Currency:   currency,
				OK:         true,
				Confidence: confidence,
				Original:   original,
			}
		}
	}

	if m := moneyPlainRe.FindString(text); m != "" {
		n, ok := parseNumeric(m)
		if ok {
			return MoneyResult{
				Amount:     n,
				Currency:   currency,
				OK:         true,
				Confidence: confidence,
				Original:   original,
			}
		}
	}
	return MoneyResult{Original: original}
}

// parseNumeric handles both 1,234.56 and 1.234,56 separator styles.
// The last separator marks the decimal point, except that a lone
// separator followed by exactly three digits groups thousands, so
// "1,000" is one thousand rather than one.
func parseNumeric(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	lastComma := strings.LastIndex(s, ",")
	lastPeriod := strings.LastIndex(s, ".")

	switch {
	case lastComma > lastPeriod && isDecimalSeparator(s, lastComma, lastPeriod >= 0):
		// Decimal comma; any periods group thousands.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
		s = strings.ReplaceAll(s, ",", "")
	case lastPeriod > lastComma && !isDecimalSeparator(s, lastPeriod, lastComma >= 0):
		// Periods group thousands: 1.000.000.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", "")
	default:
		s = strings.ReplaceAll(s, ",", "")
	}
	if s == "" || s == "." {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// isDecimalSeparator reports whether the separator at idx marks the
// decimal part. With the other separator present elsewhere it always
// does; otherwise one or two trailing digits read as decimals and a
// single separator with exactly three reads as thousands grouping.
func isDecimalSeparator(s string, idx int, hasOther bool) bool {
	if hasOther {
		return true
	}
	digits := len(s) - idx - 1
	if digits == 3 && strings.Count(s, string(s[idx])) == 1 {
		return false
	}
	return digits >= 1 && digits <= 2
}

func containsWord(text, word string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(text)
}

func removeWord(text, word string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	return re.ReplaceAllString(text, "")
}
