package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// numericRun matches a run of digits with the grouping and decimal marks auction sites use.
var numericRun = regexp.MustCompile(`-?\d[\d.,'\x{00A0}\x{202F} ]*\d|-?\d`)

const currencyCodes = `GBP|EUR|USD|CHF|JPY|AUD|CAD|HKD|SEK|NOK|DKK`

var (
	currencyBefore = regexp.MustCompile(`(?:\p{Sc}|\b(?:` + currencyCodes + `))\s*$`)
	currencyAfter  = regexp.MustCompile(`^\s*(?:\p{Sc}|(?:` + currencyCodes + `)\b)`)
)

// Number renders a price-like string as a plain number: "1,234" -> "1234", "12.50" -> "12.5", "£120" -> "120".
// With several numbers the one next to a currency symbol or code wins, else the last, so
// "Current bid (3 bids): £1,200" gives "1200". Anything that cannot be read as a number is returned unchanged.
func Number(s string) string {
	run := priceRun(s)
	if run == "" {
		return s
	}
	value, err := strconv.ParseFloat(canonicalDecimal(run), 64)
	if err != nil || math.IsInf(value, 0) || math.IsNaN(value) {
		return s
	}
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatFloat(value, 'f', 0, 64)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func priceRun(s string) string {
	locs := numericRun.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return ""
	}
	for _, loc := range locs {
		if currencyBefore.MatchString(s[:loc[0]]) || currencyAfter.MatchString(s[loc[1]:]) {
			return s[loc[0]:loc[1]]
		}
	}
	last := locs[len(locs)-1]
	return s[last[0]:last[1]]
}

// canonicalDecimal rewrites grouping and decimal marks so strconv can parse the run.
// When both ',' and '.' appear the last one is the decimal mark. A lone ',' is a decimal comma unless it is
// followed by exactly three digits, in which case it groups thousands.
func canonicalDecimal(run string) string {
	run = strings.NewReplacer(" ", "", "'", "", "\u00a0", "", "\u202f", "").Replace(run)
	lastComma := strings.LastIndex(run, ",")
	lastDot := strings.LastIndex(run, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			run = strings.ReplaceAll(run, ".", "")
			return strings.Replace(run, ",", ".", 1)
		}
		return strings.ReplaceAll(run, ",", "")
	case lastComma >= 0:
		if strings.Count(run, ",") > 1 || len(run)-lastComma-1 == 3 {
			return strings.ReplaceAll(run, ",", "")
		}
		return strings.Replace(run, ",", ".", 1)
	case strings.Count(run, ".") > 1:
		return strings.ReplaceAll(run, ".", "")
	default:
		return run
	}
}
