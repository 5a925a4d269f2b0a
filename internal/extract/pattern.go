package extract

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/breakwater-travel/intake-cli/internal/model"
)

// PatternEngine extracts trip fields with compiled regexes. It is the cheap
// first pass: no network, no token budget, and it never fails. Anything it
// cannot see (signatures, prose dates, implied counts) is left to the LLM
// pass.
type PatternEngine struct{}

func NewPatternEngine() *PatternEngine {
	return &PatternEngine{}
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b(?:\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)

	monthDateRe   = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})[-/](\d{1,2})[-/](\d{2,4})\b`)
	isoDateRe     = regexp.MustCompile(`\b(\d{4})[-/](\d{2})[-/](\d{2})\b`)

	costRe        = regexp.MustCompile(`\$ ?(\d[\d,]*(?:\.\d{1,2})?)`)
	honorificRe   = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr)\.?\s+([A-Z][a-z]+(?:-[A-Z][a-z]+)?)\s+([A-Z][a-z]+(?:-[A-Z][a-z]+)?)\b`)
	destinationRe = regexp.MustCompile(`\b(?i:travell?ing|going|trip)[ \t]+(?i:to)[ \t]+([A-Z][A-Za-z]*(?:,?[ \t]+[A-Z][A-Za-z]*)*)`)
	travelersRe   = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(?:travell?ers?|adults?|people|persons?|passengers?|guests?)\b`)
	partyOfRe     = regexp.MustCompile(`(?i)\b(?:party|group|family)\s+of\s+(\d{1,2})\b`)

	startCtxRe = regexp.MustCompile(`\b(?:depart|start|leav|begin)\w*|\bfrom\b|\bcheck[ -]?in\b`)
	endCtxRe   = regexp.MustCompile(`\b(?:return|until|through)\w*|\bend(?:s|ing)?\b|\bback\b|\bcheck[ -]?out\b`)
)

// Fields scans text with every field pattern and returns what matched.
// Missing fields are simply absent from the map.
func (e *PatternEngine) Fields(_ context.Context, text string) (map[string]string, model.ExtractionSource, error) {
	fields := make(map[string]string)
	put := func(key, val string) {
		val = strings.TrimSpace(val)
		if val != "" {
			fields[key] = val
		}
	}

	put(model.FieldEmail, emailRe.FindString(text))
	put(model.FieldPhone, phoneRe.FindString(text))

	first, last, nameCount := extractNames(text)
	put(model.FieldFirstName, first)
	put(model.FieldLastName, last)

	start, end := extractDates(text)
	put(model.FieldTravelStartDate, start)
	put(model.FieldTravelEndDate, end)

	put(model.FieldTripCost, extractCost(text))
	put(model.FieldDestination, extractDestination(text))
	put(model.FieldTravelers, extractTravelers(text, nameCount))

	if len(fields) == 0 {
		return fields, model.SourceNone, nil
	}
	return fields, model.SourcePattern, nil
}

// ClassifyIntent always reports unknown: patterns cannot judge intent, and
// unknown keeps the message actionable.
func (e *PatternEngine) ClassifyIntent(_ context.Context, _, _ string) (model.Intent, error) {
	return model.IntentUnknown, nil
}

// --- Dates ---

type dateMatch struct {
	pos   int
	value string // canonical YYYY-MM-DD
}

type dateRole int

const (
	dateRoleNone dateRole = iota
	dateRoleStart
	dateRoleEnd
)

// extractDates finds every date in the text, assigns start/end roles from the
// surrounding words, and falls back to positional order for the rest.
func extractDates(text string) (start, end string) {
	matches := findDates(text)
	assigned := make([]bool, len(matches))

	for i, m := range matches {
		switch classifyDateContext(text, m.pos) {
		case dateRoleStart:
			if start == "" {
				start = m.value
				assigned[i] = true
			}
		case dateRoleEnd:
			if end == "" {
				end = m.value
				assigned[i] = true
			}
		}
	}
	for i, m := range matches {
		if assigned[i] {
			continue
		}
		if start == "" {
			start = m.value
		} else if end == "" && m.value != start {
			end = m.value
		}
	}
	return start, end
}

func findDates(text string) []dateMatch {
	var out []dateMatch

	for _, idx := range monthDateRe.FindAllStringSubmatchIndex(text, -1) {
		mon := monthNumber(text[idx[2]:idx[3]])
		day, _ := strconv.Atoi(text[idx[4]:idx[5]])
		year, _ := strconv.Atoi(text[idx[6]:idx[7]])
		if v, ok := canonicalDate(year, mon, day); ok {
			out = append(out, dateMatch{pos: idx[0], value: v})
		}
	}
	for _, idx := range isoDateRe.FindAllStringSubmatchIndex(text, -1) {
		year, _ := strconv.Atoi(text[idx[2]:idx[3]])
		mon, _ := strconv.Atoi(text[idx[4]:idx[5]])
		day, _ := strconv.Atoi(text[idx[6]:idx[7]])
		if v, ok := canonicalDate(year, time.Month(mon), day); ok {
			out = append(out, dateMatch{pos: idx[0], value: v})
		}
	}
	for _, idx := range numericDateRe.FindAllStringSubmatchIndex(text, -1) {
		a, _ := strconv.Atoi(text[idx[2]:idx[3]])
		b, _ := strconv.Atoi(text[idx[4]:idx[5]])
		year, _ := strconv.Atoi(text[idx[6]:idx[7]])
		if year < 100 {
			year += 2000
		}
		// US month-first unless the first number cannot be a month.
		mon, day := a, b
		if a > 12 && b <= 12 {
			mon, day = b, a
		}
		if v, ok := canonicalDate(year, time.Month(mon), day); ok {
			out = append(out, dateMatch{pos: idx[0], value: v})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].pos < out[j].pos })
	return out
}

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

func monthNumber(name string) time.Month {
	name = strings.ToLower(name)
	if len(name) > 3 {
		name = name[:3]
	}
	return monthsByPrefix[name]
}

func canonicalDate(year int, mon time.Month, day int) (string, bool) {
	if year < 2000 || year > 2100 || mon < time.January || mon > time.December || day < 1 || day > 31 {
		return "", false
	}
	t := time.Date(year, mon, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != mon {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// classifyDateContext looks at the words before a date. The word adjoining
// the date wins ("to" in "June 3 to June 10"), then the stem nearest to the
// date within the window.
func classifyDateContext(text string, pos int) dateRole {
	lo := pos - 48
	if lo < 0 {
		lo = 0
	}
	window := strings.ToLower(text[lo:pos])

	switch lastWord(strings.TrimRight(window, " \t")) {
	case "to", "until", "till", "through", "-":
		return dateRoleEnd
	case "from":
		return dateRoleStart
	}

	startAt := lastMatchIndex(startCtxRe, window)
	endAt := lastMatchIndex(endCtxRe, window)
	switch {
	case endAt > startAt:
		return dateRoleEnd
	case startAt > endAt:
		return dateRoleStart
	}
	return dateRoleNone
}

func lastWord(s string) string {
	if i := strings.LastIndexAny(s, " \t\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func lastMatchIndex(re *regexp.Regexp, s string) int {
	locs := re.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return -1
	}
	return locs[len(locs)-1][0]
}

// --- Remaining fields ---

func extractCost(text string) string {
	m := costRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return normalizeMoney(m[1])
}

// normalizeMoney strips currency symbols and separators and reformats the
// amount as a plain decimal string. Returns "" when the input is not a
// number.
func normalizeMoney(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "$€£¥")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func extractNames(text string) (first, last string, count int) {
	matches := honorificRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", "", 0
	}

	caser := cases.Title(language.English)
	seen := make(map[string]bool)
	for _, m := range matches {
		seen[strings.ToLower(m[1]+" "+m[2])] = true
	}
	return caser.String(matches[0][1]), caser.String(matches[0][2]), len(seen)
}

func extractDestination(text string) string {
	m := destinationRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	dest := strings.TrimRight(strings.TrimSpace(m[1]), ",.")
	if len(dest) > 64 {
		return ""
	}
	return dest
}

// extractTravelers prefers an explicit count and otherwise falls back to the
// number of distinct honorific names seen in the text.
func extractTravelers(text string, nameCount int) string {
	if m := travelersRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := partyOfRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if nameCount > 0 {
		return strconv.Itoa(nameCount)
	}
	return ""
}
