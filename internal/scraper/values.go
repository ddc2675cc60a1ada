package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	numericNoise = regexp.MustCompile(`[$,\s]`)
	leadingNum   = regexp.MustCompile(`^-?\d+(?:\.\d+)?`)
	yearPattern  = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
)

var emptyValues = map[string]bool{
	"": true, "-": true, "--": true, "N/A": true, "NA": true, "NONE": true, "NULL": true,
}

// CleanText collapses whitespace (including non-breaking spaces) and trims.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// ParseMoney reads values such as "$1,234.50", " 300000 " or "($1,200)".
// It returns nil when s holds no number.
func ParseMoney(s string) *float64 {
	s = CleanText(s)
	if emptyValues[strings.ToUpper(s)] {
		return nil
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	return parseFloat(s, negative)
}

// ParseNumber reads a plain quantity such as "1,850" or "2.5 baths".
func ParseNumber(s string) *float64 {
	s = CleanText(s)
	if emptyValues[strings.ToUpper(s)] {
		return nil
	}
	return parseFloat(s, false)
}

func parseFloat(s string, negative bool) *float64 {
	s = numericNoise.ReplaceAllString(s, "")
	m := leadingNum.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return nil
	}
	if negative {
		v = -v
	}
	return &v
}

// ParseInt reads a whole number, truncating any fraction.
func ParseInt(s string) *int {
	f := ParseNumber(s)
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

// ParseYear finds the first plausible four-digit year in s.
func ParseYear(s string) *int {
	m := yearPattern.FindString(s)
	if m == "" {
		return nil
	}
	v, _ := strconv.Atoi(m)
	return &v
}

var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"2006-01-02",
	"01-02-2006",
	"1-2-2006",
	"01/02/06",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"01/2006",
	"1/2006",
	"2006-01-02T15:04:05",
}

// ParseDate reads the date formats county sites print and returns it at UTC
// midnight, or nil.
func ParseDate(s string) *time.Time {
	s = CleanText(s)
	if emptyValues[strings.ToUpper(s)] {
		return nil
	}
	if i := strings.IndexByte(s, ' '); i > 0 && strings.Count(s, "/") == 2 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// ParseBool reads "Y", "Yes", "Q" (qualified) and their negatives.
func ParseBool(s string) *bool {
	var v bool
	switch strings.ToUpper(CleanText(s)) {
	case "Y", "YES", "TRUE", "Q", "QUALIFIED":
		v = true
	case "N", "NO", "FALSE", "U", "UNQUALIFIED":
		v = false
	default:
		return nil
	}
	return &v
}

// SplitBookPage splits "1234/567" or "1234-567" into book and page.
func SplitBookPage(s string) (book, page string) {
	s = CleanText(s)
	for _, sep := range []string{"/", "-", " "} {
		if b, p, ok := strings.Cut(s, sep); ok {
			return strings.TrimSpace(b), strings.TrimSpace(p)
		}
	}
	return s, ""
}
