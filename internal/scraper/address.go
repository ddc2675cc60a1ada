package scraper

import (
	"regexp"
	"strings"
)

// Address is a target address broken into the parts row matching needs.
type Address struct {
	Raw    string
	Number string
	// Street is the normalized street line without number or unit, e.g. "N MAIN ST".
	Street string
	// Tokens are the significant street-name words (no directionals or suffixes).
	Tokens []string
	Unit   string
	City   string
	State  string
	Zip    string
}

// SearchLine is the normalized street address typed into search forms.
func (a Address) SearchLine() string {
	if a.Number == "" {
		return a.Street
	}
	if a.Street == "" {
		return a.Number
	}
	return a.Number + " " + a.Street
}

var (
	zipPattern      = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?$`)
	zipToken        = regexp.MustCompile(`^\d{5}(?:-\d{4})?$`)
	statePattern    = regexp.MustCompile(`^[A-Z]{2}$`)
	nonAddressChars = regexp.MustCompile(`[^A-Z0-9#/\- ]+`)
	spaces          = regexp.MustCompile(`\s+`)
)

var unitMarkers = map[string]bool{
	"#": true, "UNIT": true, "APT": true, "APARTMENT": true, "STE": true, "SUITE": true, "BLDG": true, "LOT": true,
}

var directionals = map[string]string{
	"N": "N", "NORTH": "N", "S": "S", "SOUTH": "S", "E": "E", "EAST": "E", "W": "W", "WEST": "W",
	"NE": "NE", "NORTHEAST": "NE", "NW": "NW", "NORTHWEST": "NW",
	"SE": "SE", "SOUTHEAST": "SE", "SW": "SW", "SOUTHWEST": "SW",
}

var suffixes = map[string]string{
	"ST": "ST", "STREET": "ST", "AVE": "AVE", "AV": "AVE", "AVENUE": "AVE", "BLVD": "BLVD", "BOULEVARD": "BLVD",
	"RD": "RD", "ROAD": "RD", "DR": "DR", "DRIVE": "DR", "LN": "LN", "LANE": "LN", "CT": "CT", "COURT": "CT",
	"CIR": "CIR", "CIRCLE": "CIR", "PL": "PL", "PLACE": "PL", "TER": "TER", "TERRACE": "TER", "WAY": "WAY",
	"HWY": "HWY", "HIGHWAY": "HWY", "PKWY": "PKWY", "PARKWAY": "PKWY", "TRL": "TRL", "TRAIL": "TRL",
	"LOOP": "LOOP", "PT": "PT", "POINT": "PT", "CV": "CV", "COVE": "CV", "SQ": "SQ", "SQUARE": "SQ",
}

// NormalizeAddressText uppercases s, drops punctuation other than '#', '/' and
// '-', and collapses whitespace.
func NormalizeAddressText(s string) string {
	s = strings.ToUpper(strings.ReplaceAll(s, "\u00a0", " "))
	s = strings.ReplaceAll(s, "#", " # ")
	s = nonAddressChars.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// ParseAddress splits a free-form US address such as
// "100 Main St Unit 4, Clearwater, FL 33755".
func ParseAddress(raw string) Address {
	addr := Address{Raw: raw}
	parts := strings.Split(raw, ",")
	street := NormalizeAddressText(parts[0])

	var rest []string
	for _, p := range parts[1:] {
		if p = NormalizeAddressText(p); p != "" {
			rest = append(rest, p)
		}
	}
	if n := len(rest); n > 0 {
		tail := rest[n-1]
		if m := zipPattern.FindStringSubmatch(tail); m != nil {
			addr.Zip = m[1]
			tail = strings.TrimSpace(strings.TrimSuffix(tail, m[0]))
		}
		fields := strings.Fields(tail)
		if k := len(fields); k > 0 && statePattern.MatchString(fields[k-1]) && (n > 1 || k > 1 || addr.Zip != "") {
			addr.State = fields[k-1]
			fields = fields[:k-1]
		}
		switch {
		case len(fields) > 0:
			addr.City = strings.Join(fields, " ")
		case n > 1:
			addr.City = rest[n-2]
		}
	}

	tokens := strings.Fields(street)
	if len(tokens) > 0 && startsWithDigit(tokens[0]) {
		addr.Number = tokens[0]
		tokens = tokens[1:]
	}
	var streetTokens []string
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if unitMarkers[tok] {
			addr.Unit = strings.Join(unitTail(tokens[i+1:]), " ")
			break
		}
		if canon, ok := directionals[tok]; ok {
			streetTokens = append(streetTokens, canon)
			continue
		}
		if canon, ok := suffixes[tok]; ok && i > 0 {
			streetTokens = append(streetTokens, canon)
			continue
		}
		streetTokens = append(streetTokens, tok)
		addr.Tokens = append(addr.Tokens, tok)
	}
	addr.Street = strings.Join(streetTokens, " ")
	return addr
}

func unitTail(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "#" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

// Row is one search result candidate.
type Row struct {
	Text      string `json:"text"`
	DetailURL string `json:"detailUrl,omitempty"`
	ParcelID  string `json:"parcelId,omitempty"`
}

// Selection is the outcome of best-row matching. Index is -1 when every row
// was rejected.
type Selection struct {
	Index      int
	Confidence float64
	Reason     string
	Debug      map[string]any
}

// SelectRow picks the row that best matches target. The street number must
// appear as a whole token; then either significant street-name tokens or the
// unit must match. The full unit string beats a partial unit-number match.
// Rows that pass no check are rejected; there is no first-row fallback.
func SelectRow(rows []Row, target Address) Selection {
	sel := Selection{Index: -1, Debug: map[string]any{
		"rows":          len(rows),
		"target_number": target.Number,
		"target_street": target.Street,
		"target_unit":   target.Unit,
	}}
	if len(rows) == 0 {
		sel.Reason = "no result rows"
		return sel
	}
	if target.Number == "" {
		sel.Reason = "target address has no street number"
		sel.Debug["rows_seen"] = rowTexts(rows)
		return sel
	}

	best := -1.0
	for i, row := range rows {
		score, conf, ok := scoreRow(row, target)
		if !ok || score <= best {
			continue
		}
		best = score
		sel.Index = i
		sel.Confidence = conf
	}
	if sel.Index < 0 {
		sel.Reason = "no row matched the target address"
		sel.Debug["rows_seen"] = rowTexts(rows)
		return sel
	}
	sel.Debug["matched_text"] = rows[sel.Index].Text
	return sel
}

func scoreRow(row Row, target Address) (score, confidence float64, ok bool) {
	text := NormalizeAddressText(row.Text)
	words := strings.Fields(text)
	if !containsToken(words, target.Number) {
		return 0, 0, false
	}

	streetScore := 0.0
	if len(target.Tokens) > 0 {
		hits := 0
		for _, tok := range target.Tokens {
			if containsToken(words, tok) {
				hits++
			}
		}
		streetScore = float64(hits) / float64(len(target.Tokens))
	}

	if target.Unit != "" {
		unitScore, rowHasUnit := scoreUnit(remainder(words, target), target.Unit)
		switch {
		case unitScore == 0 && rowHasUnit:
			// a different unit in the same building is a different parcel
			return 0, 0, false
		case unitScore == 0 && streetScore == 0:
			return 0, 0, false
		}
		return 1 + streetScore + 2*unitScore, 0.5 + 0.3*streetScore + 0.2*unitScore, true
	}

	if len(target.Tokens) > 0 && streetScore == 0 {
		return 0, 0, false
	}
	if len(target.Tokens) == 0 {
		streetScore = 1
	}
	return 1 + streetScore, 0.6 + 0.4*streetScore, true
}

// remainder drops the first street-number token and the street words so unit
// matching never sees digits that belong to the house number.
func remainder(words []string, target Address) []string {
	street := make(map[string]bool, len(target.Tokens))
	for _, tok := range target.Tokens {
		street[tok] = true
	}
	out := make([]string, 0, len(words))
	numberSeen := false
	for _, w := range words {
		if !numberSeen && w == target.Number {
			numberSeen = true
			continue
		}
		if street[w] || isStreetAffix(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isStreetAffix(w string) bool {
	if _, ok := directionals[w]; ok {
		return true
	}
	_, ok := suffixes[w]
	return ok
}

// rowUnit returns the unit written after a marker such as "#" or "UNIT",
// taking as many tokens as the target unit has.
func rowUnit(rest []string, width int) (string, bool) {
	for i, w := range rest {
		if !unitMarkers[w] {
			continue
		}
		tail := unitTail(rest[i+1:])
		if len(tail) == 0 {
			return "", false
		}
		if width < 1 {
			width = 1
		}
		if width > len(tail) {
			width = len(tail)
		}
		return strings.Join(tail[:width], ""), true
	}
	return "", false
}

// scoreUnit compares the target unit with the unit found in the rest of the
// row: 1 for an exact match, 0.5 when only the trailing segment matches. The
// second result reports whether the row names any unit at all.
func scoreUnit(rest []string, unit string) (float64, bool) {
	want := strings.ReplaceAll(unit, " ", "")
	if got, ok := rowUnit(rest, len(strings.Fields(unit))); ok {
		switch {
		case got == want:
			return 1, true
		case partialUnitMatch([]string{got}, want):
			return 0.5, true
		}
		return 0, true
	}

	// no marker: a bare token such as "14-209" may still be the unit
	hasUnit := false
	for _, w := range rest {
		if w == want {
			return 1, true
		}
		if looksLikeUnit(w) {
			hasUnit = true
		}
	}
	if partialUnitMatch(filterUnits(rest), want) {
		return 0.5, true
	}
	return 0, hasUnit
}

func looksLikeUnit(w string) bool {
	if zipToken.MatchString(w) {
		return false
	}
	return strings.ContainsAny(w, "0123456789")
}

func filterUnits(words []string) []string {
	out := words[:0:0]
	for _, w := range words {
		if looksLikeUnit(w) {
			out = append(out, w)
		}
	}
	return out
}

// partialUnitMatch matches the trailing segment of a unit such as "14-209"
// against the trailing segment of each candidate.
func partialUnitMatch(candidates []string, unit string) bool {
	last := lastSegment(unit)
	if last == "" {
		return false
	}
	for _, c := range candidates {
		if lastSegment(c) == last {
			return true
		}
	}
	return false
}

func lastSegment(s string) string {
	segs := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' || r == '#' })
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func containsToken(words []string, tok string) bool {
	for _, w := range words {
		if w == tok {
			return true
		}
		if canon, ok := suffixes[w]; ok && canon == tok {
			return true
		}
		if canon, ok := directionals[w]; ok && canon == tok {
			return true
		}
	}
	return false
}

func rowTexts(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Text)
	}
	return out
}

// redirectConfidence caps a match that came from a site-side redirect rather
// than a row we chose.
const redirectConfidence = 0.9

// ConfirmRedirect checks a detail page the site jumped to on its own against
// the target, using the same rules as result rows. On a mismatch the result
// is turned into a negative one carrying the reason and the situs seen.
func ConfirmRedirect(res Result, target Address) Result {
	var situs string
	if res.Record != nil {
		situs = strings.TrimSpace(res.Record.Situs.Line1)
	}
	if res.Debug == nil {
		res.Debug = map[string]any{}
	}
	res.Debug["redirect_situs"] = situs

	sel := SelectRow([]Row{{Text: situs}}, target)
	if situs == "" || sel.Index < 0 {
		res.Found = false
		res.Record = nil
		res.Confidence = 0
		res.Reason = "redirected detail page does not match the target address"
		for k, v := range sel.Debug {
			res.Debug[k] = v
		}
		return res
	}
	res.Confidence = min(sel.Confidence, redirectConfidence)
	return res
}
