package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Document parses markup into a goquery document.
func Document(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "parse html")
	}
	return doc, nil
}

// Table is a header-addressed view over an HTML table.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ParseTable reads the first table in sel. Headers come from th cells (or the
// first row when there are none); rows with no non-empty cell are skipped.
func ParseTable(sel *goquery.Selection) Table {
	table := sel
	if goquery.NodeName(sel) != "table" {
		table = sel.Find("table").First()
	}
	var t Table
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if t.Headers == nil {
			if ths := tr.Find("th"); ths.Length() > 0 && tr.Find("td").Length() == 0 {
				t.Headers = cellTexts(ths)
				return
			}
		}
		cells := cellTexts(tr.Find("td"))
		if !anyNonEmpty(cells) {
			return
		}
		t.Rows = append(t.Rows, cells)
	})
	if t.Headers == nil && len(t.Rows) > 0 {
		t.Headers, t.Rows = t.Rows[0], t.Rows[1:]
	}
	return t
}

func cellTexts(sel *goquery.Selection) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, c *goquery.Selection) {
		out = append(out, CleanText(c.Text()))
	})
	return out
}

func anyNonEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return true
		}
	}
	return false
}

// Column returns the index of the first header containing any alias, or -1.
// Matching is case-insensitive and ignores punctuation.
func (t Table) Column(aliases ...string) int {
	for _, alias := range aliases {
		want := labelKey(alias)
		for i, h := range t.Headers {
			if want != "" && strings.Contains(labelKey(h), want) {
				return i
			}
		}
	}
	return -1
}

// Cell returns row[col] or "" when col is out of range.
func Cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

// LabelValues collects label/value pairs from two-cell table rows, th/td rows
// and dl lists under sel. Keys are normalized with labelKey.
func LabelValues(sel *goquery.Selection) map[string]string {
	out := map[string]string{}
	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Children().Filter("th, td")
		if cells.Length() != 2 {
			return
		}
		key := labelKey(cells.First().Text())
		if key == "" {
			return
		}
		if _, seen := out[key]; !seen {
			out[key] = CleanText(cells.Last().Text())
		}
	})
	sel.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		key := labelKey(dt.Text())
		if key == "" {
			return
		}
		if _, seen := out[key]; !seen {
			out[key] = CleanText(dt.NextFiltered("dd").Text())
		}
	})
	return out
}

// Lookup returns the first label whose key contains any alias.
func Lookup(labels map[string]string, aliases ...string) (string, bool) {
	for _, alias := range aliases {
		want := labelKey(alias)
		if v, ok := labels[want]; ok {
			return v, true
		}
	}
	for _, alias := range aliases {
		want := labelKey(alias)
		for k, v := range labels {
			if strings.Contains(k, want) {
				return v, true
			}
		}
	}
	return "", false
}

func labelKey(s string) string {
	s = strings.ToLower(CleanText(s))
	s = strings.TrimRight(s, ": ")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '/' || r == '-' || r == '_':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Lines returns the text of sel split on <br> and block boundaries, cleaned
// and without blanks.
func Lines(sel *goquery.Selection) []string {
	html, err := sel.Html()
	if err != nil {
		return nil
	}
	for _, br := range []string{"<br>", "<br/>", "<br />", "</div>", "</p>", "</li>"} {
		html = strings.ReplaceAll(html, br, "\n")
	}
	doc, err := Document("<div>" + html + "</div>")
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = CleanText(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
