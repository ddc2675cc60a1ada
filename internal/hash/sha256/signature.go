package sha256

import (
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DOMSignature hashes the structural skeleton of an HTML document: element
// ids, form controls and table header labels, in document order. Text values
// are ignored, so the signature only moves when the site's markup changes.
func DOMSignature(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return SumString("")
	}
	var parts []string
	doc.Find("[id], form, input[name], select[name], table, th").Each(func(_ int, sel *goquery.Selection) {
		node := goquery.NodeName(sel)
		var b strings.Builder
		b.WriteString(node)
		if id, ok := sel.Attr("id"); ok && !looksGenerated(id) {
			b.WriteString("#" + id)
		}
		if name, ok := sel.Attr("name"); ok {
			b.WriteString("[" + name + "]")
		}
		if node == "th" {
			b.WriteString(":" + strings.ToLower(strings.Join(strings.Fields(sel.Text()), " ")))
		}
		parts = append(parts, b.String())
	})
	return SumString(strings.Join(parts, "\n"))
}

// looksGenerated filters ids that frameworks mint per request (long digit runs).
func looksGenerated(id string) bool {
	digits := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 6 || slices.Contains([]string{"__VIEWSTATE", "__EVENTVALIDATION"}, id)
}
