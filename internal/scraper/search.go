package scraper

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Outcome is what a submitted search landed on.
type Outcome int

const (
	OutcomeResults Outcome = iota + 1
	OutcomeNoResults
	OutcomeDetail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResults:
		return "results"
	case OutcomeNoResults:
		return "no_results"
	case OutcomeDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// SearchForm describes a site's address search form and what can follow a
// submit.
type SearchForm struct {
	URL          string
	Form         string
	AddressInput string
	ZipInput     string
	ParcelInput  string
	// Wildcards are typed into the owner/parcel fields so the search is driven
	// by the address alone.
	Wildcards map[string]string
	Submit    string
	Results   string
	NoResults string
	Detail    string
	Timeout   time.Duration
}

// Run fills the address fields and submits. A missing form or submit
// control is a PARSE_ERROR; a genuine "no results" page is OutcomeNoResults.
func (f SearchForm) Run(page Page, addr Address) (Outcome, error) {
	values := map[string]string{f.AddressInput: addr.SearchLine()}
	if f.ZipInput != "" && addr.Zip != "" {
		values[f.ZipInput] = addr.Zip
	}
	return f.submit(page, values, f.AddressInput)
}

// RunParcel searches by parcel number through ParcelInput.
func (f SearchForm) RunParcel(page Page, parcelID string) (Outcome, error) {
	if f.ParcelInput == "" {
		return 0, parcel.NewError(parcel.CodeParseError, "search", "source has no parcel search field")
	}
	return f.submit(page, map[string]string{f.ParcelInput: parcelID}, f.ParcelInput)
}

func (f SearchForm) submit(page Page, values map[string]string, required string) (Outcome, error) {
	const op = "search"
	if err := page.Navigate(f.URL); err != nil {
		return 0, err
	}
	if err := f.require(page, f.Form, "search form not found"); err != nil {
		return 0, err
	}
	for sel, val := range f.Wildcards {
		if _, set := values[sel]; set {
			continue
		}
		if ok, _ := page.Exists(sel); ok {
			if err := page.Fill(sel, val); err != nil {
				return 0, err
			}
		}
	}
	if err := f.require(page, required, "search input not found"); err != nil {
		return 0, err
	}
	if err := page.Fill(required, values[required]); err != nil {
		return 0, err
	}
	for sel, val := range values {
		if sel == required {
			continue
		}
		if ok, _ := page.Exists(sel); ok {
			if err := page.Fill(sel, val); err != nil {
				return 0, err
			}
		}
	}
	if err := f.require(page, f.Submit, "submit control not found"); err != nil {
		return 0, err
	}
	if err := page.Click(f.Submit); err != nil {
		return 0, err
	}

	waitFor := make([]string, 0, 3)
	for _, sel := range []string{f.Detail, f.Results, f.NoResults} {
		if sel != "" {
			waitFor = append(waitFor, sel)
		}
	}
	matched, err := page.WaitAny(waitFor, f.Timeout)
	if err != nil {
		return 0, err
	}
	switch matched {
	case f.Detail:
		return OutcomeDetail, nil
	case f.NoResults:
		return OutcomeNoResults, nil
	case f.Results:
		return OutcomeResults, nil
	}
	return 0, parcel.NewError(parcel.CodeParseError, op, "unexpected search outcome").
		WithDebug("matched", matched)
}

func (f SearchForm) require(page Page, sel, msg string) error {
	ok, err := page.Exists(sel)
	if err != nil {
		return err
	}
	if !ok {
		loc, _ := page.Location()
		return parcel.NewError(parcel.CodeParseError, "search", msg).
			WithDebug("selector", sel).
			WithDebug("url", loc)
	}
	return nil
}

// ResultRows reads candidate rows from a results fragment. Each element
// matched by rowSel becomes a Row; the first link inside it supplies the
// detail URL, resolved against base.
func ResultRows(html, rowSel string, base string) ([]Row, error) {
	doc, err := Document(html)
	if err != nil {
		return nil, err
	}
	baseURL, _ := url.Parse(base)
	var rows []Row
	doc.Find(rowSel).Each(func(_ int, s *goquery.Selection) {
		if s.Find("th").Length() > 0 && s.Find("td").Length() == 0 {
			return
		}
		text := CleanText(s.Text())
		if cells := s.Find("td"); cells.Length() > 0 {
			text = CleanText(strings.Join(cellTexts(cells), " "))
		}
		if text == "" {
			return
		}
		row := Row{Text: text}
		if href, ok := s.Find("a[href]").First().Attr("href"); ok {
			row.DetailURL = resolve(baseURL, href)
			row.ParcelID = CleanText(s.Find("a[href]").First().Text())
		}
		rows = append(rows, row)
	})
	return rows, nil
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
