package pinellas

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
	"github.com/JakeFAU/parcel-ingest/internal/scraper/scrapertest"
)

const (
	searchURL  = baseURL + "/quick-search"
	resultsURL = baseURL + "/quick-search?address=100+MAIN+ST"
	detailURL  = baseURL + "/property-details?parcel=15-29-16-12345-000-0010"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(b)
}

func withPane(t *testing.T, doc, name, file string) string {
	t.Helper()
	empty := `<div id="tab-` + name + `" class="tab-pane"></div>`
	require.Contains(t, doc, empty)
	return strings.Replace(doc, empty, `<div id="tab-`+name+`" class="tab-pane">`+fixture(t, file)+`</div>`, 1)
}

// site wires the fixture pages: each tab click reloads the detail page with
// that tab's pane rendered.
func site(t *testing.T, landing string) *scrapertest.Page {
	t.Helper()
	detail := fixture(t, "detail.html")
	pages := map[string]string{
		searchURL:  fixture(t, "search.html"),
		resultsURL: landing,
		detailURL:  detail,
	}
	clicks := map[string]string{"button#search-submit": resultsURL}
	for _, tb := range tabs {
		u := detailURL + "#" + tb.name
		pages[u] = withPane(t, detail, tb.name, "tab_"+tb.name+".html")
		clicks[tb.button] = u
	}
	return scrapertest.New(pages, clicks)
}

func newScraper(page scraper.Page) (*Scraper, *scrapertest.Browser) {
	b := &scrapertest.Browser{Page: page}
	return New(b, parcel.SourceConfig{}, zap.NewNop()), b
}

func TestScrapeSelectsMatchingRowAndExtracts(t *testing.T) {
	t.Parallel()

	page := site(t, fixture(t, "results.html"))
	s, browser := newScraper(page)

	res, err := s.Scrape(context.Background(), scraper.Query{Address: "100 Main St, Clearwater, FL 33755"})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, 1, browser.Calls)
	assert.Len(t, res.Candidates, 3)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.Contains(t, page.Visited, detailURL)
	assert.Equal(t, "100 MAIN ST", page.Filled["input#site-address"])
	assert.Equal(t, "33755", page.Filled["input#site-zip"])
	assert.Equal(t, "*", page.Filled["input#owner-name"])

	rec := res.Record
	require.NotNil(t, rec)
	assert.Equal(t, "15-29-16-12345-000-0010", rec.ParcelID)
	assert.Equal(t, []string{"SMITH JOHN", "SMITH MARY"}, rec.OwnerNames)
	assert.Equal(t, []string{"123 ANY ST", "CLEARWATER, FL 33755-1234"}, rec.MailingAddress)
	assert.Equal(t, scraper.RawAddress{Line1: "100 MAIN ST", City: "CLEARWATER", State: "FL", Zip: "33755"}, rec.Situs)
	assert.Equal(t, "0110", rec.Land.UseCode)
	assert.Equal(t, "SINGLE FAMILY HOME", rec.Land.UseDescription)
	require.NotNil(t, rec.Land.Acres)
	assert.InDelta(t, 0.17, *rec.Land.Acres, 1e-9)
	assert.InDelta(t, 7500, *rec.Land.SquareFeet, 1e-9)
	assert.Equal(t, "R-3", rec.Land.Zoning)

	require.Len(t, rec.Sales, 2)
	assert.Equal(t, "21345", rec.Sales[0].Book)
	assert.Equal(t, "SMITH JOHN", rec.Sales[0].Grantee)
	require.Len(t, rec.Valuations, 2)
	assert.Equal(t, []string{"HX", "SX"}, rec.Valuations[1].ExemptionCodes)
	require.Len(t, rec.Buildings, 1)
	assert.Equal(t, 1987, *rec.Buildings[0].YearBuilt)
	assert.InDelta(t, 2.5, *rec.Buildings[0].Bathrooms, 1e-9)
	assert.Len(t, rec.ExtraFeatures, 2)
	assert.Len(t, rec.Inspections, 1)
	assert.Contains(t, rec.Warnings, "sales row 3 has no date or price")
	assert.Contains(t, res.Document, "15-29-16-12345-000-0010")
}

func TestScrapeRejectsWhenNoRowMatches(t *testing.T) {
	t.Parallel()

	s, _ := newScraper(site(t, fixture(t, "no_match.html")))
	res, err := s.Scrape(context.Background(), scraper.Query{Address: "100 Main St, Clearwater, FL"})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Record)
	assert.Equal(t, "no row matched the target address", res.Reason)
	assert.Equal(t, 1, res.Debug["rows"])
}

func TestScrapeNoResultsIsNotAnError(t *testing.T) {
	t.Parallel()

	s, _ := newScraper(site(t, fixture(t, "no_results.html")))
	res, err := s.Scrape(context.Background(), scraper.Query{Address: "1 Nowhere Rd"})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, "no_results", res.Debug["outcome"])
}

func TestScrapeFollowsDirectRedirect(t *testing.T) {
	t.Parallel()

	s, _ := newScraper(site(t, fixture(t, "detail.html")))
	res, err := s.Scrape(context.Background(), scraper.Query{Address: "100 Main St"})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "detail", res.Debug["outcome"])
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestScrapeRejectsRedirectToAnotherNumber(t *testing.T) {
	t.Parallel()

	landing := fixture(t, "detail.html")
	require.Contains(t, landing, `<div class="site-address">100 Main St</div>`)
	landing = strings.Replace(landing, `<div class="site-address">100 Main St</div>`, `<div class="site-address">102 Main St</div>`, 1)

	s, _ := newScraper(site(t, landing))
	res, err := s.Scrape(context.Background(), scraper.Query{Address: "100 Main St"})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Record)
	assert.Equal(t, "redirected detail page does not match the target address", res.Reason)
	assert.Equal(t, "102 MAIN ST", res.Debug["redirect_situs"])
	assert.Equal(t, "detail", res.Debug["outcome"])
}

func TestScrapeByParcelID(t *testing.T) {
	t.Parallel()

	page := site(t, "")
	s, _ := newScraper(page)
	res, err := s.Scrape(context.Background(), scraper.Query{ParcelID: "15-29-16-12345-000-0010"})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, detailURL, page.Visited[0])
}

func TestScrapeBlockedSurfacesCode(t *testing.T) {
	t.Parallel()

	page := scrapertest.New(map[string]string{
		searchURL: `<html><body><div class="g-recaptcha"></div>Please verify you are human</body></html>`,
	}, nil)
	s, _ := newScraper(page)
	_, err := s.Scrape(context.Background(), scraper.Query{Address: "100 Main St"})
	require.Error(t, err)
	assert.Equal(t, parcel.CodeBlocked, parcel.CodeOf(err))
}

func TestExtractRequiresParcelNumber(t *testing.T) {
	t.Parallel()

	_, err := Extract(Fragments{Overview: `<div id="property-details"><p>Maintenance</p></div>`}, baseURL+"/property-details")
	require.Error(t, err)
	assert.Equal(t, parcel.CodeParseError, parcel.CodeOf(err))
}

func TestExtractWarnsOnMissingTabs(t *testing.T) {
	t.Parallel()

	rec, err := Extract(Fragments{Overview: fixture(t, "detail.html"), Missing: []string{"permits"}}, detailURL)
	require.NoError(t, err)
	assert.Contains(t, rec.Warnings, "tab permits not available")
	assert.Empty(t, rec.Sales)
}

func TestParcelIDPattern(t *testing.T) {
	t.Parallel()

	m := (&Scraper{}).ParcelIDPattern().FindStringSubmatch(detailURL)
	require.Len(t, m, 2)
	assert.Equal(t, "15-29-16-12345-000-0010", m[1])
}
