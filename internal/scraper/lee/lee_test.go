package lee

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
	"github.com/JakeFAU/parcel-ingest/internal/scraper/scrapertest"
)

const (
	searchURL  = baseURL + "/Search/PropertySearch.aspx"
	resultsURL = baseURL + "/Search/PropertySearch.aspx?results"
	detailURL  = baseURL + "/Display/DisplayParcel.aspx?FolioID=10234567"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(b)
}

func site(t *testing.T, landing string) *scrapertest.Page {
	t.Helper()
	return scrapertest.New(map[string]string{
		searchURL:  fixture(t, "search.html"),
		resultsURL: landing,
		detailURL:  fixture(t, "detail.html"),
	}, map[string]string{"input#SubmitPropertySearch": resultsURL})
}

func TestScrapeCondoPrefersFullUnit(t *testing.T) {
	t.Parallel()

	page := site(t, fixture(t, "results.html"))
	s := New(&scrapertest.Browser{Page: page}, parcel.SourceConfig{}, nil)

	res, err := s.Scrape(context.Background(), scraper.Query{Address: "2500 N Ocean Blvd #14-209, Fort Myers, FL 33901"})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, detailURL, res.FinalURL)
	assert.Contains(t, res.Debug["matched_text"], "UNIT 14-209")
	assert.Equal(t, "%", page.Filled["input#OwnerName"])
	assert.Equal(t, "2500 N OCEAN BLVD", page.Filled["input#StreetAddress"])

	rec := res.Record
	require.NotNil(t, rec)
	assert.Equal(t, "12-45-26-P1-00123.0010", rec.ParcelID)
	assert.Equal(t, []string{"GARCIA LUIS &", "GARCIA ROSA"}, rec.OwnerNames)
	assert.Equal(t, []string{"PO BOX 1200", "FORT MYERS FL 33902"}, rec.MailingAddress)
	assert.Equal(t, "2500 N OCEAN BLVD UNIT 14-209", rec.Situs.Line1)
	assert.Equal(t, "33901", rec.Situs.Zip)
	assert.Equal(t, "0400", rec.Land.UseCode)
	assert.Equal(t, "CONDOMINIUM", rec.Land.UseDescription)
	require.NotNil(t, rec.Land.Acres)
	assert.InDelta(t, 0.05, *rec.Land.Acres, 1e-9)

	require.Len(t, rec.Valuations, 3)
	assert.Equal(t, 2024, rec.Valuations[0].TaxYear)
	assert.InDelta(t, 6010.55, *rec.Valuations[0].Taxes, 1e-9)
	require.Len(t, rec.Sales, 2)
	assert.Equal(t, "5321", rec.Sales[0].Book)
	assert.Equal(t, "0412", rec.Sales[0].Page)
	assert.Equal(t, "WD", rec.Sales[0].DeedType)
	require.Len(t, rec.Buildings, 1)
	assert.InDelta(t, 1240, *rec.Buildings[0].LivingArea, 1e-9)
	require.Len(t, rec.ExtraFeatures, 1)
	assert.Empty(t, rec.Inspections)
	assert.Empty(t, rec.Warnings)
}

func TestScrapeByParcelNumber(t *testing.T) {
	t.Parallel()

	page := site(t, fixture(t, "results.html"))
	s := New(&scrapertest.Browser{Page: page}, parcel.SourceConfig{}, nil)

	res, err := s.Scrape(context.Background(), scraper.Query{ParcelID: "12-45-26-p1-00123.0010"})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "12-45-26-p1-00123.0010", page.Filled["input#STRAPNumber"])
	assert.Equal(t, "12-45-26-P1-00123.0010", res.Record.ParcelID)
}

func TestScrapeRejectsOtherUnits(t *testing.T) {
	t.Parallel()

	s := New(&scrapertest.Browser{Page: site(t, fixture(t, "results.html"))}, parcel.SourceConfig{}, nil)
	res, err := s.Scrape(context.Background(), scraper.Query{Address: "2600 N Ocean Blvd #14-209"})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Len(t, res.Debug["rows_seen"], 3)
}

func TestScrapeNoRecords(t *testing.T) {
	t.Parallel()

	s := New(&scrapertest.Browser{Page: site(t, fixture(t, "no_results.html"))}, parcel.SourceConfig{}, nil)
	res, err := s.Scrape(context.Background(), scraper.Query{Address: "1 Nowhere Rd"})
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, "no results", res.Reason)
}

func TestExtractMissingStrapIsParseError(t *testing.T) {
	t.Parallel()

	_, err := Extract(`<div id="ParcelDetail"></div>`, detailURL)
	require.Error(t, err)
	assert.Equal(t, parcel.CodeParseError, parcel.CodeOf(err))
	assert.Equal(t, "#ParcelIdentity .strap", parcel.DebugOf(err)["selector"])
}

func TestExtractWarnsOnMissingSections(t *testing.T) {
	t.Parallel()

	rec, err := Extract(`<div id="ParcelDetail"><div id="ParcelIdentity"><span class="strap">1</span></div></div>`, detailURL)
	require.NoError(t, err)
	assert.Len(t, rec.Warnings, 3)
}
