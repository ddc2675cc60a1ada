package scraper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
	"github.com/JakeFAU/parcel-ingest/internal/scraper/scrapertest"
)

const searchPage = `<html><body><form id="search">
<input name="owner"><input name="addr"><input name="zip"><button id="go">Search</button>
</form></body></html>`

func testForm() scraper.SearchForm {
	return scraper.SearchForm{
		URL:          "https://pa.example/search",
		Form:         "form#search",
		AddressInput: "input[name=addr]",
		ZipInput:     "input[name=zip]",
		Wildcards:    map[string]string{"input[name=owner]": "*"},
		Submit:       "#go",
		Results:      "table#results",
		NoResults:    ".no-results",
		Detail:       "#parcel-detail",
	}
}

func TestSearchFormOutcomes(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		landing string
		want    scraper.Outcome
	}{
		"results":    {`<table id="results"><tr><td>x</td></tr></table>`, scraper.OutcomeResults},
		"no results": {`<p class="no-results">No records found</p>`, scraper.OutcomeNoResults},
		"redirect":   {`<div id="parcel-detail"></div>`, scraper.OutcomeDetail},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			page := scrapertest.New(
				map[string]string{"https://pa.example/search": searchPage, "https://pa.example/landing": tc.landing},
				map[string]string{"#go": "https://pa.example/landing"},
			)
			got, err := testForm().Run(page, scraper.ParseAddress("100 Main St, Clearwater, FL 33755"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, "100 MAIN ST", page.Filled["input[name=addr]"])
			assert.Equal(t, "33755", page.Filled["input[name=zip]"])
			assert.Equal(t, "*", page.Filled["input[name=owner]"])
		})
	}
}

func TestSearchFormMissingControls(t *testing.T) {
	t.Parallel()

	page := scrapertest.New(map[string]string{"https://pa.example/search": `<html><body>maintenance</body></html>`}, nil)
	_, err := testForm().Run(page, scraper.ParseAddress("100 Main St"))
	require.Error(t, err)
	assert.Equal(t, parcel.CodeParseError, parcel.CodeOf(err))
	assert.Equal(t, "form#search", parcel.DebugOf(err)["selector"])

	noSubmit := `<form id="search"><input name="addr"></form>`
	page = scrapertest.New(map[string]string{"https://pa.example/search": noSubmit}, nil)
	_, err = testForm().Run(page, scraper.ParseAddress("100 Main St"))
	require.Error(t, err)
	assert.Equal(t, parcel.CodeParseError, parcel.CodeOf(err))
	assert.Contains(t, err.Error(), "submit control not found")
}

func TestSearchFormBlocked(t *testing.T) {
	t.Parallel()

	page := scrapertest.New(map[string]string{
		"https://pa.example/search": `<html><title>Just a moment...</title><body>Verify you are human</body></html>`,
	}, nil)
	_, err := testForm().Run(page, scraper.ParseAddress("100 Main St"))
	require.Error(t, err)
	assert.Equal(t, parcel.CodeBlocked, parcel.CodeOf(err))
}

func TestSearchFormWithCaptchaWidgetStillRuns(t *testing.T) {
	t.Parallel()

	withWidget := `<html><head><script src="https://www.google.com/recaptcha/api.js"></script></head><body>
<form id="search"><input name="owner"><input name="addr"><input name="zip">
<div class="g-recaptcha" data-sitekey="k"></div><button id="go">Search</button></form>
<footer>Automated requests are prohibited.</footer></body></html>`
	page := scrapertest.New(
		map[string]string{
			"https://pa.example/search":  withWidget,
			"https://pa.example/landing": `<table id="results"><tr><td>x</td></tr></table>`,
		},
		map[string]string{"#go": "https://pa.example/landing"},
	)
	got, err := testForm().Run(page, scraper.ParseAddress("100 Main St"))
	require.NoError(t, err)
	assert.Equal(t, scraper.OutcomeResults, got)
}

func TestResultRows(t *testing.T) {
	t.Parallel()

	html := `<table id="results">
	<tr><th>Parcel</th><th>Address</th></tr>
	<tr><td><a href="/detail?id=1">01-23</a></td><td>100 MAIN ST</td></tr>
	<tr><td><a href="detail?id=2">01-24</a></td><td>102 MAIN ST</td></tr>
	</table>`
	rows, err := scraper.ResultRows(html, "table#results tr", "https://pa.example/search/")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "https://pa.example/detail?id=1", rows[0].DetailURL)
	assert.Equal(t, "https://pa.example/search/detail?id=2", rows[1].DetailURL)
	assert.Equal(t, "01-24", rows[1].ParcelID)
	assert.Contains(t, rows[0].Text, "100 MAIN ST")
}

func TestSearchFormRunParcel(t *testing.T) {
	t.Parallel()

	form := testForm()
	_, err := form.RunParcel(scrapertest.New(nil, nil), "01-23")
	require.Error(t, err)
	assert.Equal(t, parcel.CodeParseError, parcel.CodeOf(err))

	form.ParcelInput = "input[name=owner]"
	page := scrapertest.New(
		map[string]string{"https://pa.example/search": searchPage, "https://pa.example/landing": `<div id="parcel-detail"></div>`},
		map[string]string{"#go": "https://pa.example/landing"},
	)
	got, err := form.RunParcel(page, "01-23")
	require.NoError(t, err)
	assert.Equal(t, scraper.OutcomeDetail, got)
	assert.Equal(t, "01-23", page.Filled["input[name=owner]"])
	assert.Empty(t, page.Filled["input[name=addr]"])
}
