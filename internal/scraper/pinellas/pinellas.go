// Package pinellas scrapes the Pinellas County (FL) Property Appraiser: an
// address form that may redirect straight to a parcel, and a detail page
// whose sales, values, building, feature and permit tables load behind tabs.
package pinellas

import (
	"context"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

const (
	// Key is the registry key for this source.
	Key = "fl-pinellas"
	// ParserVersion changes whenever extraction output changes shape.
	ParserVersion = "pinellas/3"

	baseURL = "https://www.pcpao.gov"
)

var parcelIDPattern = regexp.MustCompile(`(?i)[?&]parcel=([0-9A-Z-]+)`)

// Source returns the default source configuration.
func Source() parcel.SourceConfig {
	return parcel.SourceConfig{
		Key:         Key,
		DisplayName: "Pinellas County Property Appraiser",
		StateCode:   "FL",
		StateFIPS:   "12",
		CountyFIPS:  "103",
		BaseURL:     baseURL,
		Capabilities: []parcel.Capability{
			parcel.CapabilityAddressSearch,
			parcel.CapabilityParcelSearch,
			parcel.CapabilitySalesHistory,
			parcel.CapabilityAssessments,
			parcel.CapabilityBuildings,
			parcel.CapabilityExtraFeatures,
		},
		RateLimit: parcel.RateLimit{RequestsPerSecond: 0.5, Burst: 1},
		Retry:     parcel.RetryPolicy{MaxAttempts: 2, InitialBackoff: 2 * time.Second, Multiplier: 2},
	}
}

// tab is a lazily rendered detail section.
type tab struct {
	name   string
	button string
	pane   string
}

var tabs = []tab{
	{name: "sales", button: `a[data-tab="sales"]`, pane: "#tab-sales table"},
	{name: "values", button: `a[data-tab="values"]`, pane: "#tab-values table"},
	{name: "buildings", button: `a[data-tab="buildings"]`, pane: "#tab-buildings .building"},
	{name: "extra", button: `a[data-tab="extra"]`, pane: "#tab-extra table"},
	{name: "permits", button: `a[data-tab="permits"]`, pane: "#tab-permits table"},
}

const detailMarker = "#property-details"

// Scraper implements scraper.Scraper for Pinellas.
type Scraper struct {
	browser scraper.Browser
	cfg     parcel.SourceConfig
	logger  *zap.Logger
	wait    time.Duration
}

// New returns a Scraper. cfg overrides Source() when its Key is set.
func New(browser scraper.Browser, cfg parcel.SourceConfig, logger *zap.Logger) *Scraper {
	if cfg.Key == "" {
		cfg = Source()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{browser: browser, cfg: cfg, logger: logger.Named(Key), wait: 20 * time.Second}
}

func (s *Scraper) Source() parcel.SourceConfig { return s.cfg }

// ParserVersion reports the extraction version.
func (s *Scraper) ParserVersion() string { return ParserVersion }

// ParcelIDPattern extracts the parcel number from a detail URL.
func (s *Scraper) ParcelIDPattern() *regexp.Regexp { return parcelIDPattern }

func (s *Scraper) form() scraper.SearchForm {
	return scraper.SearchForm{
		URL:          s.cfg.BaseURL + "/quick-search",
		Form:         "form#property-search",
		AddressInput: "input#site-address",
		ZipInput:     "input#site-zip",
		Wildcards: map[string]string{
			"input#owner-name":    "*",
			"input#parcel-number": "*",
		},
		Submit:    "button#search-submit",
		Results:   "table#search-results",
		NoResults: "#search-results-empty",
		Detail:    detailMarker,
		Timeout:   s.wait,
	}
}

// Scrape runs search, row selection and extraction in one browser context.
func (s *Scraper) Scrape(ctx context.Context, q scraper.Query) (scraper.Result, error) {
	var res scraper.Result
	err := s.browser.WithPage(ctx, func(_ context.Context, page scraper.Page) error {
		var err error
		res, err = s.scrape(page, q)
		return err
	})
	if err != nil {
		return scraper.Result{}, err
	}
	res.CompletedAt = time.Now().UTC()
	return res, nil
}

func (s *Scraper) scrape(page scraper.Page, q scraper.Query) (scraper.Result, error) {
	res := scraper.Result{Debug: map[string]any{}}

	if q.Address == "" {
		if q.ParcelID == "" {
			return res, parcel.NewError(parcel.CodeParseError, "search", "address or parcel id required")
		}
		res.RequestURL = s.cfg.BaseURL + "/property-details?parcel=" + url.QueryEscape(q.ParcelID)
		if err := page.Navigate(res.RequestURL); err != nil {
			return res, err
		}
		if ok, err := page.Exists(detailMarker); err != nil {
			return res, err
		} else if !ok {
			res.Reason = "parcel not found"
			return res, nil
		}
		res.Confidence = 1
		return s.detail(page, res)
	}

	addr := scraper.ParseAddress(q.Address)
	form := s.form()
	res.RequestURL = form.URL
	outcome, err := form.Run(page, addr)
	if err != nil {
		return res, err
	}
	res.Debug["outcome"] = outcome.String()
	s.logger.Debug("search submitted", zap.String("address", addr.SearchLine()), zap.Stringer("outcome", outcome))

	switch outcome {
	case scraper.OutcomeNoResults:
		res.Reason = "no results for address"
		return res, nil
	case scraper.OutcomeDetail:
		// A unique match redirects; the page still has to be the right address.
		res, err = s.detail(page, res)
		if err != nil {
			return res, err
		}
		res = scraper.ConfirmRedirect(res, addr)
		if !res.Found {
			s.logger.Info("redirect landed on another address",
				zap.Any("situs", res.Debug["redirect_situs"]), zap.String("target", addr.SearchLine()))
		}
		return res, nil
	}

	frag, err := page.OuterHTML(form.Results)
	if err != nil {
		return res, err
	}
	loc, _ := page.Location()
	rows, err := scraper.ResultRows(frag, "table#search-results tbody tr", loc)
	if err != nil {
		return res, parcel.WrapError(parcel.CodeParseError, "read results", err)
	}
	res.Candidates = rows
	sel := scraper.SelectRow(rows, addr)
	for k, v := range sel.Debug {
		res.Debug[k] = v
	}
	if sel.Index < 0 {
		res.Reason = sel.Reason
		s.logger.Info("no matching result row", zap.String("reason", sel.Reason), zap.Int("rows", len(rows)))
		return res, nil
	}
	row := rows[sel.Index]
	if row.DetailURL == "" {
		return res, parcel.NewError(parcel.CodeParseError, "select result", "matched row has no detail link").
			WithDebug("row", row.Text)
	}
	if err := page.Navigate(row.DetailURL); err != nil {
		return res, err
	}
	if _, err := page.WaitAny([]string{detailMarker}, s.wait); err != nil {
		return res, err
	}
	res.Confidence = sel.Confidence
	return s.detail(page, res)
}

// detail opens each tab in turn and extracts the collected fragments.
func (s *Scraper) detail(page scraper.Page, res scraper.Result) (scraper.Result, error) {
	overview, err := page.OuterHTML(detailMarker)
	if err != nil {
		return res, err
	}
	frags := Fragments{Overview: overview, Tabs: map[string]string{}}
	for _, t := range tabs {
		ok, err := page.Exists(t.button)
		if err != nil {
			return res, err
		}
		if !ok {
			frags.Missing = append(frags.Missing, t.name)
			continue
		}
		if err := page.ClickAndWait(t.button, t.pane); err != nil {
			if parcel.IsCode(err, parcel.CodeTimeout) {
				frags.Missing = append(frags.Missing, t.name)
				continue
			}
			return res, err
		}
		pane, err := page.OuterHTML("#tab-" + t.name)
		if err != nil {
			return res, err
		}
		frags.Tabs[t.name] = pane
	}

	doc, err := page.HTML()
	if err != nil {
		return res, err
	}
	loc, _ := page.Location()
	if u, err := url.Parse(loc); err == nil {
		u.Fragment = ""
		loc = u.String()
	}
	res.Document = doc
	res.FinalURL = loc
	res.Status = page.LastStatus()

	rec, err := Extract(frags, loc)
	if err != nil {
		return res, err
	}
	res.Record = rec
	res.Found = true
	return res, nil
}
