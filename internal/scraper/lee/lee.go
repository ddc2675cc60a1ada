// Package lee scrapes the Lee County (FL) Property Appraiser: a search form
// that always lists matches in a results table, followed by a single detail
// page carrying every section.
package lee

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

const (
	Key           = "fl-lee"
	ParserVersion = "lee/2"

	baseURL      = "https://www.leepa.org"
	detailMarker = "div#ParcelDetail"
	resultRows   = "table#PropertySearchResults tr.result-row"
)

var parcelIDPattern = regexp.MustCompile(`(?i)FolioID=(\d+)`)

func Source() parcel.SourceConfig {
	return parcel.SourceConfig{
		Key:         Key,
		DisplayName: "Lee County Property Appraiser",
		StateCode:   "FL",
		StateFIPS:   "12",
		CountyFIPS:  "071",
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

type Scraper struct {
	browser scraper.Browser
	cfg     parcel.SourceConfig
	logger  *zap.Logger
	wait    time.Duration
}

func New(browser scraper.Browser, cfg parcel.SourceConfig, logger *zap.Logger) *Scraper {
	if cfg.Key == "" {
		cfg = Source()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{browser: browser, cfg: cfg, logger: logger.Named(Key), wait: 25 * time.Second}
}

func (s *Scraper) Source() parcel.SourceConfig     { return s.cfg }
func (s *Scraper) ParserVersion() string           { return ParserVersion }
func (s *Scraper) ParcelIDPattern() *regexp.Regexp { return parcelIDPattern }

func (s *Scraper) form() scraper.SearchForm {
	return scraper.SearchForm{
		URL:          s.cfg.BaseURL + "/Search/PropertySearch.aspx",
		Form:         "form#PropertySearchForm",
		AddressInput: "input#StreetAddress",
		ZipInput:     "input#ZipCode",
		ParcelInput:  "input#STRAPNumber",
		Wildcards:    map[string]string{"input#OwnerName": "%"},
		Submit:       "input#SubmitPropertySearch",
		Results:      "table#PropertySearchResults",
		NoResults:    "span#NoRecordsFound",
		Timeout:      s.wait,
	}
}

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
	form := s.form()
	res.RequestURL = form.URL

	var (
		outcome scraper.Outcome
		err     error
		addr    scraper.Address
	)
	switch {
	case q.Address != "":
		addr = scraper.ParseAddress(q.Address)
		outcome, err = form.Run(page, addr)
	case q.ParcelID != "":
		outcome, err = form.RunParcel(page, q.ParcelID)
	default:
		return res, parcel.NewError(parcel.CodeParseError, "search", "address or parcel id required")
	}
	if err != nil {
		return res, err
	}
	res.Debug["outcome"] = outcome.String()
	if outcome == scraper.OutcomeNoResults {
		res.Reason = "no results"
		return res, nil
	}

	frag, err := page.OuterHTML(form.Results)
	if err != nil {
		return res, err
	}
	loc, _ := page.Location()
	rows, err := scraper.ResultRows(frag, resultRows, loc)
	if err != nil {
		return res, parcel.WrapError(parcel.CodeParseError, "read results", err)
	}
	res.Candidates = rows

	var sel scraper.Selection
	if q.Address != "" {
		sel = scraper.SelectRow(rows, addr)
	} else {
		sel = selectByParcel(rows, q.ParcelID)
	}
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

	html, err := page.OuterHTML(detailMarker)
	if err != nil {
		return res, err
	}
	doc, err := page.HTML()
	if err != nil {
		return res, err
	}
	res.Document = doc
	res.FinalURL, _ = page.Location()
	res.Status = page.LastStatus()
	res.Confidence = sel.Confidence

	rec, err := Extract(html, res.FinalURL)
	if err != nil {
		return res, err
	}
	res.Record = rec
	res.Found = true
	return res, nil
}

// selectByParcel matches rows on the normalized parcel number.
func selectByParcel(rows []scraper.Row, id string) scraper.Selection {
	want := compact(id)
	sel := scraper.Selection{Index: -1, Debug: map[string]any{"rows": len(rows), "target_parcel": id}}
	for i, row := range rows {
		if compact(row.ParcelID) == want && want != "" {
			sel.Index = i
			sel.Confidence = 1
			sel.Debug["matched_text"] = row.Text
			return sel
		}
	}
	sel.Reason = "no row carried the requested parcel number"
	return sel
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		}
		return -1
	}, s)
}
