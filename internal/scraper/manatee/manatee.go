// Package manatee scrapes the Manatee County (FL) Property Appraiser, whose
// search and parcel pages are server rendered and fetched over plain HTTP.
package manatee

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/parcel-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/parcel-ingest/internal/headless/detector"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/resilience"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

const (
	Key           = "fl-manatee"
	ParserVersion = "manatee/1"

	baseURL      = "https://www.manateepao.gov"
	detailMarker = "div#parcel-detail"
	resultRows   = "table#search-results tbody tr"
	noResults    = "div.no-results"
)

var parcelIDPattern = regexp.MustCompile(`(?i)[?&]parid=(\d+)`)

func Source() parcel.SourceConfig {
	return parcel.SourceConfig{
		Key:         Key,
		DisplayName: "Manatee County Property Appraiser",
		StateCode:   "FL",
		StateFIPS:   "12",
		CountyFIPS:  "081",
		BaseURL:     baseURL,
		Capabilities: []parcel.Capability{
			parcel.CapabilityAddressSearch,
			parcel.CapabilityParcelSearch,
			parcel.CapabilitySalesHistory,
			parcel.CapabilityAssessments,
			parcel.CapabilityBuildings,
		},
		RateLimit: parcel.RateLimit{RequestsPerSecond: 1, Burst: 2},
		Retry:     parcel.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, Multiplier: 2},
	}
}

// Fetcher performs one HTTP request. *collyfetcher.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

type Scraper struct {
	fetcher  Fetcher
	cfg      parcel.SourceConfig
	logger   *zap.Logger
	detector *detector.Detector
}

func New(fetcher Fetcher, cfg parcel.SourceConfig, logger *zap.Logger) *Scraper {
	if cfg.Key == "" {
		cfg = Source()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{fetcher: fetcher, cfg: cfg, logger: logger.Named(Key), detector: detector.New().WithContentMarkers(detailMarker, noResults)}
}

func (s *Scraper) Source() parcel.SourceConfig     { return s.cfg }
func (s *Scraper) ParserVersion() string           { return ParserVersion }
func (s *Scraper) ParcelIDPattern() *regexp.Regexp { return parcelIDPattern }

func (s *Scraper) searchURL(addr scraper.Address) string {
	v := url.Values{}
	v.Set("address", addr.SearchLine())
	if addr.Zip != "" {
		v.Set("zip", addr.Zip)
	}
	return s.cfg.BaseURL + "/search/?" + v.Encode()
}

func (s *Scraper) parcelURL(id string) string {
	return s.cfg.BaseURL + "/parcel/?parid=" + url.QueryEscape(strings.TrimSpace(id))
}

func (s *Scraper) Scrape(ctx context.Context, q scraper.Query) (scraper.Result, error) {
	res := scraper.Result{Debug: map[string]any{}}
	var (
		addr scraper.Address
		page fetched
		err  error
	)
	switch {
	case q.Address != "":
		addr = scraper.ParseAddress(q.Address)
		res.RequestURL = s.searchURL(addr)
	case q.ParcelID != "":
		res.RequestURL = s.parcelURL(q.ParcelID)
	default:
		return res, parcel.NewError(parcel.CodeParseError, "search", "address or parcel id required")
	}

	if page, err = s.get(ctx, res.RequestURL); err != nil {
		return scraper.Result{}, err
	}

	confidence := 1.0
	redirected := false
	switch {
	case page.doc.Find(detailMarker).Length() > 0:
		res.Debug["outcome"] = scraper.OutcomeDetail.String()
		redirected = q.Address != ""
	case page.doc.Find(noResults).Length() > 0:
		res.Debug["outcome"] = scraper.OutcomeNoResults.String()
		res.Reason = "no results"
		res.CompletedAt = time.Now().UTC()
		return res, nil
	case page.doc.Find("table#search-results").Length() > 0:
		res.Debug["outcome"] = scraper.OutcomeResults.String()
		rows, err := scraper.ResultRows(page.body, resultRows, page.url)
		if err != nil {
			return scraper.Result{}, parcel.WrapError(parcel.CodeParseError, "read results", err)
		}
		res.Candidates = rows
		sel := scraper.SelectRow(rows, addr)
		for k, v := range sel.Debug {
			res.Debug[k] = v
		}
		if sel.Index < 0 {
			res.Reason = sel.Reason
			res.CompletedAt = time.Now().UTC()
			s.logger.Info("no matching result row", zap.String("reason", sel.Reason), zap.Int("rows", len(rows)))
			return res, nil
		}
		row := rows[sel.Index]
		if row.DetailURL == "" {
			return scraper.Result{}, parcel.NewError(parcel.CodeParseError, "select result", "matched row has no detail link").
				WithDebug("row", row.Text)
		}
		confidence = sel.Confidence
		if page, err = s.get(ctx, row.DetailURL); err != nil {
			return scraper.Result{}, err
		}
		if page.doc.Find(detailMarker).Length() == 0 {
			return scraper.Result{}, parcel.NewError(parcel.CodeParseError, "load detail", "detail section not found").
				WithDebug("selector", detailMarker).
				WithDebug("url", page.url)
		}
	default:
		return scraper.Result{}, parcel.NewError(parcel.CodeParseError, "search", "unrecognized search response").
			WithDebug("selectors", []string{detailMarker, "table#search-results", noResults}).
			WithDebug("url", page.url)
	}

	rec, err := Extract(page.doc, page.url)
	if err != nil {
		return scraper.Result{}, err
	}
	res.Found = true
	res.Record = rec
	res.Confidence = confidence
	res.Document = page.body
	res.Status = page.status
	res.FinalURL = page.url
	res.CompletedAt = time.Now().UTC()
	if redirected {
		res = scraper.ConfirmRedirect(res, addr)
	}
	return res, nil
}

type fetched struct {
	url    string
	status int
	body   string
	doc    *goquery.Document
}

// get fetches target and screens it for blocking pages. Transient failures
// are retried by the fetcher; whatever survives is a navigation failure.
func (s *Scraper) get(ctx context.Context, target string) (fetched, error) {
	resp, err := s.fetcher.Fetch(ctx, collyfetcher.Request{URL: target})
	if err != nil {
		code := parcel.CodeNavigationFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = parcel.CodeTimeout
		}
		perr := parcel.WrapError(code, "fetch", err).
			WithDebug("url", target).
			WithDebug("attempts", resp.Attempts).
			WithDebug("transient", resilience.IsTransient(err))
		if resp.StatusCode > 0 {
			perr = perr.WithDebug("status", resp.StatusCode)
			if hit := s.detector.Detect(string(resp.Body)); hit.Blocked {
				return fetched{}, parcel.NewError(parcel.CodeBlocked, "fetch", hit.Reason).
					WithDebug("category", string(hit.Category)).
					WithDebug("phrase", hit.Phrase).
					WithDebug("url", target)
			}
		}
		return fetched{}, perr
	}
	body := string(resp.Body)
	if hit := s.detector.Detect(body); hit.Blocked {
		return fetched{}, parcel.NewError(parcel.CodeBlocked, "fetch", hit.Reason).
			WithDebug("category", string(hit.Category)).
			WithDebug("phrase", hit.Phrase).
			WithDebug("url", target)
	}
	doc, err := scraper.Document(body)
	if err != nil {
		return fetched{}, parcel.WrapError(parcel.CodeParseError, "parse response", err).WithDebug("url", target)
	}
	final := resp.URL
	if final == "" {
		final = target
	}
	return fetched{url: final, status: resp.StatusCode, body: body, doc: doc}, nil
}
