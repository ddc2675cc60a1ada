package headless

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"

	"github.com/JakeFAU/parcel-ingest/internal/headless/detector"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Page is a single tab inside an isolated browser context.
type Page struct {
	ctx      context.Context
	detector *detector.Detector
	navTO    time.Duration
	meta     *responseMeta
}

func newPage(ctx context.Context, m *Manager, pc PageConfig) *Page {
	p := &Page{
		ctx:      ctx,
		detector: m.detector,
		navTO:    m.cfg.navTimeout(pc),
		meta:     newResponseMeta(),
	}
	if chromedp.FromContext(ctx) != nil {
		chromedp.ListenTarget(ctx, p.meta.captureEvent)
	}
	return p
}

// Navigate loads url, waits for the body and fails with BLOCKED when the
// landing page is a challenge or block page.
func (p *Page) Navigate(url string) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.navTO)
	defer cancel()
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return p.navigationError(ctx, "navigate", err).WithDebug("url", url)
	}
	return p.CheckBlocked()
}

// Fill clears the input matched by sel and types val into it.
func (p *Page) Fill(sel, val string) error {
	err := chromedp.Run(p.ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, val, chromedp.ByQuery),
	)
	if err != nil {
		return p.navigationError(p.ctx, "fill", err).WithDebug("selector", sel)
	}
	return nil
}

// Click clicks the first element matching sel.
func (p *Page) Click(sel string) error {
	if err := chromedp.Run(p.ctx, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
		return p.navigationError(p.ctx, "click", err).WithDebug("selector", sel)
	}
	return nil
}

// ClickAndWait clicks clickSel and waits for waitSel to become ready.
func (p *Page) ClickAndWait(clickSel, waitSel string) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.navTO)
	defer cancel()
	err := chromedp.Run(ctx,
		chromedp.Click(clickSel, chromedp.ByQuery),
		chromedp.WaitReady(waitSel, chromedp.ByQuery),
	)
	if err != nil {
		return p.navigationError(ctx, "click and wait", err).
			WithDebug("click", clickSel).
			WithDebug("wait", waitSel)
	}
	return p.CheckBlocked()
}

// WaitAny polls until one of selectors matches and returns it.
func (p *Page) WaitAny(selectors []string, timeout time.Duration) (string, error) {
	if len(selectors) == 0 {
		return "", parcel.NewError(parcel.CodeUnknown, "wait any", "no selectors")
	}
	if timeout <= 0 {
		timeout = p.navTO
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	var idx int
	err := chromedp.Run(ctx, chromedp.Poll(anyMatchExpr(selectors), &idx,
		chromedp.WithPollingInterval(250*time.Millisecond),
		chromedp.WithPollingTimeout(timeout),
	))
	if err != nil {
		if blocked := p.CheckBlocked(); blocked != nil {
			return "", blocked
		}
		return "", p.navigationError(ctx, "wait for selectors", err).
			WithDebug("selectors", strings.Join(selectors, " | "))
	}
	if idx < 0 || idx >= len(selectors) {
		return "", parcel.NewError(parcel.CodeNavigationFailed, "wait for selectors", "no selector matched")
	}
	return selectors[idx], nil
}

type pageSnapshot struct {
	Title      string `json:"title"`
	Text       string `json:"text"`
	HTML       string `json:"html"`
	HasContent bool   `json:"hasContent"`
}

// snapshotExpr evaluates to a pageSnapshot. Invalid marker selectors count
// as absent.
func snapshotExpr(markers []string) string {
	var b strings.Builder
	b.WriteString("(() => { const m = [")
	for i, sel := range markers {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%q", sel)
	}
	b.WriteString(`]; const has = m.some((s) => { try { return document.querySelector(s) !== null; } catch (e) { return false; } });`)
	b.WriteString(` return { title: document.title || "", text: document.body ? document.body.innerText : "",`)
	b.WriteString(` html: document.documentElement ? document.documentElement.outerHTML : "", hasContent: has }; })()`)
	return b.String()
}

// anyMatchExpr evaluates to the index of the first matching selector, or a
// falsy value so Poll keeps waiting.
func anyMatchExpr(selectors []string) string {
	var b strings.Builder
	b.WriteString("(() => { const s = [")
	for i, sel := range selectors {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%q", sel)
	}
	b.WriteString("]; for (let i = 0; i < s.length; i++) { if (document.querySelector(s[i])) return i; } return null; })()")
	return b.String()
}

// Exists reports whether sel matches at least one node right now.
func (p *Page) Exists(sel string) (bool, error) {
	var found bool
	expr := fmt.Sprintf("document.querySelector(%q) !== null", sel)
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return false, p.navigationError(p.ctx, "exists", err).WithDebug("selector", sel)
	}
	return found, nil
}

// HTML returns the full document markup.
func (p *Page) HTML() (string, error) {
	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", p.navigationError(p.ctx, "read document", err)
	}
	return html, nil
}

// OuterHTML returns the markup of the first node matching sel.
func (p *Page) OuterHTML(sel string) (string, error) {
	var html string
	if err := chromedp.Run(p.ctx, chromedp.OuterHTML(sel, &html, chromedp.ByQuery)); err != nil {
		return "", p.navigationError(p.ctx, "read fragment", err).WithDebug("selector", sel)
	}
	return html, nil
}

// Location returns the current page URL.
func (p *Page) Location() (string, error) {
	var loc string
	if err := chromedp.Run(p.ctx, chromedp.Location(&loc)); err != nil {
		return "", p.navigationError(p.ctx, "location", err)
	}
	return loc, nil
}

// LastStatus returns the HTTP status of the most recent document response,
// or zero when none was observed.
func (p *Page) LastStatus() int {
	status, _, _ := p.meta.snapshot()
	return status
}

// CheckBlocked inspects the current document with the manager's detector.
// Phrase rules see the title and rendered body text; markup rules see the
// full document only when no content marker is on the page.
func (p *Page) CheckBlocked() error {
	var snap pageSnapshot
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(snapshotExpr(p.detector.ContentMarkers()), &snap)); err != nil {
		return p.navigationError(p.ctx, "inspect page", err)
	}
	res := p.detector.Inspect(detector.Snapshot{
		Title:      snap.Title,
		Text:       snap.Text,
		HTML:       snap.HTML,
		HasContent: snap.HasContent,
	})
	if !res.Blocked {
		return nil
	}
	loc, _ := p.Location()
	return parcel.NewError(parcel.CodeBlocked, "inspect page", res.Reason).
		WithDebug("category", res.Category).
		WithDebug("phrase", res.Phrase).
		WithDebug("url", loc)
}

// navigationError maps a chromedp failure to TIMEOUT when the deadline
// fired and NAVIGATION_FAILED otherwise.
func (p *Page) navigationError(ctx context.Context, op string, err error) *parcel.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return parcel.WrapError(parcel.CodeTimeout, op, eris.Wrap(err, "deadline exceeded"))
	}
	return parcel.WrapError(parcel.CodeNavigationFailed, op, err)
}
