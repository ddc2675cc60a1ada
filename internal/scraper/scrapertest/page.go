// Package scrapertest provides a scripted Page for exercising scrapers
// against fixture HTML without a browser.
package scrapertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/parcel-ingest/internal/headless/detector"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

// Page serves fixture documents. Navigate loads Pages[url]; clicking a
// selector listed in Clicks replaces the document with the mapped URL.
type Page struct {
	Pages  map[string]string
	Clicks map[string]string

	mu      sync.Mutex
	url     string
	doc     string
	Filled  map[string]string
	Visited []string
	Clicked []string
}

var _ scraper.Page = (*Page)(nil)

// New returns a Page serving pages and click transitions.
func New(pages, clicks map[string]string) *Page {
	return &Page{Pages: pages, Clicks: clicks, Filled: map[string]string{}}
}

func (p *Page) load(url string) error {
	html, ok := p.Pages[url]
	if !ok {
		return parcel.NewError(parcel.CodeNavigationFailed, "navigate", "net::ERR_NAME_NOT_RESOLVED").
			WithDebug("url", url)
	}
	p.url, p.doc = url, html
	p.Visited = append(p.Visited, url)
	if res := detector.Detect(html); res.Blocked {
		return parcel.NewError(parcel.CodeBlocked, "inspect page", res.Reason).
			WithDebug("category", res.Category)
	}
	return nil
}

func (p *Page) Navigate(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(url)
}

func (p *Page) Fill(sel, val string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exists(sel) {
		return parcel.NewError(parcel.CodeTimeout, "fill", "selector never became visible").
			WithDebug("selector", sel)
	}
	p.Filled[sel] = val
	return nil
}

func (p *Page) Click(sel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.click(sel)
}

func (p *Page) click(sel string) error {
	if !p.exists(sel) {
		return parcel.NewError(parcel.CodeTimeout, "click", "selector not found").WithDebug("selector", sel)
	}
	p.Clicked = append(p.Clicked, sel)
	if next, ok := p.Clicks[sel]; ok {
		return p.load(next)
	}
	return nil
}

func (p *Page) ClickAndWait(clickSel, waitSel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.click(clickSel); err != nil {
		return err
	}
	if !p.exists(waitSel) {
		return parcel.NewError(parcel.CodeTimeout, "click and wait", "wait selector never appeared").
			WithDebug("wait", waitSel)
	}
	return nil
}

func (p *Page) WaitAny(selectors []string, _ time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sel := range selectors {
		if p.exists(sel) {
			return sel, nil
		}
	}
	return "", parcel.NewError(parcel.CodeTimeout, "wait for selectors", "no selector matched").
		WithDebug("selectors", strings.Join(selectors, " | "))
}

func (p *Page) Exists(sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exists(sel), nil
}

func (p *Page) exists(sel string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.doc))
	if err != nil {
		return false
	}
	return doc.Find(sel).Length() > 0
}

func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc, nil
}

func (p *Page) OuterHTML(sel string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.doc))
	if err != nil {
		return "", err
	}
	found := doc.Find(sel).First()
	if found.Length() == 0 {
		return "", parcel.NewError(parcel.CodeTimeout, "read fragment", "selector not found").WithDebug("selector", sel)
	}
	return goquery.OuterHtml(found)
}

func (p *Page) Location() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) LastStatus() int { return 200 }

// Browser hands the same Page to every call.
type Browser struct {
	Page  scraper.Page
	Calls int
}

func (b *Browser) WithPage(ctx context.Context, fn func(ctx context.Context, page scraper.Page) error) error {
	b.Calls++
	return fn(ctx, b.Page)
}
