// Package scraper holds the toolkit shared by the per-county scrapers: the
// page contract they drive, the raw record they produce, address matching,
// value parsing and goquery fragment extraction.
package scraper

import (
	"context"
	"time"

	"github.com/JakeFAU/parcel-ingest/internal/headless"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Page is the subset of a browser tab a scraper drives. *headless.Page
// satisfies it; tests use scripted fakes.
type Page interface {
	Navigate(url string) error
	Fill(selector, value string) error
	Click(selector string) error
	ClickAndWait(clickSelector, waitSelector string) error
	WaitAny(selectors []string, timeout time.Duration) (string, error)
	Exists(selector string) (bool, error)
	HTML() (string, error)
	OuterHTML(selector string) (string, error)
	Location() (string, error)
	LastStatus() int
}

// Browser runs fn against a fresh isolated page.
type Browser interface {
	WithPage(ctx context.Context, fn func(ctx context.Context, page Page) error) error
}

// Query identifies the property to look up. Address wins when both are set.
type Query struct {
	Address  string
	ParcelID string
}

// Scraper performs search, best-row selection and extraction for one source.
type Scraper interface {
	Source() parcel.SourceConfig
	Scrape(ctx context.Context, q Query) (Result, error)
}

// Result is one scrape. Found=false is a normal negative outcome, not an error.
type Result struct {
	Found      bool
	Confidence float64
	Candidates []Row
	Record     *RawPropertyRecord
	// Document is the authoritative detail page markup.
	Document    string
	Status      int
	RequestURL  string
	FinalURL    string
	Reason      string
	Debug       map[string]any
	CompletedAt time.Time
}

type managedBrowser struct {
	mgr *headless.Manager
	pc  headless.PageConfig
}

// NewBrowser adapts a headless.Manager to the Browser contract.
func NewBrowser(mgr *headless.Manager, pc headless.PageConfig) Browser {
	return &managedBrowser{mgr: mgr, pc: pc}
}

func (b *managedBrowser) WithPage(ctx context.Context, fn func(ctx context.Context, page Page) error) error {
	_, err := headless.WithPage(ctx, b.mgr, b.pc, func(ctx context.Context, p *headless.Page) (struct{}, error) {
		return struct{}{}, fn(ctx, p)
	})
	return err
}
