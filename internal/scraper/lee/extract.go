package lee

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

// Extract reads the detail section. A missing STRAP number is fatal.
func Extract(html, detailURL string) (*scraper.RawPropertyRecord, error) {
	doc, err := scraper.Document(html)
	if err != nil {
		return nil, parcel.WrapError(parcel.CodeParseError, "extract detail", err)
	}
	rec := &scraper.RawPropertyRecord{SourceKey: Key, DetailURL: detailURL}
	rec.ParcelID = scraper.CleanText(doc.Find("#ParcelIdentity .strap").First().Text())
	if rec.ParcelID == "" {
		return nil, parcel.NewError(parcel.CodeParseError, "extract detail", "STRAP number not found").
			WithDebug("selector", "#ParcelIdentity .strap").
			WithDebug("url", detailURL)
	}

	rec.OwnerNames, rec.MailingAddress = owners(doc)
	rec.Situs = situs(doc)
	rec.Land, rec.Labels = land(doc)

	var w []string
	rec.Valuations, w = values(doc)
	rec.Warnings = append(rec.Warnings, w...)
	rec.Sales, w = sales(doc)
	rec.Warnings = append(rec.Warnings, w...)
	rec.Buildings = buildings(doc)
	rec.ExtraFeatures = scraper.ParseExtraFeatures(
		scraper.ParseTable(doc.Find("#ExtraFeatures")), scraper.DefaultExtraFeatureColumns)
	rec.Inspections = scraper.ParseInspections(scraper.ParseTable(doc.Find("#PermitDetails")))

	for _, section := range []string{"#ValueHistory", "#SalesHistory", "#BuildingInformation"} {
		if doc.Find(section).Length() == 0 {
			rec.Warnings = append(rec.Warnings, "section "+section+" missing")
		}
	}
	return rec, nil
}

func owners(doc *goquery.Document) (names, mailing []string) {
	var lines []string
	doc.Find("#OwnershipSection .owner-line").Each(func(_ int, s *goquery.Selection) {
		lines = append(lines, s.Text())
	})
	doc.Find("#OwnershipSection .mailing-line").Each(func(_ int, s *goquery.Selection) {
		if line := scraper.CleanText(s.Text()); line != "" {
			mailing = append(mailing, line)
		}
	})
	return scraper.SplitOwners(lines), mailing
}

func situs(doc *goquery.Document) scraper.RawAddress {
	addr := scraper.SplitCityStateZip(doc.Find("#SiteAddress .city-state-zip").Text())
	addr.Line1 = strings.ToUpper(scraper.CleanText(doc.Find("#SiteAddress .street").Text()))
	return addr
}

func land(doc *goquery.Document) (scraper.RawLand, map[string]string) {
	labels := scraper.LabelValues(doc.Find("#PropertyDescription"))
	var l scraper.RawLand
	if v, ok := scraper.Lookup(labels, "land use code"); ok {
		l.UseCode = v
	}
	if v, ok := scraper.Lookup(labels, "land use"); ok && v != l.UseCode {
		l.UseDescription = strings.ToUpper(v)
	}
	if v, ok := scraper.Lookup(labels, "land area"); ok {
		upper := strings.ToUpper(v)
		switch {
		case strings.Contains(upper, "AC"):
			l.Acres = scraper.ParseNumber(v)
		default:
			l.SquareFeet = scraper.ParseNumber(v)
		}
	}
	if v, ok := scraper.Lookup(labels, "zoning"); ok {
		l.Zoning = v
	}
	if v, ok := scraper.Lookup(labels, "subdivision"); ok {
		l.Subdivision = v
	}
	if v, ok := scraper.Lookup(labels, "legal description"); ok {
		l.Legal = v
	}
	return l, labels
}

var valueColumns = scraper.ValuationColumns{
	Year:      []string{"tax year"},
	Just:      []string{"just"},
	Assessed:  []string{"assessed"},
	Taxable:   []string{"taxable"},
	Land:      []string{"land"},
	Building:  []string{"building"},
	Exemption: []string{"exemptions"},
	Taxes:     []string{"tax amount"},
}

func values(doc *goquery.Document) ([]scraper.RawValuation, []string) {
	if doc.Find("#ValueHistory table").Length() == 0 {
		return nil, nil
	}
	return scraper.ParseValuations(scraper.ParseTable(doc.Find("#ValueHistory")), valueColumns)
}

var salesColumns = scraper.SalesColumns{
	Date:       []string{"date"},
	Price:      []string{"price"},
	Book:       []string{"or book"},
	Page:       []string{"or page"},
	Instrument: []string{"instrument"},
	DeedType:   []string{"type"},
	Grantor:    []string{"grantor"},
	Grantee:    []string{"grantee"},
	Qualified:  []string{"qualified"},
}

func sales(doc *goquery.Document) ([]scraper.RawSale, []string) {
	if doc.Find("#SalesHistory table").Length() == 0 {
		return nil, nil
	}
	return scraper.ParseSales(scraper.ParseTable(doc.Find("#SalesHistory")), salesColumns)
}

func buildings(doc *goquery.Document) []scraper.RawBuilding {
	var out []scraper.RawBuilding
	doc.Find("#BuildingInformation .building-section").Each(func(i int, s *goquery.Selection) {
		out = append(out, scraper.BuildingFromLabels(i+1, scraper.LabelValues(s)))
	})
	return out
}
