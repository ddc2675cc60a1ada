package pinellas

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

// Fragments are the detail-page pieces captured while clicking through tabs.
type Fragments struct {
	Overview string
	Tabs     map[string]string
	// Missing lists tabs the page did not offer.
	Missing []string
}

var (
	acresPattern   = regexp.MustCompile(`(?i)([\d.,]+)\s*ac`)
	useCodePattern = regexp.MustCompile(`^(\d{3,4})\s+(.+)$`)
)

// Extract turns captured fragments into a raw record. Only a missing parcel
// number is fatal; every other absent group becomes a warning.
func Extract(frags Fragments, detailURL string) (*scraper.RawPropertyRecord, error) {
	overview, err := scraper.Document(frags.Overview)
	if err != nil {
		return nil, parcel.WrapError(parcel.CodeParseError, "extract overview", err)
	}
	rec := &scraper.RawPropertyRecord{SourceKey: Key, DetailURL: detailURL}

	rec.ParcelID = extractParcelID(overview)
	if rec.ParcelID == "" && parcelIDPattern.FindStringSubmatch(detailURL) == nil {
		return nil, parcel.NewError(parcel.CodeParseError, "extract overview", "parcel number not found").
			WithDebug("selector", "#parcel-number").
			WithDebug("url", detailURL)
	}
	rec.OwnerNames, rec.MailingAddress = extractOwner(overview)
	rec.Situs = extractSitus(overview)
	rec.Land, rec.Labels = extractLand(overview)

	for _, name := range frags.Missing {
		rec.Warnings = append(rec.Warnings, "tab "+name+" not available")
	}
	if html, ok := frags.Tabs["sales"]; ok {
		var w []string
		rec.Sales, w = extractSales(html)
		rec.Warnings = append(rec.Warnings, w...)
	}
	if html, ok := frags.Tabs["values"]; ok {
		var w []string
		rec.Valuations, w = extractValues(html)
		rec.Warnings = append(rec.Warnings, w...)
	}
	if html, ok := frags.Tabs["buildings"]; ok {
		rec.Buildings = extractBuildings(html)
	}
	if html, ok := frags.Tabs["extra"]; ok {
		rec.ExtraFeatures = extractExtraFeatures(html)
	}
	if html, ok := frags.Tabs["permits"]; ok {
		rec.Inspections = extractPermits(html)
	}
	return rec, nil
}

func extractParcelID(doc *goquery.Document) string {
	return scraper.CleanText(doc.Find("#parcel-number").First().Text())
}

func extractOwner(doc *goquery.Document) (owners, mailing []string) {
	owners = scraper.SplitOwners(scraper.Lines(doc.Find("#owner-info .owners")))
	mailing = scraper.Lines(doc.Find("#owner-info .mailing"))
	return owners, mailing
}

func extractSitus(doc *goquery.Document) scraper.RawAddress {
	line1 := scraper.CleanText(doc.Find("#site-info .site-address").Text())
	addr := scraper.SplitCityStateZip(doc.Find("#site-info .site-city").Text())
	addr.Line1 = strings.ToUpper(line1)
	return addr
}

func extractLand(doc *goquery.Document) (scraper.RawLand, map[string]string) {
	labels := scraper.LabelValues(doc.Find("#land-info"))
	var land scraper.RawLand
	if v, ok := scraper.Lookup(labels, "property use"); ok {
		if m := useCodePattern.FindStringSubmatch(v); m != nil {
			land.UseCode, land.UseDescription = m[1], strings.ToUpper(m[2])
		} else {
			land.UseDescription = strings.ToUpper(v)
		}
	}
	if v, ok := scraper.Lookup(labels, "land area"); ok {
		sf, _, _ := strings.Cut(v, "|")
		land.SquareFeet = scraper.ParseNumber(sf)
		if m := acresPattern.FindStringSubmatch(v); m != nil {
			if acres, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
				land.Acres = &acres
			}
		}
	}
	if v, ok := scraper.Lookup(labels, "zoning"); ok {
		land.Zoning = v
	}
	if v, ok := scraper.Lookup(labels, "subdivision"); ok {
		land.Subdivision = v
	}
	if v, ok := scraper.Lookup(labels, "legal description"); ok {
		land.Legal = v
	}
	return land, labels
}

var salesColumns = scraper.SalesColumns{
	Date:       []string{"sale date"},
	Price:      []string{"sale price"},
	BookPage:   []string{"or book/page"},
	Instrument: []string{"instrument"},
	DeedType:   []string{"deed type"},
	Grantor:    []string{"grantor"},
	Grantee:    []string{"grantee"},
	Qualified:  []string{"qualified"},
}

func extractSales(html string) ([]scraper.RawSale, []string) {
	doc, err := scraper.Document(html)
	if err != nil {
		return nil, []string{"sales tab unreadable"}
	}
	return scraper.ParseSales(scraper.ParseTable(doc.Find("#tab-sales")), salesColumns)
}

var valueColumns = scraper.ValuationColumns{
	Year:      []string{"tax year"},
	Just:      []string{"just/market"},
	Assessed:  []string{"assessed"},
	Taxable:   []string{"county taxable"},
	Land:      []string{"land value"},
	Building:  []string{"building value"},
	Exemption: []string{"exemption value"},
	Taxes:     []string{"total taxes"},
}

func extractValues(html string) ([]scraper.RawValuation, []string) {
	doc, err := scraper.Document(html)
	if err != nil {
		return nil, []string{"values tab unreadable"}
	}
	vals, warnings := scraper.ParseValuations(scraper.ParseTable(doc.Find("#tab-values")), valueColumns)
	codes := exemptionCodes(doc)
	for i := range vals {
		if c, ok := codes[vals[i].TaxYear]; ok {
			vals[i].ExemptionCodes = c
		}
	}
	return vals, warnings
}

// exemptionCodes reads the per-year exemption list rendered under the values
// table as <li data-year="2024">HX, SX</li>.
func exemptionCodes(doc *goquery.Document) map[int][]string {
	out := map[int][]string{}
	doc.Find("#tab-values ul.exemptions li[data-year]").Each(func(_ int, li *goquery.Selection) {
		year, err := strconv.Atoi(li.AttrOr("data-year", ""))
		if err != nil {
			return
		}
		for _, code := range strings.Split(li.Text(), ",") {
			if code = strings.ToUpper(scraper.CleanText(code)); code != "" {
				out[year] = append(out[year], code)
			}
		}
	})
	return out
}

func extractBuildings(html string) []scraper.RawBuilding {
	doc, err := scraper.Document(html)
	if err != nil {
		return nil
	}
	var out []scraper.RawBuilding
	doc.Find("#tab-buildings .building").Each(func(i int, b *goquery.Selection) {
		num := i + 1
		if n, err := strconv.Atoi(b.AttrOr("data-building", "")); err == nil {
			num = n
		}
		out = append(out, scraper.BuildingFromLabels(num, scraper.LabelValues(b)))
	})
	return out
}

func extractExtraFeatures(html string) []scraper.RawExtraFeature {
	doc, err := scraper.Document(html)
	if err != nil {
		return nil
	}
	return scraper.ParseExtraFeatures(scraper.ParseTable(doc.Find("#tab-extra")), scraper.DefaultExtraFeatureColumns)
}

func extractPermits(html string) []scraper.RawInspection {
	doc, err := scraper.Document(html)
	if err != nil {
		return nil
	}
	return scraper.ParseInspections(scraper.ParseTable(doc.Find("#tab-permits")))
}
