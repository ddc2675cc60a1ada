package manatee

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

// Extract reads the parcel detail section of doc.
func Extract(doc *goquery.Document, detailURL string) (*scraper.RawPropertyRecord, error) {
	detail := doc.Find(detailMarker).First()
	rec := &scraper.RawPropertyRecord{SourceKey: Key, DetailURL: detailURL}
	rec.ParcelID = scraper.CleanText(detail.Find(".parcel-id").First().Text())
	if rec.ParcelID == "" {
		if m := parcelIDPattern.FindStringSubmatch(detailURL); m == nil {
			return nil, parcel.NewError(parcel.CodeParseError, "extract detail", "parcel id not found").
				WithDebug("selector", detailMarker+" .parcel-id").
				WithDebug("url", detailURL)
		}
	}

	owner := detail.Find(".owner-block")
	rec.OwnerNames = scraper.SplitOwners(scraper.Lines(owner.Find(".owner")))
	rec.MailingAddress = scraper.Lines(owner.Find(".mailing"))

	situs := detail.Find(".situs")
	rec.Situs = scraper.SplitCityStateZip(situs.Find(".csz").Text())
	rec.Situs.Line1 = strings.ToUpper(scraper.CleanText(situs.Find(".line1").Text()))

	rec.Land, rec.Labels = land(detail.Find("#land-info"))

	var w []string
	if tbl := detail.Find("#values table"); tbl.Length() > 0 {
		rec.Valuations, w = scraper.ParseValuations(scraper.ParseTable(tbl), scraper.DefaultValuationColumns)
		rec.Warnings = append(rec.Warnings, w...)
	} else {
		rec.Warnings = append(rec.Warnings, "values table missing")
	}
	if tbl := detail.Find("#sales table"); tbl.Length() > 0 {
		rec.Sales, w = scraper.ParseSales(scraper.ParseTable(tbl), scraper.DefaultSalesColumns)
		rec.Warnings = append(rec.Warnings, w...)
	} else {
		rec.Warnings = append(rec.Warnings, "sales table missing")
	}
	detail.Find("#buildings .building").Each(func(i int, s *goquery.Selection) {
		rec.Buildings = append(rec.Buildings, scraper.BuildingFromLabels(i+1, scraper.LabelValues(s)))
	})
	rec.ExtraFeatures = scraper.ParseExtraFeatures(
		scraper.ParseTable(detail.Find("#features table")), scraper.DefaultExtraFeatureColumns)
	rec.Inspections = scraper.ParseInspections(scraper.ParseTable(detail.Find("#permits table")))
	return rec, nil
}

func land(sel *goquery.Selection) (scraper.RawLand, map[string]string) {
	labels := scraper.LabelValues(sel)
	var l scraper.RawLand
	if v, ok := scraper.Lookup(labels, "use code", "dor code"); ok {
		l.UseCode = v
	}
	if v, ok := scraper.Lookup(labels, "land use", "use description"); ok {
		l.UseDescription = strings.ToUpper(v)
	}
	if v, ok := scraper.Lookup(labels, "acreage", "acres"); ok {
		l.Acres = scraper.ParseNumber(v)
	}
	if v, ok := scraper.Lookup(labels, "lot size", "land sq ft", "square feet"); ok {
		l.SquareFeet = scraper.ParseNumber(v)
	}
	if v, ok := scraper.Lookup(labels, "zoning"); ok {
		l.Zoning = v
	}
	if v, ok := scraper.Lookup(labels, "subdivision"); ok {
		l.Subdivision = v
	}
	if v, ok := scraper.Lookup(labels, "legal description", "legal"); ok {
		l.Legal = v
	}
	return l, labels
}
