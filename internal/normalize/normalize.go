// Package normalize maps source-shaped raw property records onto the
// canonical NormalizedParcel. Everything here is pure: the same record and
// metadata always produce the same output.
package normalize

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/parcel-ingest/internal/hash/sha256"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
	"github.com/JakeFAU/parcel-ingest/internal/scraper"
)

// Meta is what the normalizer needs to know about where a record came from.
type Meta struct {
	Source parcel.SourceConfig
	// Method names the acquisition path, e.g. "headless" or "http".
	Method string
	// SourceURL is used when the record carries no detail URL of its own.
	SourceURL string
	// ParcelIDPattern extracts a parcel id from the detail URL when the page
	// had none. Its first submatch is the id.
	ParcelIDPattern *regexp.Regexp
	ObservedAt      time.Time
}

// Presence weights in hundredths; they sum to 100.
const (
	weightParcelID      = 25
	weightAddress       = 20
	weightOwner         = 15
	weightValuations    = 15
	weightSales         = 10
	weightBuildings     = 10
	weightExtraFeatures = 5
)

var parcelIDNoise = regexp.MustCompile(`[^A-Z0-9-]+`)

// ParcelID uppercases id and strips everything but letters, digits and hyphens.
func ParcelID(id string) string {
	return parcelIDNoise.ReplaceAllString(strings.ToUpper(id), "")
}

// Normalize converts raw into the canonical shape. A record without any
// recoverable parcel id cannot be keyed and is a PARSE_ERROR.
func Normalize(raw *scraper.RawPropertyRecord, meta Meta) (parcel.NormalizedParcel, error) {
	if raw == nil {
		return parcel.NormalizedParcel{}, parcel.NewError(parcel.CodeParseError, "normalize", "no record to normalize")
	}
	observed := meta.ObservedAt.UTC()
	detailURL := raw.DetailURL
	if detailURL == "" {
		detailURL = meta.SourceURL
	}
	sourceKey := raw.SourceKey
	if sourceKey == "" {
		sourceKey = meta.Source.Key
	}

	rawID, derived := parcelIDFrom(raw.ParcelID, detailURL, meta.ParcelIDPattern)
	norm := ParcelID(rawID)
	if norm == "" {
		return parcel.NormalizedParcel{}, parcel.NewError(parcel.CodeParseError, "normalize", "parcel id not found").
			WithDebug("source", sourceKey).
			WithDebug("detail_url", detailURL)
	}

	np := parcel.NormalizedParcel{
		SourceKey: sourceKey,
		Key: parcel.NaturalKey{
			StateFIPS:    meta.Source.StateFIPS,
			CountyFIPS:   meta.Source.CountyFIPS,
			ParcelIDNorm: norm,
		},
		ParcelIDRaw:  strings.TrimSpace(rawID),
		SitusAddress: situs(raw.Situs, meta.Source.StateCode),
		OwnerName:    strings.Join(raw.OwnerNames, "; "),
		Land:         land(raw.Land),
		Improvements: improvements(raw.Buildings, raw.ExtraFeatures),
		Assessments:  Assessments(raw.Valuations),
		Sales:        Sales(raw.Sales),
		DetailURL:    detailURL,
		ObservedAt:   observed,
		Provenance:   map[string]parcel.Provenance{},
	}
	if len(raw.MailingAddress) > 0 {
		m := mailing(raw.MailingAddress, meta.Source.StateCode)
		np.MailingAddress = &m
	}

	prov := func(field string, confidence float64) {
		np.Provenance[field] = parcel.Provenance{
			Source:     sourceKey,
			Method:     meta.Method,
			SourceURL:  detailURL,
			Timestamp:  observed,
			Confidence: confidence,
		}
	}
	if derived {
		prov(parcel.FieldParcelID, 0.8)
	} else {
		prov(parcel.FieldParcelID, 1)
	}
	if !np.SitusAddress.IsZero() {
		prov(parcel.FieldSitusAddress, addressConfidence(raw.Situs))
	}
	if np.OwnerName != "" {
		prov(parcel.FieldOwnerName, 0.9)
	}
	if np.Land != nil {
		prov(parcel.FieldLand, 0.8)
	}
	if np.Improvements != nil {
		prov(parcel.FieldImprovements, 0.8)
	}
	if len(np.Assessments) > 0 {
		prov(parcel.FieldAssessments, 0.95)
	}
	if len(np.Sales) > 0 {
		prov(parcel.FieldSales, 0.9)
	}

	np.Confidence = Confidence(raw, norm != "")
	return np, nil
}

// Confidence is the completeness score of a record: a fixed weight per
// populated field group, clamped to [0, 1].
func Confidence(raw *scraper.RawPropertyRecord, hasParcelID bool) float64 {
	if raw == nil {
		return 0
	}
	score := 0
	if hasParcelID {
		score += weightParcelID
	}
	if raw.Situs.Line1 != "" {
		score += weightAddress
	}
	if len(raw.OwnerNames) > 0 {
		score += weightOwner
	}
	if len(raw.Valuations) > 0 {
		score += weightValuations
	}
	if slices.ContainsFunc(raw.Sales, func(s scraper.RawSale) bool { return s.Date != nil || s.Price != nil }) {
		score += weightSales
	}
	if len(raw.Buildings) > 0 {
		score += weightBuildings
	}
	if len(raw.ExtraFeatures) > 0 {
		score += weightExtraFeatures
	}
	return min(max(float64(score)/100, 0), 1)
}

func parcelIDFrom(explicit, detailURL string, pattern *regexp.Regexp) (id string, derived bool) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, false
	}
	if pattern == nil || detailURL == "" {
		return "", false
	}
	m := pattern.FindStringSubmatch(detailURL)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

func addressConfidence(a scraper.RawAddress) float64 {
	switch {
	case a.Line1 == "":
		return 0.5
	case a.City != "" && a.Zip != "":
		return 0.95
	default:
		return 0.8
	}
}

func situs(a scraper.RawAddress, homeState string) parcel.Address {
	if a.IsZero() {
		return parcel.Address{}
	}
	line := scraper.NormalizeAddressText(a.Line1)
	out := parcel.Address{
		Line1: line,
		Unit:  scraper.ParseAddress(line).Unit,
		City:  strings.ToUpper(scraper.CleanText(a.City)),
		State: strings.ToUpper(scraper.CleanText(a.State)),
		Zip:   scraper.CleanText(a.Zip),
	}
	if out.State == "" {
		out.State = strings.ToUpper(homeState)
	}
	out.Full = fullAddress(out)
	return out
}

func mailing(lines []string, homeState string) parcel.Address {
	last := scraper.SplitCityStateZip(lines[len(lines)-1])
	streets := lines
	if last.Zip != "" || last.State != "" {
		streets = lines[:len(lines)-1]
	} else {
		last = scraper.RawAddress{}
	}
	out := parcel.Address{
		Line1: strings.ToUpper(strings.Join(streets, " ")),
		City:  last.City,
		State: last.State,
		Zip:   last.Zip,
	}
	if out.State == "" && out.City != "" {
		out.State = strings.ToUpper(homeState)
	}
	out.Full = fullAddress(out)
	return out
}

// fullAddress renders "LINE1, CITY, ST ZIP", skipping missing parts.
func fullAddress(a parcel.Address) string {
	var parts []string
	if a.Line1 != "" {
		parts = append(parts, a.Line1)
	}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	if tail := strings.TrimSpace(a.State + " " + a.Zip); tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

func land(l scraper.RawLand) *parcel.Land {
	if l.IsZero() {
		return nil
	}
	return &parcel.Land{
		Acres:          l.Acres,
		SquareFeet:     l.SquareFeet,
		UseCode:        l.UseCode,
		UseDescription: l.UseDescription,
		Zoning:         l.Zoning,
		Subdivision:    l.Subdivision,
		LegalText:      l.Legal,
	}
}

// improvements summarizes buildings: the first building supplies year built
// and room counts; living area is summed across all buildings.
func improvements(buildings []scraper.RawBuilding, features []scraper.RawExtraFeature) *parcel.Improvements {
	if len(buildings) == 0 && len(features) == 0 {
		return nil
	}
	imp := &parcel.Improvements{}
	for i, b := range buildings {
		imp.Buildings = append(imp.Buildings, parcel.Building{
			Number:       b.Number,
			Type:         b.Type,
			YearBuilt:    b.YearBuilt,
			LivingArea:   b.LivingArea,
			GrossArea:    b.GrossArea,
			Bedrooms:     b.Bedrooms,
			Bathrooms:    b.Bathrooms,
			Stories:      b.Stories,
			Construction: b.Construction,
		})
		if i == 0 {
			imp.YearBuilt, imp.Bedrooms, imp.Bathrooms = b.YearBuilt, b.Bedrooms, b.Bathrooms
		}
		if b.LivingArea != nil {
			total := *b.LivingArea
			if imp.LivingArea != nil {
				total += *imp.LivingArea
			}
			imp.LivingArea = &total
		}
	}
	for _, f := range features {
		imp.ExtraFeatures = append(imp.ExtraFeatures, parcel.ExtraFeature{
			Code:        f.Code,
			Description: f.Description,
			Units:       f.Units,
			Value:       f.Value,
			YearBuilt:   f.YearBuilt,
		})
	}
	return imp
}

// Assessments keeps one entry per tax year (first occurrence wins), newest first.
func Assessments(vals []scraper.RawValuation) []parcel.Assessment {
	out := make([]parcel.Assessment, 0, len(vals))
	seen := map[int]bool{}
	for _, v := range vals {
		if v.TaxYear <= 0 || seen[v.TaxYear] {
			continue
		}
		seen[v.TaxYear] = true
		out = append(out, parcel.Assessment{
			TaxYear:          v.TaxYear,
			JustValue:        v.Just,
			AssessedValue:    v.Assessed,
			TaxableValue:     v.Taxable,
			LandValue:        v.Land,
			ImprovementValue: v.Building,
			ExemptionValue:   v.Exemption,
			Exemptions:       v.ExemptionCodes,
			Taxes:            v.Taxes,
		})
	}
	slices.SortStableFunc(out, func(a, b parcel.Assessment) int { return b.TaxYear - a.TaxYear })
	return out
}

// Sales drops records with neither a date nor a price, assigns each its sale
// key and orders them newest first. Undated sales sort last. Sales that
// hash identically are collapsed.
func Sales(raw []scraper.RawSale) []parcel.Sale {
	out := make([]parcel.Sale, 0, len(raw))
	seen := map[string]bool{}
	for _, r := range raw {
		if r.Date == nil && r.Price == nil {
			continue
		}
		s := parcel.Sale{
			Date:       r.Date,
			Price:      r.Price,
			Book:       strings.TrimSpace(r.Book),
			Page:       strings.TrimSpace(r.Page),
			Instrument: strings.TrimSpace(r.Instrument),
			DeedType:   strings.ToUpper(strings.TrimSpace(r.DeedType)),
			Grantor:    strings.ToUpper(scraper.CleanText(r.Grantor)),
			Grantee:    strings.ToUpper(scraper.CleanText(r.Grantee)),
			Qualified:  r.Qualified,
		}
		s.SaleKeySHA256 = sha256.SaleKey(s)
		if seen[s.SaleKeySHA256] {
			continue
		}
		seen[s.SaleKeySHA256] = true
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b parcel.Sale) int {
		switch {
		case a.Date == nil && b.Date == nil:
			return 0
		case a.Date == nil:
			return 1
		case b.Date == nil:
			return -1
		}
		return b.Date.Compare(*a.Date)
	})
	return out
}
