package scraper

import (
	"fmt"
	"strings"
)

// SalesColumns names the header aliases of a sales table.
type SalesColumns struct {
	Date, Price, BookPage, Book, Page, Instrument, DeedType, Grantor, Grantee, Qualified []string
}

// DefaultSalesColumns covers the common Florida PAO layouts.
var DefaultSalesColumns = SalesColumns{
	Date:       []string{"sale date", "date"},
	Price:      []string{"sale price", "price", "amount"},
	BookPage:   []string{"book/page", "or book/page", "book page"},
	Book:       []string{"book"},
	Page:       []string{"page"},
	Instrument: []string{"instrument", "doc", "clerk"},
	DeedType:   []string{"deed", "sale type"},
	Grantor:    []string{"grantor", "seller"},
	Grantee:    []string{"grantee", "buyer"},
	Qualified:  []string{"qualified", "q/u", "qual"},
}

// ParseSales maps a sales table to records. Rows with neither a date nor a
// price are skipped with a warning.
func ParseSales(t Table, cols SalesColumns) ([]RawSale, []string) {
	var (
		out      []RawSale
		warnings []string
	)
	idx := struct {
		date, price, bp, book, page, inst, deed, grantor, grantee, qual int
	}{
		t.Column(cols.Date...), t.Column(cols.Price...), t.Column(cols.BookPage...),
		t.Column(cols.Book...), t.Column(cols.Page...), t.Column(cols.Instrument...),
		t.Column(cols.DeedType...), t.Column(cols.Grantor...), t.Column(cols.Grantee...),
		t.Column(cols.Qualified...),
	}
	if idx.date < 0 && idx.price < 0 {
		return nil, []string{"sales table has no date or price column"}
	}
	for i, row := range t.Rows {
		s := RawSale{
			Date:       ParseDate(Cell(row, idx.date)),
			Price:      ParseMoney(Cell(row, idx.price)),
			Instrument: Cell(row, idx.inst),
			DeedType:   Cell(row, idx.deed),
			Grantor:    Cell(row, idx.grantor),
			Grantee:    Cell(row, idx.grantee),
			Qualified:  ParseBool(Cell(row, idx.qual)),
		}
		if idx.bp >= 0 {
			s.Book, s.Page = SplitBookPage(Cell(row, idx.bp))
		} else {
			s.Book, s.Page = Cell(row, idx.book), Cell(row, idx.page)
		}
		if s.Date == nil && s.Price == nil {
			warnings = append(warnings, fmt.Sprintf("sales row %d has no date or price", i+1))
			continue
		}
		out = append(out, s)
	}
	return out, warnings
}

// ValuationColumns names the header aliases of a values history table.
type ValuationColumns struct {
	Year, Just, Assessed, Taxable, Land, Building, Exemption, Taxes []string
}

var DefaultValuationColumns = ValuationColumns{
	Year:      []string{"tax year", "year"},
	Just:      []string{"just", "market"},
	Assessed:  []string{"assessed", "capped", "soh"},
	Taxable:   []string{"taxable", "county taxable"},
	Land:      []string{"land value", "land"},
	Building:  []string{"building value", "building", "improvement"},
	Exemption: []string{"exemption"},
	Taxes:     []string{"taxes", "tax amount", "total tax"},
}

// ParseValuations maps a year-per-row values table.
func ParseValuations(t Table, cols ValuationColumns) ([]RawValuation, []string) {
	yc := t.Column(cols.Year...)
	if yc < 0 {
		return nil, []string{"values table has no year column"}
	}
	jc, ac, tc := t.Column(cols.Just...), t.Column(cols.Assessed...), t.Column(cols.Taxable...)
	lc, bc, ec, xc := t.Column(cols.Land...), t.Column(cols.Building...), t.Column(cols.Exemption...), t.Column(cols.Taxes...)

	var (
		out      []RawValuation
		warnings []string
	)
	for i, row := range t.Rows {
		year := ParseYear(Cell(row, yc))
		if year == nil {
			warnings = append(warnings, fmt.Sprintf("values row %d has no tax year", i+1))
			continue
		}
		out = append(out, RawValuation{
			TaxYear:   *year,
			Just:      ParseMoney(Cell(row, jc)),
			Assessed:  ParseMoney(Cell(row, ac)),
			Taxable:   ParseMoney(Cell(row, tc)),
			Land:      ParseMoney(Cell(row, lc)),
			Building:  ParseMoney(Cell(row, bc)),
			Exemption: ParseMoney(Cell(row, ec)),
			Taxes:     ParseMoney(Cell(row, xc)),
		})
	}
	return out, warnings
}

// BuildingFromLabels maps one building's label/value block.
func BuildingFromLabels(number int, labels map[string]string) RawBuilding {
	b := RawBuilding{Number: number}
	if v, ok := Lookup(labels, "building type", "structure type", "property use", "style"); ok {
		b.Type = v
	}
	if v, ok := Lookup(labels, "year built", "actual year built", "yr blt"); ok {
		b.YearBuilt = ParseYear(v)
	}
	if v, ok := Lookup(labels, "living area", "heated area", "living sf", "under air", "heated sq ft"); ok {
		b.LivingArea = ParseNumber(v)
	}
	if v, ok := Lookup(labels, "gross area", "total area", "gross sf", "total sq ft"); ok {
		b.GrossArea = ParseNumber(v)
	}
	if v, ok := Lookup(labels, "bedrooms", "beds"); ok {
		b.Bedrooms = ParseNumber(v)
	}
	if v, ok := Lookup(labels, "bathrooms", "baths"); ok {
		b.Bathrooms = ParseNumber(v)
	}
	if v, ok := Lookup(labels, "stories", "floors"); ok {
		b.Stories = ParseNumber(v)
	}
	if v, ok := Lookup(labels, "exterior wall", "construction", "frame"); ok {
		b.Construction = v
	}
	return b
}

// ExtraFeatureColumns names the header aliases of an extra-features table.
type ExtraFeatureColumns struct {
	Code, Description, Units, Value, YearBuilt []string
}

var DefaultExtraFeatureColumns = ExtraFeatureColumns{
	Code:        []string{"code"},
	Description: []string{"description", "feature"},
	Units:       []string{"units", "unit", "area", "quantity"},
	Value:       []string{"value"},
	YearBuilt:   []string{"year", "built"},
}

// ParseExtraFeatures maps an extra-features table.
func ParseExtraFeatures(t Table, cols ExtraFeatureColumns) []RawExtraFeature {
	cc, dc := t.Column(cols.Code...), t.Column(cols.Description...)
	uc, vc, yc := t.Column(cols.Units...), t.Column(cols.Value...), t.Column(cols.YearBuilt...)
	var out []RawExtraFeature
	for _, row := range t.Rows {
		f := RawExtraFeature{
			Code:        Cell(row, cc),
			Description: Cell(row, dc),
			Units:       ParseNumber(Cell(row, uc)),
			Value:       ParseMoney(Cell(row, vc)),
			YearBuilt:   ParseYear(Cell(row, yc)),
		}
		if f.Code == "" && f.Description == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ParseInspections maps a permits/inspections table.
func ParseInspections(t Table) []RawInspection {
	dc := t.Column("date", "issued")
	sc := t.Column("description", "type", "permit")
	rc := t.Column("result", "status")
	var out []RawInspection
	for _, row := range t.Rows {
		in := RawInspection{
			Date:        ParseDate(Cell(row, dc)),
			Description: Cell(row, sc),
			Result:      Cell(row, rc),
		}
		if in.Date == nil && in.Description == "" {
			continue
		}
		out = append(out, in)
	}
	return out
}

// SplitOwners splits an owner block on line breaks, ampersands and semicolons.
func SplitOwners(lines []string) []string {
	var out []string
	for _, line := range lines {
		for _, part := range strings.FieldsFunc(line, func(r rune) bool { return r == ';' }) {
			if part = CleanText(part); part != "" {
				out = append(out, strings.ToUpper(part))
			}
		}
	}
	return out
}

// SplitCityStateZip reads "CLEARWATER, FL 33755" or "CLEARWATER FL 33755-1234".
func SplitCityStateZip(s string) RawAddress {
	parsed := ParseAddress("X," + s)
	return RawAddress{City: parsed.City, State: parsed.State, Zip: parsed.Zip}
}
