package scraper

import "time"

// RawPropertyRecord is the typed but source-shaped output of extraction. Any
// field may be empty; the normalizer decides what the absence means.
type RawPropertyRecord struct {
	SourceKey      string            `json:"sourceKey"`
	ParcelID       string            `json:"parcelId,omitempty"`
	DetailURL      string            `json:"detailUrl,omitempty"`
	Situs          RawAddress        `json:"situs"`
	OwnerNames     []string          `json:"ownerNames,omitempty"`
	MailingAddress []string          `json:"mailingAddress,omitempty"`
	Land           RawLand           `json:"land"`
	Valuations     []RawValuation    `json:"valuations,omitempty"`
	Sales          []RawSale         `json:"sales,omitempty"`
	Buildings      []RawBuilding     `json:"buildings,omitempty"`
	ExtraFeatures  []RawExtraFeature `json:"extraFeatures,omitempty"`
	Inspections    []RawInspection   `json:"inspections,omitempty"`
	// Labels keeps label/value pairs no extractor claimed.
	Labels   map[string]string `json:"labels,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// RawAddress is an address as printed by the site.
type RawAddress struct {
	Line1 string `json:"line1,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// IsZero reports whether no part of the address was captured.
func (a RawAddress) IsZero() bool {
	return a.Line1 == "" && a.City == "" && a.State == "" && a.Zip == ""
}

type RawLand struct {
	Acres          *float64 `json:"acres,omitempty"`
	SquareFeet     *float64 `json:"squareFeet,omitempty"`
	UseCode        string   `json:"useCode,omitempty"`
	UseDescription string   `json:"useDescription,omitempty"`
	Zoning         string   `json:"zoning,omitempty"`
	Subdivision    string   `json:"subdivision,omitempty"`
	Legal          string   `json:"legal,omitempty"`
}

// IsZero reports whether nothing about the land was captured.
func (l RawLand) IsZero() bool {
	return l.Acres == nil && l.SquareFeet == nil && l.UseCode == "" && l.UseDescription == "" &&
		l.Zoning == "" && l.Subdivision == "" && l.Legal == ""
}

type RawValuation struct {
	TaxYear        int      `json:"taxYear"`
	Just           *float64 `json:"just,omitempty"`
	Assessed       *float64 `json:"assessed,omitempty"`
	Taxable        *float64 `json:"taxable,omitempty"`
	Land           *float64 `json:"land,omitempty"`
	Building       *float64 `json:"building,omitempty"`
	Exemption      *float64 `json:"exemption,omitempty"`
	ExemptionCodes []string `json:"exemptionCodes,omitempty"`
	Taxes          *float64 `json:"taxes,omitempty"`
}

type RawSale struct {
	Date       *time.Time `json:"date,omitempty"`
	Price      *float64   `json:"price,omitempty"`
	Book       string     `json:"book,omitempty"`
	Page       string     `json:"page,omitempty"`
	Instrument string     `json:"instrument,omitempty"`
	DeedType   string     `json:"deedType,omitempty"`
	Grantor    string     `json:"grantor,omitempty"`
	Grantee    string     `json:"grantee,omitempty"`
	Qualified  *bool      `json:"qualified,omitempty"`
}

type RawBuilding struct {
	Number       int      `json:"number"`
	Type         string   `json:"type,omitempty"`
	YearBuilt    *int     `json:"yearBuilt,omitempty"`
	LivingArea   *float64 `json:"livingArea,omitempty"`
	GrossArea    *float64 `json:"grossArea,omitempty"`
	Bedrooms     *float64 `json:"bedrooms,omitempty"`
	Bathrooms    *float64 `json:"bathrooms,omitempty"`
	Stories      *float64 `json:"stories,omitempty"`
	Construction string   `json:"construction,omitempty"`
}

type RawExtraFeature struct {
	Code        string   `json:"code,omitempty"`
	Description string   `json:"description,omitempty"`
	Units       *float64 `json:"units,omitempty"`
	Value       *float64 `json:"value,omitempty"`
	YearBuilt   *int     `json:"yearBuilt,omitempty"`
}

type RawInspection struct {
	Date        *time.Time `json:"date,omitempty"`
	Description string     `json:"description,omitempty"`
	Result      string     `json:"result,omitempty"`
}
