package scraper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesFragment = `
<div id="sales"><table>
  <tr><th>Sale Date</th><th>Sale Price</th><th>OR Book/Page</th><th>Instrument</th><th>Qualified</th><th>Grantee</th></tr>
  <tr><td>03/15/2021</td><td>$425,000</td><td>21345/0678</td><td>2021045678</td><td>Q</td><td>SMITH JOHN</td></tr>
  <tr><td></td><td></td><td>100/1</td><td></td><td>U</td><td></td></tr>
  <tr><td>07/01/1999</td><td>$100</td><td></td><td></td><td>U</td><td>DOE JANE</td></tr>
</table></div>`

func TestParseSales(t *testing.T) {
	t.Parallel()

	doc, err := Document(salesFragment)
	require.NoError(t, err)
	sales, warnings := ParseSales(ParseTable(doc.Find("#sales")), DefaultSalesColumns)

	require.Len(t, sales, 2)
	assert.Equal(t, []string{"sales row 2 has no date or price"}, warnings)
	assert.InDelta(t, 425000, *sales[0].Price, 1e-9)
	assert.Equal(t, "21345", sales[0].Book)
	assert.Equal(t, "0678", sales[0].Page)
	assert.Equal(t, "2021045678", sales[0].Instrument)
	assert.Equal(t, "SMITH JOHN", sales[0].Grantee)
	require.NotNil(t, sales[0].Qualified)
	assert.True(t, *sales[0].Qualified)
	assert.Equal(t, 1999, sales[1].Date.Year())
}

func TestParseValuations(t *testing.T) {
	t.Parallel()

	doc, err := Document(`<table>
	  <tr><th>Year</th><th>Just/Market Value</th><th>Assessed Value</th><th>County Taxable Value</th></tr>
	  <tr><td>2024</td><td>$350,000</td><td>$280,000</td><td>$230,000</td></tr>
	  <tr><td>2023</td><td>$330,000</td><td>$272,000</td><td></td></tr>
	  <tr><td>Prior</td><td>$1</td><td></td><td></td></tr>
	</table>`)
	require.NoError(t, err)
	vals, warnings := ParseValuations(ParseTable(doc.Selection), DefaultValuationColumns)
	require.Len(t, vals, 2)
	assert.Len(t, warnings, 1)
	assert.Equal(t, 2024, vals[0].TaxYear)
	assert.InDelta(t, 350000, *vals[0].Just, 1e-9)
	assert.InDelta(t, 230000, *vals[0].Taxable, 1e-9)
	assert.Nil(t, vals[1].Taxable)
}

func TestLabelValuesAndLookup(t *testing.T) {
	t.Parallel()

	doc, err := Document(`<div>
	  <table><tr><th>Parcel Number:</th><td> 12-34-56-78901-000-0010 </td></tr>
	  <tr><td>Year Built</td><td>1987</td></tr></table>
	  <dl><dt>Living Area</dt><dd>1,850</dd></dl>
	</div>`)
	require.NoError(t, err)
	labels := LabelValues(doc.Selection)
	assert.Equal(t, "12-34-56-78901-000-0010", labels["parcel number"])

	b := BuildingFromLabels(1, labels)
	require.NotNil(t, b.YearBuilt)
	assert.Equal(t, 1987, *b.YearBuilt)
	require.NotNil(t, b.LivingArea)
	assert.InDelta(t, 1850, *b.LivingArea, 1e-9)

	_, ok := Lookup(labels, "zoning")
	assert.False(t, ok)
}

func TestLinesAndOwners(t *testing.T) {
	t.Parallel()

	doc, err := Document(`<div id="owner">Smith John<br>Smith Mary; Trust<br/>  <br>123 Any St</div>`)
	require.NoError(t, err)
	lines := Lines(doc.Find("#owner"))
	assert.Equal(t, []string{"Smith John", "Smith Mary; Trust", "123 Any St"}, lines)
	assert.Equal(t, []string{"SMITH JOHN", "SMITH MARY", "TRUST"}, SplitOwners(lines[:2]))
}

func TestSplitCityStateZip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RawAddress{City: "CLEARWATER", State: "FL", Zip: "33755"}, SplitCityStateZip("Clearwater, FL 33755"))
	assert.Equal(t, RawAddress{City: "BRADENTON", State: "FL", Zip: "34205"}, SplitCityStateZip("BRADENTON FL 34205-1234"))
}

func TestExtraFeaturesAndInspections(t *testing.T) {
	t.Parallel()

	doc, err := Document(`<table id="xf"><tr><th>Code</th><th>Description</th><th>Units</th><th>Value</th><th>Year</th></tr>
	<tr><td>PL1</td><td>POOL</td><td>450</td><td>$12,000</td><td>2005</td></tr>
	<tr><td></td><td></td><td></td><td></td><td></td></tr></table>
	<table id="insp"><tr><th>Date</th><th>Type</th><th>Result</th></tr>
	<tr><td>2/3/2020</td><td>ROOF</td><td>PASSED</td></tr></table>`)
	require.NoError(t, err)

	xf := ParseExtraFeatures(ParseTable(doc.Find("#xf")), DefaultExtraFeatureColumns)
	require.Len(t, xf, 1)
	assert.Equal(t, "POOL", xf[0].Description)
	assert.Equal(t, 2005, *xf[0].YearBuilt)

	insp := ParseInspections(ParseTable(doc.Find("#insp")))
	require.Len(t, insp, 1)
	assert.Equal(t, "PASSED", insp[0].Result)
}
