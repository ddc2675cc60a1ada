package sha256

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func ptr[T any](v T) *T { return &v }

func TestSaleKeyStableAcrossFormatting(t *testing.T) {
	t.Parallel()

	date := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	a := parcel.Sale{Date: &date, Price: ptr(300000.0), Book: "1234", Page: "567", Instrument: "2023000123", Grantee: "Smith  John"}
	b := parcel.Sale{Date: ptr(date.In(time.FixedZone("EST", -5*3600))), Price: ptr(300000.0), Book: "1234", Page: "567", Instrument: "2023000123", Grantee: "SMITH JOHN"}

	require.Equal(t, SaleKey(a), SaleKey(b))
	require.Len(t, SaleKey(a), 64)
}

func TestSaleKeyDistinguishesFields(t *testing.T) {
	t.Parallel()

	date := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	base := parcel.Sale{Date: &date, Price: ptr(300000.0)}
	other := base
	other.Price = ptr(300001.0)
	noDate := base
	noDate.Date = nil

	require.NotEqual(t, SaleKey(base), SaleKey(other))
	require.NotEqual(t, SaleKey(base), SaleKey(noDate))
}

func TestDOMSignatureIgnoresTextButTracksStructure(t *testing.T) {
	t.Parallel()

	v1 := `<html><body><div id="owner">SMITH JOHN</div><table id="sales"><tr><th>Sale Date</th><th>Price</th></tr></table></body></html>`
	v1Other := `<html><body><div id="owner">DOE JANE</div><table id="sales"><tr><th>Sale Date</th><th>Price</th></tr></table></body></html>`
	v2 := `<html><body><div id="ownerInfo">SMITH JOHN</div><table id="sales"><tr><th>Sale Date</th><th>Price</th></tr></table></body></html>`

	require.Equal(t, DOMSignature(v1), DOMSignature(v1Other))
	require.NotEqual(t, DOMSignature(v1), DOMSignature(v2))
}

func TestDOMSignatureSkipsGeneratedIDs(t *testing.T) {
	t.Parallel()

	a := `<div id="panel_1700000001">x</div>`
	b := `<div id="panel_1700000999">x</div>`
	require.Equal(t, DOMSignature(a), DOMSignature(b))
}
