package sha256

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// SaleKey derives the dedup hash of a sale from its date, price, book/page,
// instrument and grantee. Formatting is fixed so equal sales hash equally
// across sources and runs.
func SaleKey(s parcel.Sale) string {
	date := ""
	if s.Date != nil {
		date = s.Date.UTC().Format("2006-01-02")
	}
	price := ""
	if s.Price != nil {
		price = strconv.FormatFloat(*s.Price, 'f', 2, 64)
	}
	parts := []string{
		date,
		price,
		canonical(s.BookPage()),
		canonical(s.Instrument),
		canonical(s.Grantee),
	}
	return SumString(strings.Join(parts, "|"))
}

func canonical(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
