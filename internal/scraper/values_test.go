package scraper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		"$1,234.50":   1234.50,
		"  300000 ":   300000.0,
		"($1,200)":    -1200.0,
		"$ 12 345":    12345.0,
		" $9,999":     9999.0,
		"":            nil,
		"N/A":         nil,
		"-":           nil,
		"call office": nil,
	}
	for in, want := range cases {
		got := ParseMoney(in)
		if want == nil {
			assert.Nil(t, got, in)
			continue
		}
		require.NotNil(t, got, in)
		assert.InDelta(t, want.(float64), *got, 1e-9, in)
	}
}

func TestParseNumberAndInt(t *testing.T) {
	t.Parallel()

	require.NotNil(t, ParseNumber("2.5 baths"))
	assert.InDelta(t, 2.5, *ParseNumber("2.5 baths"), 1e-9)
	require.NotNil(t, ParseInt("1,850 sf"))
	assert.Equal(t, 1850, *ParseInt("1,850 sf"))
	assert.Nil(t, ParseInt("none"))
}

func TestParseYear(t *testing.T) {
	t.Parallel()

	require.NotNil(t, ParseYear("Built 1987 (eff. 1995)"))
	assert.Equal(t, 1987, *ParseYear("Built 1987 (eff. 1995)"))
	assert.Nil(t, ParseYear("123"))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	want := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"01/01/2023", "1/1/2023", "2023-01-01", "Jan 1, 2023", " 01/01/2023 12:00:00 AM "} {
		got := ParseDate(in)
		require.NotNil(t, got, in)
		assert.True(t, want.Equal(*got), in)
	}
	assert.Nil(t, ParseDate("soon"))
	assert.Nil(t, ParseDate(""))
}

func TestParseBoolAndBookPage(t *testing.T) {
	t.Parallel()

	require.NotNil(t, ParseBool("Q"))
	assert.True(t, *ParseBool("Q"))
	assert.False(t, *ParseBool("U"))
	assert.Nil(t, ParseBool("?"))

	book, page := SplitBookPage("12345 / 0678")
	assert.Equal(t, "12345", book)
	assert.Equal(t, "0678", page)
}
