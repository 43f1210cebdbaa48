package harmonize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/model"
)

func TestParseDate(t *testing.T) {
	want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2026-01-15", "15/01/2026", "15-01-2026", "15.01.2026", "2026/01/15", "20260115", "2026-01-15T08:30:00Z", " 2026-01-15 "} {
		t.Run(in, func(t *testing.T) {
			got, err := ParseDate(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseDate("next tuesday")
	assert.True(t, errors.Is(err, ErrInvalidDate))

	_, err = ParseDate("")
	assert.True(t, errors.Is(err, ErrInvalidDate))
}

func TestValidate(t *testing.T) {
	key, err := Validate(model.RawRecord{Vendor: "V", SupplierCode: " A1 ", EffectiveDate: "01/01/2026"})
	require.NoError(t, err)
	assert.Equal(t, "A1_2026-01-01", key)

	_, err = Validate(model.RawRecord{SupplierCode: "A1", EffectiveDate: "2026-01-01"})
	assert.True(t, errors.Is(err, ErrMissingVendor))

	_, err = Validate(model.RawRecord{Vendor: "V", EffectiveDate: "2026-01-01"})
	assert.True(t, errors.Is(err, ErrMissingCode))

	_, err = Validate(model.RawRecord{Vendor: "V", SupplierCode: "A1", EffectiveDate: "soon"})
	assert.True(t, errors.Is(err, ErrInvalidDate))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"10", ptr(10)},
		{"12.0", ptr(12)},
		{"12,50", ptr(12.5)},
		{"12,50 €", ptr(12.5)},
		{"1.234,56", ptr(1234.56)},
		{"8.90 EUR", ptr(8.9)},
		{"", nil},
		{"sur demande", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParsePrice(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.0001)
		})
	}
}

func TestNormalizeSize(t *testing.T) {
	tests := map[string]string{
		"":      "",
		"1,5":   "1.5",
		"1,5/2": "1.5/2",
		"500/+": "500+",
		"+2":    "2+",
		"3/4":   "3/4",
		" 6/8 ": "6/8",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSize(in), in)
	}
}

func ptr(v float64) *float64 { return &v }
