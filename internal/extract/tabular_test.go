package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeXLSX(t *testing.T, sheet string, rows [][]any) string {
	t.Helper()
	f := xlsx.NewFile()
	sh, err := f.AddSheet(sheet)
	require.NoError(t, err)
	for _, r := range rows {
		row := sh.AddRow()
		for _, v := range r {
			cell := row.AddCell()
			switch v := v.(type) {
			case float64:
				cell.SetFloat(v)
			case string:
				cell.SetString(v)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "tarif.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func nordic() config.VendorConfig {
	return config.VendorConfig{
		Format: "csv",
		Columns: map[string]string{
			"supplier_code":    "Code article",
			"raw_product_name": "Désignation",
			"raw_price":        "Prix HT",
			"effective_date":   "Date",
			"raw_category":     "Famille",
		},
	}
}

func TestTabular_CSV(t *testing.T) {
	path := writeFile(t, "tarif.csv", "\ufeffCode article;DESIGNATION;Prix HT;Date;Famille;Stock\n"+
		"SAU01;Saumon entier;12,50;02/03/2026;Saumon;4\n"+
		";;;;;\n"+
		"CAB02;\"Dos de cabillaud; sans peau\";18,90;02/03/2026;Cabillaud;0\n")

	tab, err := NewTabular("NORDIC", nordic())
	require.NoError(t, err)

	recs, err := tab.Extract(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.RawRecord{
		Vendor:        "NORDIC",
		SupplierCode:  "SAU01",
		ProductName:   "Saumon entier",
		Price:         "12,50",
		EffectiveDate: "02/03/2026",
		Category:      "Saumon",
	}, recs[0])
	assert.Equal(t, "Dos de cabillaud; sans peau", recs[1].ProductName)
}

func TestTabular_HeaderRowAndDefaultDate(t *testing.T) {
	cfg := config.VendorConfig{
		Delimiter:     ",",
		HeaderRow:     3,
		EffectiveDate: "2026-03-09",
		Columns:       map[string]string{"supplier_code": "code", "raw_price": "price"},
	}
	path := writeFile(t, "tarif.csv", "MAREE OUEST tarif semaine 11\n\ncode,price\nA1,3.2\n")

	tab, err := NewTabular("maree", cfg)
	require.NoError(t, err)
	recs, err := tab.Extract(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2026-03-09", recs[0].EffectiveDate)
	assert.Equal(t, "3.2", recs[0].Price)
}

func TestTabular_MissingHeaderColumn(t *testing.T) {
	path := writeFile(t, "tarif.csv", "Code article;Prix HT\nSAU01;12\n")
	tab, err := NewTabular("NORDIC", nordic())
	require.NoError(t, err)

	_, err = tab.Extract(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Date, Désignation, Famille")
}

func TestTabular_EmptyFile(t *testing.T) {
	path := writeFile(t, "tarif.csv", "")
	tab, err := NewTabular("NORDIC", nordic())
	require.NoError(t, err)

	_, err = tab.Extract(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestTabular_XLSX(t *testing.T) {
	cfg := nordic()
	cfg.Format = "xlsx"
	cfg.Sheet = "Tarif"
	path := writeXLSX(t, "Tarif", [][]any{
		{"Code article", "Désignation", "Prix HT", "Date", "Famille"},
		{"SAU01", "Saumon entier", 12.5, 46083.0, "Saumon"},
		{"BAR03", "Bar de ligne", 24.0, "09/03/2026", "Bar"},
	})

	tab, err := NewTabular("NORDIC", cfg)
	require.NoError(t, err)
	recs, err := tab.Extract(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2026-03-02", recs[0].EffectiveDate, "serial dates become ISO")
	assert.Equal(t, "12.5", recs[0].Price)
	assert.Equal(t, "09/03/2026", recs[1].EffectiveDate)
}

func TestTabular_XLSXMissingSheet(t *testing.T) {
	cfg := nordic()
	cfg.Format = "xlsx"
	cfg.Sheet = "Prix"
	path := writeXLSX(t, "Tarif", [][]any{{"Code article"}})

	tab, err := NewTabular("NORDIC", cfg)
	require.NoError(t, err)
	_, err = tab.Extract(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Prix" not found`)
}

func TestNewTabular_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.VendorConfig
		want string
	}{
		{"no code column", config.VendorConfig{Columns: map[string]string{"raw_price": "Prix"}}, "supplier_code"},
		{"unknown field", config.VendorConfig{Columns: map[string]string{"supplier_code": "C", "colour": "X"}}, `unknown field "colour"`},
		{"bad format", config.VendorConfig{Format: "pdf", Columns: map[string]string{"supplier_code": "C"}}, "unsupported format"},
		{"long delimiter", config.VendorConfig{Delimiter: ";;", Columns: map[string]string{"supplier_code": "C"}}, "one character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTabular("v", tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewTabular_TabDelimiter(t *testing.T) {
	tab, err := NewTabular("v", config.VendorConfig{Delimiter: `\t`, Columns: map[string]string{"supplier_code": "C"}})
	require.NoError(t, err)
	assert.Equal(t, '\t', tab.Delimiter)
	assert.Equal(t, FormatCSV, tab.Format)
}
