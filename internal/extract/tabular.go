package extract

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/config"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
)

// Format is the container of a tabular price list.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Raw record fields a column can be mapped to, named after their JSON keys.
const (
	FieldEffectiveDate = "effective_date"
	FieldProductName   = "raw_product_name"
	FieldSupplierCode  = "supplier_code"
	FieldPrice         = "raw_price"
	FieldQuality       = "raw_quality"
	FieldCategory      = "raw_category"
	FieldCut           = "raw_cut"
	FieldMethod        = "raw_method"
	FieldState         = "raw_state"
	FieldOrigin        = "raw_origin"
	FieldSize          = "raw_size"
	FieldConservation  = "raw_conservation"
	FieldTrim          = "raw_trim"
	FieldLabel         = "raw_label"
)

var setters = map[string]func(*model.RawRecord, string){
	FieldEffectiveDate: func(r *model.RawRecord, v string) { r.EffectiveDate = v },
	FieldProductName:   func(r *model.RawRecord, v string) { r.ProductName = v },
	FieldSupplierCode:  func(r *model.RawRecord, v string) { r.SupplierCode = v },
	FieldPrice:         func(r *model.RawRecord, v string) { r.Price = v },
	FieldQuality:       func(r *model.RawRecord, v string) { r.Quality = v },
	FieldCategory:      func(r *model.RawRecord, v string) { r.Category = v },
	FieldCut:           func(r *model.RawRecord, v string) { r.Cut = v },
	FieldMethod:        func(r *model.RawRecord, v string) { r.Method = v },
	FieldState:         func(r *model.RawRecord, v string) { r.State = v },
	FieldOrigin:        func(r *model.RawRecord, v string) { r.Origin = v },
	FieldSize:          func(r *model.RawRecord, v string) { r.Size = v },
	FieldConservation:  func(r *model.RawRecord, v string) { r.Conservation = v },
	FieldTrim:          func(r *model.RawRecord, v string) { r.Trim = v },
	FieldLabel:         func(r *model.RawRecord, v string) { r.Label = v },
}

// Fields lists the mappable raw record fields, sorted.
func Fields() []string {
	out := make([]string, 0, len(setters))
	for f := range setters {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Tabular extracts records from a CSV or XLSX file whose header row names
// the columns. Header matching ignores case, accents and surrounding space.
type Tabular struct {
	Vendor    string
	Format    Format
	Delimiter rune
	Sheet     string
	// HeaderRow is the 1-based row holding column names. Rows above it are
	// ignored.
	HeaderRow int
	// Columns maps raw record fields to header names.
	Columns map[string]string
	// EffectiveDate fills records whose date column is absent or empty.
	EffectiveDate string

	log *zap.Logger
}

// NewTabular validates a vendor configuration.
func NewTabular(vendor string, cfg config.VendorConfig) (*Tabular, error) {
	t := &Tabular{
		Vendor:        vendor,
		Format:        Format(strings.ToLower(cfg.Format)),
		Sheet:         cfg.Sheet,
		HeaderRow:     cfg.HeaderRow,
		Columns:       make(map[string]string, len(cfg.Columns)),
		EffectiveDate: cfg.EffectiveDate,
	}
	if t.HeaderRow <= 0 {
		t.HeaderRow = 1
	}
	switch {
	case cfg.Delimiter == `\t` || cfg.Delimiter == "tab":
		t.Delimiter = '\t'
	case cfg.Delimiter != "":
		d, size := utf8.DecodeRuneInString(cfg.Delimiter)
		if size != len(cfg.Delimiter) {
			return nil, eris.Errorf("extract: vendor %s: delimiter %q must be one character", vendor, cfg.Delimiter)
		}
		t.Delimiter = d
	}

	for field, header := range cfg.Columns {
		f := strings.ToLower(strings.TrimSpace(field))
		if _, ok := setters[f]; !ok {
			return nil, eris.Errorf("extract: vendor %s: unknown field %q (want one of %s)",
				vendor, field, strings.Join(Fields(), ", "))
		}
		t.Columns[f] = header
	}
	if t.Columns[FieldSupplierCode] == "" {
		return nil, eris.Errorf("extract: vendor %s: no column mapped to %s", vendor, FieldSupplierCode)
	}
	return t, t.init()
}

func (t *Tabular) init() error {
	switch t.Format {
	case "":
		t.Format = FormatCSV
	case FormatCSV, FormatXLSX:
	default:
		return eris.Errorf("extract: vendor %s: unsupported format %q", t.Vendor, t.Format)
	}
	t.log = zap.L().With(zap.String("component", "extract"), zap.String("vendor", t.Vendor))
	return nil
}

// Extract reads path. Blank rows are dropped; rows missing mapped cells
// yield records with those fields empty and are left to validation.
func (t *Tabular) Extract(ctx context.Context, path string) ([]model.RawRecord, error) {
	if t.log == nil {
		if err := t.init(); err != nil {
			return nil, err
		}
	}
	format := t.Format
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".xlsx" {
		format = FormatXLSX
	}

	var (
		rows <-chan []string
		errs <-chan error
	)
	switch format {
	case FormatXLSX:
		rows, errs = StreamXLSX(ctx, path, XLSXOptions{
			SheetName:  t.Sheet,
			HeaderRow:  t.HeaderRow,
			DateHeader: t.Columns[FieldEffectiveDate],
		})
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		rows, errs = StreamCSV(ctx, f, CSVOptions{Delimiter: t.Delimiter, LazyQuotes: true, TrimSpace: true})
	}

	var (
		out   []model.RawRecord
		index map[string]int
		line  int
	)
	for row := range rows {
		line++
		if line < t.HeaderRow {
			continue
		}
		if line == t.HeaderRow {
			var err error
			if index, err = t.mapHeader(row); err != nil {
				drain(rows)
				return nil, err
			}
			continue
		}
		if blank(row) {
			continue
		}
		out = append(out, t.record(row, index))
	}
	if err := <-errs; err != nil {
		return nil, eris.Wrapf(err, "extract: vendor %s", t.Vendor)
	}
	if index == nil {
		return nil, eris.Errorf("extract: vendor %s: %s has no header row %d", t.Vendor, filepath.Base(path), t.HeaderRow)
	}

	t.log.Info("extract: document read",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("records", len(out)),
	)
	return out, nil
}

func (t *Tabular) mapHeader(header []string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		k := taxonomy.Fold(h)
		if _, dup := pos[k]; !dup && k != "" {
			pos[k] = i
		}
	}

	index := make(map[string]int, len(t.Columns))
	var missing []string
	for field, name := range t.Columns {
		i, ok := pos[taxonomy.Fold(name)]
		if !ok {
			missing = append(missing, name)
			continue
		}
		index[field] = i
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, eris.Errorf("extract: vendor %s: header lacks columns %s", t.Vendor, strings.Join(missing, ", "))
	}
	return index, nil
}

func (t *Tabular) record(row []string, index map[string]int) model.RawRecord {
	rec := model.RawRecord{Vendor: t.Vendor}
	for field, i := range index {
		if i < len(row) {
			setters[field](&rec, strings.TrimSpace(row[i]))
		}
	}
	if rec.EffectiveDate == "" {
		rec.EffectiveDate = t.EffectiveDate
	}
	return rec
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func drain(rows <-chan []string) {
	for range rows { //nolint:revive
	}
}
