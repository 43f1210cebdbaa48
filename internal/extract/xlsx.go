package extract

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-sync/internal/taxonomy"
)

// XLSXOptions selects the sheet to read.
type XLSXOptions struct {
	SheetIndex int
	// SheetName overrides SheetIndex.
	SheetName string
	// HeaderRow is the 1-based row holding column names. Default: 1.
	HeaderRow int
	// DateHeader names the column whose serial numbers are rendered as
	// ISO dates rather than through the cell format.
	DateHeader string
}

// StreamXLSX sends the rows of a workbook sheet on a channel. Both channels
// are closed when reading completes.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		f, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrap(err, "extract: open xlsx")
			return
		}
		sheet, err := getSheet(f, opts)
		if err != nil {
			errCh <- err
			return
		}

		headerRow := max(opts.HeaderRow, 1)
		dateCol := -1
		for i, row := range sheet.Rows {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "extract: xlsx cancelled")
				return
			}
			cells := rowToStrings(row, dateCol)
			if i+1 == headerRow && opts.DateHeader != "" {
				dateCol = indexOf(cells, opts.DateHeader)
			}
			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "extract: xlsx cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("extract: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex < 0 || opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("extract: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func indexOf(header []string, name string) int {
	want := taxonomy.Fold(name)
	for i, h := range header {
		if taxonomy.Fold(h) == want {
			return i
		}
	}
	return -1
}

func rowToStrings(row *xlsx.Row, dateCol int) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		if j == dateCol {
			if d, ok := excelSerialDate(cell.Value); ok {
				cells[j] = d
				continue
			}
		}
		cells[j] = cell.String()
	}
	return cells
}

// excelEpoch is day zero of the 1900 date system, adjusted for its
// fictitious 1900-02-29.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// excelSerialDate renders a serial day number as an ISO date.
func excelSerialDate(v string) (string, bool) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 1 || f > 2958465 {
		return "", false
	}
	days := int(math.Floor(f))
	return excelEpoch.AddDate(0, 0, days).Format("2006-01-02"), true
}
