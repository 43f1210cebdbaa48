package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/harmonize"
	"github.com/sells-group/catalog-sync/internal/model"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Query and seed the production catalog",
}

var catalogGetCmd = &cobra.Command{
	Use:   "get <vendor> <natural-key>",
	Short: "Show one catalog record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetCatalog(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "catalog get")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var catalogImportLegacyCmd = &cobra.Command{
	Use:   "import-legacy <file>",
	Short: "Merge an already-harmonized catalog export",
	Long: "Reads newline-delimited JSON records in catalog form and merges them with source=legacy. " +
		"Records are applied in file order, so a later line for the same key wins.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "catalog import-legacy")
		}
		defer f.Close() //nolint:errcheck

		recs, err := decodeLegacy(f)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run-id")
		if runID == "" {
			runID = uuid.NewString()
		}

		res, err := env.Consolidator.MergeLegacy(ctx, runID, recs)
		if err != nil {
			return eris.Wrap(err, "catalog import-legacy")
		}
		for _, e := range res.Errors {
			zap.L().Warn("legacy record rejected", zap.Error(e))
		}

		fmt.Printf("run %s: %d read, %d inserted, %d updated, %d unchanged, %d deferred, %d failed\n",
			runID, len(recs), res.Inserted, res.Updated, res.Unchanged, res.Deferred, res.Failed)
		if res.Failed > 0 {
			return eris.Errorf("%d legacy records failed", res.Failed)
		}
		return nil
	},
}

func init() {
	catalogImportLegacyCmd.Flags().String("run-id", "", "run id recorded on imported rows (default: generated)")

	catalogCmd.AddCommand(catalogGetCmd)
	catalogCmd.AddCommand(catalogImportLegacyCmd)
	rootCmd.AddCommand(catalogCmd)
}

// legacyRecord is the export form of a catalog row. Dates are strings in
// any layout harmonize.ParseDate accepts.
type legacyRecord struct {
	Vendor         string   `json:"vendor"`
	EffectiveDate  string   `json:"effective_date"`
	SupplierCode   string   `json:"supplier_code"`
	ProductName    string   `json:"product_name"`
	Price          *float64 `json:"price"`
	Category       string   `json:"category"`
	Family         string   `json:"family"`
	Species        string   `json:"species"`
	Method         string   `json:"method"`
	Quality        string   `json:"quality"`
	Cut            string   `json:"cut"`
	Preparation    string   `json:"preparation"`
	State          string   `json:"state"`
	Color          string   `json:"color"`
	Origin         string   `json:"origin"`
	ProductionType string   `json:"production_type"`
	Size           string   `json:"size"`
	Conservation   string   `json:"conservation"`
	Trim           string   `json:"trim"`
	Label          string   `json:"label"`
}

// decodeLegacy reads one legacyRecord per line. Blank lines are skipped;
// any malformed line aborts the import with its line number.
func decodeLegacy(r io.Reader) ([]model.CanonicalRecord, error) {
	var out []model.CanonicalRecord

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		var lr legacyRecord
		if err := json.Unmarshal([]byte(text), &lr); err != nil {
			return nil, eris.Wrapf(err, "legacy line %d", line)
		}
		rec, err := lr.canonical()
		if err != nil {
			return nil, eris.Wrapf(err, "legacy line %d", line)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read legacy records")
	}
	return out, nil
}

func (lr legacyRecord) canonical() (model.CanonicalRecord, error) {
	vendor := strings.TrimSpace(lr.Vendor)
	code := strings.TrimSpace(lr.SupplierCode)
	if vendor == "" {
		return model.CanonicalRecord{}, eris.New("missing vendor")
	}
	if code == "" {
		return model.CanonicalRecord{}, eris.New("missing supplier_code")
	}
	date, err := harmonize.ParseDate(lr.EffectiveDate)
	if err != nil {
		return model.CanonicalRecord{}, eris.Wrapf(err, "effective_date %q", lr.EffectiveDate)
	}

	family := lr.Family
	if family == "" {
		family = model.Unclassified
	}

	return model.CanonicalRecord{
		NaturalKey:     harmonize.NaturalKey(code, date),
		Vendor:         vendor,
		EffectiveDate:  date,
		SupplierCode:   code,
		ProductName:    lr.ProductName,
		Price:          lr.Price,
		Category:       lr.Category,
		Family:         family,
		Species:        lr.Species,
		Method:         lr.Method,
		Quality:        lr.Quality,
		Cut:            lr.Cut,
		Preparation:    lr.Preparation,
		State:          lr.State,
		Color:          lr.Color,
		Origin:         lr.Origin,
		ProductionType: lr.ProductionType,
		Size:           lr.Size,
		Conservation:   lr.Conservation,
		Trim:           lr.Trim,
		Label:          lr.Label,
	}, nil
}
