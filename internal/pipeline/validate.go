package pipeline

import (
	"strings"

	"github.com/sells-group/catalog-sync/internal/harmonize"
	"github.com/sells-group/catalog-sync/internal/model"
)

// Skipped is a record rejected before staging.
type Skipped struct {
	Index  int
	Record model.RawRecord
	Err    error
}

// Validate tags records with the run and vendor and splits them into
// stageable records and skipped ones. Missing supplier codes and missing or
// unparseable dates are skipped, never fatal.
func Validate(runID, vendor string, recs []model.RawRecord) ([]model.StagedRecord, []Skipped) {
	staged := make([]model.StagedRecord, 0, len(recs))
	var skipped []Skipped
	for i, raw := range recs {
		raw.RunID = runID
		if strings.TrimSpace(raw.Vendor) == "" {
			raw.Vendor = vendor
		}
		key, err := harmonize.Validate(raw)
		if err != nil {
			skipped = append(skipped, Skipped{Index: i, Record: raw, Err: err})
			continue
		}
		staged = append(staged, model.StagedRecord{RawRecord: raw, NaturalKey: key})
	}
	return staged, skipped
}
