// Package harmonize maps raw supplier records onto the shared taxonomy.
package harmonize

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/taxonomy"
)

const filet = "FILET"

var filetWord = regexp.MustCompile(`\bFILETS?\b`)

// Harmonizer converts staged records into canonical records against one
// taxonomy snapshot. It never fails: unmapped values pass through folded and
// unmatched categories classify as model.Unclassified.
type Harmonizer struct {
	snap *taxonomy.Snapshot
	log  *zap.Logger
}

// New returns a Harmonizer bound to snap. A nil logger uses the global one.
func New(snap *taxonomy.Snapshot, log *zap.Logger) *Harmonizer {
	if log == nil {
		log = zap.L()
	}
	return &Harmonizer{
		snap: snap,
		log:  log.With(zap.String("component", "harmonize"), zap.String("taxonomy_version", snap.Version())),
	}
}

// Snapshot returns the taxonomy the harmonizer resolves against.
func (h *Harmonizer) Snapshot() *taxonomy.Snapshot { return h.snap }

// Stats summarizes a batch.
type Stats struct {
	Records      int
	Unclassified int
	Ambiguous    int
}

// Harmonize converts one staged record.
func (h *Harmonizer) Harmonize(rec model.StagedRecord) model.CanonicalRecord {
	out, cls := h.harmonize(rec)
	if cls.Ambiguous {
		h.warnAmbiguous(out.Category, out.Cut)
	}
	return out
}

// HarmonizeAll converts a batch, logging each ambiguous category and cut
// pair once.
func (h *Harmonizer) HarmonizeAll(recs []model.StagedRecord) ([]model.CanonicalRecord, Stats) {
	out := make([]model.CanonicalRecord, 0, len(recs))
	stats := Stats{Records: len(recs)}
	warned := make(map[string]bool)

	for _, rec := range recs {
		c, cls := h.harmonize(rec)
		if !cls.Matched {
			stats.Unclassified++
		}
		if cls.Ambiguous {
			stats.Ambiguous++
			if key := c.Category + "|" + c.Cut; !warned[key] {
				warned[key] = true
				h.warnAmbiguous(c.Category, c.Cut)
			}
		}
		out = append(out, c)
	}
	return out, stats
}

func (h *Harmonizer) warnAmbiguous(category, cut string) {
	h.log.Warn("harmonize: several taxonomy rules match, using the first",
		zap.String("category", category),
		zap.String("cut", cut),
	)
}

func (h *Harmonizer) harmonize(rec model.StagedRecord) (model.CanonicalRecord, taxonomy.Classification) {
	s := h.snap
	out := model.CanonicalRecord{
		NaturalKey:   rec.NaturalKey,
		Vendor:       strings.TrimSpace(rec.Vendor),
		SupplierCode: strings.TrimSpace(rec.SupplierCode),
		ProductName:  strings.TrimSpace(rec.ProductName),
		Price:        ParsePrice(rec.Price),
		RunID:        rec.RunID,
		Seq:          rec.Seq,
		IngestedAt:   rec.IngestedAt,
		Source:       model.SourceStaging,
	}
	if date, err := ParseDate(rec.EffectiveDate); err == nil {
		out.EffectiveDate = date
		if out.NaturalKey == "" {
			out.NaturalKey = NaturalKey(out.SupplierCode, date)
		}
	}

	name := taxonomy.Fold(rec.ProductName)
	cat := h.category(taxonomy.Fold(rec.Category), name)
	out.Category = cat.category

	if cat.method != "" {
		out.Method = cat.method
	} else {
		h.apply(&out, taxonomy.FieldMethod, taxonomy.Fold(rec.Method))
	}
	h.apply(&out, taxonomy.FieldState, taxonomy.Fold(rec.State))
	h.origins(&out, rec.Origin)
	h.apply(&out, taxonomy.FieldQuality, taxonomy.Fold(rec.Quality))

	// "BAR FILET": the species precedes FILET, so FILET is the fishing
	// method and not a cut.
	filetIsMethod := cat.method == filet
	if !filetIsMethod && cat.cut == "" && filetWord.MatchString(name) {
		if _, isMethod := h.filetMeaning(name); isMethod {
			filetIsMethod = true
			if out.Method == "" {
				out.Method = filet
			}
		}
	}

	h.apply(&out, taxonomy.FieldCut, taxonomy.Fold(rec.Cut))
	if out.Cut == "" {
		out.Cut = cat.cut
	}
	if filetIsMethod && out.Cut == filet {
		out.Cut = ""
	}

	out.Size = NormalizeSize(rec.Size)
	h.apply(&out, taxonomy.FieldConservation, taxonomy.Fold(rec.Conservation))
	h.apply(&out, taxonomy.FieldTrim, taxonomy.Fold(rec.Trim))
	h.apply(&out, taxonomy.FieldLabel, taxonomy.Fold(rec.Label))
	out.Preparation = strings.Join(s.Preparations(name), ", ")

	cls := s.Resolve(out.Category, out.Cut)
	if raw := taxonomy.Fold(rec.Category); !cls.Matched && raw != "" && raw != out.Category {
		// Rules may be keyed on the supplier's spelling rather than the
		// normalized category.
		if byRaw := s.Resolve(raw, out.Cut); byRaw.Matched {
			cls = byRaw
		}
	}
	out.Family = cls.Family
	out.Species = cls.Species
	if cls.Matched && out.Species == "" {
		out.Species = out.Category
	}
	return out, cls
}

type categoryResult struct {
	category string
	cut      string
	method   string
}

// category normalizes the raw category. A category mentioning FILET carries
// either a cut ("FILET DE BAR") or a method ("BAR FILET") plus a species,
// which becomes the category.
func (h *Harmonizer) category(folded, name string) categoryResult {
	var res categoryResult

	text := folded
	if text == "" {
		text = name
	}
	if filetWord.MatchString(text) {
		species, isMethod := h.filetMeaning(text)
		if species == "" && text != name {
			species, _, _ = h.snap.MatchSpecies(name)
		}
		res.category = species
		if isMethod {
			res.method = filet
		} else {
			res.cut = filet
		}
		return res
	}

	if folded == "" {
		return res
	}
	res.category = h.snap.Value(taxonomy.FieldCategory, folded)
	return res
}

// filetMeaning locates FILET relative to the first known species in text.
// FILET before the species, or with no species at all, is a cut.
func (h *Harmonizer) filetMeaning(text string) (species string, isMethod bool) {
	loc := filetWord.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	species, pos, ok := h.snap.MatchSpecies(text)
	if !ok {
		return "", false
	}
	return species, pos < loc[0]
}

// origins splits a comma-separated origin list, normalizes each entry and
// moves production markers such as AQ into production_type.
func (h *Harmonizer) origins(out *model.CanonicalRecord, raw string) {
	var kept []string
	for _, part := range strings.Split(raw, ",") {
		v := taxonomy.Fold(part)
		if v == "" {
			continue
		}
		if rd, ok := h.snap.Redirect(taxonomy.FieldOrigin, v); ok {
			setIfEmpty(out, rd.Field, rd.Value)
			continue
		}
		kept = append(kept, h.snap.Value(taxonomy.FieldOrigin, v))
	}
	out.Origin = strings.Join(kept, ", ")
}

// apply normalizes a folded value into field, or into the redirect target
// when the taxonomy says the value belongs elsewhere.
func (h *Harmonizer) apply(out *model.CanonicalRecord, field taxonomy.Field, folded string) {
	if folded == "" {
		return
	}
	if rd, ok := h.snap.Redirect(field, folded); ok {
		setIfEmpty(out, rd.Field, rd.Value)
		return
	}
	set(out, field, h.snap.Value(field, folded))
}

func setIfEmpty(out *model.CanonicalRecord, field taxonomy.Field, v string) {
	if p := fieldPtr(out, field); p != nil && *p == "" {
		*p = v
	}
}

func set(out *model.CanonicalRecord, field taxonomy.Field, v string) {
	if p := fieldPtr(out, field); p != nil {
		*p = v
	}
}

func fieldPtr(out *model.CanonicalRecord, field taxonomy.Field) *string {
	switch field {
	case taxonomy.FieldCategory:
		return &out.Category
	case taxonomy.FieldMethod:
		return &out.Method
	case taxonomy.FieldQuality:
		return &out.Quality
	case taxonomy.FieldCut:
		return &out.Cut
	case taxonomy.FieldState:
		return &out.State
	case taxonomy.FieldColor:
		return &out.Color
	case taxonomy.FieldOrigin:
		return &out.Origin
	case taxonomy.FieldProductionType:
		return &out.ProductionType
	case taxonomy.FieldConservation:
		return &out.Conservation
	case taxonomy.FieldTrim:
		return &out.Trim
	case taxonomy.FieldLabel:
		return &out.Label
	default:
		return nil
	}
}
