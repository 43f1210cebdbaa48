// Package taxonomy holds the reference vocabulary used to harmonize supplier
// attributes: category rules, per-field value tables and the patterns that
// pull species and preparation states out of product names.
//
// A Snapshot is immutable once built and is handed to the harmonizer for the
// lifetime of a run.
package taxonomy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-sync/internal/model"
)

// Field names a harmonized attribute that carries a value table.
type Field string

const (
	FieldCategory       Field = "category"
	FieldMethod         Field = "method"
	FieldQuality        Field = "quality"
	FieldCut            Field = "cut"
	FieldState          Field = "state"
	FieldColor          Field = "color"
	FieldOrigin         Field = "origin"
	FieldProductionType Field = "production_type"
	FieldConservation   Field = "conservation"
	FieldTrim           Field = "trim"
	FieldLabel          Field = "label"
)

var knownFields = map[Field]bool{
	FieldCategory: true, FieldMethod: true, FieldQuality: true, FieldCut: true,
	FieldState: true, FieldColor: true, FieldOrigin: true, FieldProductionType: true,
	FieldConservation: true, FieldTrim: true, FieldLabel: true,
}

// Rule maps a raw category, optionally narrowed by cut, to a family and
// species. A rule without CutFilter is the category default.
type Rule struct {
	RawCategory      string `yaml:"raw_category" json:"raw_category"`
	CutFilter        string `yaml:"cut_filter,omitempty" json:"cut_filter,omitempty"`
	CanonicalFamily  string `yaml:"canonical_family" json:"canonical_family"`
	CanonicalSpecies string `yaml:"canonical_species,omitempty" json:"canonical_species,omitempty"`
}

// Redirect moves a folded value out of its field into another one.
type Redirect struct {
	Field Field  `yaml:"field" json:"field"`
	Value string `yaml:"value" json:"value"`
}

// Pattern is a regular expression matched against folded product names.
type Pattern struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Value   string `yaml:"value" json:"value"`
}

// Document is the authored form of a taxonomy.
type Document struct {
	Version             string                        `yaml:"version"`
	Rules               []Rule                        `yaml:"rules"`
	Values              map[Field]map[string]string   `yaml:"values,omitempty"`
	Redirects           map[Field]map[string]Redirect `yaml:"redirects,omitempty"`
	SpeciesPatterns     []Pattern                     `yaml:"species_patterns,omitempty"`
	PreparationPatterns []Pattern                     `yaml:"preparation_patterns,omitempty"`
	KnownCodes          map[string][]string           `yaml:"known_codes,omitempty"`
}

// Classification is the outcome of resolving a category and cut.
type Classification struct {
	Family    string
	Species   string
	Rule      *Rule
	Matched   bool
	Ambiguous bool
}

type compiledPattern struct {
	re    *regexp.Regexp
	value string
}

// Snapshot is an immutable, validated taxonomy.
type Snapshot struct {
	version      string
	doc          Document
	defaults     map[string]Rule
	specialized  map[string][]Rule
	values       map[Field]map[string]string
	redirects    map[Field]map[string]Redirect
	species      []compiledPattern
	preparations []compiledPattern
	knownCodes   map[string]map[string]bool
	warnings     []string
}

// New validates doc and builds a snapshot from it. Two default rules for the
// same raw category is an error; duplicate specializations only produce a
// warning because resolution stays deterministic.
func New(doc Document) (*Snapshot, error) {
	s := &Snapshot{
		doc:         doc,
		defaults:    make(map[string]Rule),
		specialized: make(map[string][]Rule),
		values:      make(map[Field]map[string]string),
		redirects:   make(map[Field]map[string]Redirect),
		knownCodes:  make(map[string]map[string]bool),
	}

	seenSpecial := make(map[string]int)
	for i, r := range doc.Rules {
		cat := Fold(r.RawCategory)
		if cat == "" {
			return nil, eris.Errorf("taxonomy: rule %d has no raw_category", i)
		}
		if Fold(r.CanonicalFamily) == "" {
			return nil, eris.Errorf("taxonomy: rule %d (%s) has no canonical_family", i, cat)
		}
		rule := Rule{
			RawCategory:      cat,
			CutFilter:        Fold(r.CutFilter),
			CanonicalFamily:  Fold(r.CanonicalFamily),
			CanonicalSpecies: Fold(r.CanonicalSpecies),
		}
		if rule.CutFilter == "" {
			if _, dup := s.defaults[cat]; dup {
				return nil, eris.Errorf("taxonomy: more than one default rule for category %q", cat)
			}
			s.defaults[cat] = rule
			continue
		}
		key := cat + "|" + rule.CutFilter
		seenSpecial[key]++
		if seenSpecial[key] == 2 {
			s.warnings = append(s.warnings,
				fmt.Sprintf("duplicate specialization for category %q cut %q; first rule wins", cat, rule.CutFilter))
		}
		s.specialized[cat] = append(s.specialized[cat], rule)
	}

	for field, table := range doc.Values {
		if !knownFields[field] {
			return nil, eris.Errorf("taxonomy: unknown value table %q", field)
		}
		folded := make(map[string]string, len(table))
		for from, to := range table {
			folded[Fold(from)] = Fold(to)
		}
		s.values[field] = folded
	}

	for field, table := range doc.Redirects {
		if !knownFields[field] {
			return nil, eris.Errorf("taxonomy: unknown redirect source %q", field)
		}
		folded := make(map[string]Redirect, len(table))
		for from, rd := range table {
			if !knownFields[rd.Field] {
				return nil, eris.Errorf("taxonomy: redirect %s/%s targets unknown field %q", field, from, rd.Field)
			}
			folded[Fold(from)] = Redirect{Field: rd.Field, Value: Fold(rd.Value)}
		}
		s.redirects[field] = folded
	}

	var err error
	if s.species, err = compilePatterns("species", doc.SpeciesPatterns); err != nil {
		return nil, err
	}
	if s.preparations, err = compilePatterns("preparation", doc.PreparationPatterns); err != nil {
		return nil, err
	}

	for vendor, codes := range doc.KnownCodes {
		set := make(map[string]bool, len(codes))
		for _, c := range codes {
			set[Fold(c)] = true
		}
		s.knownCodes[Fold(vendor)] = set
	}

	s.version = doc.Version
	if s.version == "" {
		s.version = s.checksum()
	}
	return s, nil
}

func compilePatterns(kind string, in []Pattern) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(in))
	for _, p := range in {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "taxonomy: compile %s pattern %q", kind, p.Pattern)
		}
		out = append(out, compiledPattern{re: re, value: Fold(p.Value)})
	}
	return out, nil
}

// checksum derives a stable version for documents that do not name one.
func (s *Snapshot) checksum() string {
	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return "unversioned"
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:6])
}

// Version identifies the snapshot.
func (s *Snapshot) Version() string { return s.version }

// Warnings lists authoring problems that did not prevent loading.
func (s *Snapshot) Warnings() []string { return slices.Clone(s.warnings) }

// Document returns a copy of the authored document with the effective version.
func (s *Snapshot) Document() Document {
	doc := s.doc
	doc.Version = s.version
	doc.Rules = slices.Clone(s.doc.Rules)
	return doc
}

// Rules returns the normalized rules, defaults first, sorted by category.
func (s *Snapshot) Rules() []Rule {
	cats := make([]string, 0, len(s.defaults)+len(s.specialized))
	seen := make(map[string]bool)
	for c := range s.defaults {
		cats = append(cats, c)
		seen[c] = true
	}
	for c := range s.specialized {
		if !seen[c] {
			cats = append(cats, c)
		}
	}
	sort.Strings(cats)

	var out []Rule
	for _, c := range cats {
		if r, ok := s.defaults[c]; ok {
			out = append(out, r)
		}
		out = append(out, s.specialized[c]...)
	}
	return out
}

// Resolve classifies a category and cut. A specialization whose cut filter
// equals the cut wins over the default; several matching specializations
// resolve to the first authored one and set Ambiguous. An unmatched
// category resolves to model.Unclassified.
func (s *Snapshot) Resolve(category, cut string) Classification {
	cat := Fold(category)
	c := Fold(cut)

	if c != "" {
		var hit *Rule
		matches := 0
		for i := range s.specialized[cat] {
			r := s.specialized[cat][i]
			if r.CutFilter != c {
				continue
			}
			matches++
			if hit == nil {
				hit = &r
			}
		}
		if hit != nil {
			return Classification{
				Family:    hit.CanonicalFamily,
				Species:   hit.CanonicalSpecies,
				Rule:      hit,
				Matched:   true,
				Ambiguous: matches > 1,
			}
		}
	}

	if r, ok := s.defaults[cat]; ok {
		return Classification{
			Family:  r.CanonicalFamily,
			Species: r.CanonicalSpecies,
			Rule:    &r,
			Matched: true,
		}
	}
	return Classification{Family: model.Unclassified}
}

// Value normalizes an already folded value through the field's table,
// returning the value unchanged when the table has no entry.
func (s *Snapshot) Value(field Field, folded string) string {
	if v, ok := s.values[field][folded]; ok {
		return v
	}
	return folded
}

// Redirect reports whether a folded value belongs to another field.
func (s *Snapshot) Redirect(field Field, folded string) (Redirect, bool) {
	rd, ok := s.redirects[field][folded]
	return rd, ok
}

// MatchSpecies returns the first species pattern found in a folded text and
// the byte offset of the match.
func (s *Snapshot) MatchSpecies(folded string) (species string, pos int, ok bool) {
	for _, p := range s.species {
		if loc := p.re.FindStringIndex(folded); loc != nil {
			return p.value, loc[0], true
		}
	}
	return "", -1, false
}

// Preparations extracts preparation states from a folded product name in
// order of appearance. Overlapping matches keep the earliest, so "NON VIDE"
// does not also yield "VIDE".
func (s *Snapshot) Preparations(folded string) []string {
	type hit struct {
		start, end int
		value      string
	}
	var hits []hit
	for _, p := range s.preparations {
		for _, loc := range p.re.FindAllStringIndex(folded, -1) {
			hits = append(hits, hit{loc[0], loc[1], p.value})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var out []string
	var covered []hit
	for _, h := range hits {
		overlap := false
		for _, c := range covered {
			if h.start < c.end && h.end > c.start {
				overlap = true
				break
			}
		}
		if overlap || slices.Contains(out, h.value) {
			continue
		}
		out = append(out, h.value)
		covered = append(covered, h)
	}
	return out
}

// HasRegistry reports whether the vendor's known supplier codes are listed.
func (s *Snapshot) HasRegistry(vendor string) bool {
	_, ok := s.knownCodes[Fold(vendor)]
	return ok
}

// KnownCode reports whether code is in the vendor's registry.
func (s *Snapshot) KnownCode(vendor, code string) bool {
	return s.knownCodes[Fold(vendor)][Fold(code)]
}
