package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/model"
)

func anchoisDoc() Document {
	return Document{
		Version: "test",
		Rules: []Rule{
			{RawCategory: "ANCHOIS", CanonicalFamily: "POISSON"},
			{RawCategory: "ANCHOIS", CutFilter: "FILET", CanonicalFamily: "EPICERIE"},
		},
	}
}

func TestResolve_SpecializationWinsOverDefault(t *testing.T) {
	snap, err := New(anchoisDoc())
	require.NoError(t, err)

	got := snap.Resolve("ANCHOIS", "FILET")
	assert.Equal(t, "EPICERIE", got.Family)
	assert.True(t, got.Matched)
	assert.False(t, got.Ambiguous)

	got = snap.Resolve("ANCHOIS", "")
	assert.Equal(t, "POISSON", got.Family)

	// A cut with no specialization falls back to the default.
	got = snap.Resolve("anchois", "dos")
	assert.Equal(t, "POISSON", got.Family)
}

func TestResolve_CaseAndAccentInsensitive(t *testing.T) {
	snap, err := New(Document{Rules: []Rule{
		{RawCategory: "Écrevisse", CutFilter: "Décortiquée", CanonicalFamily: "crustacé"},
	}})
	require.NoError(t, err)

	got := snap.Resolve("ECREVISSE", "DECORTIQUEE")
	assert.Equal(t, "CRUSTACE", got.Family)
}

func TestResolve_Unclassified(t *testing.T) {
	snap, err := New(anchoisDoc())
	require.NoError(t, err)

	got := snap.Resolve("KANGOUROU", "FILET")
	assert.Equal(t, model.Unclassified, got.Family)
	assert.False(t, got.Matched)
	assert.Nil(t, got.Rule)

	got = snap.Resolve("", "")
	assert.Equal(t, model.Unclassified, got.Family)
}

func TestResolve_DuplicateSpecializationPicksFirst(t *testing.T) {
	doc := anchoisDoc()
	doc.Rules = append(doc.Rules, Rule{RawCategory: "ANCHOIS", CutFilter: "FILET", CanonicalFamily: "CONSERVE"})

	snap, err := New(doc)
	require.NoError(t, err)
	require.Len(t, snap.Warnings(), 1)
	assert.Contains(t, snap.Warnings()[0], "duplicate specialization")

	got := snap.Resolve("ANCHOIS", "FILET")
	assert.Equal(t, "EPICERIE", got.Family)
	assert.True(t, got.Ambiguous)
}

func TestNew_RejectsSecondDefault(t *testing.T) {
	doc := anchoisDoc()
	doc.Rules = append(doc.Rules, Rule{RawCategory: "anchois", CanonicalFamily: "AUTRE"})

	_, err := New(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one default rule")
}

func TestNew_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{"missing category", Document{Rules: []Rule{{CanonicalFamily: "X"}}}, "no raw_category"},
		{"missing family", Document{Rules: []Rule{{RawCategory: "BAR"}}}, "no canonical_family"},
		{"unknown value table", Document{Values: map[Field]map[string]string{"colour": {"A": "B"}}}, "unknown value table"},
		{"unknown redirect target", Document{Redirects: map[Field]map[string]Redirect{
			FieldState: {"ROUGE": {Field: "hue", Value: "ROUGE"}},
		}}, "unknown field"},
		{"bad pattern", Document{SpeciesPatterns: []Pattern{{Pattern: "(", Value: "X"}}}, "compile species pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNew_ChecksumVersion(t *testing.T) {
	doc := anchoisDoc()
	doc.Version = ""

	a, err := New(doc)
	require.NoError(t, err)
	b, err := New(doc)
	require.NoError(t, err)

	assert.Contains(t, a.Version(), "sha256:")
	assert.Equal(t, a.Version(), b.Version())
}

func TestValueAndRedirect(t *testing.T) {
	snap, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "PB", snap.Value(FieldMethod, "PT BATEAU"))
	assert.Equal(t, "LIGNE", snap.Value(FieldMethod, "LIGNE"))
	assert.Equal(t, "VIDE", snap.Value(FieldState, "VIDEE"))

	rd, ok := snap.Redirect(FieldState, "ROUGE")
	require.True(t, ok)
	assert.Equal(t, FieldColor, rd.Field)

	rd, ok = snap.Redirect(FieldOrigin, "AQ")
	require.True(t, ok)
	assert.Equal(t, FieldProductionType, rd.Field)
	assert.Equal(t, "ELEVAGE", rd.Value)

	_, ok = snap.Redirect(FieldOrigin, "BRETAGNE")
	assert.False(t, ok)
}

func TestPreparations(t *testing.T) {
	snap, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{"VIDE", "GRATTE"}, snap.Preparations(Fold("Dorade vidée grattée")))
	assert.Equal(t, []string{"NON VIDE"}, snap.Preparations(Fold("Turbot non vidé")))
	assert.Equal(t, []string{"ENTIER"}, snap.Preparations(Fold("Sole entière vivante")))
	assert.Empty(t, snap.Preparations(Fold("Bar de ligne")))
}

func TestMatchSpecies(t *testing.T) {
	snap, err := Default()
	require.NoError(t, err)

	species, pos, ok := snap.MatchSpecies("FILET DE BAR")
	require.True(t, ok)
	assert.Equal(t, "BAR", species)
	assert.Equal(t, 9, pos)

	species, _, ok = snap.MatchSpecies("ST PIERRE 1/2")
	require.True(t, ok)
	assert.Equal(t, "SAINT PIERRE", species)

	_, _, ok = snap.MatchSpecies("FILETS")
	assert.False(t, ok)
}

func TestKnownCodes(t *testing.T) {
	snap, err := New(Document{KnownCodes: map[string][]string{"Audierne": {"001", "002"}}})
	require.NoError(t, err)

	assert.True(t, snap.HasRegistry("AUDIERNE"))
	assert.True(t, snap.KnownCode("audierne", "001"))
	assert.False(t, snap.KnownCode("audierne", "999"))
	assert.False(t, snap.HasRegistry("Demarne"))
}

func TestDefaultSnapshot(t *testing.T) {
	snap, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "2026.10.1", snap.Version())
	assert.Empty(t, snap.Warnings())

	assert.Equal(t, "EPICERIE", snap.Resolve("ANCHOIS", "FILET").Family)
	assert.Equal(t, "POISSON", snap.Resolve("ANCHOIS", "").Family)
	assert.NotEmpty(t, snap.Rules())
}

func TestLoadAndMarshal(t *testing.T) {
	snap, err := New(anchoisDoc())
	require.NoError(t, err)

	data, err := snap.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", loaded.Version())
	assert.Equal(t, "EPICERIE", loaded.Resolve("ANCHOIS", "FILET").Family)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taxonomy: read")
}

func TestRulesOrdering(t *testing.T) {
	snap, err := New(Document{Rules: []Rule{
		{RawCategory: "SOLE", CanonicalFamily: "POISSON"},
		{RawCategory: "ANCHOIS", CutFilter: "FILET", CanonicalFamily: "EPICERIE"},
		{RawCategory: "ANCHOIS", CanonicalFamily: "POISSON"},
	}})
	require.NoError(t, err)

	rules := snap.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "ANCHOIS", rules[0].RawCategory)
	assert.Empty(t, rules[0].CutFilter)
	assert.Equal(t, "FILET", rules[1].CutFilter)
	assert.Equal(t, "SOLE", rules[2].RawCategory)
}
