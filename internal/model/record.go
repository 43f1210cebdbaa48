// Package model defines the records, runs and curation entities shared by
// the catalog pipeline.
package model

import "time"

// Source identifies where a catalog row came from.
type Source string

const (
	SourceStaging Source = "staging"
	SourceLegacy  Source = "legacy"
)

// Unclassified is the family assigned when no taxonomy rule matches.
const Unclassified = "UNCLASSIFIED"

// RawRecord is one price line as produced by an extractor. All values are
// kept as the supplier wrote them.
type RawRecord struct {
	RunID         string `json:"run_id"`
	Vendor        string `json:"vendor"`
	EffectiveDate string `json:"effective_date"`
	ProductName   string `json:"raw_product_name"`
	SupplierCode  string `json:"supplier_code"`
	Price         string `json:"raw_price"`
	Quality       string `json:"raw_quality,omitempty"`
	Category      string `json:"raw_category,omitempty"`
	Cut           string `json:"raw_cut,omitempty"`
	Method        string `json:"raw_method,omitempty"`
	State         string `json:"raw_state,omitempty"`
	Origin        string `json:"raw_origin,omitempty"`
	Size          string `json:"raw_size,omitempty"`
	Conservation  string `json:"raw_conservation,omitempty"`
	Trim          string `json:"raw_trim,omitempty"`
	Label         string `json:"raw_label,omitempty"`
}

// StagedRecord is a RawRecord after it has been appended to the staging
// buffer. Seq orders records within a run.
type StagedRecord struct {
	RawRecord
	Seq        int64     `json:"seq"`
	NaturalKey string    `json:"natural_key"`
	IngestedAt time.Time `json:"ingested_at"`
}

// CanonicalRecord is the harmonized form of a price line and the shape of a
// production catalog row. Empty strings and a nil Price are stored as NULL.
type CanonicalRecord struct {
	NaturalKey     string    `json:"natural_key"`
	Vendor         string    `json:"vendor"`
	EffectiveDate  time.Time `json:"effective_date"`
	SupplierCode   string    `json:"supplier_code"`
	ProductName    string    `json:"product_name"`
	Price          *float64  `json:"price"`
	Category       string    `json:"category,omitempty"`
	Family         string    `json:"family"`
	Species        string    `json:"species,omitempty"`
	Method         string    `json:"method,omitempty"`
	Quality        string    `json:"quality,omitempty"`
	Cut            string    `json:"cut,omitempty"`
	Preparation    string    `json:"preparation,omitempty"`
	State          string    `json:"state,omitempty"`
	Color          string    `json:"color,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	ProductionType string    `json:"production_type,omitempty"`
	Size           string    `json:"size,omitempty"`
	Conservation   string    `json:"conservation,omitempty"`
	Trim           string    `json:"trim,omitempty"`
	Label          string    `json:"label,omitempty"`
	RunID          string    `json:"run_id"`
	Seq            int64     `json:"seq"`
	IngestedAt     time.Time `json:"ingested_at"`
	Source         Source    `json:"source"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// SameContent reports whether two records carry identical harmonized values.
// Provenance (run, seq, ingestion time, source) and bookkeeping timestamps
// are not compared, so replaying a run over unchanged data writes nothing.
func (r CanonicalRecord) SameContent(o CanonicalRecord) bool {
	if !samePrice(r.Price, o.Price) {
		return false
	}
	return r.NaturalKey == o.NaturalKey &&
		r.Vendor == o.Vendor &&
		r.EffectiveDate.Equal(o.EffectiveDate) &&
		r.SupplierCode == o.SupplierCode &&
		r.ProductName == o.ProductName &&
		r.Category == o.Category &&
		r.Family == o.Family &&
		r.Species == o.Species &&
		r.Method == o.Method &&
		r.Quality == o.Quality &&
		r.Cut == o.Cut &&
		r.Preparation == o.Preparation &&
		r.State == o.State &&
		r.Color == o.Color &&
		r.Origin == o.Origin &&
		r.ProductionType == o.ProductionType &&
		r.Size == o.Size &&
		r.Conservation == o.Conservation &&
		r.Trim == o.Trim &&
		r.Label == o.Label
}

// Newer reports whether r was ingested after o. Ties on ingestion time fall
// back to the staging sequence.
func (r CanonicalRecord) Newer(o CanonicalRecord) bool {
	if !r.IngestedAt.Equal(o.IngestedAt) {
		return r.IngestedAt.After(o.IngestedAt)
	}
	return r.Seq > o.Seq
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
