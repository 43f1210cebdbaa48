package model

import (
	"encoding/json"
	"slices"
	"time"
)

// UnknownEntity accumulates sightings of a supplier code that the taxonomy
// could not resolve. At most one open entity exists per vendor and code.
type UnknownEntity struct {
	ID              string          `json:"id"`
	Vendor          string          `json:"vendor"`
	SupplierCode    string          `json:"supplier_code"`
	RawName         string          `json:"raw_name"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	OccurrenceCount int             `json:"occurrence_count"`
	RunIDs          []string        `json:"run_ids"`
	SamplePayload   json.RawMessage `json:"sample_payload,omitempty"`
	Resolved        bool            `json:"resolved"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolvedTo      string          `json:"resolved_to,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SeenIn reports whether the entity already counts sightings from runID.
func (u *UnknownEntity) SeenIn(runID string) bool {
	return slices.Contains(u.RunIDs, runID)
}
