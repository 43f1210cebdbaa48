package model

import (
	"encoding/json"
	"time"
)

// MutationKind names the write a deferred mutation will replay.
type MutationKind string

const (
	MutationCatalogUpsert   MutationKind = "catalog_upsert"
	MutationUnknownSighting MutationKind = "unknown_sighting"
	MutationRunStatus       MutationKind = "run_status"
)

// DeferredMutation is a write that could not be applied because its target
// row was still settling. The maintenance sweep replays it later.
type DeferredMutation struct {
	ID            int64           `json:"id"`
	Kind          MutationKind    `json:"kind"`
	RunID         string          `json:"run_id"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Sighting is the per-run aggregate of unknown records for one key. It is
// the payload of an unknown_sighting mutation.
type Sighting struct {
	Vendor       string          `json:"vendor"`
	SupplierCode string          `json:"supplier_code"`
	RawName      string          `json:"raw_name"`
	RunID        string          `json:"run_id"`
	Count        int             `json:"count"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	Sample       json.RawMessage `json:"sample"`
}
