package model

import "time"

// RunStatus is a state of the run ledger.
type RunStatus string

const (
	RunStatusCreated       RunStatus = "created"
	RunStatusStaged        RunStatus = "staged"
	RunStatusHarmonizing   RunStatus = "harmonizing"
	RunStatusConsolidating RunStatus = "consolidating"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
)

var runSuccessPath = []RunStatus{
	RunStatusCreated,
	RunStatusStaged,
	RunStatusHarmonizing,
	RunStatusConsolidating,
	RunStatusCompleted,
}

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunStatusFailed || s.rank() >= 0
}

// Next returns the following state on the success path, or "" for terminal
// and unknown states.
func (s RunStatus) Next() RunStatus {
	i := s.rank()
	if i < 0 || i+1 >= len(runSuccessPath) {
		return ""
	}
	return runSuccessPath[i+1]
}

// Reached reports whether s is at or beyond target on the success path.
func (s RunStatus) Reached(target RunStatus) bool {
	i, j := s.rank(), target.rank()
	return i >= 0 && j >= 0 && i >= j
}

func (s RunStatus) rank() int {
	for i, st := range runSuccessPath {
		if st == s {
			return i
		}
	}
	return -1
}

// RunMetrics are the counters accumulated by a run.
type RunMetrics struct {
	Extracted int `json:"extracted"`
	Staged    int `json:"staged"`
	Skipped   int `json:"skipped"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deferred  int `json:"deferred"`
	Unknown   int `json:"unknown"`
}

// Run is one ingestion of one source document.
type Run struct {
	ID            string     `json:"run_id"`
	Vendor        string     `json:"vendor"`
	Source        string     `json:"source_descriptor"`
	Status        RunStatus  `json:"status"`
	StatusMessage string     `json:"status_message,omitempty"`
	Metrics       RunMetrics `json:"metrics"`
	Error         string     `json:"error,omitempty"`
	ErrorStep     string     `json:"error_step,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Duration returns the elapsed time between start and completion, or zero
// while the run is in flight.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// RunEvent is one append-only audit entry written on every ledger transition.
type RunEvent struct {
	RunID   string     `json:"run_id"`
	Seq     int64      `json:"seq"`
	Status  RunStatus  `json:"status"`
	Message string     `json:"message,omitempty"`
	Metrics RunMetrics `json:"metrics"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}
