package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/extract"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/pipeline"
	"github.com/sells-group/catalog-sync/internal/store"
)

// RunListResponse for GET /runs
type RunListResponse struct {
	Runs  []model.Run `json:"runs"`
	Total int         `json:"total"`
}

// RunEventsResponse for GET /runs/{id}/events
type RunEventsResponse struct {
	RunID  string           `json:"run_id"`
	Events []model.RunEvent `json:"events"`
}

// SubmitRunRequest for POST /runs
type SubmitRunRequest struct {
	RunID  string `json:"run_id,omitempty"`
	Vendor string `json:"vendor"`
	Source string `json:"source"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var f store.RunFilter
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if f.NonTerminal, err = queryBool(r, "active"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if st := r.URL.Query().Get("status"); st != "" {
		f.Status = model.RunStatus(st)
		if !f.Status.Valid() {
			s.fail(w, http.StatusBadRequest, "invalid_status", "unknown run status "+st)
			return
		}
	}
	f.Vendor = r.URL.Query().Get("vendor")

	runs, err := s.runs.List(r.Context(), f)
	if err != nil {
		s.internal(w, r, "list_runs_failed", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	s.respond(w, http.StatusOK, RunListResponse{Runs: runs, Total: len(runs)})
}

// getRun answers status polls with the ledger's current view.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.Current(r.Context(), id)
	switch {
	case eris.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, "run_not_found", "no run "+id)
	case err != nil:
		s.internal(w, r, "get_run_failed", err)
	default:
		s.respond(w, http.StatusOK, run)
	}
}

func (s *Server) runEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.runs.History(r.Context(), id)
	if err != nil {
		s.internal(w, r, "run_events_failed", err)
		return
	}
	if len(events) == 0 {
		s.fail(w, http.StatusNotFound, "run_not_found", "no run "+id)
		return
	}
	s.respond(w, http.StatusOK, RunEventsResponse{RunID: id, Events: events})
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	req.Vendor = strings.TrimSpace(req.Vendor)
	req.Source = strings.TrimSpace(req.Source)
	if req.Vendor == "" || req.Source == "" {
		s.fail(w, http.StatusBadRequest, "invalid_request", "vendor and source are required")
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	run, err := s.submitter.Submit(r.Context(), pipeline.IngestJob{
		RunID:  req.RunID,
		Vendor: req.Vendor,
		Source: req.Source,
	})
	switch {
	case eris.Is(err, ledger.ErrRunCollision):
		s.fail(w, http.StatusConflict, "run_collision", err.Error())
	case eris.Is(err, extract.ErrNoExtractor):
		s.fail(w, http.StatusBadRequest, "unknown_vendor", "no extractor for vendor "+req.Vendor)
	case err != nil && run != nil && run.Status == model.RunStatusFailed:
		s.respond(w, http.StatusUnprocessableEntity, run)
	case err != nil:
		s.internal(w, r, "submit_run_failed", err)
	default:
		s.respond(w, http.StatusAccepted, run)
	}
}
