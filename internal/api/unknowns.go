package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/unknowns"
)

// UnknownListResponse for GET /unknowns
type UnknownListResponse struct {
	Unknowns []model.UnknownEntity `json:"unknowns"`
	Total    int                   `json:"total"`
}

// ResolveRequest for POST /unknowns/{id}/resolve
type ResolveRequest struct {
	Target string `json:"target"`
}

func (s *Server) listUnknowns(w http.ResponseWriter, r *http.Request) {
	var f store.UnknownFilter
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if f.IncludeResolved, err = queryBool(r, "include_resolved"); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	f.Vendor = r.URL.Query().Get("vendor")

	list, err := s.unknowns.ListOpen(r.Context(), f)
	if err != nil {
		s.internal(w, r, "list_unknowns_failed", err)
		return
	}
	if list == nil {
		list = []model.UnknownEntity{}
	}
	s.respond(w, http.StatusOK, UnknownListResponse{Unknowns: list, Total: len(list)})
}

func (s *Server) getUnknown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := s.unknowns.Get(r.Context(), id)
	switch {
	case eris.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, "unknown_not_found", "no unknown entity "+id)
	case err != nil:
		s.internal(w, r, "get_unknown_failed", err)
	default:
		s.respond(w, http.StatusOK, u)
	}
}

func (s *Server) resolveUnknown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		s.fail(w, http.StatusBadRequest, "invalid_request", "target is required")
		return
	}

	u, err := s.unknowns.Resolve(r.Context(), id, req.Target)
	switch {
	case eris.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, "unknown_not_found", "no unknown entity "+id)
	case eris.Is(err, unknowns.ErrAlreadyResolved):
		s.fail(w, http.StatusConflict, "already_resolved", err.Error())
	case err != nil:
		s.internal(w, r, "resolve_unknown_failed", err)
	default:
		s.respond(w, http.StatusOK, u)
	}
}
