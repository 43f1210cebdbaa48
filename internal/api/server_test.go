package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-sync/internal/extract"
	"github.com/sells-group/catalog-sync/internal/ledger"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/pipeline"
	"github.com/sells-group/catalog-sync/internal/store"
	"github.com/sells-group/catalog-sync/internal/unknowns"
)

type fakeRuns struct {
	runs    map[string]*model.Run
	events  map[string][]model.RunEvent
	filters []store.RunFilter
	err     error
}

func (f *fakeRuns) Current(_ context.Context, id string) (*model.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.runs[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "ledger: run %s", id)
	}
	return r, nil
}

func (f *fakeRuns) List(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Run
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRuns) History(_ context.Context, id string) ([]model.RunEvent, error) {
	return f.events[id], f.err
}

type fakeUnknowns struct {
	items   map[string]*model.UnknownEntity
	filters []store.UnknownFilter
}

func (f *fakeUnknowns) ListOpen(_ context.Context, filter store.UnknownFilter) ([]model.UnknownEntity, error) {
	f.filters = append(f.filters, filter)
	var out []model.UnknownEntity
	for _, u := range f.items {
		if !u.Resolved || filter.IncludeResolved {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeUnknowns) Get(_ context.Context, id string) (*model.UnknownEntity, error) {
	u, ok := f.items[id]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "unknowns: get %s", id)
	}
	return u, nil
}

func (f *fakeUnknowns) Resolve(ctx context.Context, id, target string) (*model.UnknownEntity, error) {
	u, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Resolved {
		return nil, eris.Wrapf(unknowns.ErrAlreadyResolved, "unknowns: %s", id)
	}
	u.Resolved = true
	u.ResolvedTo = target
	return u, nil
}

type fakeSubmitter struct {
	jobs []pipeline.IngestJob
	run  *model.Run
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, job pipeline.IngestJob) (*model.Run, error) {
	f.jobs = append(f.jobs, job)
	if f.run != nil {
		return f.run, f.err
	}
	return &model.Run{ID: job.RunID, Vendor: job.Vendor, Status: model.RunStatusStaged}, f.err
}

func newTestRouter() (http.Handler, *fakeRuns, *fakeUnknowns, *fakeSubmitter) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	runs := &fakeRuns{
		runs: map[string]*model.Run{
			"r1": {ID: "r1", Vendor: "NORDIC", Status: model.RunStatusCompleted, Metrics: model.RunMetrics{Inserted: 2}, CreatedAt: now},
		},
		events: map[string][]model.RunEvent{
			"r1": {
				{RunID: "r1", Seq: 1, Status: model.RunStatusCreated, At: now},
				{RunID: "r1", Seq: 2, Status: model.RunStatusStaged, At: now},
			},
		},
	}
	unk := &fakeUnknowns{items: map[string]*model.UnknownEntity{
		"u1": {ID: "u1", Vendor: "NORDIC", SupplierCode: "ZZ9", OccurrenceCount: 3},
	}}
	sub := &fakeSubmitter{}
	return NewRouter(Options{Runs: runs, Unknowns: unk, Submitter: sub, CORSOrigins: []string{"https://curation.example.com"}}), runs, unk, sub
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _, _, _ := newTestRouter()
	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _, _ := newTestRouter()
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRun(t *testing.T) {
	h, _, _, _ := newTestRouter()

	rec := do(t, h, http.MethodGet, "/runs/r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Metrics.Inserted)

	rec = do(t, h, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_not_found")
}

func TestGetRun_StoreErrorIsHidden(t *testing.T) {
	h, runs, _, _ := newTestRouter()
	runs.err = eris.New("store: connection refused at 10.0.0.3")

	rec := do(t, h, http.MethodGet, "/runs/r1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.3")
}

func TestListRuns_Filters(t *testing.T) {
	h, runs, _, _ := newTestRouter()

	rec := do(t, h, http.MethodGet, "/runs?status=failed&vendor=NORDIC&limit=5&active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, runs.filters, 1)
	assert.Equal(t, store.RunFilter{Status: model.RunStatusFailed, Vendor: "NORDIC", Limit: 5, NonTerminal: true}, runs.filters[0])

	var body RunListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/runs?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/runs?limit=-1", nil).Code)
}

func TestRunEvents(t *testing.T) {
	h, _, _, _ := newTestRouter()

	rec := do(t, h, http.MethodGet, "/runs/r1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body RunEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, model.RunStatusStaged, body.Events[1].Status)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/runs/nope/events", nil).Code)
}

func TestSubmitRun(t *testing.T) {
	h, _, _, sub := newTestRouter()

	rec := do(t, h, http.MethodPost, "/runs", SubmitRunRequest{Vendor: "NORDIC", Source: "ftp://prices/nordic.csv"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sub.jobs, 1)
	assert.NotEmpty(t, sub.jobs[0].RunID)
	assert.Equal(t, "NORDIC", sub.jobs[0].Vendor)

	rec = do(t, h, http.MethodPost, "/runs", SubmitRunRequest{RunID: "r9", Vendor: "NORDIC", Source: "a.csv"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "r9", sub.jobs[1].RunID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/runs", SubmitRunRequest{Vendor: "NORDIC"}).Code)
}

func TestSubmitRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		run  *model.Run
		err  error
		want int
	}{
		{"collision", nil, eris.Wrap(ledger.ErrRunCollision, "pipeline: run r1"), http.StatusConflict},
		{"unknown vendor", nil, eris.Wrap(extract.ErrNoExtractor, "extract: ATLANTIC"), http.StatusBadRequest},
		{"extract failed", &model.Run{ID: "r1", Status: model.RunStatusFailed, ErrorStep: pipeline.StepExtract}, eris.New("bad file"), http.StatusUnprocessableEntity},
		{"store down", nil, eris.New("store: unreachable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _, sub := newTestRouter()
			sub.run, sub.err = tt.run, tt.err
			rec := do(t, h, http.MethodPost, "/runs", SubmitRunRequest{RunID: "r1", Vendor: "NORDIC", Source: "a.csv"})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSubmitRun_NotMountedWithoutSubmitter(t *testing.T) {
	h := NewRouter(Options{Runs: &fakeRuns{}, Unknowns: &fakeUnknowns{}})
	rec := do(t, h, http.MethodPost, "/runs", SubmitRunRequest{Vendor: "NORDIC", Source: "a.csv"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListUnknowns(t *testing.T) {
	h, _, unk, _ := newTestRouter()

	rec := do(t, h, http.MethodGet, "/unknowns?vendor=NORDIC&include_resolved=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.UnknownFilter{Vendor: "NORDIC", IncludeResolved: true}, unk.filters[0])

	var body UnknownListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Unknowns, 1)
	assert.Equal(t, 3, body.Unknowns[0].OccurrenceCount)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/unknowns?include_resolved=maybe", nil).Code)
}

func TestResolveUnknown(t *testing.T) {
	h, _, unk, _ := newTestRouter()

	rec := do(t, h, http.MethodPost, "/unknowns/u1/resolve", ResolveRequest{Target: "SAUMON"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, unk.items["u1"].Resolved)
	assert.Equal(t, "SAUMON", unk.items["u1"].ResolvedTo)

	rec = do(t, h, http.MethodPost, "/unknowns/u1/resolve", ResolveRequest{Target: "SAUMON"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/unknowns/u2/resolve", ResolveRequest{Target: "SAUMON"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/unknowns/u1/resolve", ResolveRequest{Target: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknown(t *testing.T) {
	h, _, _, _ := newTestRouter()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/unknowns/u1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/unknowns/zz", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	h, _, _, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodOptions, "/runs/r1", nil)
	req.Header.Set("Origin", "https://curation.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://curation.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ListenAndServe(ctx, 0, http.NotFoundHandler()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
