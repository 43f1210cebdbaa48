// Package api serves run status polling, unknown-entity curation and
// metrics over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-sync/internal/metrics"
	"github.com/sells-group/catalog-sync/internal/model"
	"github.com/sells-group/catalog-sync/internal/pipeline"
	"github.com/sells-group/catalog-sync/internal/store"
)

// RunService reads the run ledger.
type RunService interface {
	Current(ctx context.Context, runID string) (*model.Run, error)
	List(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	History(ctx context.Context, runID string) ([]model.RunEvent, error)
}

// UnknownService is the curation surface of the unknown-entity tracker.
type UnknownService interface {
	ListOpen(ctx context.Context, filter store.UnknownFilter) ([]model.UnknownEntity, error)
	Get(ctx context.Context, id string) (*model.UnknownEntity, error)
	Resolve(ctx context.Context, id, target string) (*model.UnknownEntity, error)
}

// Submitter stages a document and hands the run to background processing.
// It returns once the run is staged.
type Submitter interface {
	Submit(ctx context.Context, job pipeline.IngestJob) (*model.Run, error)
}

// Options configures the router.
type Options struct {
	Runs        RunService
	Unknowns    UnknownService
	Submitter   Submitter
	CORSOrigins []string
}

// Server holds the handlers.
type Server struct {
	runs      RunService
	unknowns  UnknownService
	submitter Submitter
	log       *zap.Logger
}

// NewRouter builds the HTTP handler. POST /runs is only mounted when a
// Submitter is configured.
func NewRouter(opts Options) http.Handler {
	s := &Server{
		runs:      opts.Runs,
		unknowns:  opts.Unknowns,
		submitter: opts.Submitter,
		log:       zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		if s.submitter != nil {
			r.Post("/", s.submitRun)
		}
		r.Get("/{id}", s.getRun)
		r.Get("/{id}/events", s.runEvents)
	})
	r.Route("/unknowns", func(r chi.Router) {
		r.Get("/", s.listUnknowns)
		r.Get("/{id}", s.getUnknown)
		r.Post("/{id}/resolve", s.resolveUnknown)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	if err := writeJSON(w, status, data); err != nil {
		s.log.Error("api: write response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, code, message string) {
	if err := errorResponse(w, status, code, message); err != nil {
		s.log.Error("api: write error response", zap.Error(err))
	}
}

// internal logs err and answers 500 without leaking it.
func (s *Server) internal(w http.ResponseWriter, r *http.Request, code string, err error) {
	s.log.Error("api: request error",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	s.fail(w, http.StatusInternalServerError, code, "internal error")
}

// ListenAndServe serves h on port until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, port int, h http.Handler) error {
	log := zap.L().With(zap.String("component", "api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api: starting server", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "api: listen")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("api: shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "api: shutdown")
	}
	return nil
}
