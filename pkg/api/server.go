package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/state"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Submitter admits a job: creates its durable state and schedules the
// pipeline run. The listener implements it.
type Submitter interface {
	Submit(ctx context.Context, req *types.IngestionJobRequest, source string) (*types.JobState, error)
}

// Server is the HTTP job surface: submission, state reads, liveness and
// metrics.
type Server struct {
	submitter Submitter
	store     *state.Store
	logger    zerolog.Logger

	httpSrv *http.Server
}

// NewServer creates the API server listening on addr
func NewServer(addr string, submitter Submitter, store *state.Store) *Server {
	s := &Server{
		submitter: submitter,
		store:     store,
		logger:    log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router with all routes and middleware
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{job_id}", s.handleGetJob)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// Start begins serving in the background. It returns immediately; startup
// failures other than a clean shutdown are fatal.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("api server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal().Err(err).Msg("api server failed")
		}
	}()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("api server stopping")
	return s.httpSrv.Shutdown(ctx)
}

// instrument records per-request metrics and an access log line
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// submitResponse is the 202 body for accepted jobs
type submitResponse struct {
	JobID  string       `json:"job_id"`
	Status types.Status `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.IngestionJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	st, err := s.submitter.Submit(r.Context(), &req, "api")
	if err != nil {
		if errors.Is(err, state.ErrDuplicateJob) {
			ErrConflict(w, "job "+req.JobID+" already exists")
			return
		}
		s.logger.Error().Err(err).Str("job_id", req.JobID).Msg("failed to submit job")
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusAccepted, submitResponse{JobID: st.JobID, Status: st.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	st, err := s.store.Load(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			ErrNotFound(w, "job "+jobID+" not found")
			return
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to load job state")
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
