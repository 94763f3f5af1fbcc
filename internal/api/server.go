package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"task-orchestrator/internal/inspect"
	"task-orchestrator/internal/manager"
	"task-orchestrator/internal/models"
	"task-orchestrator/internal/ratelimit"
	"task-orchestrator/internal/scheduler"
	"task-orchestrator/internal/store"
	"task-orchestrator/internal/telemetry"
)

// Limiter throttles manual triggers per task.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	store     store.TaskStore
	manager   *manager.Manager
	inspector *inspect.Inspector
	limiter   Limiter
	schedule  *scheduler.Table
	location  *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// Options carries the server's collaborators. Limiter and Schedule are optional.
type Options struct {
	Store     store.TaskStore
	Manager   *manager.Manager
	Inspector *inspect.Inspector
	Limiter   Limiter
	Schedule  *scheduler.Table
	Location  *time.Location
	Logger    *slog.Logger
}

// New constructs the API server.
func New(opts Options) *Server {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		store:     opts.Store,
		manager:   opts.Manager,
		inspector: opts.Inspector,
		limiter:   opts.Limiter,
		schedule:  opts.Schedule,
		location:  loc,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Put("/", s.handleUpdateTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/execute", s.handleExecuteTask)
			r.Post("/enable", s.handleEnableTask)
			r.Post("/disable", s.handleDisableTask)
			r.Get("/status", s.handleTaskStatus)
			r.Get("/executions", s.handleTaskExecutions)
		})
	})

	r.Get("/executions", s.handleListExecutions)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Delete("/executions/{id}", s.handleDeleteExecution)

	r.Get("/targets", s.handleTargets)
	r.Get("/schedule", s.handleSchedule)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/active", s.handleActive)
		r.Get("/scheduled", s.handleScheduled)
		r.Get("/reserved", s.handleReserved)
		r.Get("/workers", s.handleWorkers)
		r.Get("/stats", s.handleStats)
		r.Get("/executions/{backendID}", s.handleBackendStatus)
		r.Post("/executions/{backendID}/revoke", s.handleRevoke)
	})
	return r
}

// writeErr maps domain errors to status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
	case errors.Is(err, models.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
	case errors.Is(err, models.ErrMalformedArguments):
		writeError(w, http.StatusBadRequest, "malformed_arguments", err.Error())
	case errors.Is(err, models.ErrUnregisteredTarget):
		writeError(w, http.StatusBadRequest, "unregistered_target", err.Error())
	case errors.Is(err, models.ErrBackendUnavailable):
		writeError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type page[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

func newPage[T any](items []T, total int) page[T] {
	if items == nil {
		items = []T{}
	}
	return page[T]{Data: items, Count: total}
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]string{
			"code":    errCode,
			"message": message,
		},
	})
}
