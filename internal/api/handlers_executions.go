package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"task-orchestrator/internal/scheduler"
	"task-orchestrator/internal/store"
)

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	execs, total, err := s.store.ListExecutions(r.Context(), store.ExecutionFilter{
		TaskID: r.URL.Query().Get("task_id"),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(execs, total))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleDeleteExecution revokes the backend execution when it may still be
// outstanding, then removes the record.
func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exec, err := s.store.GetExecution(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !exec.Status.Terminal() {
		if err := s.manager.Revoke(ctx, exec.BackendID, true); err != nil {
			s.logger.Warn("revoke on execution delete", "execution_id", exec.BackendID, "err", err)
		}
	}
	if err := s.store.DeleteExecution(ctx, exec.ID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "execution deleted"})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.manager.RegisteredTargets(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": targets, "total": len(targets)})
}

// handleSchedule lists live periodic entries. It is only served by a process
// that hosts the reconciler.
func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	if s.schedule == nil {
		writeError(w, http.StatusServiceUnavailable, "not_embedded", "schedule reconciler runs in another process")
		return
	}
	entries := s.schedule.Entries()
	views := make([]scheduler.EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.schedule.Version(),
		"entries": views,
	})
}

func (s *Server) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.QueryStatus(r.Context(), chi.URLParam(r, "backendID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleRevoke is advisory; the final status arrives as a lifecycle signal.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "backendID")
	terminate, _ := strconv.ParseBool(r.URL.Query().Get("terminate"))
	if err := s.manager.Revoke(r.Context(), id, terminate); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "terminate": terminate, "message": "revoke requested"})
}
