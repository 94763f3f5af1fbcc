package api

import (
	"net/http"
)

// introspection is the body of every /queue read. Data is null when the
// answer is temporarily unknown.
type introspection struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

func respondIntrospection[T any](w http.ResponseWriter, v T, ok bool) {
	if !ok {
		writeJSON(w, http.StatusOK, introspection{Status: "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, introspection{Status: "ok", Data: v})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	v, ok := s.inspector.Active(r.Context())
	respondIntrospection(w, v, ok)
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	v, ok := s.inspector.Scheduled(r.Context())
	respondIntrospection(w, v, ok)
}

func (s *Server) handleReserved(w http.ResponseWriter, r *http.Request) {
	v, ok := s.inspector.Reserved(r.Context())
	respondIntrospection(w, v, ok)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	v, ok := s.inspector.Stats(r.Context())
	respondIntrospection(w, v, ok)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inspector.Summary(r.Context()))
}
