package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/buildcrew/foreman/internal/models"
)

type registerServiceRequest struct {
	Name    string            `json:"name"`
	Port    int               `json:"port"`
	Status  string            `json:"status"`
	PingURL string            `json:"ping_url"`
	Meta    map[string]string `json:"meta"`
}

// handleRegisterService registers or replaces a service under its unique
// per-project name.
func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	if _, err := s.store.GetProject(ctx, pid); err != nil {
		s.respondError(w, r, err)
		return
	}

	var req registerServiceRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	svc := &models.Service{
		Name:      req.Name,
		ProjectID: pid,
		Owner:     requesterID(r),
		Port:      req.Port,
		Status:    models.ServiceStatus(req.Status),
		PingURL:   req.PingURL,
		Meta:      req.Meta,
	}
	if err := s.store.RegisterService(ctx, svc); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusCreated, svc)
}

// handleListServices reports services with their effective status: a stale
// heartbeat reads as down regardless of the persisted state.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	services, err := s.store.ListServices(ctx, pid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.eval.DecorateServices(services, s.store.Clock().Now())
	s.respondJSON(w, r, http.StatusOK, services)
}

func (s *Server) handleServiceHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	svc, err := s.store.HeartbeatService(ctx, pid, mux.Vars(r)["name"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.ServiceHeartbeats.WithLabelValues(pid).Inc()
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusOK, svc)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	if err := s.store.DeleteService(ctx, pid, mux.Vars(r)["name"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}
