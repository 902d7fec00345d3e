package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/buildcrew/foreman/internal/models"
)

type registerRequest struct {
	AgentID        string `json:"agent_id"`
	Role           string `json:"role"`
	Level          string `json:"level"`
	ConnectionType string `json:"connection_type"`
}

// handleRegister registers a new agent or refreshes an existing one.
// Re-registration with the same handle is not an error.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
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

	var req registerRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	a := &models.Agent{
		AgentID:        req.AgentID,
		ProjectID:      pid,
		Role:           models.Role(req.Role),
		Level:          models.Level(req.Level),
		ConnectionType: models.ConnectionType(req.ConnectionType),
	}
	created, err := s.store.RegisterAgent(ctx, a)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if created {
		s.metrics.AgentsRegistered.WithLabelValues(pid, string(a.Role)).Inc()
	}
	s.eval.Decorate(a, s.store.Clock().Now())

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, r, status, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	agents, err := s.store.ListAgents(ctx, pid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.eval.DecorateAll(agents, s.store.Clock().Now())
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusOK, agents)
}

// handleDeleteAgent removes an agent; PM and architect only. Any held task
// is released back to a dispatchable state.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	requester, err := s.requireRequester(ctx, r, pid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !models.MayOverride(requester.Role) {
		s.respondError(w, r, models.ErrForbidden)
		return
	}
	if err := s.store.DeleteAgent(ctx, pid, mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// requireRequester resolves the acting agent or fails with BadRequest /
// NotFound.
func (s *Server) requireRequester(ctx context.Context, r *http.Request, pid string) (*models.Agent, error) {
	aid := requesterID(r)
	if aid == "" {
		return nil, models.ErrBadRequest
	}
	return s.store.GetAgent(ctx, pid, aid)
}
