package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/buildcrew/foreman/internal/models"
)

type createProjectRequest struct {
	Name             string `json:"name"`
	SharedPath       string `json:"shared_path"`
	InstructionsPath string `json:"instructions_path"`
	DocsPath         string `json:"docs_path"`
	GuidelinesPath   string `json:"guidelines_path"`
	RepoURL          string `json:"repo_url"`
	MainBranch       string `json:"main_branch"`
	ClonePath        string `json:"clone_path"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	var req createProjectRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	p := &models.Project{
		Name:             req.Name,
		SharedPath:       req.SharedPath,
		InstructionsPath: req.InstructionsPath,
		DocsPath:         req.DocsPath,
		GuidelinesPath:   req.GuidelinesPath,
		RepoURL:          req.RepoURL,
		MainBranch:       req.MainBranch,
		ClonePath:        req.ClonePath,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, projects)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	if err := s.store.SoftDeleteProject(ctx, mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleContext returns the project record the caller is scoped to, used by
// agents to discover shared paths and repo coordinates.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	p, err := s.store.GetProject(ctx, pid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusOK, p)
}
