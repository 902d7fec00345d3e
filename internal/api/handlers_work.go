package api

import (
	"context"
	"net/http"

	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/store"
)

type createEpicRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request) {
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

	var req createEpicRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	e := &models.Epic{
		ProjectID:   pid,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   requesterID(r),
	}
	if err := s.store.CreateEpic(ctx, e); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusCreated, e)
}

func (s *Server) handleListEpics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	epics, err := s.store.ListEpics(ctx, pid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, epics)
}

type createFeatureRequest struct {
	EpicID      string `json:"epic_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}

	var req createFeatureRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	f := &models.Feature{
		EpicID:      req.EpicID,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := s.store.CreateFeature(ctx, f); err != nil {
		s.respondError(w, r, err)
		return
	}
	// The feature inherits the epic's project; creating through a foreign
	// project scope is a scoping error.
	if f.ProjectID != pid {
		s.respondError(w, r, &models.NotFoundError{Entity: "epic", ID: req.EpicID})
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusCreated, f)
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	features, err := s.store.ListFeatures(ctx, pid, r.URL.Query().Get("epic_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, features)
}

type createTaskRequest struct {
	FeatureID   string `json:"feature_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TargetRole  string `json:"target_role"`
	Difficulty  string `json:"difficulty"`
	Complexity  string `json:"complexity"`
	Branch      string `json:"branch"`
	AssignedTo  string `json:"assigned_to"`
	Notes       string `json:"notes"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}

	var req createTaskRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	t := &models.Task{
		FeatureID:   req.FeatureID,
		ProjectID:   pid,
		Title:       req.Title,
		Description: req.Description,
		TargetRole:  models.Role(req.TargetRole),
		Difficulty:  models.Level(req.Difficulty),
		Complexity:  models.Complexity(req.Complexity),
		Branch:      req.Branch,
		CreatedBy:   requesterID(r),
		AssignedTo:  req.AssignedTo,
		Notes:       req.Notes,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.TasksCreated.WithLabelValues(pid, string(t.TargetRole)).Inc()
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(ctx, pid, store.TaskFilter{
		Status:     models.TaskStatus(q.Get("status")),
		TargetRole: models.Role(q.Get("target_role")),
		FeatureID:  q.Get("feature_id"),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, tasks)
}
