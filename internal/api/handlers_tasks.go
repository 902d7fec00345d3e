package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/buildcrew/foreman/internal/dispatch"
	"github.com/buildcrew/foreman/internal/models"
)

// handleNextTask is the dispatcher entry point. With wait=true the request
// long-polls up to the configured deadline and a timeout returns the
// synthetic waiting task with 200, never an error.
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	q := r.URL.Query()
	wait, _ := strconv.ParseBool(q.Get("wait"))

	timeout := nonWaitTimeout
	if wait {
		timeout = s.dispatcher.WaitTimeout() + nonWaitTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	agent, err := s.requireRequester(ctx, r, pid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	role, level := agent.Role, agent.Level
	if v := q.Get("role"); v != "" {
		role = models.Role(v)
	}
	if v := q.Get("level"); v != "" {
		level = models.Level(v)
	}

	s.touchRequester(r)
	task, err := s.dispatcher.Next(ctx, dispatch.Request{
		ProjectID: pid,
		AgentID:   agent.AgentID,
		Role:      role,
		Level:     level,
		Wait:      wait,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if task.IsWaiting() {
		s.metrics.LongPollTimeouts.WithLabelValues(pid).Inc()
	} else {
		s.metrics.RecordDispatch(pid, string(role))
	}
	s.respondJSON(w, r, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	t, err := s.store.GetTask(ctx, pid, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, t)
}

// handleLockTask takes the exclusive lock without starting work.
func (s *Server) handleLockTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	aid := requesterID(r)
	if aid == "" {
		s.respondError(w, r, models.ErrBadRequest)
		return
	}
	t, err := s.engine.Lock(ctx, pid, mux.Vars(r)["id"], aid)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusOK, t)
}

type unlockRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleUnlockTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	aid := requesterID(r)
	if aid == "" {
		s.respondError(w, r, models.ErrBadRequest)
		return
	}
	var req unlockRequest
	if r.ContentLength > 0 {
		if err := parseJSON(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	t, err := s.engine.Unlock(ctx, pid, mux.Vars(r)["id"], aid, req.Note)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, t)
}

type setStatusRequest struct {
	Status  string `json:"status"`
	Note    string `json:"note"`
	GetNext bool   `json:"get_next"`
}

type setStatusResponse struct {
	Task *models.Task `json:"task"`
	Next *models.Task `json:"next,omitempty"`
}

// handleSetTaskStatus applies a lifecycle transition. With get_next set the
// response chains straight into a non-waiting dispatch for the caller,
// saving a round trip at hand-off points.
func (s *Server) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	aid := requesterID(r)
	if aid == "" {
		s.respondError(w, r, models.ErrBadRequest)
		return
	}
	var req setStatusRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	before, err := s.store.GetTask(ctx, pid, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	from := before.Status

	t, err := s.engine.SetStatus(ctx, pid, mux.Vars(r)["id"], aid, models.TaskStatus(req.Status), req.Note)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.metrics.RecordTransition(pid, string(from), string(t.Status))
	s.touchRequester(r)

	resp := setStatusResponse{Task: t}
	if req.GetNext {
		agent, err := s.store.GetAgent(ctx, pid, aid)
		if err == nil {
			next, err := s.dispatcher.TryAcquire(ctx, dispatch.Request{
				ProjectID: pid,
				AgentID:   aid,
				Role:      agent.Role,
				Level:     agent.Level,
			})
			if err == nil && next != nil {
				resp.Next = next
			}
		}
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}

type commentRequest struct {
	Body string `json:"body"`
}

// handleCommentTask stores a comment and fans out any @mentions in its body.
func (s *Server) handleCommentTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	var req commentRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	c := &models.TaskComment{
		TaskID: mux.Vars(r)["id"],
		Author: requesterID(r),
		Body:   req.Body,
	}
	if err := s.store.CreateComment(ctx, pid, c); err != nil {
		s.respondError(w, r, err)
		return
	}
	mentions, err := s.notifier.FanOut(ctx, pid, models.MentionSourceTaskComment, c.ID, c.Body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	for range mentions {
		s.metrics.MentionsCreated.WithLabelValues(pid, models.MentionSourceTaskComment).Inc()
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusCreated, map[string]any{
		"comment":  c,
		"mentions": mentions,
	})
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	if _, err := s.store.GetTask(ctx, pid, mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	comments, err := s.store.ListComments(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, comments)
}

type evaluateRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

func (s *Server) handleEvaluateTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	aid := requesterID(r)
	if aid == "" {
		s.respondError(w, r, models.ErrBadRequest)
		return
	}
	var req evaluateRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	t, err := s.engine.Evaluate(ctx, pid, mux.Vars(r)["id"], aid, req.Approve, req.Note)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusOK, t)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	history, err := s.aggregator.TaskHistory(ctx, pid, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, history)
}
