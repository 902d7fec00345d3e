package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/buildcrew/foreman/internal/models"
)

type createDocumentRequest struct {
	DocType   string     `json:"doc_type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleCreateDocument stores a document and fans out any @mentions in its
// body and title.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
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

	var req createDocumentRequest
	if err := parseJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	d := &models.Document{
		ProjectID: pid,
		Author:    requesterID(r),
		DocType:   models.DocType(req.DocType),
		Title:     req.Title,
		Body:      req.Body,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.store.CreateDocument(ctx, d); err != nil {
		s.respondError(w, r, err)
		return
	}
	mentions, err := s.notifier.FanOut(ctx, pid, models.MentionSourceDocument, d.ID, d.Title+"\n"+d.Body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	for range mentions {
		s.metrics.MentionsCreated.WithLabelValues(pid, models.MentionSourceDocument).Inc()
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusCreated, map[string]any{
		"document": d,
		"mentions": mentions,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	docs, err := s.store.ListDocuments(ctx, pid, models.DocType(r.URL.Query().Get("doc_type")))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, docs)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), nonWaitTimeout)
	defer cancel()

	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	d, err := s.store.GetDocument(ctx, pid, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, d)
}

func (s *Server) handleListMentions(w http.ResponseWriter, r *http.Request) {
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
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	mentions, err := s.store.ListMentions(ctx, pid, aid, unreadOnly)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.touchRequester(r)
	s.respondJSON(w, r, http.StatusOK, mentions)
}

func (s *Server) handleMarkMentionRead(w http.ResponseWriter, r *http.Request) {
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
	if err := s.store.MarkMentionRead(ctx, pid, mux.Vars(r)["id"], aid); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "read"})
}
