package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/buildcrew/foreman/internal/models"
)

// handleChanges serves the unified change feed. since is the timestamp of
// the previous page (0 for everything); with wait=true and no changes the
// request long-polls and a timeout returns an empty page with 200.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	pid := projectID(r)
	if pid == "" {
		s.respondError(w, r, models.ErrNoProjectSelected)
		return
	}
	q := r.URL.Query()
	wait, _ := strconv.ParseBool(q.Get("wait"))

	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, r, models.ErrBadRequest)
			return
		}
		since = n
	}

	timeout := nonWaitTimeout
	if wait {
		timeout = s.dispatcher.WaitTimeout() + nonWaitTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	s.touchRequester(r)
	resp, err := s.aggregator.Changes(ctx, pid, since, requesterID(r), wait)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, r, http.StatusOK, resp)
}
