// Package changes builds the unified change feed: everything that happened
// in a project after a caller-supplied timestamp, bucketed by kind.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/buildcrew/foreman/internal/metrics"
	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/signal"
	"github.com/buildcrew/foreman/internal/store"
)

// Response is one change-feed page. Timestamp is taken before the query
// runs, so feeding it back as the next since never skips an entry.
type Response struct {
	Timestamp        int64              `json:"timestamp"`
	TasksNew         []*models.Task     `json:"tasks_new,omitempty"`
	TasksUpdated     []*models.Task     `json:"tasks_updated,omitempty"`
	DocumentsNew     []*models.Document `json:"documents_new,omitempty"`
	Mentions         []*models.Mention  `json:"mentions,omitempty"`
	AgentsRegistered []string           `json:"agents_registered,omitempty"`
	ServicesChanged  []*models.Service  `json:"services_changed,omitempty"`
}

// Empty reports whether the page carries no changes.
func (r *Response) Empty() bool {
	return len(r.TasksNew) == 0 && len(r.TasksUpdated) == 0 &&
		len(r.DocumentsNew) == 0 && len(r.Mentions) == 0 &&
		len(r.AgentsRegistered) == 0 && len(r.ServicesChanged) == 0
}

// Aggregator assembles change-feed pages and parks long polls.
type Aggregator struct {
	store       *store.Store
	hub         *signal.Hub
	waitTimeout time.Duration
	maxWaiters  int
	metrics     *metrics.Metrics
}

// New creates an aggregator sharing the dispatcher's wait settings.
func New(st *store.Store, hub *signal.Hub, waitTimeout time.Duration, maxWaiters int) *Aggregator {
	if waitTimeout <= 0 {
		waitTimeout = 180 * time.Second
	}
	if maxWaiters <= 0 {
		maxWaiters = 128
	}
	return &Aggregator{
		store:       st,
		hub:         hub,
		waitTimeout: waitTimeout,
		maxWaiters:  maxWaiters,
		metrics:     metrics.NewMetrics(),
	}
}

// Changes returns everything after since, scoped to the viewer: mentions are
// filtered to the viewer's own unless the viewer holds PM or architect
// authority. With wait set and nothing new, the call parks until a change
// lands or the deadline elapses; the deadline returns an empty page.
func (a *Aggregator) Changes(ctx context.Context, projectID string, since int64, viewerID string, wait bool) (*Response, error) {
	if projectID == "" {
		return nil, models.ErrNoProjectSelected
	}
	if _, err := a.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	seesAll := false
	if viewerID != "" {
		viewer, err := a.store.GetAgent(ctx, projectID, viewerID)
		if err != nil {
			return nil, err
		}
		seesAll = viewer.Role.IsPM() || viewer.Role == models.RoleArchitect
	}

	resp, err := a.page(ctx, projectID, since, viewerID, seesAll)
	if err != nil {
		return nil, err
	}
	if !resp.Empty() || !wait {
		return resp, nil
	}
	return a.waitForChanges(ctx, projectID, since, viewerID, seesAll, resp)
}

func (a *Aggregator) waitForChanges(ctx context.Context, projectID string, since int64, viewerID string, seesAll bool, last *Response) (*Response, error) {
	if !a.hub.TryAcquire(projectID, a.maxWaiters) {
		log.Printf("[Changes] waiter capacity reached on project %s, shedding", projectID)
		a.metrics.LongPollShed.WithLabelValues(projectID).Inc()
		return last, nil
	}
	defer a.hub.Release(projectID)

	a.metrics.LongPollWaiters.WithLabelValues(projectID).Inc()
	defer a.metrics.LongPollWaiters.WithLabelValues(projectID).Dec()

	deadline := time.NewTimer(a.waitTimeout)
	defer deadline.Stop()

	for {
		wake := a.hub.Wait(projectID)

		resp, err := a.page(ctx, projectID, since, viewerID, seesAll)
		if err != nil {
			return nil, err
		}
		if !resp.Empty() {
			return resp, nil
		}

		select {
		case <-wake:
		case <-deadline.C:
			// One last look: a change committed after the re-check above
			// but before the deadline fired must not be swallowed.
			return a.page(ctx, projectID, since, viewerID, seesAll)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// page assembles one feed page. The timestamp is read before querying so a
// client polling with the returned value sees entries written during the
// query on its next call rather than losing them.
func (a *Aggregator) page(ctx context.Context, projectID string, since int64, viewerID string, seesAll bool) (*Response, error) {
	resp := &Response{Timestamp: a.store.Clock().NowMicros()}

	entries, err := a.store.ListChangesSince(ctx, projectID, since)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return resp, nil
	}

	var (
		newTaskIDs     []string
		updatedTaskIDs []string
		documentIDs    []string
		mentionIDs     []string
		serviceNames   []string
		seenTask       = make(map[string]bool)
		seenDoc        = make(map[string]bool)
		seenService    = make(map[string]bool)
	)
	for _, e := range entries {
		switch e.Kind {
		case models.ChangeTaskCreated:
			if !seenTask[e.RefID] {
				seenTask[e.RefID] = true
				newTaskIDs = append(newTaskIDs, e.RefID)
			}
		case models.ChangeTaskStatus, models.ChangeTaskLocked, models.ChangeTaskUnlocked:
			if !seenTask[e.RefID] {
				seenTask[e.RefID] = true
				updatedTaskIDs = append(updatedTaskIDs, e.RefID)
			}
		case models.ChangeDocumentCreated:
			if !seenDoc[e.RefID] {
				seenDoc[e.RefID] = true
				documentIDs = append(documentIDs, e.RefID)
			}
		case models.ChangeMentionCreated:
			mentionIDs = append(mentionIDs, e.RefID)
		case models.ChangeAgentRegistered:
			resp.AgentsRegistered = append(resp.AgentsRegistered, e.RefID)
		case models.ChangeServiceRegistered, models.ChangeServiceStatus:
			if !seenService[e.RefID] {
				seenService[e.RefID] = true
				serviceNames = append(serviceNames, e.RefID)
			}
		}
	}

	for _, id := range newTaskIDs {
		t, err := a.store.GetTask(ctx, projectID, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		resp.TasksNew = append(resp.TasksNew, t)
	}
	for _, id := range updatedTaskIDs {
		t, err := a.store.GetTask(ctx, projectID, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		resp.TasksUpdated = append(resp.TasksUpdated, t)
	}
	for _, id := range documentIDs {
		d, err := a.store.GetDocument(ctx, projectID, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		resp.DocumentsNew = append(resp.DocumentsNew, d)
	}

	mentions, err := a.store.ListMentionsByIDs(ctx, projectID, mentionIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range mentions {
		if seesAll || m.Recipient == viewerID {
			resp.Mentions = append(resp.Mentions, m)
		}
	}

	for _, name := range serviceNames {
		svc, err := a.store.GetService(ctx, projectID, name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		resp.ServicesChanged = append(resp.ServicesChanged, svc)
	}

	return resp, nil
}

// TaskHistory returns a task's status transitions, oldest first, with the
// changelog detail decoded.
type HistoryEntry struct {
	TS     int64                     `json:"ts"`
	Actor  string                    `json:"actor_agent_id,omitempty"`
	Change models.StatusChangeDetail `json:"change"`
}

func (a *Aggregator) TaskHistory(ctx context.Context, projectID, taskID string) ([]HistoryEntry, error) {
	if _, err := a.store.GetTask(ctx, projectID, taskID); err != nil {
		return nil, err
	}
	entries, err := a.store.ListTaskChanges(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		h := HistoryEntry{TS: e.TS, Actor: e.Actor}
		if e.Detail != "" {
			_ = json.Unmarshal([]byte(e.Detail), &h.Change)
		}
		out = append(out, h)
	}
	return out, nil
}
