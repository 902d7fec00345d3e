// Package api is the HTTP boundary: it decodes payloads, pins project scope
// and requester identity, checks the API key, invokes core operations and
// maps their errors onto HTTP statuses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/buildcrew/foreman/internal/changes"
	"github.com/buildcrew/foreman/internal/config"
	"github.com/buildcrew/foreman/internal/dispatch"
	"github.com/buildcrew/foreman/internal/lifecycle"
	"github.com/buildcrew/foreman/internal/liveness"
	"github.com/buildcrew/foreman/internal/metrics"
	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/notify"
	"github.com/buildcrew/foreman/internal/store"
)

// nonWaitTimeout bounds every request that cannot long-poll.
const nonWaitTimeout = 5 * time.Second

// Server wires the core components behind the HTTP surface.
type Server struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	engine     *lifecycle.Engine
	notifier   *notify.Notifier
	aggregator *changes.Aggregator
	eval       *liveness.Evaluator
	metrics    *metrics.Metrics
	cfg        *config.Config
}

// NewServer creates an API server.
func NewServer(st *store.Store, d *dispatch.Dispatcher, e *lifecycle.Engine,
	n *notify.Notifier, a *changes.Aggregator, ev *liveness.Evaluator,
	m *metrics.Metrics, cfg *config.Config) *Server {
	return &Server{
		store:      st,
		dispatcher: d,
		engine:     e,
		notifier:   n,
		aggregator: a,
		eval:       ev,
		metrics:    m,
		cfg:        cfg,
	}
}

// Routes builds the router with the full middleware chain applied.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Global (not project-scoped)
	v1.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	v1.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	v1.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods(http.MethodDelete)

	// Agents
	v1.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}", s.handleDeleteAgent).Methods(http.MethodDelete)
	v1.HandleFunc("/context", s.handleContext).Methods(http.MethodGet)

	// Work items
	v1.HandleFunc("/epics", s.handleCreateEpic).Methods(http.MethodPost)
	v1.HandleFunc("/epics", s.handleListEpics).Methods(http.MethodGet)
	v1.HandleFunc("/features", s.handleCreateFeature).Methods(http.MethodPost)
	v1.HandleFunc("/features", s.handleListFeatures).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/create", s.handleCreateTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/next", s.handleNextTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}/lock", s.handleLockTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/unlock", s.handleUnlockTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/status", s.handleSetTaskStatus).Methods(http.MethodPut)
	v1.HandleFunc("/tasks/{id}/comment", s.handleCommentTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/comments", s.handleListComments).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}/evaluate", s.handleEvaluateTask).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/history", s.handleTaskHistory).Methods(http.MethodGet)

	// Communication
	v1.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	v1.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	v1.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	v1.HandleFunc("/mentions", s.handleListMentions).Methods(http.MethodGet)
	v1.HandleFunc("/mentions/{id}/read", s.handleMarkMentionRead).Methods(http.MethodPost)

	// Service registry
	v1.HandleFunc("/services/register", s.handleRegisterService).Methods(http.MethodPost)
	v1.HandleFunc("/services", s.handleListServices).Methods(http.MethodGet)
	v1.HandleFunc("/services/{name}/heartbeat", s.handleServiceHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/services/{name}", s.handleDeleteService).Methods(http.MethodDelete)

	// Change feed
	v1.HandleFunc("/changes", s.handleChanges).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = s.metricsMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = s.authMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "foreman-api")
	return handler
}

// handleHealth reports process liveness; it is exempt from auth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

// projectID resolves the project scope from header or query.
func projectID(r *http.Request) string {
	if id := r.Header.Get("X-Project-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("project_id")
}

// requesterID resolves the acting agent from header or query.
func requesterID(r *http.Request) string {
	if id := r.Header.Get("X-Agent-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("agent_id")
}

// touchRequester refreshes last_seen for the acting agent, best effort.
func (s *Server) touchRequester(r *http.Request) {
	pid, aid := projectID(r), requesterID(r)
	if pid == "" || aid == "" {
		return
	}
	_ = s.store.TouchAgent(r.Context(), pid, aid)
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, _ *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// respondError maps a core error to its HTTP status. Stack traces and raw
// storage errors never leak; StorageFault bodies carry a generic detail.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.ErrorKind(err)
	status := statusForKind(kind)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal storage error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		kind = "StorageFault"
		detail = "request deadline exceeded"
	}
	s.respondJSON(w, r, status, errorBody{Error: kind, Detail: detail})
}

func statusForKind(kind string) int {
	switch kind {
	case "BadRequest":
		return http.StatusBadRequest
	case "Unauthorized":
		return http.StatusUnauthorized
	case "Forbidden":
		return http.StatusForbidden
	case "NotFound":
		return http.StatusNotFound
	case "Conflict":
		return http.StatusConflict
	case "UnprocessableStatus":
		return http.StatusUnprocessableEntity
	case "TooManyRequests":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// parseJSON decodes a request body, rejecting unknown garbage early.
func parseJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrBadRequest, err)
	}
	return nil
}
