package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcrew/foreman/internal/changes"
	"github.com/buildcrew/foreman/internal/config"
	"github.com/buildcrew/foreman/internal/dispatch"
	"github.com/buildcrew/foreman/internal/lifecycle"
	"github.com/buildcrew/foreman/internal/liveness"
	"github.com/buildcrew/foreman/internal/metrics"
	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/notify"
	"github.com/buildcrew/foreman/internal/signal"
	"github.com/buildcrew/foreman/internal/store"
)

const testAPIKey = "test-key"

type testServer struct {
	http  *httptest.Server
	store *store.Store
	proj  *models.Project
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Port:            0,
		DBConnection:    config.DriverSQLite,
		APIKey:          testAPIKey,
		RateLimit:       1000,
		RateLimitPeriod: time.Minute,
		WaitTimeout:     2 * time.Second,
		MaxWaiters:      8,
	}
	if mutate != nil {
		mutate(cfg)
	}

	hub := signal.NewHub()
	st.SetChangeNotifier(hub.Publish)
	eval := liveness.NewEvaluator(0, 0, 0)
	srv := NewServer(st,
		dispatch.New(st, hub, cfg.WaitTimeout, cfg.MaxWaiters),
		lifecycle.New(st, hub),
		notify.New(st),
		changes.New(st, hub, cfg.WaitTimeout, cfg.MaxWaiters),
		eval,
		metrics.NewMetrics(),
		cfg,
	)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	p := &models.Project{Name: "proj-" + uuid.NewString()}
	require.NoError(t, st.CreateProject(context.Background(), p))

	return &testServer{http: ts, store: st, proj: p}
}

// do issues an authenticated project-scoped request.
func (ts *testServer) do(t *testing.T, method, path, agentID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Project-ID", ts.proj.ID)
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "Unauthorized", body.Error)

	// Wrong key is also 401.
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health and metrics are exempt.
	for _, path := range []string{"/health", "/api/v1/health", "/metrics"} {
		r, err := http.Get(ts.http.URL + path)
		require.NoError(t, err)
		_ = r.Body.Close()
		assert.Equal(t, http.StatusOK, r.StatusCode, path)
	}
}

func TestRateLimiting(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = 3
		cfg.RateLimitPeriod = time.Minute
	})

	var last int
	for i := 0; i < 4; i++ {
		resp := ts.do(t, http.MethodGet, "/api/v1/projects", "", nil)
		last = resp.StatusCode
		_ = resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestCorrelationIDOnErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/v1/tasks/nope", "", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}

func TestMissingProjectScope(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/agents", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "BadRequest", body.Error)
}

func TestRegisterAndDispatchFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	// Register a PM and a dev.
	resp := ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"agent_id": "pm-1", "role": "project_pm", "level": "principal",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"agent_id": "dev-1", "role": "backend_dev", "level": "senior",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	dev := decode[models.Agent](t, resp)
	assert.Equal(t, models.LivenessOnline, dev.Liveness)

	// Re-registration refreshes, 200 not 201.
	resp = ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"agent_id": "dev-1", "role": "backend_dev", "level": "principal",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Build epic -> feature -> task.
	resp = ts.do(t, http.MethodPost, "/api/v1/epics", "pm-1", map[string]string{"name": "auth"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	epic := decode[models.Epic](t, resp)

	resp = ts.do(t, http.MethodPost, "/api/v1/features", "pm-1", map[string]string{
		"epic_id": epic.ID, "name": "login",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	feature := decode[models.Feature](t, resp)

	resp = ts.do(t, http.MethodPost, "/api/v1/tasks/create", "pm-1", map[string]string{
		"feature_id": feature.ID, "title": "implement login",
		"target_role": "backend_dev", "difficulty": "junior", "complexity": "minor",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	task := decode[models.Task](t, resp)
	assert.Equal(t, models.StatusCreated, task.Status)

	// Nothing dispatchable before approval.
	resp = ts.do(t, http.MethodGet, "/api/v1/tasks/next", "dev-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/evaluate", "pm-1", map[string]any{
		"approve": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// The dev now receives the task locked and started.
	resp = ts.do(t, http.MethodGet, "/api/v1/tasks/next", "dev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Task](t, resp)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.StatusUnderWork, got.Status)
	assert.Equal(t, "dev-1", got.LockedBy)

	// Finish dev work and chain straight into the next dispatch.
	resp = ts.do(t, http.MethodPut, "/api/v1/tasks/"+task.ID+"/status", "dev-1", map[string]any{
		"status": "dev_done", "get_next": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chained := decode[setStatusResponse](t, resp)
	assert.Equal(t, models.StatusDevDone, chained.Task.Status)
	assert.Nil(t, chained.Next, "no more dev work to chain into")
}

func TestCommentFansOutMentions(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, reg := range []map[string]string{
		{"agent_id": "pm-1", "role": "project_pm", "level": "principal"},
		{"agent_id": "dev-1", "role": "backend_dev", "level": "senior"},
	} {
		resp := ts.do(t, http.MethodPost, "/api/v1/register", "", reg)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp := ts.do(t, http.MethodPost, "/api/v1/epics", "pm-1", map[string]string{"name": "e"})
	epic := decode[models.Epic](t, resp)
	resp = ts.do(t, http.MethodPost, "/api/v1/features", "pm-1", map[string]string{"epic_id": epic.ID, "name": "f"})
	feature := decode[models.Feature](t, resp)
	resp = ts.do(t, http.MethodPost, "/api/v1/tasks/create", "pm-1", map[string]string{
		"feature_id": feature.ID, "title": "t",
		"target_role": "backend_dev", "difficulty": "junior", "complexity": "minor",
	})
	task := decode[models.Task](t, resp)

	resp = ts.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/comment", "pm-1", map[string]string{
		"body": "please review @dev-1 and @nobody",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/v1/mentions?unread=true", "dev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mentions := decode[[]models.Mention](t, resp)
	require.Len(t, mentions, 1)
	assert.Equal(t, "dev-1", mentions[0].Recipient)

	// Mark read, then the unread feed is empty.
	resp = ts.do(t, http.MethodPost, "/api/v1/mentions/"+mentions[0].ID+"/read", "dev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/v1/mentions?unread=true", "dev-1", nil)
	unread := decode[[]models.Mention](t, resp)
	assert.Empty(t, unread)
}

func TestErrorKindMapping(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"agent_id": "dev-1", "role": "backend_dev", "level": "senior",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// Unknown entity -> 404 NotFound.
	resp = ts.do(t, http.MethodGet, "/api/v1/tasks/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, "NotFound", body.Error)

	// Malformed JSON -> 400 BadRequest.
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/api/v1/epics", bytes.NewBufferString("{"))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Project-ID", ts.proj.ID)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	body = decode[errorBody](t, r)
	assert.Equal(t, "BadRequest", body.Error)

	// Non-PM deleting an agent -> 403 Forbidden.
	resp = ts.do(t, http.MethodDelete, "/api/v1/agents/dev-1", "dev-1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body = decode[errorBody](t, resp)
	assert.Equal(t, "Forbidden", body.Error)
}

func TestServiceRegistryRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"agent_id": "dev-1", "role": "backend_dev", "level": "senior",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/v1/services/register", "dev-1", map[string]any{
		"name": "builder", "port": 9000, "meta": map[string]string{"env": "ci"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	svc := decode[models.Service](t, resp)
	assert.Equal(t, models.ServiceStarting, svc.Status)

	resp = ts.do(t, http.MethodPost, "/api/v1/services/builder/heartbeat", "dev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	beat := decode[models.Service](t, resp)
	assert.Equal(t, models.ServiceUp, beat.Status)

	resp = ts.do(t, http.MethodGet, "/api/v1/services", "dev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	services := decode[[]models.Service](t, resp)
	require.Len(t, services, 1)
	assert.Equal(t, models.ServiceUp, services[0].Status)

	resp = ts.do(t, http.MethodDelete, "/api/v1/services/builder", "dev-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/api/v1/services/builder", "dev-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChangesEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"agent_id": "pm-1", "role": "project_pm", "level": "principal",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/v1/changes?since=0", "pm-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[changes.Response](t, resp)
	assert.Contains(t, page.AgentsRegistered, "pm-1")
	assert.Greater(t, page.Timestamp, int64(0))

	resp = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/changes?since=%d", page.Timestamp), "pm-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := decode[changes.Response](t, resp)
	assert.True(t, next.Empty())
}
