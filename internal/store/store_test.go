package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcrew/foreman/internal/models"
)

// newTestStore opens an isolated in-memory store. Each test gets its own
// database; the single pooled connection keeps it alive until Close.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestProject(t *testing.T, s *Store) *models.Project {
	t.Helper()
	p := &models.Project{Name: "proj-" + uuid.NewString()}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func registerTestAgent(t *testing.T, s *Store, projectID, agentID string, role models.Role, level models.Level) *models.Agent {
	t.Helper()
	a := &models.Agent{AgentID: agentID, ProjectID: projectID, Role: role, Level: level}
	_, err := s.RegisterAgent(context.Background(), a)
	require.NoError(t, err)
	return a
}

// createTestTask builds the epic/feature scaffolding and one task under it.
func createTestTask(t *testing.T, s *Store, projectID string, mutate func(*models.Task)) *models.Task {
	t.Helper()
	ctx := context.Background()
	e := &models.Epic{ProjectID: projectID, Name: "epic-" + uuid.NewString(), CreatedBy: "pm-1"}
	require.NoError(t, s.CreateEpic(ctx, e))
	f := &models.Feature{EpicID: e.ID, Name: "feature-" + uuid.NewString()}
	require.NoError(t, s.CreateFeature(ctx, f))

	task := &models.Task{
		FeatureID:  f.ID,
		ProjectID:  projectID,
		Title:      "task-" + uuid.NewString(),
		TargetRole: models.RoleBackendDev,
		Difficulty: models.LevelJunior,
		Complexity: models.ComplexityMinor,
		CreatedBy:  "pm-1",
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, s.CreateTask(ctx, task))
	return task
}

func approveTask(t *testing.T, s *Store, task *models.Task) {
	t.Helper()
	require.NoError(t, s.Transact(context.Background(), func(tx *sql.Tx) error {
		fresh, err := s.GetTaskForUpdate(context.Background(), tx, task.ProjectID, task.ID)
		if err != nil {
			return err
		}
		return s.SetTaskStatusTx(context.Background(), tx, fresh, models.StatusApproved, "pm-1", "")
	}))
	task.Status = models.StatusApproved
}

func TestClockStrictlyIncreasing(t *testing.T) {
	c := NewClock()
	last := int64(0)
	for i := 0; i < 10000; i++ {
		ts := c.NowMicros()
		require.Greater(t, ts, last)
		last = ts
	}
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.Project{Name: "alpha"}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NotEmpty(t, p.ID)

	dup := &models.Project{Name: "alpha"}
	err := s.CreateProject(ctx, dup)
	require.ErrorIs(t, err, models.ErrConflict)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)

	byName, err := s.GetProjectByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	require.NoError(t, s.SoftDeleteProject(ctx, p.ID))
	_, err = s.GetProject(ctx, p.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	// Soft delete twice is a NotFound, not an error class change.
	require.ErrorIs(t, s.SoftDeleteProject(ctx, p.ID), models.ErrNotFound)
}

func TestRegisterAgentRefreshes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	a := &models.Agent{AgentID: "dev-1", ProjectID: p.ID, Role: models.RoleBackendDev, Level: models.LevelJunior}
	created, err := s.RegisterAgent(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	// Same handle again: refresh, not duplicate.
	again := &models.Agent{AgentID: "dev-1", ProjectID: p.ID, Role: models.RoleBackendDev, Level: models.LevelSenior}
	created, err = s.RegisterAgent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetAgent(ctx, p.ID, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.LevelSenior, got.Level)

	// Only the first registration changelogs.
	entries, err := s.ListChangesSince(ctx, p.ID, 0)
	require.NoError(t, err)
	regs := 0
	for _, e := range entries {
		if e.Kind == models.ChangeAgentRegistered {
			regs++
		}
	}
	assert.Equal(t, 1, regs)
}

func TestCreateTaskScopesFeature(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)
	other := createTestProject(t, s)

	task := createTestTask(t, s, p.ID, nil)
	assert.Equal(t, models.StatusCreated, task.Status)

	// A task referencing a feature of another project must not resolve.
	bad := &models.Task{
		FeatureID:  task.FeatureID,
		ProjectID:  other.ID,
		Title:      "cross-project",
		TargetRole: models.RoleBackendDev,
		Difficulty: models.LevelJunior,
		Complexity: models.ComplexityMinor,
	}
	err := s.CreateTask(context.Background(), bad)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSelectNextCandidateOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	minorOld := createTestTask(t, s, p.ID, func(x *models.Task) {
		x.Complexity = models.ComplexityMinor
		x.Difficulty = models.LevelJunior
	})
	majorJunior := createTestTask(t, s, p.ID, func(x *models.Task) {
		x.Complexity = models.ComplexityMajor
		x.Difficulty = models.LevelJunior
	})
	majorSenior := createTestTask(t, s, p.ID, func(x *models.Task) {
		x.Complexity = models.ComplexityMajor
		x.Difficulty = models.LevelSenior
	})
	for _, task := range []*models.Task{minorOld, majorJunior, majorSenior} {
		approveTask(t, s, task)
	}

	// A senior dev gets the hardest major task first.
	var got string
	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		id, err := s.SelectNextCandidateTx(ctx, tx, p.ID, models.RoleBackendDev, models.LevelSenior)
		got = id
		return err
	}))
	assert.Equal(t, majorSenior.ID, got)

	// A junior dev cannot take senior work; major beats the older minor.
	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		id, err := s.SelectNextCandidateTx(ctx, tx, p.ID, models.RoleBackendDev, models.LevelJunior)
		got = id
		return err
	}))
	assert.Equal(t, majorJunior.ID, got)

	// QA sees nothing until something is dev_done or targeted at qa.
	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		id, err := s.SelectNextCandidateTx(ctx, tx, p.ID, models.RoleQA, models.LevelSenior)
		got = id
		return err
	}))
	assert.Empty(t, got)
}

func TestQACandidateSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	devDone := createTestTask(t, s, p.ID, nil)
	approveTask(t, s, devDone)
	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		fresh, err := s.GetTaskForUpdate(ctx, tx, p.ID, devDone.ID)
		if err != nil {
			return err
		}
		return s.SetTaskStatusTx(ctx, tx, fresh, models.StatusDevDone, "dev-1", "")
	}))

	qaTargeted := createTestTask(t, s, p.ID, func(x *models.Task) {
		x.TargetRole = models.RoleQA
		x.Complexity = models.ComplexityMajor
	})
	approveTask(t, s, qaTargeted)

	// Major approved qa-targeted work outranks the minor dev_done task.
	var got string
	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		id, err := s.SelectNextCandidateTx(ctx, tx, p.ID, models.RoleQA, models.LevelSenior)
		got = id
		return err
	}))
	assert.Equal(t, qaTargeted.ID, got)
}

func TestLockUnlockCoherence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)
	registerTestAgent(t, s, p.ID, "dev-1", models.RoleBackendDev, models.LevelSenior)
	task := createTestTask(t, s, p.ID, nil)
	approveTask(t, s, task)

	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		fresh, err := s.GetTaskForUpdate(ctx, tx, p.ID, task.ID)
		if err != nil {
			return err
		}
		if err := s.LockTaskTx(ctx, tx, fresh, "dev-1"); err != nil {
			return err
		}
		if err := s.SetTaskStatusTx(ctx, tx, fresh, models.StatusUnderWork, "dev-1", ""); err != nil {
			return err
		}
		return s.SetAgentCurrentTaskTx(ctx, tx, p.ID, "dev-1", fresh.ID)
	}))

	got, err := s.GetTask(ctx, p.ID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.LockedBy)
	assert.NotNil(t, got.LockedAt)
	assert.Equal(t, models.StatusUnderWork, got.Status)

	agent, err := s.GetAgent(ctx, p.ID, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, agent.CurrentTaskID)

	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		fresh, err := s.GetTaskForUpdate(ctx, tx, p.ID, task.ID)
		if err != nil {
			return err
		}
		if err := s.UnlockTaskTx(ctx, tx, fresh, models.StatusApproved, "dev-1", "backing off"); err != nil {
			return err
		}
		return s.SetAgentCurrentTaskTx(ctx, tx, p.ID, "dev-1", "")
	}))

	got, err = s.GetTask(ctx, p.ID, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, models.StatusApproved, got.Status)
}

func TestDeleteAgentReleasesHeldTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)
	registerTestAgent(t, s, p.ID, "dev-1", models.RoleBackendDev, models.LevelSenior)
	task := createTestTask(t, s, p.ID, nil)
	approveTask(t, s, task)

	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		fresh, err := s.GetTaskForUpdate(ctx, tx, p.ID, task.ID)
		if err != nil {
			return err
		}
		if err := s.LockTaskTx(ctx, tx, fresh, "dev-1"); err != nil {
			return err
		}
		if err := s.SetTaskStatusTx(ctx, tx, fresh, models.StatusUnderWork, "dev-1", ""); err != nil {
			return err
		}
		return s.SetAgentCurrentTaskTx(ctx, tx, p.ID, "dev-1", fresh.ID)
	}))

	require.NoError(t, s.DeleteAgent(ctx, p.ID, "dev-1"))

	got, err := s.GetTask(ctx, p.ID, task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LockedBy)
	assert.Equal(t, models.StatusApproved, got.Status)

	_, err = s.GetAgent(ctx, p.ID, "dev-1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestChangelogOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.AppendChangelog(ctx, &models.ChangelogEntry{
			ProjectID: p.ID,
			Kind:      models.ChangeTaskStatus,
			RefID:     fmt.Sprintf("task-%d", i),
		}))
	}

	entries, err := s.ListChangesSince(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].TS, entries[i-1].TS,
			"changelog timestamps must be strictly increasing")
	}

	// since excludes everything at or before the cut.
	cut := entries[9].TS
	tail, err := s.ListChangesSince(ctx, p.ID, cut)
	require.NoError(t, err)
	assert.Len(t, tail, 10)
	assert.Equal(t, "task-10", tail[0].RefID)
}

func TestServiceHeartbeatIdempotentChangelog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	svc := &models.Service{Name: "builder", ProjectID: p.ID, Owner: "dev-1", Port: 8080}
	require.NoError(t, s.RegisterService(ctx, svc))
	assert.Equal(t, models.ServiceStarting, svc.Status)

	before, err := s.ListChangesSince(ctx, p.ID, 0)
	require.NoError(t, err)

	// First heartbeat flips starting -> up and changelogs once.
	_, err = s.HeartbeatService(ctx, p.ID, "builder")
	require.NoError(t, err)
	// Repeats are idempotent.
	_, err = s.HeartbeatService(ctx, p.ID, "builder")
	require.NoError(t, err)
	_, err = s.HeartbeatService(ctx, p.ID, "builder")
	require.NoError(t, err)

	after, err := s.ListChangesSince(ctx, p.ID, 0)
	require.NoError(t, err)
	statusEntries := 0
	for _, e := range after[len(before):] {
		if e.Kind == models.ChangeServiceStatus {
			statusEntries++
		}
	}
	assert.Equal(t, 1, statusEntries, "repeated heartbeats must not changelog")

	got, err := s.GetService(ctx, p.ID, "builder")
	require.NoError(t, err)
	assert.Equal(t, models.ServiceUp, got.Status)
}

func TestDocumentExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)

	past := s.Clock().Now().Add(-time.Minute)
	expired := &models.Document{
		ProjectID: p.ID, Author: "dev-1", DocType: models.DocTypeNote,
		Title: "old", Body: "stale", ExpiresAt: &past,
	}
	require.NoError(t, s.CreateDocument(ctx, expired))

	live := &models.Document{
		ProjectID: p.ID, Author: "dev-1", DocType: models.DocTypeNote,
		Title: "fresh", Body: "current",
	}
	require.NoError(t, s.CreateDocument(ctx, live))

	docs, err := s.ListDocuments(ctx, p.ID, "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "fresh", docs[0].Title)

	// Expired documents remain fetchable by id.
	got, err := s.GetDocument(ctx, p.ID, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Title)
}

func TestMentionDedupeAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s)
	registerTestAgent(t, s, p.ID, "dev-1", models.RoleBackendDev, models.LevelSenior)

	insert := func(handle, recipient string) bool {
		var inserted bool
		require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
			var err error
			inserted, err = s.InsertMentionTx(ctx, tx, &models.Mention{
				ProjectID:  p.ID,
				SourceType: models.MentionSourceDocument,
				SourceID:   "doc-1",
				Handle:     handle,
				Recipient:  recipient,
			})
			return err
		}))
		return inserted
	}

	assert.True(t, insert("dev-1", "dev-1"))
	assert.False(t, insert("dev-1", "dev-1"), "same source+handle must coalesce")

	mentions, err := s.ListMentions(ctx, p.ID, "dev-1", true)
	require.NoError(t, err)
	require.Len(t, mentions, 1)

	require.NoError(t, s.MarkMentionRead(ctx, p.ID, mentions[0].ID, "dev-1"))
	// Second read is a no-op.
	require.NoError(t, s.MarkMentionRead(ctx, p.ID, mentions[0].ID, "dev-1"))

	unread, err := s.ListMentions(ctx, p.ID, "dev-1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	require.ErrorIs(t, s.MarkMentionRead(ctx, p.ID, "missing", "dev-1"), models.ErrNotFound)
}
