package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildcrew/foreman/internal/models"
)

const taskColumns = `id, feature_id, project_id, title, description, target_role, difficulty,
	complexity, branch, status, locked_by_agent_id, locked_at, created_by, assigned_to,
	created_at, updated_at, notes`

// CreateTask inserts a task in status created and appends a task_created
// changelog entry.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if t.Title == "" {
		return fmt.Errorf("%w: task title is required", models.ErrBadRequest)
	}
	if !t.TargetRole.Valid() {
		return fmt.Errorf("%w: unknown target_role %q", models.ErrBadRequest, t.TargetRole)
	}
	if !t.Difficulty.Valid() {
		return fmt.Errorf("%w: unknown difficulty %q", models.ErrBadRequest, t.Difficulty)
	}
	if !t.Complexity.Valid() {
		return fmt.Errorf("%w: unknown complexity %q", models.ErrBadRequest, t.Complexity)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = models.StatusCreated
	t.CreatedAt = s.clock.Now()
	t.UpdatedAt = t.CreatedAt

	return s.Transact(ctx, func(tx *sql.Tx) error {
		var projectID string
		err := tx.QueryRowContext(ctx, `SELECT project_id FROM features WHERE id = ?`, t.FeatureID).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "feature", ID: t.FeatureID}
		}
		if err != nil {
			return storageFault("resolve feature", err)
		}
		if projectID != t.ProjectID {
			return &models.NotFoundError{Entity: "feature", ID: t.FeatureID}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, ?, ?, ?, ?, ?)
		`, t.ID, t.FeatureID, t.ProjectID, t.Title, t.Description, t.TargetRole, t.Difficulty,
			t.Complexity, t.Branch, t.Status, t.CreatedBy, t.AssignedTo,
			t.CreatedAt, t.UpdatedAt, t.Notes); err != nil {
			return storageFault("insert task", err)
		}
		return s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
			ProjectID: t.ProjectID,
			Kind:      models.ChangeTaskCreated,
			RefID:     t.ID,
			Actor:     t.CreatedBy,
		})
	})
}

// GetTask fetches a task scoped to a project.
func (s *Store) GetTask(ctx context.Context, projectID, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ? AND project_id = ?
	`, id, projectID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, storageFault("get task", err)
	}
	return t, nil
}

// GetTaskForUpdate locks and fetches a task row inside tx.
func (s *Store) GetTaskForUpdate(ctx context.Context, tx *sql.Tx, projectID, id string) (*models.Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ? AND project_id = ?`+s.forUpdate(),
		id, projectID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, storageFault("lock task", err)
	}
	return t, nil
}

// AgentHeldTaskTx returns the id of a task locked by agentID, if any,
// regardless of project. One held task is the limit for a handle even when
// it is registered in several projects, so lock acquisition checks here in
// addition to the per-project agent row.
func (s *Store) AgentHeldTaskTx(ctx context.Context, tx *sql.Tx, agentID string) (string, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id FROM tasks WHERE locked_by_agent_id = ? LIMIT 1`+s.forUpdate(), agentID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storageFault("check held task", err)
	}
	return id, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status     models.TaskStatus
	TargetRole models.Role
	FeatureID  string
}

// ListTasks returns project tasks, FIFO by creation.
func (s *Store) ListTasks(ctx context.Context, projectID string, f TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.TargetRole != "" {
		query += ` AND target_role = ?`
		args = append(args, f.TargetRole)
	}
	if f.FeatureID != "" {
		query += ` AND feature_id = ?`
		args = append(args, f.FeatureID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFault("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageFault("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate tasks", err)
	}
	return out, nil
}

// SelectNextCandidateTx returns the id of the best dispatchable task for
// (role, level) in the project, or "" when nothing matches.
//
// Developers draw from approved tasks targeted at their role. QA draws from
// dev_done tasks (any original target role) plus approved tasks targeted at
// qa directly. Ordering: major before minor, difficulty descending,
// created_at ascending, id ascending.
func (s *Store) SelectNextCandidateTx(ctx context.Context, tx *sql.Tx, projectID string, role models.Role, level models.Level) (string, error) {
	var cond string
	args := []any{projectID}
	if role == models.RoleQA {
		cond = `(status = 'dev_done' OR (status = 'approved' AND target_role = 'qa'))`
	} else {
		cond = `status = 'approved' AND target_role = ?`
		args = append(args, role)
	}

	query := `
		SELECT id FROM tasks
		WHERE project_id = ? AND ` + cond + `
		  AND locked_by_agent_id = ''
		  AND difficulty IN (` + difficultyPlaceholders(level) + `)
		ORDER BY
		  CASE complexity WHEN 'major' THEN 0 ELSE 1 END,
		  CASE difficulty WHEN 'principal' THEN 0 WHEN 'senior' THEN 1 ELSE 2 END,
		  created_at ASC,
		  id ASC
		LIMIT 1`
	for _, d := range difficultiesUpTo(level) {
		args = append(args, d)
	}

	var id string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageFault("select next task", err)
	}
	return id, nil
}

func difficultiesUpTo(level models.Level) []models.Level {
	all := []models.Level{models.LevelJunior, models.LevelSenior, models.LevelPrincipal}
	var out []models.Level
	for _, d := range all {
		if level.AtLeast(d) {
			out = append(out, d)
		}
	}
	return out
}

func difficultyPlaceholders(level models.Level) string {
	switch len(difficultiesUpTo(level)) {
	case 1:
		return "?"
	case 2:
		return "?, ?"
	default:
		return "?, ?, ?"
	}
}

// LockTaskTx sets the exclusive lock on a task for agentID and appends a
// task_locked changelog entry. The caller must hold the task row lock and
// have verified the task is unlocked.
func (s *Store) LockTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task, agentID string) error {
	now := s.clock.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET locked_by_agent_id = ?, locked_at = ?, updated_at = ? WHERE id = ?
	`, agentID, now, now, t.ID); err != nil {
		return storageFault("lock task row", err)
	}
	t.LockedBy = agentID
	t.LockedAt = &now
	t.UpdatedAt = now
	return s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
		ProjectID: t.ProjectID,
		Kind:      models.ChangeTaskLocked,
		RefID:     t.ID,
		Actor:     agentID,
	})
}

// SetTaskStatusTx writes a status change and its task_status changelog
// entry. Lock fields are untouched; use unlockTaskTx for transitions that
// release the task.
func (s *Store) SetTaskStatusTx(ctx context.Context, tx *sql.Tx, t *models.Task, to models.TaskStatus, actor, note string) error {
	now := s.clock.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, to, now, t.ID); err != nil {
		return storageFault("update task status", err)
	}

	detail, _ := json.Marshal(models.StatusChangeDetail{Old: t.Status, New: to, Note: note})
	err := s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
		ProjectID: t.ProjectID,
		Kind:      models.ChangeTaskStatus,
		RefID:     t.ID,
		Actor:     actor,
		Detail:    string(detail),
	})
	if err != nil {
		return err
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// unlockTaskTx releases a held task back to status `to`, appending both the
// task_status and task_unlocked changelog entries.
func (s *Store) unlockTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task, to models.TaskStatus, actor, note string) error {
	now := s.clock.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, locked_by_agent_id = '', locked_at = NULL, updated_at = ?
		WHERE id = ?
	`, to, now, t.ID); err != nil {
		return storageFault("unlock task row", err)
	}

	detail, _ := json.Marshal(models.StatusChangeDetail{Old: t.Status, New: to, Note: note})
	if err := s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
		ProjectID: t.ProjectID,
		Kind:      models.ChangeTaskStatus,
		RefID:     t.ID,
		Actor:     actor,
		Detail:    string(detail),
	}); err != nil {
		return err
	}
	if err := s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
		ProjectID: t.ProjectID,
		Kind:      models.ChangeTaskUnlocked,
		RefID:     t.ID,
		Actor:     actor,
	}); err != nil {
		return err
	}
	t.Status = to
	t.LockedBy = ""
	t.LockedAt = nil
	t.UpdatedAt = now
	return nil
}

// UnlockTaskTx is the exported release used by the lifecycle engine and by
// explicit unlock requests.
func (s *Store) UnlockTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task, to models.TaskStatus, actor, note string) error {
	return s.unlockTaskTx(ctx, tx, t, to, actor, note)
}

func scanTask(r rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var lockedAt sql.NullTime
	err := r.Scan(&t.ID, &t.FeatureID, &t.ProjectID, &t.Title, &t.Description, &t.TargetRole,
		&t.Difficulty, &t.Complexity, &t.Branch, &t.Status, &t.LockedBy, &lockedAt,
		&t.CreatedBy, &t.AssignedTo, &t.CreatedAt, &t.UpdatedAt, &t.Notes)
	if err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		ts := lockedAt.Time
		t.LockedAt = &ts
	}
	return t, nil
}
