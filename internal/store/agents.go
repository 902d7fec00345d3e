package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildcrew/foreman/internal/models"
)

const agentColumns = `agent_id, project_id, role, level, connection_type, last_seen, current_task_id`

// RegisterAgent inserts or refreshes an agent row and appends an
// agent_registered changelog entry on first registration. Re-registering
// with the same handle refreshes role, level and last_seen.
func (s *Store) RegisterAgent(ctx context.Context, a *models.Agent) (created bool, err error) {
	if a.AgentID == "" {
		return false, fmt.Errorf("%w: agent_id is required", models.ErrBadRequest)
	}
	if !a.Role.Valid() {
		return false, fmt.Errorf("%w: unknown role %q", models.ErrBadRequest, a.Role)
	}
	if !a.Level.Valid() {
		return false, fmt.Errorf("%w: unknown level %q", models.ErrBadRequest, a.Level)
	}
	if a.ConnectionType == "" {
		a.ConnectionType = models.ConnectionClient
	}
	a.LastSeen = s.clock.Now()

	err = s.Transact(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT agent_id FROM agents WHERE project_id = ? AND agent_id = ?`+s.forUpdate(),
			a.ProjectID, a.AgentID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, '')
			`, a.AgentID, a.ProjectID, a.Role, a.Level, a.ConnectionType, a.LastSeen); err != nil {
				return storageFault("insert agent", err)
			}
			return s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
				ProjectID: a.ProjectID,
				Kind:      models.ChangeAgentRegistered,
				RefID:     a.AgentID,
				Actor:     a.AgentID,
			})
		case err != nil:
			return storageFault("check agent", err)
		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE agents SET role = ?, level = ?, connection_type = ?, last_seen = ?
				WHERE project_id = ? AND agent_id = ?
			`, a.Role, a.Level, a.ConnectionType, a.LastSeen, a.ProjectID, a.AgentID)
			if err != nil {
				return storageFault("refresh agent", err)
			}
			return nil
		}
	})
	return created, err
}

// GetAgent fetches an agent within a project.
func (s *Store) GetAgent(ctx context.Context, projectID, agentID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND agent_id = ?
	`, projectID, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "agent", ID: agentID}
	}
	if err != nil {
		return nil, storageFault("get agent", err)
	}
	return a, nil
}

// GetAgentForUpdate locks and fetches an agent row inside tx. Concurrent
// acquisition attempts by the same agent collide here.
func (s *Store) GetAgentForUpdate(ctx context.Context, tx *sql.Tx, projectID, agentID string) (*models.Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND agent_id = ?`+s.forUpdate(),
		projectID, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "agent", ID: agentID}
	}
	if err != nil {
		return nil, storageFault("lock agent", err)
	}
	return a, nil
}

// SetAgentCurrentTaskTx points the agent at its active task ("" clears it).
func (s *Store) SetAgentCurrentTaskTx(ctx context.Context, tx *sql.Tx, projectID, agentID, taskID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET current_task_id = ? WHERE project_id = ? AND agent_id = ?
	`, taskID, projectID, agentID)
	if err != nil {
		return storageFault("set agent current task", err)
	}
	return nil
}

// TouchAgent refreshes last_seen. Called on every authenticated request that
// carries a requester identity.
func (s *Store) TouchAgent(ctx context.Context, projectID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen = ? WHERE project_id = ? AND agent_id = ?
	`, s.clock.Now(), projectID, agentID)
	if err != nil {
		return storageFault("touch agent", err)
	}
	return nil
}

// ListAgents returns all agents of a project.
func (s *Store) ListAgents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY agent_id ASC
	`, projectID)
	if err != nil {
		return nil, storageFault("list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, storageFault("scan agent", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate agents", err)
	}
	return out, nil
}

// DeleteAgent removes an agent. Any task it holds is unlocked back to its
// pre-lock dispatchable state so the work is not stranded.
func (s *Store) DeleteAgent(ctx context.Context, projectID, agentID string) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		a, err := s.GetAgentForUpdate(ctx, tx, projectID, agentID)
		if err != nil {
			return err
		}
		if a.CurrentTaskID != "" {
			task, err := s.GetTaskForUpdate(ctx, tx, projectID, a.CurrentTaskID)
			if err == nil && task.LockedBy == agentID {
				back := models.StatusApproved
				if task.Status == models.StatusTesting {
					back = models.StatusDevDone
				}
				if err := s.unlockTaskTx(ctx, tx, task, back, agentID, "agent deleted"); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM agents WHERE project_id = ? AND agent_id = ?
		`, projectID, agentID); err != nil {
			return storageFault("delete agent", err)
		}
		return nil
	})
}

func scanAgent(r rowScanner) (*models.Agent, error) {
	a := &models.Agent{}
	err := r.Scan(&a.AgentID, &a.ProjectID, &a.Role, &a.Level, &a.ConnectionType,
		&a.LastSeen, &a.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	return a, nil
}
