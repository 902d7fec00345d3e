package store

import (
	"context"
	"database/sql"

	"github.com/buildcrew/foreman/internal/models"
)

// AppendChangelogTx appends one changelog entry inside the caller's
// transaction, stamping it with the monotonic clock. Entries within one
// transaction get strictly increasing timestamps.
func (s *Store) AppendChangelogTx(ctx context.Context, tx *sql.Tx, e *models.ChangelogEntry) error {
	e.TS = s.clock.NowMicros()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO changelog (project_id, kind, ref_id, actor_agent_id, detail, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ProjectID, e.Kind, e.RefID, e.Actor, e.Detail, e.TS)
	if err != nil {
		return storageFault("append changelog", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	s.markChanged(tx, e.ProjectID)
	return nil
}

// AppendChangelog appends a single entry in its own transaction.
func (s *Store) AppendChangelog(ctx context.Context, e *models.ChangelogEntry) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		return s.AppendChangelogTx(ctx, tx, e)
	})
}

// ListChangesSince returns project changelog entries with ts > since,
// ordered by (ts, id).
func (s *Store) ListChangesSince(ctx context.Context, projectID string, since int64) ([]*models.ChangelogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, kind, ref_id, actor_agent_id, detail, ts
		FROM changelog
		WHERE project_id = ? AND ts > ?
		ORDER BY ts ASC, id ASC
	`, projectID, since)
	if err != nil {
		return nil, storageFault("list changes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ChangelogEntry
	for rows.Next() {
		e := &models.ChangelogEntry{}
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.RefID, &e.Actor, &e.Detail, &e.TS); err != nil {
			return nil, storageFault("scan changelog entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate changelog", err)
	}
	return out, nil
}

// ListTaskChanges returns the task_status entries for one task, oldest
// first. Used to audit a task's transition history.
func (s *Store) ListTaskChanges(ctx context.Context, projectID, taskID string) ([]*models.ChangelogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, kind, ref_id, actor_agent_id, detail, ts
		FROM changelog
		WHERE project_id = ? AND ref_id = ? AND kind = ?
		ORDER BY ts ASC, id ASC
	`, projectID, taskID, models.ChangeTaskStatus)
	if err != nil {
		return nil, storageFault("list task changes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ChangelogEntry
	for rows.Next() {
		e := &models.ChangelogEntry{}
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.RefID, &e.Actor, &e.Detail, &e.TS); err != nil {
			return nil, storageFault("scan changelog entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate changelog", err)
	}
	return out, nil
}
