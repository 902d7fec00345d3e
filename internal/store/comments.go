package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildcrew/foreman/internal/models"
)

// InsertCommentTx inserts a task comment inside the caller's transaction.
// Used where the comment must land atomically with a status change, such as
// evaluation rejections.
func (s *Store) InsertCommentTx(ctx context.Context, tx *sql.Tx, c *models.TaskComment) error {
	if c.Body == "" {
		return fmt.Errorf("%w: comment body is required", models.ErrBadRequest)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = s.clock.Now()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_comments (id, task_id, author_agent_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.TaskID, c.Author, c.Body, c.CreatedAt)
	if err != nil {
		return storageFault("insert comment", err)
	}
	return nil
}

// CreateComment inserts a task comment. Mention extraction happens in the
// notifier, which the boundary invokes with the stored comment.
func (s *Store) CreateComment(ctx context.Context, projectID string, c *models.TaskComment) error {
	if _, err := s.GetTask(ctx, projectID, c.TaskID); err != nil {
		return err
	}
	return s.Transact(ctx, func(tx *sql.Tx) error {
		return s.InsertCommentTx(ctx, tx, c)
	})
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]*models.TaskComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_agent_id, body, created_at
		FROM task_comments WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, storageFault("list comments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TaskComment
	for rows.Next() {
		c := &models.TaskComment{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, storageFault("scan comment", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate comments", err)
	}
	return out, nil
}
