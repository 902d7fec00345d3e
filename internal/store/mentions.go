package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildcrew/foreman/internal/models"
)

const mentionColumns = `id, project_id, source_type, source_id, mentioned_handle,
	recipient_agent_id, created_at, read_at`

// InsertMentionTx inserts one mention row, coalescing duplicates on
// (source, handle). Returns false when the row already existed. A
// mention_created changelog entry is appended only for resolved recipients.
func (s *Store) InsertMentionTx(ctx context.Context, tx *sql.Tx, m *models.Mention) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = s.clock.Now()

	res, err := tx.ExecContext(ctx, insertMentionQuery(s.dialect),
		m.ID, m.ProjectID, m.SourceType, m.SourceID, m.Handle, m.Recipient, m.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, storageFault("insert mention", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageFault("insert mention", err)
	}
	if n == 0 {
		return false, nil
	}
	if m.Recipient != "" {
		if err := s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
			ProjectID: m.ProjectID,
			Kind:      models.ChangeMentionCreated,
			RefID:     m.ID,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func insertMentionQuery(d Dialect) string {
	clause := "OR IGNORE"
	if d == DialectMySQL {
		clause = "IGNORE"
	}
	return fmt.Sprintf(`
		INSERT %s INTO mentions (`+mentionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`, clause)
}

// ListMentions returns an agent's mentions, newest first.
func (s *Store) ListMentions(ctx context.Context, projectID, agentID string, unreadOnly bool) ([]*models.Mention, error) {
	query := `
		SELECT ` + mentionColumns + ` FROM mentions
		WHERE project_id = ? AND recipient_agent_id = ?`
	args := []any{projectID, agentID}
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFault("list mentions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Mention
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, storageFault("scan mention", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate mentions", err)
	}
	return out, nil
}

// GetMention fetches one mention in project scope.
func (s *Store) GetMention(ctx context.Context, projectID, id string) (*models.Mention, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mentionColumns+` FROM mentions WHERE id = ? AND project_id = ?
	`, id, projectID)
	m, err := scanMention(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "mention", ID: id}
	}
	if err != nil {
		return nil, storageFault("get mention", err)
	}
	return m, nil
}

// MarkMentionRead sets read_at once; repeated calls are no-ops.
func (s *Store) MarkMentionRead(ctx context.Context, projectID, id, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mentions SET read_at = ?
		WHERE id = ? AND project_id = ? AND recipient_agent_id = ? AND read_at IS NULL
	`, s.clock.Now(), id, projectID, agentID)
	if err != nil {
		return storageFault("mark mention read", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return storageFault("mark mention read", err)
	}
	// Zero rows means either already read (fine, idempotent) or not this
	// agent's mention; verify existence so the latter still 404s.
	if _, err := s.GetMention(ctx, projectID, id); err != nil {
		return err
	}
	return nil
}

// ListMentionsByIDs loads mentions for the change aggregator.
func (s *Store) ListMentionsByIDs(ctx context.Context, projectID string, ids []string) ([]*models.Mention, error) {
	out := make([]*models.Mention, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMention(ctx, projectID, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func scanMention(r rowScanner) (*models.Mention, error) {
	m := &models.Mention{}
	var readAt sql.NullTime
	err := r.Scan(&m.ID, &m.ProjectID, &m.SourceType, &m.SourceID, &m.Handle,
		&m.Recipient, &m.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return m, nil
}
