package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildcrew/foreman/internal/models"
)

// CreateEpic inserts a new epic.
func (s *Store) CreateEpic(ctx context.Context, e *models.Epic) error {
	if e.Name == "" {
		return fmt.Errorf("%w: epic name is required", models.ErrBadRequest)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.clock.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epics (id, project_id, name, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Name, e.Description, e.CreatedBy, e.CreatedAt)
	if err != nil {
		return storageFault("insert epic", err)
	}
	return nil
}

// ListEpics returns project epics, oldest first.
func (s *Store) ListEpics(ctx context.Context, projectID string) ([]*models.Epic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, created_by, created_at
		FROM epics WHERE project_id = ? ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, storageFault("list epics", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Epic
	for rows.Next() {
		e := &models.Epic{}
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Description, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, storageFault("scan epic", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate epics", err)
	}
	return out, nil
}

// CreateFeature inserts a feature under an epic. The feature inherits the
// epic's project.
func (s *Store) CreateFeature(ctx context.Context, f *models.Feature) error {
	if f.Name == "" {
		return fmt.Errorf("%w: feature name is required", models.ErrBadRequest)
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = s.clock.Now()

	return s.Transact(ctx, func(tx *sql.Tx) error {
		var projectID string
		err := tx.QueryRowContext(ctx, `SELECT project_id FROM epics WHERE id = ?`, f.EpicID).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Entity: "epic", ID: f.EpicID}
		}
		if err != nil {
			return storageFault("resolve epic", err)
		}
		f.ProjectID = projectID

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO features (id, epic_id, project_id, name, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, f.ID, f.EpicID, f.ProjectID, f.Name, f.Description, f.CreatedAt); err != nil {
			return storageFault("insert feature", err)
		}
		return nil
	})
}

// ListFeatures returns the features of an epic, oldest first.
func (s *Store) ListFeatures(ctx context.Context, projectID, epicID string) ([]*models.Feature, error) {
	query := `
		SELECT id, epic_id, project_id, name, description, created_at
		FROM features WHERE project_id = ?`
	args := []any{projectID}
	if epicID != "" {
		query += ` AND epic_id = ?`
		args = append(args, epicID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFault("list features", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Feature
	for rows.Next() {
		f := &models.Feature{}
		if err := rows.Scan(&f.ID, &f.EpicID, &f.ProjectID, &f.Name, &f.Description, &f.CreatedAt); err != nil {
			return nil, storageFault("scan feature", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate features", err)
	}
	return out, nil
}
