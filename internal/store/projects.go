package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/buildcrew/foreman/internal/models"
)

const projectColumns = `id, name, shared_path, instructions_path, docs_path, guidelines_path,
	repo_url, main_branch, clone_path, created_at, deleted_at`

// CreateProject inserts a new project. Names are unique.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if p.Name == "" {
		return fmt.Errorf("%w: project name is required", models.ErrBadRequest)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = s.clock.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, p.ID, p.Name, p.SharedPath, p.InstructionsPath, p.DocsPath, p.GuidelinesPath,
		p.RepoURL, p.MainBranch, p.ClonePath, p.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: project name already exists: %s", models.ErrConflict, p.Name)
		}
		return storageFault("create project", err)
	}
	return nil
}

// GetProject fetches a live (non-deleted) project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE id = ? AND deleted_at IS NULL
	`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "project", ID: id}
	}
	if err != nil {
		return nil, storageFault("get project", err)
	}
	return p, nil
}

// GetProjectByName fetches a live project by its unique name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE name = ? AND deleted_at IS NULL
	`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "project", ID: name}
	}
	if err != nil {
		return nil, storageFault("get project by name", err)
	}
	return p, nil
}

// ListProjects returns live projects, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE deleted_at IS NULL ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, storageFault("list projects", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, storageFault("scan project", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate projects", err)
	}
	return out, nil
}

// SoftDeleteProject marks a project deleted. Rows stay for audit.
func (s *Store) SoftDeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, s.clock.Now(), id)
	if err != nil {
		return storageFault("delete project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageFault("delete project", err)
	}
	if n == 0 {
		return &models.NotFoundError{Entity: "project", ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var deletedAt sql.NullTime
	err := r.Scan(&p.ID, &p.Name, &p.SharedPath, &p.InstructionsPath, &p.DocsPath,
		&p.GuidelinesPath, &p.RepoURL, &p.MainBranch, &p.ClonePath, &p.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		p.DeletedAt = &t
	}
	return p, nil
}

// isDuplicateKey reports whether err is a unique-constraint violation on
// either backend.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "Error 1062") || // mysql duplicate entry
		strings.Contains(msg, "Duplicate entry")
}
