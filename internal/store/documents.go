package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/buildcrew/foreman/internal/models"
)

const documentColumns = `id, project_id, author_agent_id, doc_type, title, body, created_at, expires_at`

// CreateDocument inserts a document and appends a document_created
// changelog entry.
func (s *Store) CreateDocument(ctx context.Context, d *models.Document) error {
	if d.Title == "" || d.Body == "" {
		return fmt.Errorf("%w: document title and body are required", models.ErrBadRequest)
	}
	if !d.DocType.Valid() {
		return fmt.Errorf("%w: unknown doc_type %q", models.ErrBadRequest, d.DocType)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = s.clock.Now()

	return s.Transact(ctx, func(tx *sql.Tx) error {
		var expiresAt any
		if d.ExpiresAt != nil {
			expiresAt = *d.ExpiresAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (`+documentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.ProjectID, d.Author, d.DocType, d.Title, d.Body, d.CreatedAt, expiresAt); err != nil {
			return storageFault("insert document", err)
		}
		return s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
			ProjectID: d.ProjectID,
			Kind:      models.ChangeDocumentCreated,
			RefID:     d.ID,
			Actor:     d.Author,
		})
	})
}

// GetDocument fetches a document scoped to a project. Expired documents are
// still fetchable by id; only listings exclude them.
func (s *Store) GetDocument(ctx context.Context, projectID, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE id = ? AND project_id = ?
	`, id, projectID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "document", ID: id}
	}
	if err != nil {
		return nil, storageFault("get document", err)
	}
	return d, nil
}

// ListDocuments returns non-expired project documents, newest first,
// optionally filtered by type.
func (s *Store) ListDocuments(ctx context.Context, projectID string, docType models.DocType) ([]*models.Document, error) {
	query := `
		SELECT ` + documentColumns + ` FROM documents
		WHERE project_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{projectID, s.clock.Now()}
	if docType != "" {
		query += ` AND doc_type = ?`
		args = append(args, docType)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageFault("list documents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storageFault("scan document", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate documents", err)
	}
	return out, nil
}

func scanDocument(r rowScanner) (*models.Document, error) {
	d := &models.Document{}
	var expiresAt sql.NullTime
	err := r.Scan(&d.ID, &d.ProjectID, &d.Author, &d.DocType, &d.Title, &d.Body,
		&d.CreatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		d.ExpiresAt = &t
	}
	return d, nil
}
