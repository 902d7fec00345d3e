package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buildcrew/foreman/internal/models"
)

const serviceColumns = `name, project_id, owner_agent_id, port, status, ping_url, meta_json,
	last_heartbeat, created_at`

// RegisterService inserts or replaces a service registration and appends a
// service_registered changelog entry.
func (s *Store) RegisterService(ctx context.Context, svc *models.Service) error {
	if svc.Name == "" {
		return fmt.Errorf("%w: service name is required", models.ErrBadRequest)
	}
	if svc.Status == "" {
		svc.Status = models.ServiceStarting
	}
	if !svc.Status.Valid() {
		return fmt.Errorf("%w: unknown service status %q", models.ErrBadRequest, svc.Status)
	}
	now := s.clock.Now()
	svc.LastHeartbeat = now
	svc.CreatedAt = now

	meta, err := json.Marshal(svc.Meta)
	if err != nil {
		return fmt.Errorf("%w: bad service meta: %v", models.ErrBadRequest, err)
	}

	return s.Transact(ctx, func(tx *sql.Tx) error {
		// Re-registering the same name replaces the previous record.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM services WHERE project_id = ? AND name = ?
		`, svc.ProjectID, svc.Name); err != nil {
			return storageFault("replace service", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO services (`+serviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, svc.Name, svc.ProjectID, svc.Owner, svc.Port, svc.Status, svc.PingURL,
			string(meta), svc.LastHeartbeat, svc.CreatedAt); err != nil {
			return storageFault("insert service", err)
		}
		return s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
			ProjectID: svc.ProjectID,
			Kind:      models.ChangeServiceRegistered,
			RefID:     svc.Name,
			Actor:     svc.Owner,
		})
	})
}

// HeartbeatService refreshes last_heartbeat and re-asserts status up.
// A service_status changelog entry is appended only when the persisted
// status actually changes, keeping repeated heartbeats idempotent.
func (s *Store) HeartbeatService(ctx context.Context, projectID, name string) (*models.Service, error) {
	var out *models.Service
	err := s.Transact(ctx, func(tx *sql.Tx) error {
		svc, err := s.getServiceTx(ctx, tx, projectID, name, true)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		changed := svc.Status != models.ServiceUp

		if _, err := tx.ExecContext(ctx, `
			UPDATE services SET status = ?, last_heartbeat = ? WHERE project_id = ? AND name = ?
		`, models.ServiceUp, now, projectID, name); err != nil {
			return storageFault("heartbeat service", err)
		}
		svc.Status = models.ServiceUp
		svc.LastHeartbeat = now

		if changed {
			if err := s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
				ProjectID: projectID,
				Kind:      models.ChangeServiceStatus,
				RefID:     name,
				Detail:    string(models.ServiceUp),
			}); err != nil {
				return err
			}
			s.metrics.ServiceStatusFlips.WithLabelValues(projectID, string(models.ServiceUp)).Inc()
		}
		out = svc
		return nil
	})
	return out, err
}

// SetServiceStatus force-sets a service's persisted status (used by the
// prober). Changelogs only actual changes.
func (s *Store) SetServiceStatus(ctx context.Context, projectID, name string, status models.ServiceStatus) error {
	return s.Transact(ctx, func(tx *sql.Tx) error {
		svc, err := s.getServiceTx(ctx, tx, projectID, name, true)
		if err != nil {
			return err
		}
		if svc.Status == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE services SET status = ? WHERE project_id = ? AND name = ?
		`, status, projectID, name); err != nil {
			return storageFault("set service status", err)
		}
		if err := s.AppendChangelogTx(ctx, tx, &models.ChangelogEntry{
			ProjectID: projectID,
			Kind:      models.ChangeServiceStatus,
			RefID:     name,
			Detail:    string(status),
		}); err != nil {
			return err
		}
		s.metrics.ServiceStatusFlips.WithLabelValues(projectID, string(status)).Inc()
		return nil
	})
}

// GetService fetches one service.
func (s *Store) GetService(ctx context.Context, projectID, name string) (*models.Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE project_id = ? AND name = ?
	`, projectID, name)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "service", ID: name}
	}
	if err != nil {
		return nil, storageFault("get service", err)
	}
	return svc, nil
}

func (s *Store) getServiceTx(ctx context.Context, tx *sql.Tx, projectID, name string, lock bool) (*models.Service, error) {
	suffix := ""
	if lock {
		suffix = s.forUpdate()
	}
	row := tx.QueryRowContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE project_id = ? AND name = ?`+suffix,
		projectID, name)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "service", ID: name}
	}
	if err != nil {
		return nil, storageFault("get service", err)
	}
	return svc, nil
}

// ListServices returns all project services.
func (s *Store) ListServices(ctx context.Context, projectID string) ([]*models.Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serviceColumns+` FROM services WHERE project_id = ? ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, storageFault("list services", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, storageFault("scan service", err)
		}
		out = append(out, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFault("iterate services", err)
	}
	return out, nil
}

// DeleteService removes a service registration.
func (s *Store) DeleteService(ctx context.Context, projectID, name string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM services WHERE project_id = ? AND name = ?
	`, projectID, name)
	if err != nil {
		return storageFault("delete service", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageFault("delete service", err)
	}
	if n == 0 {
		return &models.NotFoundError{Entity: "service", ID: name}
	}
	return nil
}

func scanService(r rowScanner) (*models.Service, error) {
	svc := &models.Service{}
	var meta string
	err := r.Scan(&svc.Name, &svc.ProjectID, &svc.Owner, &svc.Port, &svc.Status,
		&svc.PingURL, &meta, &svc.LastHeartbeat, &svc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if meta != "" && meta != "null" {
		_ = json.Unmarshal([]byte(meta), &svc.Meta)
	}
	return svc, nil
}
