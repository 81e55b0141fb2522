// ABOUTME: SQLite persistence for projects
// ABOUTME: A project maps an owner to a directory that sessions and shells run in

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateProject inserts a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, name, path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, project.ID, project.OwnerID, project.Name, project.Path, formatTime(project.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	s.logger.Debug("created project", "id", project.ID, "path", project.Path)
	return nil
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, path, created_at FROM projects WHERE id = ?
	`, id).Scan(&project.ID, &project.OwnerID, &project.Name, &project.Path, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying project: %w", err)
	}

	project.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &project, nil
}

// ListProjects returns every project owned by ownerID, oldest first.
func (s *SQLiteStore) ListProjects(ctx context.Context, ownerID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, path, created_at
		FROM projects
		WHERE owner_id = ?
		ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		var project Project
		var createdAtStr string
		if err := rows.Scan(&project.ID, &project.OwnerID, &project.Name, &project.Path, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		project.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		projects = append(projects, &project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}
	return projects, nil
}
