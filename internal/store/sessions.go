// ABOUTME: SQLite persistence for agent sessions
// ABOUTME: Stores session metadata plus the runtime status written back after each run

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `
	id, project_id, owner_id, name, agent, model, permission_mode,
	status, error_message, continuation_id, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateSession inserts a new session. An empty Status is stored as idle.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	status := session.Status
	if status == "" {
		status = StatusIdle
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.ProjectID,
		session.OwnerID,
		session.Name,
		session.Agent,
		session.Model,
		session.PermissionMode,
		status,
		nullString(session.ErrorMessage),
		nullString(session.ContinuationID),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "project_id", session.ProjectID)
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionForOwner retrieves a session only if ownerID owns it.
// A session owned by someone else is reported as ErrNotFound.
func (s *SQLiteStore) GetSessionForOwner(ctx context.Context, id, ownerID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanSession(row)
}

// ListSessions returns the sessions of a project, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, projectID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE project_id = ?
		ORDER BY updated_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// UpdateSessionState writes the runtime status of a session. The error
// message is replaced (cleared when empty); the continuation id is only
// overwritten when the new state carries one.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, state SessionState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?,
		    error_message = ?,
		    continuation_id = COALESCE(?, continuation_id),
		    updated_at = ?
		WHERE id = ?
	`,
		state.Status,
		nullString(state.ErrorMessage),
		nullString(state.ContinuationID),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating session state: %w", err)
	}
	return requireAffected(result)
}

// UpdateSessionName renames a session.
func (s *SQLiteStore) UpdateSessionName(ctx context.Context, id, name string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating session name: %w", err)
	}
	return requireAffected(result)
}

// ResetRunningSessions marks sessions left in the running state by a previous
// process as errored. It returns the number of sessions touched.
func (s *SQLiteStore) ResetRunningSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ?
	`, StatusError, "interrupted by server restart", formatTime(time.Now()), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("resetting running sessions: %w", err)
	}
	return result.RowsAffected()
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var errorMessage, continuationID sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&session.ID,
		&session.ProjectID,
		&session.OwnerID,
		&session.Name,
		&session.Agent,
		&session.Model,
		&session.PermissionMode,
		&session.Status,
		&errorMessage,
		&continuationID,
		&createdAtStr,
		&updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.ErrorMessage = errorMessage.String
	session.ContinuationID = continuationID.String

	session.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	session.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &session, nil
}
