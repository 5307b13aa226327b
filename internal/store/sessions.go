package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/routeflow/dispatch/pkg/models"
)

// PutSession creates or replaces a session record.
func (s *Store) PutSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session.Data)
	if err != nil {
		return fmt.Errorf("encode session data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			endpoint_id, connection_id, api_key, area, data, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id, connection_id) DO UPDATE SET
			api_key = excluded.api_key,
			area = excluded.area,
			data = excluded.data,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		session.EndpointID,
		session.ConnectionID,
		session.APIKey,
		session.Area,
		string(data),
		string(session.Status),
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by its (endpoint, connection) key.
func (s *Store) GetSession(ctx context.Context, endpointID, connectionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT endpoint_id, connection_id, api_key, area, data, status,
		       created_at, updated_at
		FROM sessions
		WHERE endpoint_id = ? AND connection_id = ?
	`, endpointID, connectionID)

	return scanSession(row)
}

// FindSessionByConnectionID retrieves a session by connection id alone,
// via the secondary index.
func (s *Store) FindSessionByConnectionID(ctx context.Context, connectionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT endpoint_id, connection_id, api_key, area, data, status,
		       created_at, updated_at
		FROM sessions
		WHERE connection_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`, connectionID)

	return scanSession(row)
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(ctx context.Context, endpointID, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE endpoint_id = ? AND connection_id = ?
	`, endpointID, connectionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// QueryExpiredSessions returns sessions of an endpoint whose updated_at is
// older than the cutoff, optionally filtered by an associated identity.
func (s *Store) QueryExpiredSessions(ctx context.Context, endpointID string, cutoff time.Time, identity string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, connection_id, api_key, area, data, status,
		       created_at, updated_at
		FROM sessions
		WHERE endpoint_id = ? AND updated_at < ?
	`, endpointID, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSessionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if identity != "" && session.Identity() != identity {
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var data sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&session.EndpointID,
		&session.ConnectionID,
		&session.APIKey,
		&session.Area,
		&data,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewError(models.ErrNotFound, "session not found")
		}
		return nil, err
	}

	session.Status = models.SessionStatus(status)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &session.Data); err != nil {
			return nil, fmt.Errorf("decode session data: %w", err)
		}
	}
	if session.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &session, nil
}

func scanSessionRows(rows *sql.Rows) (*models.Session, error) {
	return scanSession(rows)
}
