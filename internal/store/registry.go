package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/routeflow/dispatch/pkg/models"
)

// GetEndpoint retrieves an endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT endpoint_id, special_connection
		FROM endpoints
		WHERE endpoint_id = ?
	`, endpointID)

	var ep models.Endpoint
	var special int
	if err := row.Scan(&ep.ID, &special); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.Errorf(models.ErrNotFound, "endpoint %s not found", endpointID)
		}
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	ep.SpecialConnection = special != 0

	return &ep, nil
}

// PutEndpoint creates or replaces an endpoint.
func (s *Store) PutEndpoint(ctx context.Context, ep *models.Endpoint) error {
	special := 0
	if ep.SpecialConnection {
		special = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (endpoint_id, special_connection)
		VALUES (?, ?)
		ON CONFLICT(endpoint_id) DO UPDATE SET special_connection = excluded.special_connection
	`, ep.ID, special)
	if err != nil {
		return fmt.Errorf("put endpoint: %w", err)
	}
	return nil
}

// GetConnection retrieves the connection for (endpoint, API key).
func (s *Store) GetConnection(ctx context.Context, endpointID, apiKey string) (*models.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT endpoint_id, api_key, functions, whitelist
		FROM connections
		WHERE endpoint_id = ? AND api_key = ?
	`, endpointID, apiKey)

	var conn models.Connection
	var functions string
	var whitelist sql.NullString
	if err := row.Scan(&conn.EndpointID, &conn.APIKey, &functions, &whitelist); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.Errorf(models.ErrNotFound,
				"connection for endpoint %s not found", endpointID)
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}

	if err := json.Unmarshal([]byte(functions), &conn.Functions); err != nil {
		return nil, fmt.Errorf("decode function bindings: %w", err)
	}
	if whitelist.Valid && whitelist.String != "" {
		if err := json.Unmarshal([]byte(whitelist.String), &conn.Whitelist); err != nil {
			return nil, fmt.Errorf("decode whitelist: %w", err)
		}
	}

	return &conn, nil
}

// PutConnection creates or replaces a connection.
func (s *Store) PutConnection(ctx context.Context, conn *models.Connection) error {
	functions, err := json.Marshal(conn.Functions)
	if err != nil {
		return fmt.Errorf("encode function bindings: %w", err)
	}
	whitelist, err := json.Marshal(conn.Whitelist)
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (endpoint_id, api_key, functions, whitelist)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint_id, api_key) DO UPDATE SET
			functions = excluded.functions,
			whitelist = excluded.whitelist
	`, conn.EndpointID, conn.APIKey, string(functions), string(whitelist))
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// GetFunction retrieves a function descriptor by (remote target, name).
func (s *Store) GetFunction(ctx context.Context, remoteTarget, functionName string) (*models.FunctionDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT remote_target, function_name, area, config
		FROM functions
		WHERE remote_target = ? AND function_name = ?
	`, remoteTarget, functionName)

	var fd models.FunctionDescriptor
	var config string
	if err := row.Scan(&fd.RemoteTarget, &fd.FunctionName, &fd.Area, &config); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.Errorf(models.ErrNotFound,
				"function %s not found for target %s", functionName, remoteTarget)
		}
		return nil, fmt.Errorf("get function: %w", err)
	}

	if err := json.Unmarshal([]byte(config), &fd.Config); err != nil {
		return nil, fmt.Errorf("decode function config: %w", err)
	}

	return &fd, nil
}

// PutFunction creates or replaces a function descriptor.
func (s *Store) PutFunction(ctx context.Context, fd *models.FunctionDescriptor) error {
	config, err := json.Marshal(fd.Config)
	if err != nil {
		return fmt.Errorf("encode function config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO functions (remote_target, function_name, area, config)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(remote_target, function_name) DO UPDATE SET
			area = excluded.area,
			config = excluded.config
	`, fd.RemoteTarget, fd.FunctionName, fd.Area, string(config))
	if err != nil {
		return fmt.Errorf("put function: %w", err)
	}
	return nil
}

// GetSetting retrieves all variables of a setting as a flat map. An empty
// setting id yields an empty map.
func (s *Store) GetSetting(ctx context.Context, settingID string) (models.Settings, error) {
	if settingID == "" {
		return models.Settings{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT variable, value
		FROM settings
		WHERE setting_id = ?
	`, settingID)
	if err != nil {
		return nil, fmt.Errorf("get setting: %w", err)
	}
	defer rows.Close()

	setting := models.Settings{}
	for rows.Next() {
		var variable string
		var value sql.NullString
		if err := rows.Scan(&variable, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		if !value.Valid {
			setting[variable] = nil
			continue
		}
		// Values are JSON-encoded so any serializable type round-trips.
		var decoded any
		if err := json.Unmarshal([]byte(value.String), &decoded); err != nil {
			setting[variable] = value.String
			continue
		}
		setting[variable] = decoded
	}

	return setting, rows.Err()
}

// PutSettingValues stores the given variables under a setting id.
func (s *Store) PutSettingValues(ctx context.Context, settingID string, values models.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for variable, value := range values {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode setting %s: %w", variable, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO settings (setting_id, variable, value)
			VALUES (?, ?, ?)
			ON CONFLICT(setting_id, variable) DO UPDATE SET value = excluded.value
		`, settingID, variable, string(encoded))
		if err != nil {
			return fmt.Errorf("put setting %s: %w", variable, err)
		}
	}

	return tx.Commit()
}
