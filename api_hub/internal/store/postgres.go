package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devicemanager/pkg/database"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Directory and AuditSink on Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return database.ApplySchema(ctx, s.db, schema)
}

func (s *PostgresStore) DeviceInTenant(ctx context.Context, deviceID, tenantID uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1 AND tenant_id = $2)`,
		deviceID, tenantID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check device tenant: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, deviceID uuid.UUID, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET online = $2, last_seen = $3 WHERE id = $1`,
		deviceID, online, at,
	)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return requireRow(res)
}

// DisplayInfo returns room and building names. Either may be nil when the
// device is not placed.
func (s *PostgresStore) DisplayInfo(ctx context.Context, deviceID uuid.UUID) (DisplayInfo, error) {
	var room, building sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT r.name, b.name
		FROM devices d
		LEFT JOIN rooms r ON r.id = d.room_id
		LEFT JOIN buildings b ON b.id = r.building_id
		WHERE d.id = $1
	`, deviceID).Scan(&room, &building)
	if errors.Is(err, sql.ErrNoRows) {
		return DisplayInfo{}, ErrDeviceNotFound
	}
	if err != nil {
		return DisplayInfo{}, fmt.Errorf("lookup display info: %w", err)
	}
	return DisplayInfo{RoomName: nullable(room), BuildingName: nullable(building)}, nil
}

func (s *PostgresStore) RecordQueryExecution(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET query_executions = query_executions + 1, last_query_at = $2 WHERE id = $1`,
		deviceID, at,
	)
	if err != nil {
		return fmt.Errorf("record query execution: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) GetDevice(ctx context.Context, deviceID uuid.UUID) (*Device, error) {
	var (
		d         Device
		roomID    uuid.NullUUID
		lastSeen  sql.NullTime
		lastQuery sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, room_id, online, last_seen, query_executions, last_query_at
		FROM devices
		WHERE id = $1
	`, deviceID).Scan(&d.ID, &d.TenantID, &d.Name, &roomID, &d.Online, &lastSeen, &d.QueryExecutions, &lastQuery)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if roomID.Valid {
		d.RoomID = &roomID.UUID
	}
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}
	if lastQuery.Valid {
		d.LastQueryAt = &lastQuery.Time
	}
	return &d, nil
}

func (s *PostgresStore) RecordCommand(ctx context.Context, rec CommandRecord) error {
	var payload any
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_audit (id, tenant_id, device_id, kind, requested_by, payload, status, message, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.TenantID, rec.DeviceID, string(rec.Kind), rec.RequestedBy, payload, string(rec.Status), rec.Message, rec.IssuedAt)
	if err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCommandStatus(ctx context.Context, commandID uuid.UUID, status CommandStatus, message *string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_audit SET status = $2, message = $3, completed_at = $4 WHERE id = $1`,
		commandID, string(status), message, at,
	)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update command status: command %s not recorded", commandID)
	}
	return nil
}

// RecordQueryResult upserts so a device retrying after a lost completion does not fail.
func (s *PostgresStore) RecordQueryResult(ctx context.Context, r QueryResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_results (execution_id, tenant_id, device_id, success, error_message, raw_json, duration_ms, row_count, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id) DO UPDATE SET
			success = EXCLUDED.success,
			error_message = EXCLUDED.error_message,
			raw_json = EXCLUDED.raw_json,
			duration_ms = EXCLUDED.duration_ms,
			row_count = EXCLUDED.row_count,
			received_at = EXCLUDED.received_at
	`, r.ExecutionID, r.TenantID, r.DeviceID, r.Success, r.ErrorMessage, r.RawJSON, r.DurationMs, r.RowCount, r.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record query result: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
