package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists events and sessions in PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// Connect opens the database, verifies connectivity, and applies any
// pending migrations.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(databaseURL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("Database connected")
	return &PostgresStore{db: db}, nil
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (p *PostgresStore) RecordEvent(ctx context.Context, deviceID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO device_events (device_id, event_type, payload) VALUES ($1, $2, $3)`,
		deviceID, eventType, data)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentEvents(ctx context.Context, deviceID string, limit int) ([]DeviceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, device_id, event_type, payload, created_at
		 FROM device_events WHERE device_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []DeviceEvent
	for rows.Next() {
		var ev DeviceEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) StartSession(ctx context.Context, s AgentSession) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, device_id, mode, start_reason, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.DeviceID, s.Mode, s.StartReason, s.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to start session record: %w", err)
	}
	return nil
}

func (p *PostgresStore) EndSession(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE agent_sessions SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`,
		sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session record: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
