package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// Open открывает пул соединений через pgx и проверяет доступность базы.
func Open(ctx context.Context, url string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(minConns, 1))
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Schema создает таблицы, если их нет.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id          UUID PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	call_id     TEXT NOT NULL,
	tool        TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	args_hash   CHAR(8),
	result_hash CHAR(8),
	status      TEXT NOT NULL,
	reason      TEXT,
	duration_ms DOUBLE PRECISION,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_agent_idx ON audit_logs (agent_id, timestamp);

CREATE TABLE IF NOT EXISTS agents (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Migrate применяет Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
