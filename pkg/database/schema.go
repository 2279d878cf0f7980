package database

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS indicators (
		id         BIGSERIAL PRIMARY KEY,
		value      TEXT NOT NULL UNIQUE,
		kind       TEXT NOT NULL DEFAULT 'ip',
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id           BIGSERIAL PRIMARY KEY,
		host         TEXT NOT NULL,
		pid          BIGINT,
		process_name TEXT,
		local_addr   TEXT NOT NULL DEFAULT '',
		remote_addr  TEXT NOT NULL DEFAULT '',
		remote_port  INTEGER,
		observed_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id            BIGSERIAL PRIMARY KEY,
		indicator_id  BIGINT NOT NULL REFERENCES indicators(id),
		connection_id BIGINT NOT NULL UNIQUE REFERENCES connections(id),
		status        TEXT NOT NULL DEFAULT 'open',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS indicators (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		value      TEXT NOT NULL UNIQUE,
		kind       TEXT NOT NULL DEFAULT 'ip',
		enabled    BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		host         TEXT NOT NULL,
		pid          INTEGER,
		process_name TEXT,
		local_addr   TEXT NOT NULL DEFAULT '',
		remote_addr  TEXT NOT NULL DEFAULT '',
		remote_port  INTEGER,
		observed_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		indicator_id  INTEGER NOT NULL REFERENCES indicators(id),
		connection_id INTEGER NOT NULL UNIQUE REFERENCES connections(id),
		status        TEXT NOT NULL DEFAULT 'open',
		created_at    TIMESTAMP NOT NULL
	)`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_connections_observed_at ON connections(observed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status)`,
}

// SchemaStatements returns the idempotent bootstrap DDL for dialect.
func SchemaStatements(dialect Dialect) []string {
	var stmts []string
	if dialect == Postgres {
		stmts = append(stmts, postgresSchema...)
	} else {
		stmts = append(stmts, sqliteSchema...)
	}
	return append(stmts, indexes...)
}

// Migrate creates tables and indexes if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range SchemaStatements(d.dialect) {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
