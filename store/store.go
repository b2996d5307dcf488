// Package store implements the Persistence Writer (C3): a SQLite-backed
// durable record of readings, device status, incidents, and boots, fed
// from the State Store's change stream.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/mod/semver"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// DB wraps the SQLite connection, schema migrations, and version guard.
// The relational store connection pool is owned exclusively by the
// Persistence Writer, per spec's shared-resource policy.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) a SQLite database at path and applies the
// pragmas appropriate for a single-writer/many-reader workload.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// SQLite performs best with a single write connection; WAL still
	// allows concurrent readers for history queries.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("store: exec %q: %w", p, err)
		}
	}

	db := &DB{sql: sqlDB}
	if err := db.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.sql.Close() }

// timeLayout is a fixed-width UTC timestamp format for storage. Unlike
// time.RFC3339Nano, which trims trailing zero fractional digits, this
// layout is always the same length, so lexical ordering of the stored
// TEXT column matches chronological ordering for WHERE/ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS _migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS _schema_meta (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		app_version TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id  TEXT PRIMARY KEY,
		status     TEXT NOT NULL DEFAULT 'unknown',
		health     TEXT,
		version    TEXT,
		last_seen  TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_readings (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id  TEXT NOT NULL,
		metric     TEXT NOT NULL,
		value      REAL NOT NULL,
		ts         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sensor_readings_lookup
		ON sensor_readings (device_id, metric, ts)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id  TEXT NOT NULL,
		code       TEXT NOT NULL,
		message    TEXT,
		opened_at  TEXT NOT NULL,
		last_seen  TEXT NOT NULL,
		resolved_at TEXT,
		resolution_note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_open
		ON incidents (device_id, code, resolved_at)`,
	`CREATE TABLE IF NOT EXISTS device_boots (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id  TEXT NOT NULL,
		ts         TEXT NOT NULL,
		reason     TEXT,
		success    INTEGER NOT NULL
	)`,
}

// migrate applies any migration steps not yet recorded in
// _migrations. Steps are idempotent (CREATE ... IF NOT EXISTS) so a
// partially-applied migration can be safely retried.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.sql.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("store: ensure migrations table: %w", err)
	}

	var applied int
	row := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migrations WHERE version = ?`, schemaVersion)
	if err := row.Scan(&applied); err != nil {
		return fmt.Errorf("store: check migration state: %w", err)
	}
	if applied > 0 {
		return nil
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	for _, stmt := range migrations[1:] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO _migrations (version) VALUES (?)`, schemaVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: record migration: %w", err)
	}
	return tx.Commit()
}

// CheckVersion refuses to open a database written by a newer binary
// than currentVersion (both must be valid semver, e.g. "v1.4.0"), to
// avoid an older server misreading a schema it doesn't understand. A
// database with no recorded version is stamped with currentVersion.
func (db *DB) CheckVersion(ctx context.Context, currentVersion string) error {
	var stored string
	err := db.sql.QueryRowContext(ctx, `SELECT app_version FROM _schema_meta WHERE id = 1`).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = db.sql.ExecContext(ctx, `INSERT INTO _schema_meta (id, app_version) VALUES (1, ?)`, currentVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("store: query schema version: %w", err)
	}

	if !semver.IsValid(stored) || !semver.IsValid(currentVersion) {
		return nil // dev builds and similar non-semver tags always pass
	}
	if semver.Compare(stored, currentVersion) > 0 {
		return fmt.Errorf("store: database schema is from a newer version (%s > %s)", stored, currentVersion)
	}
	return nil
}
