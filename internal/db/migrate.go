// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationStep is a single embedded schema migration. Migrations are
// compiled into the library so the embedding app never ships SQL files.
type migrationStep struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered schema history. Append only; never edit an
// applied step, since its checksum is recorded.
var migrations = []migrationStep{
	{
		Version:     1,
		Description: "offline_capture_schema",
		SQL: `
		CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			image_path TEXT NOT NULL DEFAULT '',
			project_id INTEGER NOT NULL,
			sync_token TEXT NOT NULL UNIQUE,
			pending_sync INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_locations_by_project ON locations(project_id);

		CREATE TABLE IF NOT EXISTS barcodes (
			id INTEGER PRIMARY KEY,
			value TEXT NOT NULL,
			location_id INTEGER NOT NULL,
			sync_token TEXT NOT NULL UNIQUE,
			pending_sync INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_barcodes_by_location ON barcodes(location_id);

		CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK(kind IN ('location', 'barcode')),
			action TEXT NOT NULL CHECK(action = 'create'),
			token TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_cache (
			key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			cached_at INTEGER NOT NULL
		);`,
	},
	{
		Version:     2,
		Description: "dead_letters",
		SQL: `
		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			token TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			failed_at INTEGER NOT NULL
		);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in version order.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	for _, step := range migrations {
		if appliedVersions[step.Version] {
			continue
		}
		if err := m.applyMigration(step); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", step.Version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration inside a transaction.
func (m *Migrator) applyMigration(step migrationStep) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(step.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(step.SQL))
	checksum := hex.EncodeToString(hash[:])

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, step.Version, time.Now().Unix(), step.Description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
