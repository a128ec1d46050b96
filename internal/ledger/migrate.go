package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is applied in order; each runs exactly once, tracked in
// schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "relay_sessions",
		SQL: `
		CREATE TABLE IF NOT EXISTS relay_sessions (
			id             TEXT PRIMARY KEY,
			event          TEXT NOT NULL,
			provider       TEXT NOT NULL,
			status         TEXT NOT NULL,
			deltas         INTEGER DEFAULT 0,
			output_bytes   INTEGER DEFAULT 0,
			error_class    TEXT DEFAULT '',
			started_at     INTEGER NOT NULL,
			first_delta_ms INTEGER DEFAULT 0,
			duration_ms    INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON relay_sessions(started_at);
		`,
	},
	{
		Version:     2,
		Description: "attachment counts, provider index",
		SQL: `
		ALTER TABLE relay_sessions ADD COLUMN attachments INTEGER DEFAULT 0;
		CREATE INDEX IF NOT EXISTS idx_sessions_provider ON relay_sessions(provider, status);
		`,
	},
}

func schemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// runMigrations applies all pending schema migrations inside one transaction
// each.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying ledger migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
