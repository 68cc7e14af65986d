package store

import (
	"database/sql"
	"fmt"
)

// currentSchemaVersion is stored in PRAGMA user_version.
const currentSchemaVersion = 4

// schemaV1 is the original layout. Migrations build on top of it, so it must
// never change.
const schemaV1 = `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		five_hour_util REAL,
		five_hour_resets_at INTEGER,
		seven_day_util REAL,
		seven_day_resets_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS rollups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		period_start INTEGER NOT NULL,
		period_end INTEGER NOT NULL,
		resolution TEXT NOT NULL,
		five_hour_avg REAL,
		five_hour_peak REAL,
		five_hour_min REAL,
		seven_day_avg REAL,
		seven_day_peak REAL,
		seven_day_min REAL,
		reset_count INTEGER NOT NULL DEFAULT 0,
		waste_credits REAL
	);

	CREATE TABLE IF NOT EXISTS reset_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		five_hour_peak REAL,
		seven_day_util REAL,
		tier TEXT,
		used_credits REAL,
		constrained_credits REAL,
		unused_credits REAL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples(timestamp);
	CREATE INDEX IF NOT EXISTS idx_rollups_resolution_start ON rollups(resolution, period_start);
	CREATE INDEX IF NOT EXISTS idx_reset_events_timestamp ON reset_events(timestamp);
`

const rollupMetadataDDL = `
	CREATE TABLE IF NOT EXISTS rollup_metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)
`

type column struct {
	name string
	decl string
}

var sampleExtraColumns = []column{
	{"extra_usage_util", "REAL"},
	{"extra_usage_used_credits", "REAL"},
	{"extra_usage_monthly_limit", "REAL"},
}

var rollupExtraColumns = []column{
	{"extra_usage_avg", "REAL"},
	{"extra_usage_peak", "REAL"},
	{"extra_usage_credits", "REAL"},
}

// migration upgrades the schema from version-1 to version.
type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 2,
		name:    "add rollup_metadata table",
		apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(rollupMetadataDDL)
			return err
		},
	},
	{
		version: 3,
		name:    "add extra-usage columns to samples",
		apply: func(tx *sql.Tx) error {
			return addColumns(tx, "samples", sampleExtraColumns)
		},
	},
	{
		version: 4,
		name:    "add extra-usage columns to rollups",
		apply: func(tx *sql.Tx) error {
			return addColumns(tx, "rollups", rollupExtraColumns)
		},
	},
}

// ensureSchema brings the database to currentSchemaVersion. Caller holds s.mu.
func (s *Store) ensureSchema() error {
	version, err := userVersion(s.db)
	if err != nil {
		return &SchemaFailedError{Err: err}
	}

	switch {
	case version == currentSchemaVersion:
		return nil
	case version > currentSchemaVersion:
		s.logger.Warn("Database schema is newer than this build, continuing",
			"version", version,
			"supported", currentSchemaVersion,
		)
		return nil
	case version == 0:
		if err := s.createSchema(); err != nil {
			return &SchemaFailedError{Err: err}
		}
		s.logger.Info("Created history schema", "version", currentSchemaVersion)
		return nil
	}

	if err := s.runMigrations(version); err != nil {
		return &SchemaFailedError{Err: err}
	}
	return nil
}

// createSchema lays down the full current schema on an empty database.
func (s *Store) createSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.Exec(rollupMetadataDDL); err != nil {
		return fmt.Errorf("failed to create rollup_metadata: %w", err)
	}
	if err := addColumns(tx, "samples", sampleExtraColumns); err != nil {
		return err
	}
	if err := addColumns(tx, "rollups", rollupExtraColumns); err != nil {
		return err
	}
	if err := setUserVersion(tx, currentSchemaVersion); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// runMigrations applies every migration newer than from, in order, and only
// advances user_version once all of them succeeded.
func (s *Store) runMigrations(from int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		if err := m.apply(tx); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		applied++
	}

	if err := setUserVersion(tx, currentSchemaVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	s.logger.Info("Migrated history schema",
		"from", from,
		"to", currentSchemaVersion,
		"applied", applied,
	)
	return nil
}

// addColumns adds each missing column. Existing columns are left alone.
func addColumns(tx *sql.Tx, table string, cols []column) error {
	for _, c := range cols {
		exists, err := tableHasColumn(tx, table, c.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, c.name, c.decl)); err != nil {
			return fmt.Errorf("failed to add %s to %s: %w", c.name, table, err)
		}
	}
	return nil
}

func tableHasColumn(q querier, tableName, columnName string) (bool, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", tableName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table_info for %s: %w", tableName, err)
		}
		if name == columnName {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate table_info for %s: %w", tableName, err)
	}
	return false, nil
}

func userVersion(q querier) (int, error) {
	var v int
	if err := q.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return v, nil
}

func setUserVersion(tx *sql.Tx, v int) error {
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
