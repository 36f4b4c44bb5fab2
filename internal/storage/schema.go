package storage

import (
	"database/sql"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 2

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}
		if err := createCacheBlobsTable(tx); err != nil {
			return err
		}
		if err := createGraphTables(tx); err != nil {
			return err
		}
		if err := createBatchLogTable(tx); err != nil {
			return err
		}
		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", "version", currentSchemaVersion)
		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", "version", version)
		return nil
	}

	db.logger.Info("Running database migrations",
		"from_version", version,
		"to_version", currentSchemaVersion,
	)

	return db.WithTx(func(tx *sql.Tx) error {
		if version < 1 {
			if err := createSchemaVersionTable(tx); err != nil {
				return err
			}
			if err := createCacheBlobsTable(tx); err != nil {
				return err
			}
			if err := createGraphTables(tx); err != nil {
				return err
			}
		}
		// v2 adds the persisted batch log.
		if version < 2 {
			if err := createBatchLogTable(tx); err != nil {
				return err
			}
		}
		return setSchemaVersion(tx, currentSchemaVersion)
	})
}

// getSchemaVersion gets the current schema version
func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// setSchemaVersion sets the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

func createSchemaVersionTable(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

func createCacheBlobsTable(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS cache_blobs (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create cache_blobs table: %w", err)
	}
	return nil
}

func createGraphTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS graph_nodes (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			properties_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)
	`); err != nil {
		return fmt.Errorf("failed to create graph_nodes table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS graph_relationships (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			properties_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)
	`); err != nil {
		return fmt.Errorf("failed to create graph_relationships table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(workspace_id, type)",
		"CREATE INDEX IF NOT EXISTS idx_graph_rel_from ON graph_relationships(workspace_id, from_id)",
		"CREATE INDEX IF NOT EXISTS idx_graph_rel_to ON graph_relationships(workspace_id, to_id)",
		"CREATE INDEX IF NOT EXISTS idx_graph_rel_origin ON graph_relationships(workspace_id, origin)",
	}
	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to create graph index: %w", err)
		}
	}
	return nil
}

func createBatchLogTable(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS batch_log (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			change_count INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			nodes_affected INTEGER NOT NULL DEFAULT 0,
			relationships_updated INTEGER NOT NULL DEFAULT 0,
			depth_reached INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			applied_at TEXT
		)
	`); err != nil {
		return fmt.Errorf("failed to create batch_log table: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_batch_log_workspace ON batch_log(workspace_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create batch_log index: %w", err)
	}
	return nil
}
