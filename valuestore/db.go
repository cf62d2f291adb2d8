// Package valuestore persists executions, versioned metric values,
// raw activity values, and their "latest" projections in SQLite.
//
// Versioned tables are append-only. Each latest table holds exactly one
// row per natural key and is maintained by a conditional upsert that
// runs in the same transaction as the versioned insert: the latest row
// is replaced only when the incoming created_at is greater than or
// equal to the existing one, so out-of-order arrival of an older value
// never regresses the projection. Error-flagged activity rows are kept
// in history but never become the latest value.
package valuestore

import (
	"database/sql"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/metricflow/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	doc         TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_pipeline ON executions (pipeline_id, created_at);

CREATE TABLE IF NOT EXISTS metrics (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	group_id         TEXT NOT NULL,
	date             DATETIME NOT NULL,
	time_unit        TEXT NOT NULL,
	aggregation_type TEXT NOT NULL,
	UNIQUE (name, group_id, date, time_unit)
);

CREATE TABLE IF NOT EXISTS metric_values (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_id        TEXT NOT NULL,
	name             TEXT NOT NULL,
	group_id         TEXT NOT NULL,
	date             DATETIME NOT NULL,
	time_unit        TEXT NOT NULL,
	execution_id     TEXT,
	pipeline_id      TEXT,
	created_at       DATETIME NOT NULL,
	group_value      REAL NOT NULL,
	sub_groups_value REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_values_metric ON metric_values (metric_id, created_at);

CREATE TABLE IF NOT EXISTS metric_latest_values (
	metric_id        TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	group_id         TEXT NOT NULL,
	date             DATETIME NOT NULL,
	time_unit        TEXT NOT NULL,
	execution_id     TEXT,
	pipeline_id      TEXT,
	created_at       DATETIME NOT NULL,
	group_value      REAL NOT NULL,
	sub_groups_value REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_values (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id      TEXT NOT NULL,
	attribute_name TEXT NOT NULL,
	group_id       TEXT NOT NULL,
	obs_date       DATETIME NOT NULL,
	value          REAL NOT NULL,
	is_error       INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	execution_id   TEXT,
	pipeline_id    TEXT,
	created_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_values_entity ON activity_values (entity_id, attribute_name, created_at);

CREATE TABLE IF NOT EXISTS activity_latest_values (
	entity_id      TEXT NOT NULL,
	attribute_name TEXT NOT NULL,
	group_id       TEXT NOT NULL,
	obs_date       DATETIME NOT NULL,
	value          REAL NOT NULL,
	execution_id   TEXT,
	pipeline_id    TEXT,
	created_at     DATETIME NOT NULL,
	PRIMARY KEY (entity_id, attribute_name)
);
CREATE INDEX IF NOT EXISTS idx_activity_latest_group ON activity_latest_values (group_id, attribute_name, obs_date);

CREATE TABLE IF NOT EXISTS metric_staging (
	metric_id        TEXT NOT NULL,
	group_id         TEXT NOT NULL,
	date             DATETIME NOT NULL,
	time_unit        TEXT NOT NULL,
	name             TEXT NOT NULL,
	execution_id     TEXT,
	pipeline_id      TEXT,
	created_at       DATETIME NOT NULL,
	group_value      REAL NOT NULL,
	sub_groups_value REAL NOT NULL,
	is_latest        INTEGER NOT NULL DEFAULT 0
);
`

// DB is the SQLite-backed value store
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and applies
// the schema. Use ":memory:" for an ephemeral database.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.WrapInvalid(nil, "ValueStore", "Open", "database path cannot be empty")
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.WrapFatal(err, "ValueStore", "Open", "open database")
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "ValueStore", "Open", "apply schema")
	}

	logger.Debug("Value store opened", "path", path)
	return &DB{sql: conn, logger: logger}, nil
}

// Close releases the underlying database handle
func (d *DB) Close() error {
	if err := d.sql.Close(); err != nil {
		return errors.Wrap(err, "ValueStore", "Close", "close database")
	}
	return nil
}
