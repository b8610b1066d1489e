package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens/creates the SQLite file, migrates old energy tables and
// ensures every table exists.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// SQLite handles a single writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := MigrateEnergyData(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

const sqliteDriverName = "sqlite"

const schemaEnergyData = `
CREATE TABLE IF NOT EXISTS energy_data (
    id INTEGER PRIMARY KEY,
    ip TEXT,
    timestamp DATETIME,
    voltage REAL,
    current REAL,
    power REAL,
    total REAL,
    grandtotal REAL
);
`

const schemaEnergyIndex = `
CREATE INDEX IF NOT EXISTS idx_energy_data_ip_ts ON energy_data (ip, timestamp);
`

const schemaDeviceConfigs = `
CREATE TABLE IF NOT EXISTS device_configs (
    ip_or_host TEXT PRIMARY KEY,
    protocol TEXT NOT NULL,
    config TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaControlState = `
CREATE TABLE IF NOT EXISTS control_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    power_off_when_idle BOOLEAN NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaPlugEvents = `
CREATE TABLE IF NOT EXISTS plug_events (
    id TEXT PRIMARY KEY,
    occurred_at TIMESTAMP NOT NULL,
    type TEXT NOT NULL,
    ip TEXT,
    message TEXT NOT NULL,
    meta TEXT
);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL
);
`

const schemaPrintCosts = `
CREATE TABLE IF NOT EXISTS print_costs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    origin TEXT NOT NULL,
    path TEXT NOT NULL,
    energy_kwh REAL NOT NULL,
    cost REAL NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
`

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		schemaEnergyData,
		schemaEnergyIndex,
		schemaDeviceConfigs,
		schemaControlState,
		schemaPlugEvents,
		schemaUsers,
		schemaPrintCosts,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
