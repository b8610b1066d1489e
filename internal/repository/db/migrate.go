package db

import (
	"database/sql"
	"fmt"
)

const selectEnergyColumnsSQL = `SELECT name FROM pragma_table_info('energy_data')`

// Rebuilds energy_data with a running grandtotal per ip: the sum of the
// positive steps in total. The first row of an ip and a drop in total (a device
// reboot) add nothing. Rows with no power, no previous power and no change in
// total are dropped, matching the live write policy.
const (
	renameEnergyDataSQL = `ALTER TABLE energy_data RENAME TO _energy_data`

	copyEnergyDataSQL = `
INSERT INTO energy_data (ip, timestamp, voltage, current, power, total, grandtotal)
SELECT ip, timestamp, voltage, current, power, total, grandtotal FROM (
    WITH deltas AS (
        SELECT *,
            total - LAG(total, 1) OVER (PARTITION BY ip ORDER BY id) AS delta,
            LAG(power, 1) OVER (PARTITION BY ip ORDER BY id) AS prev_power
        FROM _energy_data
    )
    SELECT *,
        ROUND(SUM(MAX(COALESCE(delta, 0), 0))
            OVER (PARTITION BY ip ORDER BY id ROWS BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW), 6) AS grandtotal
    FROM deltas
    WHERE power > 0 OR prev_power > 0 OR delta <> 0 OR delta IS NULL
)
ORDER BY id`

	dropOldEnergyDataSQL = `DROP TABLE _energy_data`
	vacuumSQL            = `VACUUM`
)

// MigrateEnergyData upgrades an energy_data table that predates the grandtotal
// column. It reports whether a migration ran.
func MigrateEnergyData(db *sql.DB) (bool, error) {
	cols, err := energyColumns(db)
	if err != nil {
		return false, err
	}
	if len(cols) == 0 || cols["grandtotal"] {
		return false, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin energy migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{
		renameEnergyDataSQL,
		schemaEnergyData,
		copyEnergyDataSQL,
		dropOldEnergyDataSQL,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return false, fmt.Errorf("energy migration step %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit energy migration: %w", err)
	}

	if _, err := db.Exec(vacuumSQL); err != nil {
		return true, fmt.Errorf("vacuum after energy migration: %w", err)
	}
	return true, nil
}

func energyColumns(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(selectEnergyColumnsSQL)
	if err != nil {
		return nil, fmt.Errorf("inspect energy_data: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan energy_data column: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
