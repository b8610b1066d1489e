package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smartplug_control/internal/models"
)

type EnergySQLite struct {
	db *sql.DB
}

func NewEnergySQLite(db *sql.DB) *EnergySQLite { return &EnergySQLite{db: db} }

var _ EnergyRepo = (*EnergySQLite)(nil)

// energyTimeLayout sorts lexically in timestamp order.
const energyTimeLayout = "2006-01-02 15:04:05.000000"

const (
	insertEnergySQL = `
		INSERT INTO energy_data (ip, timestamp, voltage, current, power, total, grandtotal)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	selectLatestEnergySQL = `
		SELECT id, ip, timestamp, voltage, current, power, total, grandtotal
		FROM energy_data WHERE ip = ? ORDER BY id DESC LIMIT 1
	`

	selectEnergyPageSQL = `
		SELECT id, ip, timestamp, voltage, current, power, total, grandtotal
		FROM energy_data WHERE ip = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`
)

// Insert appends one row. A zero Timestamp is replaced with now.
func (r *EnergySQLite) Insert(ctx context.Context, row models.EnergyRow) (int64, error) {
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := r.db.ExecContext(ctx, insertEnergySQL,
		row.IP,
		ts.UTC().Format(energyTimeLayout),
		row.Voltage,
		row.Current,
		row.Power,
		row.Total,
		row.GrandTotal,
	)
	if err != nil {
		return 0, fmt.Errorf("insert energy row for %s: %w", row.IP, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id for %s: %w", row.IP, err)
	}
	return id, nil
}

// Latest returns the most recently inserted row for ip.
func (r *EnergySQLite) Latest(ctx context.Context, ip string) (models.EnergyRow, bool, error) {
	row, err := scanEnergyRow(r.db.QueryRowContext(ctx, selectLatestEnergySQL, ip))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EnergyRow{}, false, nil
		}
		return models.EnergyRow{}, false, fmt.Errorf("select latest energy row for %s: %w", ip, err)
	}
	return row, true, nil
}

// List pages through the rows of ip, newest first.
func (r *EnergySQLite) List(ctx context.Context, ip string, offset, limit int) ([]models.EnergyRow, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, selectEnergyPageSQL, ip, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select energy rows for %s: %w", ip, err)
	}
	defer rows.Close()

	out := make([]models.EnergyRow, 0, limit)
	for rows.Next() {
		row, err := scanEnergyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan energy row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnergyRow(s rowScanner) (models.EnergyRow, error) {
	var (
		row models.EnergyRow
		ip  sql.NullString
	)
	if err := s.Scan(&row.ID, &ip, &row.Timestamp, &row.Voltage, &row.Current, &row.Power, &row.Total, &row.GrandTotal); err != nil {
		return models.EnergyRow{}, err
	}
	row.IP = ip.String
	row.Timestamp = row.Timestamp.UTC()
	return row, nil
}
