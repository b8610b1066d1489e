package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"smartplug_control/internal/models"
)

type PrintCostSQLite struct {
	db *sql.DB
}

func NewPrintCostSQLite(db *sql.DB) *PrintCostSQLite { return &PrintCostSQLite{db: db} }

var _ PrintCostRepo = (*PrintCostSQLite)(nil)

const (
	insertPrintCostSQL = `
		INSERT INTO print_costs (origin, path, energy_kwh, cost, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`

	selectPrintCostsSQL = `
		SELECT id, origin, path, energy_kwh, cost, recorded_at
		FROM print_costs ORDER BY id DESC LIMIT ?
	`
)

func (r *PrintCostSQLite) Record(ctx context.Context, c models.PrintCost) (int64, error) {
	ts := c.RecordedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := r.db.ExecContext(ctx, insertPrintCostSQL, c.Origin, c.Path, c.EnergyKWh, c.Cost, ts.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert print cost for %s/%s: %w", c.Origin, c.Path, err)
	}
	return res.LastInsertId()
}

// List returns the newest limit entries.
func (r *PrintCostSQLite) List(ctx context.Context, limit int) ([]models.PrintCost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, selectPrintCostsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("select print costs: %w", err)
	}
	defer rows.Close()

	var out []models.PrintCost
	for rows.Next() {
		var c models.PrintCost
		if err := rows.Scan(&c.ID, &c.Origin, &c.Path, &c.EnergyKWh, &c.Cost, &c.RecordedAt); err != nil {
			return nil, err
		}
		c.RecordedAt = c.RecordedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
