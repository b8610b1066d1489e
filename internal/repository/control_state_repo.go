package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"smartplug_control/internal/models"
)

type ControlStateSQLite struct {
	db *sql.DB
}

func NewControlStateSQLite(db *sql.DB) *ControlStateSQLite {
	return &ControlStateSQLite{db: db}
}

var _ ControlStateRepo = (*ControlStateSQLite)(nil)

const (
	controlStateRowID = 1

	upsertControlStateSQL = `
		INSERT INTO control_state (id, power_off_when_idle, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			power_off_when_idle=excluded.power_off_when_idle,
			updated_at=excluded.updated_at
	`

	selectControlStateSQL = `
		SELECT id, power_off_when_idle, updated_at
		FROM control_state WHERE id=?
	`
)

// Save upserts the control_state row (id always 1).
func (r *ControlStateSQLite) Save(ctx context.Context, s models.ControlState) error {
	ts := s.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertControlStateSQL, controlStateRowID, s.PowerOffWhenIdle, ts)
	return err
}

// Load returns the zero state when nothing was saved yet.
func (r *ControlStateSQLite) Load(ctx context.Context) (models.ControlState, error) {
	var s models.ControlState
	err := r.db.QueryRowContext(ctx, selectControlStateSQL, controlStateRowID).
		Scan(&s.ID, &s.PowerOffWhenIdle, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ControlState{}, nil
		}
		return models.ControlState{}, err
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}
