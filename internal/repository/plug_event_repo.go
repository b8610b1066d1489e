package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"smartplug_control/internal/models"

	"github.com/google/uuid"
)

type PlugEventSQLite struct {
	db *sql.DB
}

func NewPlugEventSQLite(db *sql.DB) *PlugEventSQLite { return &PlugEventSQLite{db: db} }

var _ PlugEventRepo = (*PlugEventSQLite)(nil)

const insertPlugEventSQL = `
		INSERT INTO plug_events (id, occurred_at, type, ip, message, meta)
		VALUES (?, ?, ?, ?, ?, ?)
	`

// Append inserts a new event, filling in EventID and OccurredAt when empty.
func (r *PlugEventSQLite) Append(ctx context.Context, e models.PlugEvent) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	} else {
		e.OccurredAt = e.OccurredAt.UTC()
	}

	var meta *string
	if e.Metadata != nil {
		if b, err := json.Marshal(e.Metadata); err == nil {
			s := string(b)
			meta = &s
		}
	}
	var ip *string
	if v := strings.TrimSpace(e.IP); v != "" {
		ip = &v
	}

	_, err := r.db.ExecContext(ctx, insertPlugEventSQL,
		e.EventID,
		e.OccurredAt.Format("2006-01-02 15:04:05"),
		strings.ToUpper(strings.TrimSpace(e.Type)),
		ip,
		e.Description,
		meta,
	)
	return err
}

// List returns events matching f, oldest first.
func (r *PlugEventSQLite) List(ctx context.Context, f EventFilter) ([]models.PlugEvent, error) {
	var (
		conds []string
		args  []any
	)
	if !f.From.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.From.UTC().Format("2006-01-02 15:04:05"))
	}
	if !f.To.IsZero() {
		conds = append(conds, "occurred_at <= ?")
		args = append(args, f.To.UTC().Format("2006-01-02 15:04:05"))
	}
	if typ := strings.ToUpper(strings.TrimSpace(f.Type)); typ != "" {
		conds = append(conds, "type = ?")
		args = append(args, typ)
	}
	if ip := strings.TrimSpace(f.IP); ip != "" {
		conds = append(conds, "ip = ?")
		args = append(args, ip)
	}

	q := `SELECT id, occurred_at, type, ip, message, meta FROM plug_events`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY occurred_at ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PlugEvent, 0, 64)
	for rows.Next() {
		var (
			ev   models.PlugEvent
			ip   sql.NullString
			meta sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.OccurredAt, &ev.Type, &ip, &ev.Description, &meta); err != nil {
			return nil, err
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.IP = ip.String
		if meta.Valid && meta.String != "" {
			var v any
			if err := json.Unmarshal([]byte(meta.String), &v); err == nil {
				ev.Metadata = v
			} else {
				ev.Metadata = meta.String
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
