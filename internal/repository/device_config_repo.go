package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartplug_control/internal/models"
)

type DeviceConfigSQLite struct {
	db *sql.DB
}

func NewDeviceConfigSQLite(db *sql.DB) *DeviceConfigSQLite { return &DeviceConfigSQLite{db: db} }

var _ DeviceConfigRepo = (*DeviceConfigSQLite)(nil)

const (
	upsertDeviceConfigSQL = `
		INSERT INTO device_configs (ip_or_host, protocol, config, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ip_or_host) DO UPDATE SET
			protocol=excluded.protocol,
			config=excluded.config,
			updated_at=excluded.updated_at
	`

	selectDeviceConfigSQL = `SELECT config FROM device_configs WHERE ip_or_host = ?`

	selectDeviceConfigsSQL = `SELECT config FROM device_configs ORDER BY ip_or_host ASC`
)

// GetDeviceConfig returns the cached config for key. found is false when
// nothing is stored.
func (r *DeviceConfigSQLite) GetDeviceConfig(ctx context.Context, key string) (models.DeviceConfig, bool, error) {
	key = strings.TrimSpace(key)
	var raw string
	if err := r.db.QueryRowContext(ctx, selectDeviceConfigSQL, key).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeviceConfig{}, false, nil
		}
		return models.DeviceConfig{}, false, fmt.Errorf("select device config %q: %w", key, err)
	}
	var cfg models.DeviceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return models.DeviceConfig{}, false, fmt.Errorf("decode device config %q: %w", key, err)
	}
	if cfg.Key == "" {
		cfg.Key = key
	}
	return cfg, true, nil
}

// SaveDeviceConfig upserts cfg under cfg.Key.
func (r *DeviceConfigSQLite) SaveDeviceConfig(ctx context.Context, cfg models.DeviceConfig) error {
	cfg.Key = strings.TrimSpace(cfg.Key)
	if cfg.Key == "" {
		return errors.New("device config without key")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = models.ProtocolLegacy
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode device config %q: %w", cfg.Key, err)
	}
	if _, err := r.db.ExecContext(ctx, upsertDeviceConfigSQL, cfg.Key, cfg.Protocol, string(b), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert device config %q: %w", cfg.Key, err)
	}
	return nil
}

func (r *DeviceConfigSQLite) ListDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error) {
	rows, err := r.db.QueryContext(ctx, selectDeviceConfigsSQL)
	if err != nil {
		return nil, fmt.Errorf("select device configs: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cfg models.DeviceConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			continue // skip rows written by an incompatible version
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
