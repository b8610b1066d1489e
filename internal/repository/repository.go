package repository

import (
	"context"
	"database/sql"
	"time"

	"smartplug_control/internal/models"
)

type Authorization interface {
	Create(ctx context.Context, username, hash string) (int, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// EnergyRepo is the append-only energy_data ledger.
type EnergyRepo interface {
	Insert(ctx context.Context, row models.EnergyRow) (int64, error)
	Latest(ctx context.Context, ip string) (models.EnergyRow, bool, error)
	List(ctx context.Context, ip string, offset, limit int) ([]models.EnergyRow, error)
}

// DeviceConfigRepo caches device discovery results keyed by ip_or_host.
type DeviceConfigRepo interface {
	GetDeviceConfig(ctx context.Context, key string) (models.DeviceConfig, bool, error)
	SaveDeviceConfig(ctx context.Context, cfg models.DeviceConfig) error
	ListDeviceConfigs(ctx context.Context) ([]models.DeviceConfig, error)
}

type ControlStateRepo interface {
	Save(ctx context.Context, s models.ControlState) error
	Load(ctx context.Context) (models.ControlState, error)
}

type PlugEventRepo interface {
	Append(ctx context.Context, e models.PlugEvent) error
	List(ctx context.Context, f EventFilter) ([]models.PlugEvent, error)
}

// EventFilter narrows PlugEventRepo.List. Zero fields are ignored.
type EventFilter struct {
	From time.Time
	To   time.Time
	Type string
	IP   string
}

type PrintCostRepo interface {
	Record(ctx context.Context, c models.PrintCost) (int64, error)
	List(ctx context.Context, limit int) ([]models.PrintCost, error)
}

type Repository struct {
	Energy        EnergyRepo
	DeviceConfigs DeviceConfigRepo
	ControlState  ControlStateRepo
	Events        PlugEventRepo
	PrintCosts    PrintCostRepo
	Auth          Authorization
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Energy:        NewEnergySQLite(db),
		DeviceConfigs: NewDeviceConfigSQLite(db),
		ControlState:  NewControlStateSQLite(db),
		Events:        NewPlugEventSQLite(db),
		PrintCosts:    NewPrintCostSQLite(db),
		Auth:          NewUserRepository(db),
	}
}
