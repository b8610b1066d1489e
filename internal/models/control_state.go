package models

import "time"

// ControlState holds runtime toggles that survive a restart.
type ControlState struct {
	ID               int       `json:"id"`
	PowerOffWhenIdle bool      `json:"power_off_when_idle"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PrintCost is the energy and cost attached to a finished print file.
type PrintCost struct {
	ID         int64     `json:"id"`
	Origin     string    `json:"origin"`
	Path       string    `json:"path"`
	EnergyKWh  float64   `json:"energy_kwh"`
	Cost       float64   `json:"cost"`
	RecordedAt time.Time `json:"recorded_at"`
}
