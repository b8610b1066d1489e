package models

import "time"

// Relay states reported in a StatusSnapshot.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateUnknown = "unknown"
)

// EmeterReading is a normalized meter sample: volts, amps, watts, kWh.
// GrandTotal is filled in by the energy ledger.
type EmeterReading struct {
	Voltage    float64 `json:"voltage"`
	Current    float64 `json:"current"`
	Power      float64 `json:"power"`
	Total      float64 `json:"total"`
	GrandTotal float64 `json:"grandtotal"`
}

// StatusSnapshot is the result of every status check.
type StatusSnapshot struct {
	CurrentState string         `json:"currentState"` // on | off | unknown
	Emeter       *EmeterReading `json:"emeter"`
	IP           string         `json:"ip"`
}

// IsOn reports whether the snapshot says the relay is closed.
func (s StatusSnapshot) IsOn() bool { return s.CurrentState == StateOn }

// UnknownStatus is the degraded snapshot for unreachable devices.
func UnknownStatus(ip string) StatusSnapshot {
	return StatusSnapshot{CurrentState: StateUnknown, IP: ip}
}

// EnergyRow is one persisted energy_data row.
type EnergyRow struct {
	ID         int64     `json:"id"`
	IP         string    `json:"ip"`
	Timestamp  time.Time `json:"timestamp"`
	Voltage    float64   `json:"voltage"`
	Current    float64   `json:"current"`
	Power      float64   `json:"power"`
	Total      float64   `json:"total"`      // device counter, resets on reboot
	GrandTotal float64   `json:"grandtotal"` // monotonic
}
