package service

import "time"

// LogFilter supports history filtering by time range, type and plug.
type LogFilter struct {
	From time.Time // inclusive; zero means no lower bound
	To   time.Time // inclusive; zero means no upper bound
	Type string    // "", "ON", "OFF", "AUTO_SHUTDOWN", "THERMAL_RUNAWAY", "IDLE_ON", "IDLE_OFF", "ABORT"
	IP   string
}

// IdleState is the read-only view of the idle monitor.
type IdleState struct {
	Enabled             bool       `json:"enabled"`
	Deadline            *time.Time `json:"deadline,omitempty"`
	WaitingForHeaters   bool       `json:"waitingForHeaters"`
	WaitingForTimelapse bool       `json:"waitingForTimelapse"`
	TimeoutValue        *int       `json:"timeout_value"`
}
