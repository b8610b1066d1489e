package models

import "time"

// Plug event types.
const (
	EventTypeOn             = "ON"
	EventTypeOff            = "OFF"
	EventTypeAutoShutdown   = "AUTO_SHUTDOWN"
	EventTypeThermalRunaway = "THERMAL_RUNAWAY"
	EventTypeIdleOn         = "IDLE_ON"
	EventTypeIdleOff        = "IDLE_OFF"
	EventTypeAbort          = "ABORT"
)

// PlugEvent is a single audit log entry.
type PlugEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"` // ON | OFF | AUTO_SHUTDOWN | THERMAL_RUNAWAY | IDLE_ON | IDLE_OFF | ABORT
	IP          string    `json:"ip,omitempty"`
	Description string    `json:"description"`
	Metadata    any       `json:"metadata,omitempty"`
}
