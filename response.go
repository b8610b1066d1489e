package smartplug_control

import "time"

// Message types pushed to UI clients.
const (
	MessageTypeTimeout = "timeout"
)

// TimeoutMessage reports the idle shutdown switch and the abort countdown.
// TimeoutValue is nil when no countdown is running.
type TimeoutMessage struct {
	PowerOffWhenIdle bool   `json:"powerOffWhenIdle"`
	Type             string `json:"type"`          // always "timeout"
	TimeoutValue     *int   `json:"timeout_value"` // seconds left
}

// NewTimeoutMessage builds a TimeoutMessage, copying the countdown value.
func NewTimeoutMessage(enabled bool, remaining *int) TimeoutMessage {
	var v *int
	if remaining != nil {
		n := *remaining
		v = &n
	}
	return TimeoutMessage{PowerOffWhenIdle: enabled, Type: MessageTypeTimeout, TimeoutValue: v}
}

// RecheckMessage asks clients to refresh the status of a plug, sent after a
// countdown rule is expected to have fired on the device.
type RecheckMessage struct {
	CheckStatus bool   `json:"check_status"`
	IP          string `json:"ip"`
}

// PlotMessage asks clients to refresh the energy plot.
type PlotMessage struct {
	UpdatePlot bool `json:"updatePlot"`
}

// EnergyPoint is one row of the energy history returned by the API.
type EnergyPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Current    float64   `json:"current"`
	Power      float64   `json:"power"`
	GrandTotal float64   `json:"grandTotal"`
	Voltage    float64   `json:"voltage"`
}
