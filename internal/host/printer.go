// Package host adapts the print controller that drives the printer.
package host

import "context"

// PrinterState mirrors the flags the controller reports.
type PrinterState struct {
	Printing      bool `json:"printing"`
	Paused        bool `json:"paused"`
	ClosedOrError bool `json:"closedOrError"`
	Ready         bool `json:"ready"`
}

// Busy reports whether a job is printing or paused.
func (s PrinterState) Busy() bool { return s.Printing || s.Paused }

// Temperature is one heater reading. Nil fields were absent or not numeric.
type Temperature struct {
	Actual *float64
	Target *float64
}

// Printer is the port through which plugs and the idle monitor control the printer.
type Printer interface {
	State(ctx context.Context) (PrinterState, error)
	Temperatures(ctx context.Context) (map[string]Temperature, error)
	SetTemperature(ctx context.Context, heater string, target float64) error
	Commands(ctx context.Context, lines []string) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SelectFile(ctx context.Context, origin, path string, print bool) error
}
