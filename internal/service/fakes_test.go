package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smartplug_control/internal/host"
	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

// fakeEnergyRepo is an in-memory repository.EnergyRepo.
type fakeEnergyRepo struct {
	mu        sync.Mutex
	rows      []models.EnergyRow
	latestErr error
	insertErr error
}

func (f *fakeEnergyRepo) Insert(_ context.Context, row models.EnergyRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	row.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, row)
	return row.ID, nil
}

func (f *fakeEnergyRepo) Latest(_ context.Context, ip string) (models.EnergyRow, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return models.EnergyRow{}, false, f.latestErr
	}
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].IP == ip {
			return f.rows[i], true, nil
		}
	}
	return models.EnergyRow{}, false, nil
}

func (f *fakeEnergyRepo) List(_ context.Context, ip string, offset, limit int) ([]models.EnergyRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EnergyRow
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].IP == ip {
			out = append(out, f.rows[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeEnergyRepo) rowsFor(ip string) []models.EnergyRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EnergyRow
	for _, r := range f.rows {
		if r.IP == ip {
			out = append(out, r)
		}
	}
	return out
}

// fakeStateRepo is an in-memory repository.ControlStateRepo.
type fakeStateRepo struct {
	mu    sync.Mutex
	state models.ControlState
	saves int
}

func (f *fakeStateRepo) Save(_ context.Context, s models.ControlState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	f.saves++
	return nil
}

func (f *fakeStateRepo) Load(_ context.Context) (models.ControlState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

// memEventRepo records appended plug events.
type memEventRepo struct {
	mu     sync.Mutex
	events []models.PlugEvent
}

func (m *memEventRepo) Append(_ context.Context, e models.PlugEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEventRepo) List(_ context.Context, _ repository.EventFilter) ([]models.PlugEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PlugEvent(nil), m.events...), nil
}

func (m *memEventRepo) count(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// recordingNotifier captures broadcast messages.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recordingNotifier) Broadcast(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingNotifier) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

var errBoom = errors.New("boom")

// fakePrinter is a scriptable host.Printer.
type fakePrinter struct {
	mu       sync.Mutex
	state    host.PrinterState
	stateErr error
	temps    map[string]host.Temperature

	setTemps    []string
	commands    [][]string
	connects    int
	disconnects int
	selected    []string

	afterSet func(heater string)
}

func (f *fakePrinter) State(_ context.Context) (host.PrinterState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.stateErr
}

func (f *fakePrinter) setState(st host.PrinterState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
}

func (f *fakePrinter) Temperatures(_ context.Context) (map[string]host.Temperature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]host.Temperature, len(f.temps))
	for k, v := range f.temps {
		out[k] = v
	}
	return out, nil
}

func (f *fakePrinter) SetTemperature(_ context.Context, heater string, target float64) error {
	f.mu.Lock()
	f.setTemps = append(f.setTemps, heater)
	t := f.temps[heater]
	t.Target = &target
	f.temps[heater] = t
	after := f.afterSet
	f.mu.Unlock()
	if after != nil {
		after(heater)
	}
	return nil
}

func (f *fakePrinter) setActual(heater string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.temps[heater]
	t.Actual = &v
	f.temps[heater] = t
}

func (f *fakePrinter) Commands(_ context.Context, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, lines)
	return nil
}

func (f *fakePrinter) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakePrinter) Disconnect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakePrinter) SelectFile(_ context.Context, origin, path string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, origin+":"+path)
	return nil
}

func (f *fakePrinter) snapshot() (setTemps []string, commands [][]string, connects, disconnects int, selected []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.setTemps...), append([][]string(nil), f.commands...), f.connects, f.disconnects, append([]string(nil), f.selected...)
}

func temp(actual, target float64) host.Temperature {
	return host.Temperature{Actual: &actual, Target: &target}
}

// fakeSwitcher records TurnOff calls.
type fakeSwitcher struct {
	mu   sync.Mutex
	offs []string
}

func (f *fakeSwitcher) TurnOff(_ context.Context, ip string) (models.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offs = append(f.offs, ip)
	return models.StatusSnapshot{CurrentState: models.StateOff, IP: ip}, nil
}

func (f *fakeSwitcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offs...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
