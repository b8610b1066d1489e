package service

import (
	"context"
	"testing"
	"time"

	"smartplug_control"
	"smartplug_control/internal/config"
	"smartplug_control/internal/host"
	"smartplug_control/internal/models"
)

type idleFixture struct {
	settings *config.Store
	printer  *fakePrinter
	plugs    *fakeSwitcher
	notify   *recordingNotifier
	state    *fakeStateRepo
	events   *memEventRepo
	monitor  *IdleMonitor
}

func longUptime(context.Context) (time.Duration, error) { return 24 * time.Hour, nil }

func newIdleFixture(t *testing.T, s *config.Settings, uptime func(context.Context) (time.Duration, error)) *idleFixture {
	t.Helper()
	f := &idleFixture{
		settings: config.NewStore(s),
		printer:  &fakePrinter{temps: map[string]host.Temperature{}},
		plugs:    &fakeSwitcher{},
		notify:   &recordingNotifier{},
		state:    &fakeStateRepo{},
		events:   &memEventRepo{},
	}
	f.monitor = NewIdleMonitor(f.settings, f.printer, f.plugs, f.notify, f.state,
		NewEventLogService(f.events, nil), nil, IdleOptions{
			Unit:         40 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
			TickInterval: 5 * time.Millisecond,
			Uptime:       uptime,
		})
	t.Cleanup(f.monitor.Close)
	return f
}

func idleSettings(abort int) *config.Settings {
	return &config.Settings{
		PowerOffWhenIdle:    true,
		IdleTimeout:         1,
		IdleTimeoutWaitTemp: 50,
		AbortTimeout:        abort,
		Plugs: []models.PlugConfig{
			{IP: "10.0.0.5", AutomaticShutdownEnabled: true},
			{IP: "10.0.0.6"},
		},
	}
}

func countdownValues(msgs []any) []int {
	var out []int
	for _, m := range msgs {
		if tm, ok := m.(smartplug_control.TimeoutMessage); ok && tm.TimeoutValue != nil {
			out = append(out, *tm.TimeoutValue)
		}
	}
	return out
}

func TestIdleMonitor_EndToEndShutdown(t *testing.T) {
	f := newIdleFixture(t, idleSettings(3), longUptime)
	f.printer.temps["tool0"] = temp(30, 0)
	f.printer.temps["bed"] = temp(45, 0)

	f.monitor.Restore(context.Background())

	waitFor(t, 2*time.Second, func() bool { return len(f.plugs.calls()) > 0 })
	time.Sleep(100 * time.Millisecond)

	if got := f.plugs.calls(); len(got) != 1 || got[0] != "10.0.0.5" {
		t.Fatalf("TurnOff calls = %v, want exactly one for 10.0.0.5", got)
	}
	if vals := countdownValues(f.notify.messages()); len(vals) < 4 || vals[0] != 3 || vals[len(vals)-1] != 0 {
		t.Fatalf("countdown broadcasts = %v", vals)
	}
	if setTemps, _, _, _, _ := f.printer.snapshot(); len(setTemps) != 0 {
		t.Fatalf("heaters already at target 0 should not be commanded: %v", setTemps)
	}
	if f.events.count(models.EventTypeAutoShutdown) != 1 {
		t.Fatalf("auto shutdown not recorded")
	}
	if st := f.monitor.State(); st.Deadline != nil || st.TimeoutValue != nil {
		t.Fatalf("timer should be stopped after shutdown: %+v", st)
	}
}

func TestIdleMonitor_ResetPreventsShutdown(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.monitor.Restore(context.Background())

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		f.monitor.Reset()
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.plugs.calls(); len(got) != 0 {
		t.Fatalf("reset before timeout still powered off: %v", got)
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.plugs.calls()) == 1 })
}

func TestIdleMonitor_AbortCancelsCountdown(t *testing.T) {
	f := newIdleFixture(t, idleSettings(400), longUptime)
	f.monitor.Restore(context.Background())

	waitFor(t, 2*time.Second, func() bool { return f.monitor.State().TimeoutValue != nil })
	f.monitor.Abort(context.Background())

	st := f.monitor.State()
	if st.TimeoutValue != nil {
		t.Fatalf("countdown value not cleared: %v", *st.TimeoutValue)
	}
	if st.Deadline == nil {
		t.Fatalf("idle timer not re-armed after abort")
	}
	f.monitor.Close()
	time.Sleep(50 * time.Millisecond)
	if got := f.plugs.calls(); len(got) != 0 {
		t.Fatalf("aborted countdown powered off %v", got)
	}
	if f.events.count(models.EventTypeAbort) != 1 {
		t.Fatalf("abort not recorded")
	}
}

func TestIdleMonitor_PrintStartedCancelsCountdown(t *testing.T) {
	f := newIdleFixture(t, idleSettings(400), longUptime)
	f.monitor.Restore(context.Background())

	waitFor(t, 2*time.Second, func() bool { return f.monitor.State().TimeoutValue != nil })
	f.printer.setState(host.PrinterState{Printing: true})
	f.monitor.PrintStarted()

	if st := f.monitor.State(); st.TimeoutValue != nil || st.Deadline == nil {
		t.Fatalf("state after print start = %+v", st)
	}
	time.Sleep(150 * time.Millisecond)
	if got := f.plugs.calls(); len(got) != 0 {
		t.Fatalf("powered off during a print: %v", got)
	}
}

func TestIdleMonitor_GuardsRearmTimer(t *testing.T) {
	tests := []struct {
		name    string
		uptime  func(context.Context) (time.Duration, error)
		printer host.PrinterState
	}{
		{
			name:   "just booted",
			uptime: func(context.Context) (time.Duration, error) { return 30 * time.Millisecond, nil },
		},
		{
			name:    "printing",
			uptime:  longUptime,
			printer: host.PrinterState{Printing: true},
		},
		{
			name:    "paused",
			uptime:  longUptime,
			printer: host.PrinterState{Paused: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newIdleFixture(t, idleSettings(1), tc.uptime)
			f.printer.setState(tc.printer)
			f.monitor.Restore(context.Background())

			time.Sleep(150 * time.Millisecond)
			if got := f.plugs.calls(); len(got) != 0 {
				t.Fatalf("guard did not hold: %v", got)
			}
			if f.monitor.State().Deadline == nil {
				t.Fatalf("timer not re-armed")
			}
		})
	}
}

func TestIdleMonitor_HeaterCooldown(t *testing.T) {
	s := idleSettings(1)
	s.IdleIgnoreHeaters = "tool1"
	f := newIdleFixture(t, s, longUptime)
	f.printer.temps["tool0"] = temp(210, 210)
	f.printer.temps["tool1"] = temp(120, 120)
	f.printer.temps["bed"] = temp(60, 60)
	f.printer.temps["chamber"] = host.Temperature{}

	f.monitor.Restore(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		setTemps, _, _, _, _ := f.printer.snapshot()
		return len(setTemps) >= 2
	})
	setTemps, _, _, _, _ := f.printer.snapshot()
	if len(setTemps) != 2 {
		t.Fatalf("heaters commanded off = %v, want tool0 and bed", setTemps)
	}
	for _, h := range setTemps {
		if h == "tool1" || h == "chamber" {
			t.Fatalf("%s should have been skipped", h)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if len(f.plugs.calls()) != 0 {
		t.Fatalf("powered off while the hotend is hot")
	}

	f.printer.setActual("tool0", 45)
	waitFor(t, 2*time.Second, func() bool { return len(f.plugs.calls()) == 1 })
}

func TestIdleMonitor_ActivityAbortsHeaterWait(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.printer.temps["tool0"] = temp(210, 0)

	f.monitor.Restore(context.Background())
	waitFor(t, 2*time.Second, func() bool { return f.monitor.State().WaitingForHeaters })

	f.monitor.Activity()
	f.printer.setActual("tool0", 20)
	time.Sleep(20 * time.Millisecond)
	if st := f.monitor.State(); st.WaitingForHeaters || st.TimeoutValue != nil {
		t.Fatalf("wait should have been abandoned: %+v", st)
	}
	if len(f.plugs.calls()) != 0 {
		t.Fatalf("aborted cycle powered off")
	}
}

func TestIdleMonitor_TimerFiringDuringWaitRearms(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.printer.temps["tool0"] = temp(210, 0)

	f.monitor.Restore(context.Background())
	waitFor(t, 2*time.Second, func() bool { return f.monitor.State().WaitingForHeaters })

	f.monitor.Reset()
	time.Sleep(100 * time.Millisecond)
	st := f.monitor.State()
	if !st.WaitingForHeaters {
		t.Fatalf("heater wait abandoned by the timer: %+v", st)
	}
	if st.Deadline == nil {
		t.Fatalf("timer not re-armed behind the running wait")
	}

	f.printer.setActual("tool0", 20)
	waitFor(t, 2*time.Second, func() bool { return len(f.plugs.calls()) == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := f.plugs.calls(); len(got) != 1 {
		t.Fatalf("TurnOff calls = %v, want one shutdown", got)
	}
}

func TestIdleMonitor_HeaterOffEcho(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	if f.monitor.HeaterOffEcho("M104 T0 S0", "M104") {
		t.Fatalf("no cooldown running, nothing is an echo")
	}

	f.monitor.mu.Lock()
	f.monitor.heaterOffSent = true
	f.monitor.mu.Unlock()

	tests := []struct {
		cmd, gcode string
		want       bool
	}{
		{"M104 T0 S0", "M104", true},
		{"M140 S0", "M140", true},
		{"m141 s0.0", "m141", true},
		{"M104 T0 S200", "M104", false},
		{"M104 T0", "M104", false},
		{"M109 S0", "M109", false},
		{"G28", "G28", false},
	}
	for _, tc := range tests {
		if got := f.monitor.HeaterOffEcho(tc.cmd, tc.gcode); got != tc.want {
			t.Errorf("HeaterOffEcho(%q) = %v, want %v", tc.cmd, got, tc.want)
		}
	}
}

func TestRouter_HeaterOffEchoKeepsCooldown(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.printer.temps["tool0"] = temp(210, 210)
	events := NewEventLogService(f.events, nil)
	sched := NewScheduler()
	r := NewRouter(f.settings, &fakeController{}, f.monitor, f.printer,
		NewPrintJobTracker(&fakeCosts{}, nil), sched, f.notify, events, nil)
	t.Cleanup(func() {
		r.Wait()
		sched.CancelAll()
	})

	echoed := make(chan struct{})
	f.printer.afterSet = func(string) {
		// the host reports the write back over MQTT once the call returned
		go func() {
			for f.monitor.ActivitySuppressed() {
				time.Sleep(time.Millisecond)
			}
			r.ProcessGcode(context.Background(), "M104 T0 S0", "M104")
			close(echoed)
		}()
	}

	f.monitor.Restore(context.Background())
	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatalf("heater was never commanded off")
	}
	if !f.monitor.State().WaitingForHeaters {
		t.Fatalf("echo of the heater-off write aborted the cooldown")
	}

	f.printer.setActual("tool0", 40)
	waitFor(t, 2*time.Second, func() bool { return len(f.plugs.calls()) == 1 })
}

func TestRouter_HeaterWriteDuringCooldownIsActivity(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.printer.temps["tool0"] = temp(210, 210)
	sched := NewScheduler()
	r := NewRouter(f.settings, &fakeController{}, f.monitor, f.printer,
		NewPrintJobTracker(&fakeCosts{}, nil), sched, f.notify, NewEventLogService(f.events, nil), nil)
	t.Cleanup(func() {
		r.Wait()
		sched.CancelAll()
	})

	f.monitor.Restore(context.Background())
	waitFor(t, 2*time.Second, func() bool { return f.monitor.State().WaitingForHeaters })

	r.ProcessGcode(context.Background(), "M104 T0 S200", "M104")
	if f.monitor.State().WaitingForHeaters {
		t.Fatalf("reheating the hotend should abort the cooldown")
	}
}

func TestIdleMonitor_WaitsForTimelapse(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.monitor.Restore(context.Background())
	f.monitor.TimelapseStarted()

	waitFor(t, 2*time.Second, func() bool { return f.monitor.State().WaitingForTimelapse })
	time.Sleep(30 * time.Millisecond)
	if len(f.plugs.calls()) != 0 {
		t.Fatalf("powered off during timelapse render")
	}
	f.monitor.TimelapseFinished()
	waitFor(t, 2*time.Second, func() bool { return len(f.plugs.calls()) == 1 })
}

func TestIdleMonitor_SkipActivity(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.monitor.SkipActivity(func() {
		if !f.monitor.ActivitySuppressed() {
			t.Fatal("activity should be suppressed inside SkipActivity")
		}
	})
	if f.monitor.ActivitySuppressed() {
		t.Fatal("suppression leaked")
	}
}

func TestIdleMonitor_EnableDisablePersist(t *testing.T) {
	s := idleSettings(1)
	s.PowerOffWhenIdle = false
	s.Plugs[0].AutomaticShutdownEnabled = false
	f := newIdleFixture(t, s, longUptime)
	ctx := context.Background()

	f.monitor.Restore(ctx)
	if f.monitor.Enabled() {
		t.Fatal("should start disabled")
	}

	if err := f.monitor.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !f.state.state.PowerOffWhenIdle || f.state.state.ID != 1 {
		t.Fatalf("enable not persisted: %+v", f.state.state)
	}
	if f.monitor.State().Deadline == nil {
		t.Fatal("enable should arm the timer")
	}

	if err := f.monitor.Disable(ctx); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if f.state.state.PowerOffWhenIdle {
		t.Fatal("disable not persisted")
	}
	if st := f.monitor.State(); st.Deadline != nil || st.Enabled {
		t.Fatalf("disable should stop the timer: %+v", st)
	}

	msgs := f.notify.messages()
	if len(msgs) != 2 {
		t.Fatalf("broadcasts = %d", len(msgs))
	}
	last := msgs[1].(smartplug_control.TimeoutMessage)
	if last.PowerOffWhenIdle || last.Type != smartplug_control.MessageTypeTimeout || last.TimeoutValue != nil {
		t.Fatalf("last message = %+v", last)
	}
	if f.events.count(models.EventTypeIdleOn) != 1 || f.events.count(models.EventTypeIdleOff) != 1 {
		t.Fatalf("toggle events not recorded")
	}
}

func TestIdleMonitor_RestorePrefersPersistedSwitch(t *testing.T) {
	f := newIdleFixture(t, idleSettings(1), longUptime)
	f.state.state = models.ControlState{ID: 1, PowerOffWhenIdle: false}

	f.monitor.Restore(context.Background())
	if f.monitor.Enabled() {
		t.Fatal("persisted off switch ignored")
	}
}

func TestIdleMonitor_RestoreFromPlugFlags(t *testing.T) {
	s := idleSettings(1)
	s.PowerOffWhenIdle = false
	f := newIdleFixture(t, s, longUptime)

	f.monitor.Restore(context.Background())
	if !f.monitor.Enabled() {
		t.Fatal("a plug with automatic shutdown should enable the monitor")
	}
}

func TestHeatersAbove(t *testing.T) {
	temps := map[string]host.Temperature{
		"tool0": temp(55, 0),
		"tool1": temp(80, 0),
		"tool2": temp(40, 0),
		"bed":   temp(90, 0),
		"tool3": {},
	}
	got := heatersAbove(temps, []string{"tool1"}, 50)
	if len(got) != 1 || got[0] != "tool0" {
		t.Fatalf("heatersAbove = %v", got)
	}
}
