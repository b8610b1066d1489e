package service

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"smartplug_control"
	"smartplug_control/internal/config"
	"smartplug_control/internal/host"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

// PlugSwitcher powers plugs off on automatic shutdown.
type PlugSwitcher interface {
	TurnOff(ctx context.Context, ip string) (models.StatusSnapshot, error)
}

// IdleOptions scales the idle monitor's clocks. Zero values use the defaults.
type IdleOptions struct {
	Unit         time.Duration // length of one idle_timeout unit, a minute by default
	PollInterval time.Duration // heater and timelapse polling
	TickInterval time.Duration // abort countdown tick
	Uptime       func(ctx context.Context) (time.Duration, error)
}

func (o IdleOptions) withDefaults() IdleOptions {
	if o.Unit <= 0 {
		o.Unit = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Uptime == nil {
		o.Uptime = host.Uptime
	}
	return o
}

// IdleMonitor powers the printer down after a period without activity:
// idle timer, heater cooldown, timelapse wait, abort countdown, shutdown.
// Only one cycle runs at a time.
type IdleMonitor struct {
	settings  SettingsSource
	printer   host.Printer
	plugs     PlugSwitcher
	notify    Notifier
	stateRepo repository.ControlStateRepo
	events    EventRecorder
	log       *logger.Logger
	opts      IdleOptions

	ctx    context.Context
	cancel context.CancelFunc

	skip atomic.Int32

	mu               sync.Mutex
	enabled          bool
	closed           bool
	gen              uint64
	timer            *time.Timer
	deadline         time.Time
	waitingHeaters   bool
	waitingTimelapse bool
	heaterOffSent    bool
	cycling          bool
	timelapseActive  bool
	abortStop        chan struct{}
	remaining        int
}

func NewIdleMonitor(
	settings SettingsSource,
	printer host.Printer,
	plugs PlugSwitcher,
	notify Notifier,
	stateRepo repository.ControlStateRepo,
	events EventRecorder,
	log *logger.Logger,
	opts IdleOptions,
) *IdleMonitor {
	if log == nil {
		log = logger.Nop()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IdleMonitor{
		settings:  settings,
		printer:   printer,
		plugs:     plugs,
		notify:    notify,
		stateRepo: stateRepo,
		events:    events,
		log:       log,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Restore loads the persisted on/off switch and arms the timer. Without a
// persisted row the switch follows power_off_when_idle, or any plug with
// automatic shutdown enabled.
func (m *IdleMonitor) Restore(ctx context.Context) {
	s := m.settings.Get()
	enabled := s.PowerOffWhenIdle || s.AnyPlug(func(p models.PlugConfig) bool { return p.AutomaticShutdownEnabled })
	if m.stateRepo != nil {
		st, err := m.stateRepo.Load(ctx)
		if err != nil {
			m.log.Warnw("control_state_load_failed", "error", err)
		} else if st.ID != 0 {
			enabled = st.PowerOffWhenIdle
		}
	}

	m.mu.Lock()
	m.enabled = enabled
	m.armLocked()
	m.mu.Unlock()
	m.log.Infow("idle_monitor_started", "enabled", enabled, "timeout", s.IdleTimeout)
}

// Close stops every timer and loop. The monitor cannot be reused.
func (m *IdleMonitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopTimerLocked()
	m.stopCountdownLocked()
	m.waitingHeaters = false
	m.waitingTimelapse = false
	m.mu.Unlock()
	m.cancel()
}

// Reset re-arms the idle timer. A dead or missing timer is recreated.
func (m *IdleMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armLocked()
}

// Activity marks printer activity: it cancels a heater or timelapse wait in
// progress and re-arms the timer.
func (m *IdleMonitor) Activity() {
	if m.ActivitySuppressed() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitingHeaters = false
	m.waitingTimelapse = false
	m.armLocked()
}

// SkipActivity runs fn with activity tracking suspended.
func (m *IdleMonitor) SkipActivity(fn func()) {
	m.skip.Add(1)
	defer m.skip.Add(-1)
	fn()
}

func (m *IdleMonitor) ActivitySuppressed() bool { return m.skip.Load() > 0 }

// HeaterOffEcho reports whether a G-code line is the host echoing one of the
// heater-off writes of the running shutdown cycle, such as "M104 T0 S0".
func (m *IdleMonitor) HeaterOffEcho(cmd, gcode string) bool {
	switch strings.ToUpper(gcode) {
	case "M104", "M140", "M141":
	default:
		return false
	}
	m.mu.Lock()
	sent := m.heaterOffSent
	m.mu.Unlock()
	if !sent {
		return false
	}
	for _, f := range strings.Fields(cmd) {
		if len(f) < 2 || (f[0] != 'S' && f[0] != 's') {
			continue
		}
		v, err := strconv.ParseFloat(f[1:], 64)
		return err == nil && v == 0
	}
	return false
}

// Enable switches automatic shutdown on and persists the switch.
func (m *IdleMonitor) Enable(ctx context.Context) error {
	m.mu.Lock()
	m.enabled = true
	m.armLocked()
	m.mu.Unlock()

	err := m.persist(ctx, true)
	m.record(ctx, models.EventTypeIdleOn, "Automatic shutdown enabled")
	m.broadcast()
	return err
}

// Disable switches automatic shutdown off, stopping the timer and any countdown.
func (m *IdleMonitor) Disable(ctx context.Context) error {
	m.mu.Lock()
	m.enabled = false
	m.stopTimerLocked()
	m.stopCountdownLocked()
	m.waitingHeaters = false
	m.waitingTimelapse = false
	m.mu.Unlock()

	err := m.persist(ctx, false)
	m.record(ctx, models.EventTypeIdleOff, "Automatic shutdown disabled")
	m.broadcast()
	return err
}

// Abort cancels a running countdown and restarts the idle timer.
func (m *IdleMonitor) Abort(ctx context.Context) {
	m.mu.Lock()
	counting := m.abortStop != nil
	m.stopCountdownLocked()
	m.armLocked()
	m.mu.Unlock()

	if counting {
		m.log.Infow("automatic_shutdown_aborted")
		m.record(ctx, models.EventTypeAbort, "Automatic shutdown aborted")
	}
	m.broadcast()
}

// PrintStarted cancels a pending shutdown when a new job begins.
func (m *IdleMonitor) PrintStarted() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	if m.abortStop != nil {
		m.log.Infow("automatic_shutdown_aborted", "reason", "print started")
	}
	m.stopCountdownLocked()
	m.waitingHeaters = false
	m.waitingTimelapse = false
	m.armLocked()
	m.mu.Unlock()
	m.broadcast()
}

func (m *IdleMonitor) TimelapseStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		m.timelapseActive = true
	}
}

func (m *IdleMonitor) TimelapseFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timelapseActive = false
}

// SettingsChanged re-arms the timer when the idle timeout changes.
func (m *IdleMonitor) SettingsChanged(old, cur *config.Settings) {
	if old != nil && old.IdleTimeout == cur.IdleTimeout {
		return
	}
	m.Reset()
}

func (m *IdleMonitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *IdleMonitor) State() IdleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := IdleState{
		Enabled:             m.enabled,
		WaitingForHeaters:   m.waitingHeaters,
		WaitingForTimelapse: m.waitingTimelapse,
	}
	if m.timer != nil {
		d := m.deadline
		st.Deadline = &d
	}
	if m.abortStop != nil {
		v := m.remaining
		st.TimeoutValue = &v
	}
	return st
}

// TimeoutMessage is the status pushed to clients after every change.
func (m *IdleMonitor) TimeoutMessage() smartplug_control.TimeoutMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeoutMessageLocked()
}

func (m *IdleMonitor) timeoutMessageLocked() smartplug_control.TimeoutMessage {
	if m.abortStop != nil {
		return smartplug_control.NewTimeoutMessage(m.enabled, &m.remaining)
	}
	return smartplug_control.NewTimeoutMessage(m.enabled, nil)
}

func (m *IdleMonitor) broadcast() {
	m.notify.Broadcast(m.TimeoutMessage())
}

func (m *IdleMonitor) timeout() time.Duration {
	return time.Duration(m.settings.Get().IdleTimeout) * m.opts.Unit
}

func (m *IdleMonitor) armLocked() {
	m.stopTimerLocked()
	d := m.timeout()
	if !m.enabled || m.closed || d <= 0 {
		return
	}
	gen := m.gen
	m.deadline = time.Now().Add(d)
	m.timer = time.AfterFunc(d, func() { m.fire(gen) })
}

func (m *IdleMonitor) stopTimerLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.deadline = time.Time{}
}

func (m *IdleMonitor) stopCountdownLocked() {
	if m.abortStop != nil {
		close(m.abortStop)
		m.abortStop = nil
	}
	m.remaining = 0
}

func (m *IdleMonitor) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.deadline = time.Time{}
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	if m.cycling || m.abortStop != nil {
		// the running cycle keeps going with the timer armed behind it
		m.armLocked()
		m.mu.Unlock()
		return
	}
	m.cycling = true
	m.mu.Unlock()

	ctx := m.ctx
	defer func() {
		m.mu.Lock()
		m.cycling = false
		m.heaterOffSent = false
		m.mu.Unlock()
	}()

	if m.printerBusy(ctx) {
		m.log.Debugw("idle_timeout_skipped", "reason", "printer busy")
		m.Reset()
		return
	}

	up, err := m.opts.Uptime(ctx)
	if err != nil {
		m.log.Warnw("uptime_read_failed", "error", err)
	} else if up <= m.timeout() {
		m.log.Debugw("idle_timeout_skipped", "reason", "just booted", "uptime", up)
		m.Reset()
		return
	}

	s := m.settings.Get()
	m.log.Infow("idle_timeout_reached", "timeout", s.IdleTimeout)

	if !m.waitForHeaters(ctx, s) {
		m.log.Infow("automatic_shutdown_aborted", "reason", "activity during heater cooldown")
		return
	}
	if !m.waitForTimelapse(ctx) {
		m.log.Infow("automatic_shutdown_aborted", "reason", "activity during timelapse render")
		return
	}
	if m.printerBusy(ctx) {
		m.log.Infow("automatic_shutdown_aborted", "reason", "print activity")
		return
	}
	m.startCountdown(s.AbortTimeout)
}

func (m *IdleMonitor) printerBusy(ctx context.Context) bool {
	st, err := m.printer.State(ctx)
	if err != nil {
		m.log.Warnw("printer_state_failed", "error", err)
		return false
	}
	return st.Busy()
}

func (m *IdleMonitor) waitForHeaters(ctx context.Context, s *config.Settings) bool {
	m.mu.Lock()
	m.waitingHeaters = true
	m.mu.Unlock()

	ignored := s.IgnoredHeaters()
	temps, err := m.printer.Temperatures(ctx)
	if err != nil {
		m.log.Warnw("printer_temperatures_failed", "error", err)
	}
	for heater, t := range temps {
		if t.Target == nil || slices.Contains(ignored, heater) || *t.Target == 0 {
			continue
		}
		m.log.Debugw("heater_off", "heater", heater)
		m.mu.Lock()
		m.heaterOffSent = true
		m.mu.Unlock()
		m.SkipActivity(func() {
			if err := m.printer.SetTemperature(ctx, heater, 0); err != nil {
				m.log.Warnw("heater_off_failed", "heater", heater, "error", err)
			}
		})
	}

	for {
		m.mu.Lock()
		waiting := m.waitingHeaters
		m.mu.Unlock()
		if !waiting {
			return false
		}

		temps, err := m.printer.Temperatures(ctx)
		if err != nil {
			m.log.Warnw("printer_temperatures_failed", "error", err)
		} else if hot := heatersAbove(temps, ignored, s.IdleTimeoutWaitTemp); len(hot) == 0 {
			m.mu.Lock()
			m.waitingHeaters = false
			m.mu.Unlock()
			return true
		} else {
			m.log.Debugw("waiting_for_heaters", "heaters", strings.Join(hot, ", "))
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// heatersAbove lists the tool heaters hotter than limit. Beds and chambers
// are not waited for.
func heatersAbove(temps map[string]host.Temperature, ignored []string, limit float64) []string {
	var hot []string
	for heater, t := range temps {
		if !strings.HasPrefix(heater, "tool") || slices.Contains(ignored, heater) || t.Actual == nil {
			continue
		}
		if *t.Actual > limit {
			hot = append(hot, heater)
		}
	}
	slices.Sort(hot)
	return hot
}

func (m *IdleMonitor) waitForTimelapse(ctx context.Context) bool {
	m.mu.Lock()
	m.waitingTimelapse = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		waiting, active := m.waitingTimelapse, m.timelapseActive
		if waiting && !active {
			m.waitingTimelapse = false
		}
		m.mu.Unlock()
		if !waiting {
			return false
		}
		if !active {
			return true
		}

		m.log.Debugw("waiting_for_timelapse")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// startCountdown is a no-op while a countdown is already running.
func (m *IdleMonitor) startCountdown(seconds int) {
	m.mu.Lock()
	if m.abortStop != nil || !m.enabled || m.closed {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.abortStop = stop
	m.remaining = seconds
	m.mu.Unlock()

	m.log.Infow("abort_countdown_started", "seconds", seconds)
	m.broadcast()
	go m.countdown(stop)
}

func (m *IdleMonitor) countdown(stop chan struct{}) {
	t := time.NewTicker(m.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-t.C:
		}

		m.mu.Lock()
		if m.abortStop != stop {
			m.mu.Unlock()
			return
		}
		m.remaining--
		if m.remaining > 0 {
			msg := m.timeoutMessageLocked()
			m.mu.Unlock()
			m.notify.Broadcast(msg)
			continue
		}
		m.abortStop = nil
		m.stopTimerLocked()
		msg := smartplug_control.NewTimeoutMessage(m.enabled, &m.remaining)
		m.remaining = 0
		m.mu.Unlock()

		m.notify.Broadcast(msg)
		m.shutdown(m.ctx)
		return
	}
}

func (m *IdleMonitor) shutdown(ctx context.Context) {
	m.log.Infow("automatic_shutdown")
	var ips []string
	for _, p := range m.settings.Get().Plugs {
		if !p.AutomaticShutdownEnabled {
			continue
		}
		ips = append(ips, p.IP)
		st, err := m.plugs.TurnOff(ctx, p.IP)
		if err != nil {
			m.log.Errorw("automatic_shutdown_failed", "ip", p.IP, "error", err)
			continue
		}
		m.notify.Broadcast(st)
	}
	if m.events != nil {
		m.events.Record(ctx, models.EventTypeAutoShutdown, "", "Powered off after idle timeout", map[string]any{"plugs": ips})
	}
}

func (m *IdleMonitor) persist(ctx context.Context, enabled bool) error {
	if m.stateRepo == nil {
		return nil
	}
	err := m.stateRepo.Save(ctx, models.ControlState{ID: 1, PowerOffWhenIdle: enabled, UpdatedAt: time.Now().UTC()})
	if err != nil {
		m.log.Errorw("control_state_save_failed", "error", err)
	}
	return err
}

func (m *IdleMonitor) record(ctx context.Context, typ, desc string) {
	if m.events != nil {
		m.events.Record(ctx, typ, "", desc, nil)
	}
}
