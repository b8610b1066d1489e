package service

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"smartplug_control"
	"smartplug_control/internal/host"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
)

// Printer host events the router reacts to.
const (
	EventStartup        = "Startup"
	EventShutdown       = "Shutdown"
	EventClientOpened   = "ClientOpened"
	EventConnected      = "Connected"
	EventDisconnected   = "Disconnected"
	EventError          = "Error"
	EventUpload         = "Upload"
	EventPrintStarted   = "PrintStarted"
	EventPrintDone      = "PrintDone"
	EventPrintFailed    = "PrintFailed"
	EventPrintCancelled = "PrintCancelled"
	EventMovieRendering = "MovieRendering"
	EventMovieDone      = "MovieDone"
	EventMovieFailed    = "MovieFailed"
)

// At-commands accepted in the printer's command stream.
const (
	AtCommandOn      = "TPLINKON"
	AtCommandOff     = "TPLINKOFF"
	AtCommandIdleOn  = "TPLINKIDLEON"
	AtCommandIdleOff = "TPLINKIDLEOFF"
)

const (
	defaultGcodeOn  = "M80"
	defaultGcodeOff = "M81"
)

// PlugController is what the router needs from the plug service.
type PlugController interface {
	TurnOn(ctx context.Context, ip string) (models.StatusSnapshot, error)
	TurnOff(ctx context.Context, ip string) (models.StatusSnapshot, error)
	CheckStatuses(ctx context.Context) []models.StatusSnapshot
	SetLED(ctx context.Context, ip string, v LEDValues, setColor bool) error
	FlushQueuedGcode(ctx context.Context)
}

type fileRef struct {
	origin string
	path   string
}

// Router maps printer events, G-code lines and at-commands to plug actions.
type Router struct {
	settings SettingsSource
	plugs    PlugController
	idle     *IdleMonitor
	printer  host.Printer
	jobs     *PrintJobTracker
	sched    *Scheduler
	notify   Notifier
	events   EventRecorder
	log      *logger.Logger

	progressDelay time.Duration

	mu            sync.Mutex
	powerOffQueue []models.PlugConfig
	autostart     *fileRef

	wg sync.WaitGroup
}

func NewRouter(
	settings SettingsSource,
	plugs PlugController,
	idle *IdleMonitor,
	printer host.Printer,
	jobs *PrintJobTracker,
	sched *Scheduler,
	notify Notifier,
	events EventRecorder,
	log *logger.Logger,
) *Router {
	if log == nil {
		log = logger.Nop()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Router{
		settings:      settings,
		plugs:         plugs,
		idle:          idle,
		printer:       printer,
		jobs:          jobs,
		sched:         sched,
		notify:        notify,
		events:        events,
		log:           log,
		progressDelay: time.Second,
	}
}

// Wait blocks until background work started by the router has finished.
func (r *Router) Wait() { r.wg.Wait() }

func (r *Router) goAsync(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// OnEvent handles one printer host event.
func (r *Router) OnEvent(ctx context.Context, name string, payload map[string]any) {
	s := r.settings.Get()
	r.log.Debugw("host_event", "event", name)

	switch name {
	case EventStartup:
		r.switchFlagged(ctx, s.Plugs, func(p models.PlugConfig) bool { return p.EventOnStartup }, true)

	case EventError:
		r.switchFlagged(ctx, s.Plugs, func(p models.PlugConfig) bool { return p.EventOnError }, false)

	case EventDisconnected:
		r.switchFlagged(ctx, s.Plugs, func(p models.PlugConfig) bool { return p.EventOnDisconnect }, false)

	case EventShutdown:
		r.switchFlagged(ctx, s.Plugs, func(p models.PlugConfig) bool { return p.EventOnShutdown }, false)

	case EventClientOpened:
		if s.AnyPlug(func(p models.PlugConfig) bool { return p.AutomaticShutdownEnabled }) {
			r.idle.Reset()
		}
		r.notify.Broadcast(r.idle.TimeoutMessage())

	case EventPrintFailed, EventPrintCancelled:
		r.jobs.Discard()
		r.mu.Lock()
		r.autostart = nil
		r.mu.Unlock()

	case EventPrintStarted:
		if s.CostRate > 0 {
			r.jobs.Start(r.plugs.CheckStatuses(ctx))
		}
		r.idle.PrintStarted()

	case EventPrintDone:
		r.printDone(ctx, s.CostRate, payload)

	case EventMovieRendering:
		r.idle.TimelapseStarted()

	case EventMovieDone, EventMovieFailed:
		r.idle.TimelapseFinished()

	case EventConnected:
		r.plugs.FlushQueuedGcode(ctx)
		r.mu.Lock()
		f := r.autostart
		r.autostart = nil
		r.mu.Unlock()
		if f != nil {
			r.log.Infow("autostart_print", "path", f.path)
			if err := r.printer.SelectFile(ctx, f.origin, f.path, true); err != nil {
				r.log.Warnw("autostart_print_failed", "path", f.path, "error", err)
			}
		}

	case EventUpload:
		r.upload(ctx, s.Plugs, payload)
	}
}

func (r *Router) switchFlagged(ctx context.Context, plugs []models.PlugConfig, flagged func(models.PlugConfig) bool, on bool) {
	for _, p := range plugs {
		if !flagged(p) {
			continue
		}
		if on {
			r.turnOn(ctx, p.IP)
		} else {
			r.turnOff(ctx, p.IP)
		}
	}
}

// turnOn broadcasts the result only when the plug reports on.
func (r *Router) turnOn(ctx context.Context, ip string) bool {
	st, err := r.plugs.TurnOn(ctx, ip)
	if err != nil {
		r.log.Warnw("plug_turn_on_failed", "ip", ip, "error", err)
		return false
	}
	if st.IsOn() {
		r.notify.Broadcast(st)
		return true
	}
	return false
}

func (r *Router) turnOff(ctx context.Context, ip string) {
	st, err := r.plugs.TurnOff(ctx, ip)
	if err != nil {
		r.log.Warnw("plug_turn_off_failed", "ip", ip, "error", err)
		return
	}
	r.notify.Broadcast(st)
}

func (r *Router) printDone(ctx context.Context, rate float64, payload map[string]any) {
	if r.jobs.Started() {
		origin := stringField(payload, "origin", "local")
		path := stringField(payload, "path", "")
		if _, ok, err := r.jobs.Finish(ctx, origin, path, r.plugs.CheckStatuses(ctx), rate); err != nil {
			r.log.Errorw("print_cost_record_failed", "path", path, "error", err)
		} else if ok {
			r.notify.Broadcast(smartplug_control.PlotMessage{UpdatePlot: true})
		}
	}
	r.mu.Lock()
	r.autostart = nil
	queue := r.powerOffQueue
	r.powerOffQueue = nil
	r.mu.Unlock()

	for _, p := range queue {
		r.log.Infow("queued_power_off", "ip", p.IP)
		r.turnOff(ctx, p.IP)
	}
}

func (r *Router) upload(ctx context.Context, plugs []models.PlugConfig, payload map[string]any) {
	flagged := slices.ContainsFunc(plugs, func(p models.PlugConfig) bool { return p.EventOnUpload })
	if !flagged {
		return
	}
	state, err := r.printer.State(ctx)
	if err != nil {
		r.log.Warnw("printer_state_failed", "error", err)
		return
	}
	for _, p := range plugs {
		if !p.EventOnUpload || !state.ClosedOrError {
			continue
		}
		if !r.turnOn(ctx, p.IP) {
			continue
		}
		path := stringField(payload, "path", "")
		if path != "" && stringField(payload, "target", "") == "local" && boolField(payload, "print") {
			r.mu.Lock()
			r.autostart = &fileRef{origin: "local", path: path}
			r.mu.Unlock()
		}
	}
}

// ProcessGcode inspects one outgoing G-code line. cmd is the full line and
// gcode its command word, e.g. "M80 10.0.0.5" and "M80".
func (r *Router) ProcessGcode(ctx context.Context, cmd, gcode string) {
	s := r.settings.Get()
	cmd = strings.TrimSpace(cmd)
	gcode = strings.ToUpper(strings.TrimSpace(gcode))

	if r.idle.Enabled() && !slices.Contains(s.IgnoredCommands(), gcode) && !r.idle.HeaterOffEcho(cmd, gcode) {
		r.idle.Activity()
	}

	onCmd := strings.ToUpper(s.GcodeOnCommand)
	if onCmd == "" {
		onCmd = defaultGcodeOn
	}
	offCmd := strings.ToUpper(s.GcodeOffCommand)
	if offCmd == "" {
		offCmd = defaultGcodeOff
	}

	switch gcode {
	case onCmd:
		r.scheduleSwitch(argument(cmd, gcode), true)
	case offCmd:
		r.scheduleSwitch(argument(cmd, gcode), false)
	case "M150", "M355":
		r.setLEDs(cmd, gcode == "M150")
	}
}

// ProcessAtCommand handles @TPLINKON and friends.
func (r *Router) ProcessAtCommand(ctx context.Context, command, params string) {
	switch strings.ToUpper(strings.TrimSpace(command)) {
	case AtCommandOn:
		r.scheduleSwitch(params, true)
	case AtCommandOff:
		r.scheduleSwitch(params, false)
	case AtCommandIdleOn:
		_ = r.idle.Enable(ctx)
	case AtCommandIdleOff:
		_ = r.idle.Disable(ctx)
	}
}

func argument(cmd, gcode string) string {
	if len(cmd) >= len(gcode) && strings.EqualFold(cmd[:len(gcode)], gcode) {
		cmd = cmd[len(gcode):]
	}
	return strings.TrimSpace(cmd)
}

// scheduleSwitch arms a delayed power change. A pending change in the
// opposite direction for the same plug is cancelled.
func (r *Router) scheduleSwitch(ip string, on bool) {
	plug, ok := r.settings.Get().Plug(ip)
	if !ok || !plug.GcodeEnabled {
		r.log.Debugw("gcode_switch_ignored", "ip", strings.TrimSpace(ip), "on", on)
		return
	}
	if on {
		r.log.Debugw("gcode_power_on", "ip", plug.IP, "delay", plug.GcodeOnDelay)
		r.sched.Schedule(plug.IP, ActionOn, seconds(plug.GcodeOnDelay), func() {
			r.turnOn(context.Background(), plug.IP)
		})
		return
	}
	r.log.Debugw("gcode_power_off", "ip", plug.IP, "delay", plug.GcodeOffDelay)
	r.sched.Schedule(plug.IP, ActionOff, seconds(plug.GcodeOffDelay), func() {
		r.gcodeTurnOff(context.Background(), plug)
	})
}

// gcodeTurnOff defers the power-off to the end of the print for plugs that
// warn while printing.
func (r *Router) gcodeTurnOff(ctx context.Context, plug models.PlugConfig) {
	if plug.WarnPrinting {
		state, err := r.printer.State(ctx)
		if err == nil && state.Printing {
			r.log.Infow("power_off_deferred", "ip", plug.IP, "reason", "printing")
			r.mu.Lock()
			if !slices.ContainsFunc(r.powerOffQueue, func(p models.PlugConfig) bool { return p.IP == plug.IP }) {
				r.powerOffQueue = append(r.powerOffQueue, plug)
			}
			r.mu.Unlock()
			return
		}
	}
	r.turnOff(ctx, plug.IP)
}

// PendingPowerOffs lists plugs waiting for the current print to finish.
func (r *Router) PendingPowerOffs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.powerOffQueue))
	for _, p := range r.powerOffQueue {
		out = append(out, p.IP)
	}
	return out
}

func (r *Router) setLEDs(cmd string, setColor bool) {
	var targets []models.PlugConfig
	for _, p := range r.settings.Get().Plugs {
		if p.ReceivesLEDCommands {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}
	v, ok := ParseLED(cmd)
	if !ok {
		r.log.Debugw("led_command_ignored", "command", cmd)
		return
	}
	for _, p := range targets {
		ip := p.IP
		r.goAsync(func() {
			if err := r.plugs.SetLED(context.Background(), ip, v, setColor); err != nil {
				r.log.Warnw("led_update_failed", "ip", ip, "error", err)
			}
		})
	}
}

// OnTemperatures checks a temperature report against the thermal runaway
// limits. The check runs in the background so the report is never delayed.
func (r *Router) OnTemperatures(temps map[string]float64) {
	s := r.settings.Get()
	if !s.ThermalRunawayMonitoring {
		return
	}
	r.goAsync(func() {
		heater, ok := runaway(temps, s.ThermalRunawayMaxBed, s.ThermalRunawayMaxExtruder)
		if !ok {
			return
		}
		r.log.Errorw("thermal_runaway", "heater", heater, "temperature", temps[heater])
		ctx := context.Background()
		for _, p := range s.Plugs {
			if !p.ThermalRunaway {
				continue
			}
			st, err := r.plugs.TurnOff(ctx, p.IP)
			if err != nil {
				r.log.Errorw("thermal_runaway_power_off_failed", "ip", p.IP, "error", err)
				continue
			}
			if st.CurrentState == models.StateOff {
				r.notify.Broadcast(st)
			}
			if r.events != nil {
				r.events.Record(ctx, models.EventTypeThermalRunaway, p.IP, "Powered off on thermal runaway",
					map[string]any{"heater": heater, "temperature": temps[heater]})
			}
		}
	})
}

// runaway returns the first heater above its limit. "B"/"bed" use the bed
// limit and "T*"/"tool*" the extruder limit.
func runaway(temps map[string]float64, maxBed, maxExtruder float64) (string, bool) {
	names := make([]string, 0, len(temps))
	for k := range temps {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		v := temps[k]
		switch {
		case k == "B" || strings.EqualFold(k, "bed"):
			if v > maxBed {
				return k, true
			}
		case strings.HasPrefix(k, "T") || strings.HasPrefix(k, "tool"):
			if v > maxExtruder {
				return k, true
			}
		}
	}
	return "", false
}

// OnProgress refreshes plug statuses while a print advances and counts the
// progress as activity.
func (r *Router) OnProgress(ctx context.Context, origin, path string, progress int) {
	if !r.settings.Get().ProgressPolling {
		return
	}
	r.log.Debugw("print_progress", "path", path, "progress", progress)
	r.goAsync(func() {
		t := time.NewTimer(r.progressDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, st := range r.plugs.CheckStatuses(ctx) {
			r.notify.Broadcast(st)
		}
	})
	r.notify.Broadcast(smartplug_control.PlotMessage{UpdatePlot: true})

	if r.idle.Enabled() && !r.idle.ActivitySuppressed() {
		r.idle.Activity()
	}
}

// OnConnectRequest powers on flagged plugs when the user asks the host to
// connect to a printer that is still off.
func (r *Router) OnConnectRequest(ctx context.Context) {
	s := r.settings.Get()
	if !s.ConnectOnConnectRequest {
		return
	}
	state, err := r.printer.State(ctx)
	if err != nil {
		r.log.Warnw("printer_state_failed", "error", err)
		return
	}
	if !state.ClosedOrError {
		return
	}
	r.switchFlagged(ctx, s.Plugs, func(p models.PlugConfig) bool { return p.ConnectOnConnect }, true)
}

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}
