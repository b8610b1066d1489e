package service

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"smartplug_control"
	"smartplug_control/internal/host"
	"smartplug_control/internal/kasa"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"

	"golang.org/x/sync/errgroup"
)

var ErrPlugNotFound = errors.New("plug not configured")

// recheckGrace is added to a countdown rule's delay before clients are asked
// to refresh, giving the device time to act on the rule.
const recheckGrace = 3 * time.Second

// ActivityTracker is the part of the idle monitor plug switching touches.
type ActivityTracker interface {
	Enabled() bool
	Activity()
}

// PlugService switches configured plugs and reads their status.
type PlugService struct {
	settings  SettingsSource
	transport kasa.Transport
	ledger    *Ledger
	printer   host.Printer
	sched     *Scheduler
	events    EventRecorder
	notify    Notifier
	log       *logger.Logger
	idle      ActivityTracker

	gcodeQueued atomic.Bool
	runCmd      func(ctx context.Context, cmd string) error
	sleep       func(ctx context.Context, d time.Duration)
}

func NewPlugService(
	settings SettingsSource,
	transport kasa.Transport,
	ledger *Ledger,
	printer host.Printer,
	sched *Scheduler,
	events EventRecorder,
	notify Notifier,
	log *logger.Logger,
) *PlugService {
	if log == nil {
		log = logger.Nop()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	p := &PlugService{
		settings:  settings,
		transport: transport,
		ledger:    ledger,
		printer:   printer,
		sched:     sched,
		events:    events,
		notify:    notify,
		log:       log,
		sleep:     sleepCtx,
	}
	p.runCmd = p.shell
	return p
}

// SetIdle connects the idle monitor once both exist.
func (p *PlugService) SetIdle(idle ActivityTracker) { p.idle = idle }

func (p *PlugService) lookup(ip string) (models.PlugConfig, kasa.Address, error) {
	plug, ok := p.settings.Get().Plug(ip)
	if !ok {
		return models.PlugConfig{}, kasa.Address{}, ErrPlugNotFound
	}
	addr, err := kasa.ParseAddress(plug.IP)
	if err != nil {
		return models.PlugConfig{}, kasa.Address{}, err
	}
	return plug, addr, nil
}

// TurnOn powers a plug on and runs its power-on side effects. The returned
// status is what the device reports afterwards.
func (p *PlugService) TurnOn(ctx context.Context, ip string) (models.StatusSnapshot, error) {
	plug, addr, err := p.lookup(ip)
	if err != nil {
		return models.UnknownStatus(strings.TrimSpace(ip)), err
	}
	p.log.Debugw("plug_turn_on", "ip", plug.IP)

	if p.switchRelay(ctx, plug, addr, true) {
		p.record(ctx, models.EventTypeOn, plug, "Plug turned on")
	} else {
		p.log.Warnw("plug_turn_on_failed", "ip", plug.IP)
	}

	st := p.CheckStatus(ctx, plug.IP)
	if st.IsOn() {
		p.afterOn(ctx, plug)
	}
	return st, nil
}

func (p *PlugService) afterOn(ctx context.Context, plug models.PlugConfig) {
	state, err := p.printer.State(ctx)
	if err != nil {
		p.log.Warnw("printer_state_failed", "error", err)
	}

	if plug.AutoConnect && state.ClosedOrError {
		p.sched.Schedule(plug.IP, ActionConnect, seconds(plug.AutoConnectDelay), func() {
			if err := p.printer.Connect(context.Background()); err != nil {
				p.log.Warnw("printer_connect_failed", "ip", plug.IP, "error", err)
			}
		})
	}
	if plug.GcodeCmdOn && state.ClosedOrError {
		p.log.Debugw("gcode_on_queued", "ip", plug.IP)
		p.gcodeQueued.Store(true)
	}
	if lines := plug.GcodeLinesOn(); plug.GcodeCmdOn && state.Ready && len(lines) > 0 {
		if err := p.printer.Commands(ctx, lines); err != nil {
			p.log.Warnw("gcode_on_failed", "ip", plug.IP, "error", err)
		}
	}
	if plug.SysCmdOn && plug.SysRunCmdOn != "" {
		cmd := plug.SysRunCmdOn
		p.sched.Schedule(plug.IP, ActionSysOn, seconds(plug.SysCmdOnDelay), func() { p.run(cmd) })
	}
	if plug.AutomaticShutdownEnabled && p.idle != nil && p.idle.Enabled() {
		p.idle.Activity()
	}
}

// TurnOff runs the power-off side effects and powers a plug off.
func (p *PlugService) TurnOff(ctx context.Context, ip string) (models.StatusSnapshot, error) {
	plug, addr, err := p.lookup(ip)
	if err != nil {
		return models.UnknownStatus(strings.TrimSpace(ip)), err
	}
	p.log.Debugw("plug_turn_off", "ip", plug.IP)

	if lines := plug.GcodeLinesOff(); plug.GcodeCmdOff && len(lines) > 0 {
		if err := p.printer.Commands(ctx, lines); err != nil {
			p.log.Warnw("gcode_off_failed", "ip", plug.IP, "error", err)
		}
	}
	if plug.SysCmdOff && plug.SysRunCmdOff != "" {
		cmd := plug.SysRunCmdOff
		p.sched.Schedule(plug.IP, ActionSysOff, seconds(plug.SysCmdOffDelay), func() { p.run(cmd) })
	}
	if plug.AutoDisconnect {
		if err := p.printer.Disconnect(ctx); err != nil {
			p.log.Warnw("printer_disconnect_failed", "ip", plug.IP, "error", err)
		}
		p.sleep(ctx, seconds(plug.AutoDisconnectDelay))
	}

	if p.switchRelay(ctx, plug, addr, false) {
		p.record(ctx, models.EventTypeOff, plug, "Plug turned off")
	} else {
		p.log.Warnw("plug_turn_off_failed", "ip", plug.IP)
	}
	return p.CheckStatus(ctx, plug.IP), nil
}

// switchRelay sends a relay change, or a countdown rule when the plug is
// configured for them. Success is an explicit err_code 0.
func (p *PlugService) switchRelay(ctx context.Context, plug models.PlugConfig, addr kasa.Address, on bool) bool {
	if !plug.UseCountdownRules {
		return kasa.Succeeded(p.transport.Send(ctx, addr, kasa.SetRelayState(on)), "system", "set_relay_state")
	}

	delay := plug.CountdownOffDelay
	if on {
		delay = plug.CountdownOnDelay
	}
	p.transport.Send(ctx, addr, kasa.DeleteCountdownRules())
	ok := kasa.Succeeded(p.transport.Send(ctx, addr, kasa.AddCountdownRule(delay, on)), "count_down", "add_rule")
	if ok {
		ip := plug.IP
		p.sched.Schedule(ip, ActionRecheck, seconds(delay)+recheckGrace, func() {
			p.notify.Broadcast(smartplug_control.RecheckMessage{CheckStatus: true, IP: ip})
		})
	}
	return ok
}

// CheckStatus reads the relay state and, for metering plugs, folds the
// current meter sample into the ledger. Unreachable devices and malformed
// addresses report "unknown".
func (p *PlugService) CheckStatus(ctx context.Context, ip string) models.StatusSnapshot {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return models.UnknownStatus(ip)
	}
	addr, err := kasa.ParseAddress(ip)
	if err != nil {
		p.log.Warnw("plug_address_invalid", "ip", ip, "error", err)
		return models.UnknownStatus(ip)
	}

	info := p.transport.Send(ctx, addr, kasa.SysInfo())
	relay := kasa.RelayState(info, addr.Child)
	st := models.StatusSnapshot{CurrentState: kasa.StateString(relay), IP: ip}
	if relay == kasa.RelayUnknown {
		return st
	}

	plug, _ := p.settings.Get().Plug(ip)
	if !plug.Emeter && !hasEmeter(info) {
		return st
	}
	read := func() (models.EmeterReading, bool) {
		return kasa.ParseRealtime(p.transport.Send(ctx, addr, kasa.Realtime()))
	}
	var (
		r  models.EmeterReading
		ok bool
	)
	if p.ledger != nil {
		r, ok = p.ledger.Sample(ctx, ip, read)
	} else {
		r, ok = read()
	}
	if ok {
		st.Emeter = &r
	}
	return st
}

func hasEmeter(info kasa.Response) bool {
	return strings.Contains(kasa.LookupString(info, "", "system", "get_sysinfo", "feature"), "ENE")
}

// CheckStatuses checks every configured plug concurrently, in configuration order.
func (p *PlugService) CheckStatuses(ctx context.Context) []models.StatusSnapshot {
	plugs := p.settings.Get().Plugs
	out := make([]models.StatusSnapshot, len(plugs))
	var g errgroup.Group
	for i, plug := range plugs {
		i, plug := i, plug
		g.Go(func() error {
			out[i] = p.CheckStatus(ctx, plug.IP)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ListPlugs returns the configured plugs.
func (p *PlugService) ListPlugs() []models.PlugConfig {
	plugs := p.settings.Get().Plugs
	return append([]models.PlugConfig(nil), plugs...)
}

// FlushQueuedGcode sends power-on G-code that was held back while the
// printer was disconnected.
func (p *PlugService) FlushQueuedGcode(ctx context.Context) {
	if !p.gcodeQueued.CompareAndSwap(true, false) {
		return
	}
	for _, plug := range p.settings.Get().Plugs {
		lines := plug.GcodeLinesOn()
		if !plug.GcodeCmdOn || len(lines) == 0 {
			continue
		}
		p.log.Debugw("gcode_on_flushed", "ip", plug.IP)
		if err := p.printer.Commands(ctx, lines); err != nil {
			p.log.Warnw("gcode_on_failed", "ip", plug.IP, "error", err)
		}
	}
}

// SetLED pushes an LED state to a bulb or light strip. Plain plugs are skipped.
func (p *PlugService) SetLED(ctx context.Context, ip string, v LEDValues, setColor bool) error {
	addr, err := kasa.ParseAddress(ip)
	if err != nil {
		return err
	}
	info := p.transport.Send(ctx, addr, kasa.SysInfo())
	service := lightingService(info)
	if service == "" {
		p.log.Debugw("led_not_supported", "ip", ip)
		return nil
	}

	ls := kasa.LightState{On: v.On}
	if v.On {
		b := v.Brightness
		ls.Brightness = &b
		if setColor {
			h, s, _ := RGBToHSV(v.Red, v.Green, v.Blue)
			ls.Hue, ls.Saturation = &h, &s
		}
	}
	resp := p.transport.Send(ctx, addr, kasa.SetLightState(service, ls))
	if !kasa.Succeeded(resp, service, "transition_light_state") {
		return errors.New("set light state failed for " + ip)
	}
	return nil
}

func lightingService(info kasa.Response) string {
	sys := kasa.Lookup(info, nil, "system", "get_sysinfo")
	if sys == nil {
		return ""
	}
	if kasa.Lookup(sys, nil, "length") != nil {
		return kasa.StripLightingService
	}
	if strings.Contains(strings.ToUpper(kasa.LookupString(sys, "", "mic_type")), "BULB") ||
		kasa.LookupInt(sys, 0, "is_color") == 1 {
		return kasa.BulbLightingService
	}
	return ""
}

func (p *PlugService) record(ctx context.Context, typ string, plug models.PlugConfig, desc string) {
	if p.events != nil {
		p.events.Record(ctx, typ, plug.IP, desc, map[string]any{"label": plug.Label})
	}
}

func (p *PlugService) run(cmd string) {
	if err := p.runCmd(context.Background(), cmd); err != nil {
		p.log.Errorw("system_command_failed", "command", cmd, "error", err)
	}
}

func (p *PlugService) shell(ctx context.Context, cmd string) error {
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if len(out) > 0 {
		p.log.Debugw("system_command_output", "command", cmd, "output", strings.TrimSpace(string(out)))
	}
	return err
}

func seconds(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
