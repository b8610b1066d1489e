package service

import (
	"context"
	"time"

	"smartplug_control"
	"smartplug_control/internal/config"
	"smartplug_control/internal/host"
	"smartplug_control/internal/kasa"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

type Authorization interface {
	SignUp(ctx context.Context, username, password string) (int, error)
	GenerateToken(ctx context.Context, username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Plugs exposes switching and status of configured plugs.
type Plugs interface {
	TurnOn(ctx context.Context, ip string) (models.StatusSnapshot, error)
	TurnOff(ctx context.Context, ip string) (models.StatusSnapshot, error)
	CheckStatus(ctx context.Context, ip string) models.StatusSnapshot
	CheckStatuses(ctx context.Context) []models.StatusSnapshot
	ListPlugs() []models.PlugConfig
	SetLED(ctx context.Context, ip string, v LEDValues, setColor bool) error
}

// Energy exposes the energy history.
type Energy interface {
	GetEnergyData(ctx context.Context, ip string, offset, limit int) ([]smartplug_control.EnergyPoint, error)
}

// Idle exposes the automatic shutdown switch and countdown.
type Idle interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Abort(ctx context.Context)
	State() IdleState
	TimeoutMessage() smartplug_control.TimeoutMessage
}

// EventLog exposes the plug audit log with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.PlugEvent, error)
}

// Commands feeds printer host traffic to the event router.
type Commands interface {
	OnEvent(ctx context.Context, name string, payload map[string]any)
	ProcessGcode(ctx context.Context, cmd, gcode string)
	ProcessAtCommand(ctx context.Context, command, params string)
	OnTemperatures(temps map[string]float64)
	OnProgress(ctx context.Context, origin, path string, progress int)
	OnConnectRequest(ctx context.Context)
}

type PrintCosts interface {
	ListPrintCosts(ctx context.Context, limit int) ([]models.PrintCost, error)
}

// Notifier pushes a message to every connected UI client.
type Notifier interface {
	Broadcast(msg any)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(any) {}

// SettingsSource returns the current settings snapshot.
type SettingsSource interface {
	Get() *config.Settings
}

// EventRecorder appends to the plug audit log.
type EventRecorder interface {
	Record(ctx context.Context, typ, ip, description string, meta any)
}

//
// Root Service aggregates all sub-services.
//

type Service struct {
	Plugs
	Energy
	Idle
	EventLog
	PrintCosts
	Authorization
	Commands

	Monitor *IdleMonitor
	Router  *Router
	Poller  *Poller

	sched *Scheduler
}

// Deps carries everything NewService wires together.
type Deps struct {
	Repos     *repository.Repository
	Settings  SettingsSource
	Transport kasa.Transport
	Printer   host.Printer
	Notifier  Notifier
	Sinks     []EnergySink
	Log       *logger.Logger

	Idle       IdleOptions
	PollUnit   time.Duration
	SigningKey string
	TokenTTL   time.Duration
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	notify := d.Notifier
	if notify == nil {
		notify = nopNotifier{}
	}

	events := NewEventLogService(d.Repos.Events, log.Named("events"))
	ledger := NewLedger(d.Repos.Energy, log.Named("ledger"), d.Sinks...)
	sched := NewScheduler()
	plugs := NewPlugService(d.Settings, d.Transport, ledger, d.Printer, sched, events, notify, log.Named("plugs"))
	idle := NewIdleMonitor(d.Settings, d.Printer, plugs, notify, d.Repos.ControlState, events, log.Named("idle"), d.Idle)
	plugs.SetIdle(idle)
	jobs := NewPrintJobTracker(host.NewCostRecorder(d.Repos.PrintCosts), log.Named("jobs"))
	router := NewRouter(d.Settings, plugs, idle, d.Printer, jobs, sched, notify, events, log.Named("router"))

	return &Service{
		Plugs:         plugs,
		Energy:        ledger,
		Idle:          idle,
		EventLog:      events,
		PrintCosts:    NewPrintCostService(d.Repos.PrintCosts),
		Authorization: NewAuthService(d.Repos.Auth, d.SigningKey, d.TokenTTL),
		Commands:      router,
		Monitor:       idle,
		Router:        router,
		Poller:        NewPoller(d.Settings, plugs, notify, log.Named("poller"), d.PollUnit),
		sched:         sched,
	}
}

// Close stops idle timers and pending delayed actions, then waits for
// background router work.
func (s *Service) Close() {
	s.Monitor.Close()
	s.sched.CancelAll()
	s.Router.Wait()
}
