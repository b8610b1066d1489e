package service

import (
	"context"
	"time"

	"smartplug_control/internal/config"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
)

// StatusChecker checks every configured plug.
type StatusChecker interface {
	CheckStatuses(ctx context.Context) []models.StatusSnapshot
}

// Poller periodically checks all plugs and pushes the results to clients.
type Poller struct {
	settings SettingsSource
	plugs    StatusChecker
	notify   Notifier
	log      *logger.Logger
	unit     time.Duration
	reload   chan struct{}
}

// NewPoller builds a poller. unit is the length of one polling_interval step,
// a minute when zero.
func NewPoller(settings SettingsSource, plugs StatusChecker, notify Notifier, log *logger.Logger, unit time.Duration) *Poller {
	if log == nil {
		log = logger.Nop()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	if unit <= 0 {
		unit = time.Minute
	}
	return &Poller{settings: settings, plugs: plugs, notify: notify, log: log, unit: unit, reload: make(chan struct{}, 1)}
}

// Run polls until ctx is canceled. A settings change restarts the ticker.
func (p *Poller) Run(ctx context.Context) {
	for {
		s := p.settings.Get()
		if !s.PollingEnabled || s.PollingInterval <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.reload:
				continue
			}
		}

		interval := time.Duration(s.PollingInterval) * p.unit
		p.log.Infow("status_polling_started", "interval", interval)
		if !p.tick(ctx, interval) {
			return
		}
	}
}

// tick returns false when ctx is done and true on reload.
func (p *Poller) tick(ctx context.Context, interval time.Duration) bool {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-p.reload:
			return true
		case <-t.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce checks all plugs and broadcasts each status.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, st := range p.plugs.CheckStatuses(ctx) {
		p.notify.Broadcast(st)
	}
}

func (p *Poller) SettingsChanged(old, cur *config.Settings) {
	if old != nil && old.PollingEnabled == cur.PollingEnabled && old.PollingInterval == cur.PollingInterval {
		return
	}
	select {
	case p.reload <- struct{}{}:
	default:
	}
}
