package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"smartplug_control"
	"smartplug_control/internal/kasa"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

const defaultEnergyLimit = 100

// EnergySink receives every persisted ledger row, e.g. a time series export.
type EnergySink interface {
	WriteEnergy(ctx context.Context, row models.EnergyRow) error
}

// Ledger turns meter samples into energy_data rows with a grand total that
// survives device counter resets. Samples for one ip are serialized; different
// ips proceed independently.
type Ledger struct {
	repo  repository.EnergyRepo
	sinks []EnergySink
	log   *logger.Logger
	now   func() time.Time

	mu     sync.Mutex
	states map[string]*ledgerState
}

type ledgerState struct {
	mu            sync.Mutex
	seeded        bool
	last          models.EnergyRow
	hasLast       bool
	lastPersisted bool
	correction    float64
}

func NewLedger(repo repository.EnergyRepo, log *logger.Logger, sinks ...EnergySink) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{
		repo:   repo,
		sinks:  sinks,
		log:    log,
		now:    time.Now,
		states: make(map[string]*ledgerState),
	}
}

func (l *Ledger) state(ip string) *ledgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[ip]
	if !ok {
		st = &ledgerState{}
		l.states[ip] = st
	}
	return st
}

// Record folds one sample into the ledger and returns it with GrandTotal set.
// Write failures are logged and never returned.
func (l *Ledger) Record(ctx context.Context, ip string, r models.EmeterReading) models.EmeterReading {
	out, _ := l.Sample(ctx, ip, func() (models.EmeterReading, bool) { return r, true })
	return out
}

// Sample calls read and records its result while holding the ip's lock, so
// readings of one device are recorded in the order they were taken.
// It returns false when read produced no reading.
func (l *Ledger) Sample(ctx context.Context, ip string, read func() (models.EmeterReading, bool)) (models.EmeterReading, bool) {
	ip = strings.TrimSpace(ip)
	st := l.state(ip)
	st.mu.Lock()
	defer st.mu.Unlock()

	r, ok := read()
	if !ok {
		return r, false
	}
	return l.recordLocked(ctx, ip, st, r), true
}

func (l *Ledger) recordLocked(ctx context.Context, ip string, st *ledgerState, r models.EmeterReading) models.EmeterReading {
	if !st.seeded {
		if err := l.seed(ctx, ip, st); err != nil {
			l.log.Errorw("ledger_seed_failed", "ip", ip, "error", err)
			r.GrandTotal = kasa.Round6(r.Total)
			return r
		}
	}

	if st.hasLast && r.Total < st.last.Total {
		st.correction += st.last.Total
		l.log.Infow("emeter_counter_reset", "ip", ip, "previous", st.last.Total, "current", r.Total, "correction", st.correction)
	}
	gt := kasa.Round6(r.Total + st.correction)

	row := models.EnergyRow{
		IP:         ip,
		Timestamp:  l.now().UTC(),
		Voltage:    r.Voltage,
		Current:    r.Current,
		Power:      r.Power,
		Total:      r.Total,
		GrandTotal: gt,
	}

	// Power came back after an idle stretch that was never written: store the
	// last idle reading first so the gap is not accounted as consumption.
	if st.hasLast && !st.lastPersisted && st.last.Power == 0 && r.Power > 0 {
		l.persist(ctx, st.last)
	}

	if !st.hasLast || r.Total != st.last.Total || r.Power > 0 || st.last.Power > 0 {
		st.lastPersisted = l.persist(ctx, row)
	} else {
		st.lastPersisted = false
	}
	st.last = row
	st.hasLast = true

	r.GrandTotal = gt
	return r
}

func (l *Ledger) seed(ctx context.Context, ip string, st *ledgerState) error {
	row, found, err := l.repo.Latest(ctx, ip)
	if err != nil {
		return err
	}
	if found {
		st.last = row
		st.hasLast = true
		st.lastPersisted = true
		st.correction = row.GrandTotal - row.Total
	}
	st.seeded = true
	return nil
}

func (l *Ledger) persist(ctx context.Context, row models.EnergyRow) bool {
	if _, err := l.repo.Insert(ctx, row); err != nil {
		l.log.Errorw("ledger_write_failed", "ip", row.IP, "error", err)
		return false
	}
	for _, s := range l.sinks {
		if err := s.WriteEnergy(ctx, row); err != nil {
			l.log.Warnw("energy_sink_write_failed", "ip", row.IP, "error", err)
		}
	}
	return true
}

// GetEnergyData returns persisted rows for ip, newest first.
func (l *Ledger) GetEnergyData(ctx context.Context, ip string, offset, limit int) ([]smartplug_control.EnergyPoint, error) {
	if limit <= 0 {
		limit = defaultEnergyLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := l.repo.List(ctx, strings.TrimSpace(ip), offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]smartplug_control.EnergyPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, smartplug_control.EnergyPoint{
			Timestamp:  r.Timestamp,
			Current:    r.Current,
			Power:      r.Power,
			GrandTotal: r.GrandTotal,
			Voltage:    r.Voltage,
		})
	}
	return out, nil
}
