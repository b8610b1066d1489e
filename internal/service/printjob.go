package service

import (
	"context"
	"sync"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

// CostRecorder stores the cost of a finished print.
type CostRecorder interface {
	RecordPrintCost(ctx context.Context, origin, path string, energyKWh, cost float64) (models.PrintCost, error)
}

// PrintJobTracker measures the energy a print consumed as the difference of
// the metered grand totals at start and finish. Meter deltas are already
// time integrated, so the result is not scaled by print duration.
type PrintJobTracker struct {
	costs CostRecorder
	log   *logger.Logger

	mu      sync.Mutex
	started bool
	energy  float64
}

func NewPrintJobTracker(costs CostRecorder, log *logger.Logger) *PrintJobTracker {
	if log == nil {
		log = logger.Nop()
	}
	return &PrintJobTracker{costs: costs, log: log}
}

// Start snapshots the baseline from the current plug statuses.
func (j *PrintJobTracker) Start(statuses []models.StatusSnapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = true
	j.energy = -meteredTotal(statuses)
}

func (j *PrintJobTracker) Started() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

// Discard drops the baseline of a failed or cancelled print.
func (j *PrintJobTracker) Discard() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = false
	j.energy = 0
}

// Finish closes the job and records energy × rate against the printed file.
func (j *PrintJobTracker) Finish(ctx context.Context, origin, path string, statuses []models.StatusSnapshot, rate float64) (models.PrintCost, bool, error) {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return models.PrintCost{}, false, nil
	}
	energy := j.energy + meteredTotal(statuses)
	j.started = false
	j.energy = 0
	j.mu.Unlock()

	if energy < 0 {
		energy = 0
	}
	cost := energy * rate
	j.log.Infow("print_energy", "path", path, "energy_kwh", energy, "cost", cost)
	if j.costs == nil {
		return models.PrintCost{Origin: origin, Path: path, EnergyKWh: energy, Cost: cost}, true, nil
	}
	pc, err := j.costs.RecordPrintCost(ctx, origin, path, energy, cost)
	return pc, true, err
}

func meteredTotal(statuses []models.StatusSnapshot) float64 {
	var sum float64
	for _, st := range statuses {
		if st.Emeter != nil {
			sum += st.Emeter.GrandTotal
		}
	}
	return sum
}

type PrintCostService struct {
	repo repository.PrintCostRepo
}

func NewPrintCostService(repo repository.PrintCostRepo) *PrintCostService {
	return &PrintCostService{repo: repo}
}

func (s *PrintCostService) ListPrintCosts(ctx context.Context, limit int) ([]models.PrintCost, error) {
	return s.repo.List(ctx, limit)
}
