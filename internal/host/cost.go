package host

import (
	"context"
	"math"
	"time"

	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

// CostRecorder stores the energy cost of finished prints, standing in for the
// controller's file metadata.
type CostRecorder struct {
	repo repository.PrintCostRepo
	now  func() time.Time
}

func NewCostRecorder(repo repository.PrintCostRepo) *CostRecorder {
	return &CostRecorder{repo: repo, now: time.Now}
}

// RecordPrintCost saves energy (kWh) and cost for origin/path. Cost is
// rounded to four decimals.
func (c *CostRecorder) RecordPrintCost(ctx context.Context, origin, path string, energyKWh, cost float64) (models.PrintCost, error) {
	if origin == "" {
		origin = "local"
	}
	pc := models.PrintCost{
		Origin:     origin,
		Path:       path,
		EnergyKWh:  energyKWh,
		Cost:       math.Round(cost*1e4) / 1e4,
		RecordedAt: c.now().UTC(),
	}
	id, err := c.repo.Record(ctx, pc)
	if err != nil {
		return models.PrintCost{}, err
	}
	pc.ID = id
	return pc, nil
}
