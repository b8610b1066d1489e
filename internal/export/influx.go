// Package export mirrors persisted energy rows to external time series stores.
package export

import (
	"context"

	"smartplug_control/internal/config"
	"smartplug_control/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultMeasurement = "plug_energy"

// Influx writes every ledger row as one point, tagged with the plug IP.
type Influx struct {
	client      influxdb2.Client
	writer      api.WriteAPIBlocking
	measurement string
}

// NewInflux connects to the configured server. The client is lazy, so no
// request is made until the first write.
func NewInflux(cfg config.InfluxSettings) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	m := cfg.Measurement
	if m == "" {
		m = defaultMeasurement
	}
	return &Influx{
		client:      client,
		writer:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: m,
	}
}

// WriteEnergy implements service.EnergySink.
func (i *Influx) WriteEnergy(ctx context.Context, row models.EnergyRow) error {
	p := influxdb2.NewPoint(i.measurement,
		map[string]string{"ip": row.IP},
		map[string]any{
			"voltage":    row.Voltage,
			"current":    row.Current,
			"power":      row.Power,
			"total":      row.Total,
			"grandtotal": row.GrandTotal,
		},
		row.Timestamp,
	)
	if err := i.writer.WritePoint(ctx, p); err != nil {
		return errors.Wrapf(err, "influx write for %s", row.IP)
	}
	return nil
}

func (i *Influx) Close() { i.client.Close() }
