package host

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Uptime returns how long the machine has been up.
func Uptime(ctx context.Context) (time.Duration, error) {
	secs, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
