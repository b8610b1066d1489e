package kasa

import (
	"context"
	"strings"
	"sync"
	"time"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Transport sends one command to a device. It never fails: any network or
// protocol error is logged and turned into the Unreachable sentinel.
type Transport interface {
	Send(ctx context.Context, addr Address, cmd Command) Response
}

// DeviceConfigStore persists discovery results keyed by host.
type DeviceConfigStore interface {
	GetDeviceConfig(ctx context.Context, key string) (models.DeviceConfig, bool, error)
	SaveDeviceConfig(ctx context.Context, cfg models.DeviceConfig) error
}

// Resolver resolves hostnames. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// fetchFunc performs a get_sysinfo round trip against host.
type fetchFunc func(ctx context.Context, host string) (Response, error)

// childIndex resolves strip outlet ids once per host. Results are cached in
// memory and in the DeviceConfigStore; concurrent lookups for one host share a
// single device round trip.
type childIndex struct {
	store    DeviceConfigStore
	protocol string
	port     int
	log      *logger.Logger

	mu    sync.RWMutex
	cache map[string][]string
	group singleflight.Group
}

func newChildIndex(store DeviceConfigStore, protocol string, port int, log *logger.Logger) *childIndex {
	if log == nil {
		log = logger.Nop()
	}
	return &childIndex{store: store, protocol: protocol, port: port, log: log, cache: make(map[string][]string)}
}

func (c *childIndex) lookup(ctx context.Context, addr Address, fetch fetchFunc) (string, error) {
	ids, err := c.idsFor(ctx, addr.Host, fetch)
	if err != nil {
		return "", err
	}
	if addr.Child > len(ids) {
		return "", errors.Errorf("%s has %d outlets, outlet %d requested", addr.Host, len(ids), addr.Child)
	}
	if ids[addr.Child-1] == "" {
		return "", errors.Errorf("outlet %d of %s reports no id", addr.Child, addr.Host)
	}
	return ids[addr.Child-1], nil
}

func (c *childIndex) idsFor(ctx context.Context, host string, fetch fetchFunc) ([]string, error) {
	c.mu.RLock()
	ids, ok := c.cache[host]
	c.mu.RUnlock()
	if ok {
		return ids, nil
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		c.mu.RLock()
		ids, ok := c.cache[host]
		c.mu.RUnlock()
		if ok {
			return ids, nil
		}

		var existing models.DeviceConfig
		var found bool
		if c.store != nil {
			cfg, ok, err := c.store.GetDeviceConfig(ctx, host)
			if err == nil && ok {
				existing, found = cfg, true
				if len(cfg.ChildIDs) > 0 {
					c.remember(host, cfg.ChildIDs)
					return cfg.ChildIDs, nil
				}
			}
		}

		resp, err := fetch(ctx, host)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve outlets of %s", host)
		}
		ids = ChildIDs(resp)
		if len(ids) == 0 {
			return nil, errors.Errorf("%s reported no outlets", host)
		}
		c.remember(host, ids)

		if c.store != nil {
			cfg := existing
			if !found {
				cfg = models.DeviceConfig{Key: host, Host: host, Port: c.port, Protocol: c.protocol}
			}
			cfg.ChildIDs = ids
			cfg.DeviceID = LookupString(resp, cfg.DeviceID, "system", "get_sysinfo", "deviceId")
			cfg.Model = LookupString(resp, cfg.Model, "system", "get_sysinfo", "model")
			cfg.DiscoveredAt = time.Now().UTC()
			if err := c.store.SaveDeviceConfig(ctx, cfg); err != nil {
				c.log.Warnw("device_config_save_failed", "host", host, "error", err)
			}
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *childIndex) remember(host string, ids []string) {
	c.mu.Lock()
	c.cache[host] = ids
	c.mu.Unlock()
}

// ChildIDs returns the outlet ids of a strip from a get_sysinfo reply, one per
// outlet in order. An outlet without an id keeps its position as "".
// Firmware that reports two-character ids gets them prefixed with deviceId.
func ChildIDs(resp Response) []string {
	children, ok := Lookup(resp, nil, "system", "get_sysinfo", "children").([]any)
	if !ok {
		return nil
	}
	deviceID := LookupString(resp, "", "system", "get_sysinfo", "deviceId")
	ids := make([]string, 0, len(children))
	for i := range children {
		id := LookupString(children, "", i, "id")
		if id != "" && deviceID != "" && !strings.HasPrefix(id, deviceID) && len(id) <= 2 {
			id = deviceID + id
		}
		ids = append(ids, id)
	}
	return ids
}
