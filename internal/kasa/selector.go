package kasa

import (
	"context"
	"sync"
	"time"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Discoverer is a transport that can tell whether a host speaks its protocol.
type Discoverer interface {
	Transport
	Discover(ctx context.Context, host string) (models.DeviceConfig, error)
}

// DiscoveryRetry is how long a host that failed KLAP discovery is served by the
// legacy transport before discovery is tried again.
const DiscoveryRetry = time.Minute

// Selector routes each device to the legacy or KLAP transport.
// A persisted config decides. Without one, and when a KLAP transport is
// configured, discovery runs; a success is kept for the lifetime of the
// process, a failure for RetryAfter.
type Selector struct {
	legacy Transport
	klap   Discoverer
	store  DeviceConfigStore
	log    *logger.Logger

	RetryAfter time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	picked map[string]pick
	group  singleflight.Group
}

// pick is a resolved protocol; a zero until never expires.
type pick struct {
	protocol string
	until    time.Time
}

func (p pick) valid(now time.Time) bool {
	return p.until.IsZero() || now.Before(p.until)
}

// NewSelector builds a selector. klap and store may be nil.
func NewSelector(legacy Transport, klap Discoverer, store DeviceConfigStore, log *logger.Logger) *Selector {
	return &Selector{
		legacy: legacy,
		klap:   klap,
		store:  store,
		log:    log,

		RetryAfter: DiscoveryRetry,
		now:        time.Now,
		picked:     make(map[string]pick),
	}
}

// Send implements Transport.
func (s *Selector) Send(ctx context.Context, addr Address, cmd Command) Response {
	if s.Protocol(ctx, addr.Host) == models.ProtocolKLAP {
		return s.klap.Send(ctx, addr, cmd)
	}
	return s.legacy.Send(ctx, addr, cmd)
}

// Protocol returns the protocol used for host, discovering it on first use.
func (s *Selector) Protocol(ctx context.Context, host string) string {
	if p, ok := s.cached(host); ok {
		return p
	}

	v, _, _ := s.group.Do(host, func() (any, error) {
		if p, ok := s.cached(host); ok {
			return p, nil
		}
		p, final := s.choose(ctx, host)
		entry := pick{protocol: p}
		if !final {
			entry.until = s.now().Add(s.RetryAfter)
		}
		s.mu.Lock()
		s.picked[host] = entry
		s.mu.Unlock()
		return p, nil
	})
	return v.(string)
}

func (s *Selector) cached(host string) (string, bool) {
	s.mu.RLock()
	p, ok := s.picked[host]
	s.mu.RUnlock()
	if !ok || !p.valid(s.now()) {
		return "", false
	}
	return p.protocol, true
}

// choose reports false when the answer came from a failed discovery and should
// be retried later.
func (s *Selector) choose(ctx context.Context, host string) (string, bool) {
	if s.store != nil {
		cfg, found, err := s.store.GetDeviceConfig(ctx, host)
		if err != nil && s.log != nil {
			s.log.Warnw("device_config_load_failed", "host", host, "error", err)
		}
		if found {
			if cfg.Protocol == models.ProtocolKLAP && s.klap != nil {
				return models.ProtocolKLAP, true
			}
			return models.ProtocolLegacy, true
		}
		if err != nil {
			return models.ProtocolLegacy, false
		}
	}
	if s.klap == nil {
		return models.ProtocolLegacy, true
	}

	cfg, err := s.klap.Discover(ctx, host)
	if err != nil {
		if s.log != nil {
			s.log.Debugw("klap_discovery_failed", "host", host, "error", err, "retry_in", s.RetryAfter)
		}
		return models.ProtocolLegacy, false
	}
	if s.store != nil {
		if err := s.store.SaveDeviceConfig(ctx, cfg); err != nil && s.log != nil {
			s.log.Warnw("device_config_save_failed", "host", host, "error", err)
		}
	}
	if s.log != nil {
		s.log.Infow("klap_device_discovered", "host", host, "model", cfg.Model)
	}
	return models.ProtocolKLAP, true
}

// Warm resolves the protocol of every address concurrently.
func (s *Selector) Warm(ctx context.Context, addrs []Address) map[string]string {
	out := make(map[string]string, len(addrs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range addrs {
		host := a.Host
		g.Go(func() error {
			p := s.Protocol(gctx, host)
			mu.Lock()
			out[host] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
