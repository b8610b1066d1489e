package kasa

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"

	"github.com/pkg/errors"
)

// LegacyPort is the TCP port of the legacy protocol.
const LegacyPort = 9999

// LegacyOptions tunes the legacy transport.
type LegacyOptions struct {
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Resolver       Resolver
	Store          DeviceConfigStore
}

// LegacyTransport speaks the XOR-framed JSON protocol over TCP.
type LegacyTransport struct {
	port           int
	connectTimeout time.Duration
	readTimeout    time.Duration
	resolver       Resolver
	children       *childIndex
	log            *logger.Logger
}

// NewLegacyTransport returns a transport with 3s connect and 5s read timeouts
// unless overridden.
func NewLegacyTransport(opts LegacyOptions, log *logger.Logger) *LegacyTransport {
	if opts.Port == 0 {
		opts.Port = LegacyPort
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &LegacyTransport{
		port:           opts.Port,
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		resolver:       opts.Resolver,
		children:       newChildIndex(opts.Store, models.ProtocolLegacy, opts.Port, log),
		log:            log,
	}
}

// Send implements Transport.
func (t *LegacyTransport) Send(ctx context.Context, addr Address, cmd Command) Response {
	if addr.Child > 0 {
		id, err := t.children.lookup(ctx, addr, t.sysInfo)
		if err != nil {
			t.warn("legacy_child_lookup_failed", addr, err)
			return Unreachable()
		}
		cmd = cmd.WithChild(id)
	}
	resp, err := t.roundTrip(ctx, addr.Host, cmd)
	if err != nil {
		t.warn("legacy_send_failed", addr, err)
		return Unreachable()
	}
	return resp
}

func (t *LegacyTransport) sysInfo(ctx context.Context, host string) (Response, error) {
	return t.roundTrip(ctx, host, SysInfo())
}

func (t *LegacyTransport) warn(event string, addr Address, err error) {
	if t.log != nil {
		t.log.Warnw(event, "address", addr.String(), "error", err)
	}
}

// roundTrip writes one framed command and reads one framed reply.
func (t *LegacyTransport) roundTrip(ctx context.Context, host string, cmd Command) (Response, error) {
	ip, err := t.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	payload, err := cmd.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "marshal command")
	}

	d := net.Dialer{Timeout: t.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(t.port)))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", host)
	}
	defer conn.Close()

	deadline := time.Now().Add(t.readTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}

	if _, err := conn.Write(Encode(payload)); err != nil {
		return nil, errors.Wrapf(err, "write to %s", host)
	}
	body, err := ReadFrame(conn)
	if err != nil {
		return nil, errors.Wrapf(err, "read from %s", host)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrapf(err, "decode reply from %s", host)
	}
	return resp, nil
}

// resolve accepts literal IPs as-is and falls back to DNS.
func (t *LegacyTransport) resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	addrs, err := t.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", host)
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("resolve %s: no addresses", host)
	}
	return addrs[0], nil
}
