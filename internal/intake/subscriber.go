// Package intake receives printer host traffic from an MQTT broker and feeds
// it to the event router. Topics follow the OctoPrint-MQTT layout below a
// base topic:
//
//	<base>/event/<Name>          host events
//	<base>/temperature/<heater>  {"actual":..,"target":..}
//	<base>/progress/printing     {"location":..,"path":..,"progress":..}
//	<base>/gcode/sent            {"cmd":..,"gcode":..}
//	<base>/atcommand             {"command":..,"parameters":..}
//	<base>/connect               connect request from the UI
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"smartplug_control/internal/config"
	"smartplug_control/internal/logger"
	"smartplug_control/internal/worker"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultBaseTopic = "octoPrint"
	connectTimeout   = 10 * time.Second
	queueSize        = 64
)

// Dispatcher is the router surface fed by the subscriber.
type Dispatcher interface {
	OnEvent(ctx context.Context, name string, payload map[string]any)
	ProcessGcode(ctx context.Context, cmd, gcode string)
	ProcessAtCommand(ctx context.Context, command, params string)
	OnTemperatures(temps map[string]float64)
	OnProgress(ctx context.Context, origin, path string, progress int)
	OnConnectRequest(ctx context.Context)
}

// Subscriber owns the MQTT client. Messages are handed to the router on a
// single worker loop so they are processed in arrival order without blocking
// the client's network goroutine.
type Subscriber struct {
	client paho.Client
	base   string
	router Dispatcher
	loop   *worker.Loop
	log    *logger.Logger

	mu    sync.Mutex
	temps map[string]float64
}

// New builds a subscriber for cfg. The connection is opened by Start.
func New(cfg config.MQTTSettings, router Dispatcher, log *logger.Logger) *Subscriber {
	s := newSubscriber(cfg.BaseTopic, router, log)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.log.Warnw("mqtt_connection_lost", "error", err)
		})
	if cfg.ClientID != "" {
		opts = opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts = opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts = opts.SetPassword(cfg.Password)
	}
	s.client = paho.NewClient(opts)
	return s
}

func newSubscriber(base string, router Dispatcher, log *logger.Logger) *Subscriber {
	if log == nil {
		log = logger.Nop()
	}
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultBaseTopic
	}
	return &Subscriber{
		base:   base,
		router: router,
		loop:   worker.NewLoop(queueSize),
		log:    log,
		temps:  make(map[string]float64),
	}
}

// Start connects to the broker. Subscriptions are (re)established on every
// successful connect.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.log.Warnw("mqtt_connect_pending", "timeout", connectTimeout)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop disconnects and waits for queued messages to be dropped.
func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.loop.Stop()
}

// Topics returns the subscription filters.
func (s *Subscriber) Topics() map[string]byte {
	return map[string]byte{
		s.base + "/event/#":       1,
		s.base + "/temperature/#": 0,
		s.base + "/progress/#":    0,
		s.base + "/gcode/sent":    0,
		s.base + "/atcommand":     1,
		s.base + "/connect":       1,
	}
}

func (s *Subscriber) onConnect(c paho.Client) {
	token := c.SubscribeMultiple(s.Topics(), func(_ paho.Client, msg paho.Message) {
		s.Dispatch(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		s.log.Errorw("mqtt_subscribe_failed", "error", token.Error())
		return
	}
	s.log.Infow("mqtt_subscribed", "base", s.base)
}

type progressPayload struct {
	Location string `json:"location"`
	Path     string `json:"path"`
	Progress int    `json:"progress"`
}

type gcodePayload struct {
	Cmd   string `json:"cmd"`
	Gcode string `json:"gcode"`
}

type atCommandPayload struct {
	Command    string `json:"command"`
	Parameters string `json:"parameters"`
}

type temperaturePayload struct {
	Actual *float64 `json:"actual"`
	Target *float64 `json:"target"`
}

// Dispatch routes one message. It returns the future of the queued router
// call, or nil when the topic or payload was ignored.
func (s *Subscriber) Dispatch(topic string, payload []byte) *worker.Future {
	rel, ok := strings.CutPrefix(topic, s.base+"/")
	if !ok {
		return nil
	}

	switch {
	case strings.HasPrefix(rel, "event/"):
		name := strings.TrimPrefix(rel, "event/")
		var body map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &body); err != nil {
				s.log.Debugw("mqtt_payload_invalid", "topic", topic, "error", err)
			}
		}
		return s.submit(func(ctx context.Context) { s.router.OnEvent(ctx, name, body) })

	case strings.HasPrefix(rel, "temperature/"):
		heater := strings.TrimPrefix(rel, "temperature/")
		var body temperaturePayload
		if err := json.Unmarshal(payload, &body); err != nil || body.Actual == nil {
			return nil
		}
		temps := s.rememberTemperature(heater, *body.Actual)
		return s.submit(func(context.Context) { s.router.OnTemperatures(temps) })

	case strings.HasPrefix(rel, "progress/"):
		var body progressPayload
		if !s.decode(topic, payload, &body) {
			return nil
		}
		return s.submit(func(ctx context.Context) {
			s.router.OnProgress(ctx, body.Location, body.Path, body.Progress)
		})

	case rel == "gcode/sent":
		var body gcodePayload
		if !s.decode(topic, payload, &body) {
			return nil
		}
		if body.Gcode == "" {
			body.Gcode, _, _ = strings.Cut(strings.TrimSpace(body.Cmd), " ")
		}
		return s.submit(func(ctx context.Context) { s.router.ProcessGcode(ctx, body.Cmd, body.Gcode) })

	case rel == "atcommand":
		var body atCommandPayload
		if !s.decode(topic, payload, &body) {
			return nil
		}
		return s.submit(func(ctx context.Context) {
			s.router.ProcessAtCommand(ctx, body.Command, body.Parameters)
		})

	case rel == "connect":
		return s.submit(func(ctx context.Context) { s.router.OnConnectRequest(ctx) })
	}
	return nil
}

func (s *Subscriber) decode(topic string, payload []byte, dst any) bool {
	if err := json.Unmarshal(payload, dst); err != nil {
		s.log.Debugw("mqtt_payload_invalid", "topic", topic, "error", err)
		return false
	}
	return true
}

// rememberTemperature folds one heater reading into the latest report and
// returns a copy of it.
func (s *Subscriber) rememberTemperature(heater string, actual float64) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps[heater] = actual
	out := make(map[string]float64, len(s.temps))
	for k, v := range s.temps {
		out[k] = v
	}
	return out
}

func (s *Subscriber) submit(fn func(ctx context.Context)) *worker.Future {
	return s.loop.Submit(func(ctx context.Context) (any, error) {
		fn(ctx)
		return nil, nil
	})
}
