package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"smartplug_control/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SMARTPLUG_DB_PATH.
const EnvPrefix = "SMARTPLUG"

// Listener is called after a new snapshot has been published.
type Listener func(old, cur *Settings)

// Store publishes the current Settings and notifies listeners on reload.
type Store struct {
	v   *viper.Viper
	cur atomic.Pointer[Settings]
	log *logger.Logger

	mu        sync.Mutex
	listeners []Listener
}

// NewStore wraps an in-memory snapshot. Used by tests and callers that do not
// read a file.
func NewStore(s *Settings) *Store {
	st := &Store{}
	st.cur.Store(s)
	return st
}

// Load reads path (or configs/config.yml when path is empty) on top of the
// defaults. A missing default file is not an error.
func Load(path string, log *logger.Logger) (*Store, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if log != nil {
			log.Infow("config_file_not_found", "using", "defaults")
		}
	}

	s, err := decode(v)
	if err != nil {
		return nil, err
	}
	st := &Store{v: v, log: log}
	st.cur.Store(s)
	return st, nil
}

// Get returns the current snapshot. Callers must not modify it.
func (s *Store) Get() *Settings { return s.cur.Load() }

// OnChange registers fn for future reloads.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Set publishes next and notifies listeners.
func (s *Store) Set(next *Settings) {
	old := s.cur.Swap(next)
	s.mu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(old, next)
	}
}

// Watch reloads the file whenever it changes on disk.
func (s *Store) Watch() {
	if s.v == nil {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			if s.log != nil {
				s.log.Errorw("config_reload_failed", "file", e.Name, "error", err)
			}
			return
		}
		if s.log != nil {
			s.log.Infow("config_reloaded", "file", e.Name)
		}
	})
	s.v.WatchConfig()
}

// Reload decodes the viper state again and publishes it.
func (s *Store) Reload() error {
	if s.v == nil {
		return errors.New("store has no config source")
	}
	next, err := decode(s.v)
	if err != nil {
		return err
	}
	// keep the signing key stable across reloads so issued tokens survive
	if cur := s.Get(); cur != nil && s.v.GetString("auth.signing_key") == "" {
		next.Auth.SigningKey = cur.Auth.SigningKey
	}
	s.Set(next)
	return nil
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if s.Auth.SigningKey == "" {
		s.Auth.SigningKey = uuid.NewString()
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("db.path", "energy_data.db")
	v.SetDefault("log.level", logger.InfoLevel)
	v.SetDefault("debug_logging", false)
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("plugs", []any{})
	v.SetDefault("polling_enabled", false)
	v.SetDefault("polling_interval", 15)
	v.SetDefault("progress_polling", false)
	v.SetDefault("thermal_runaway_monitoring", false)
	v.SetDefault("thermal_runaway_max_bed", 0)
	v.SetDefault("thermal_runaway_max_extruder", 0)
	v.SetDefault("cost_rate", 0)
	v.SetDefault("abort_timeout", 30)
	v.SetDefault("power_off_when_idle", false)
	v.SetDefault("idle_timeout", 30)
	v.SetDefault("idle_ignore_commands", "M105")
	v.SetDefault("idle_ignore_heaters", "")
	v.SetDefault("idle_timeout_wait_temp", 50)
	v.SetDefault("connect_on_connect_request", false)
	v.SetDefault("gcode_on_command", "M80")
	v.SetDefault("gcode_off_command", "M81")
	v.SetDefault("username", "")
	v.SetDefault("password", "")

	v.SetDefault("transport.connect_timeout", 3*time.Second)
	v.SetDefault("transport.read_timeout", 5*time.Second)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "smartplug-control")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.base_topic", "octoPrint")

	v.SetDefault("octoprint.url", "http://127.0.0.1:5000")
	v.SetDefault("octoprint.api_key", "")

	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("influx.measurement", "energy")
}
