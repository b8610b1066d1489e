// Package config loads service settings with viper and keeps the current
// snapshot behind an atomic pointer so readers never lock.
package config

import (
	"strings"
	"time"

	"smartplug_control/internal/models"
)

// Settings is one immutable snapshot of the service configuration.
type Settings struct {
	Port         string       `mapstructure:"port"`
	DB           DBSettings   `mapstructure:"db"`
	Log          LogSettings  `mapstructure:"log"`
	DebugLogging bool         `mapstructure:"debug_logging"`
	Auth         AuthSettings `mapstructure:"auth"`

	Plugs []models.PlugConfig `mapstructure:"plugs"`

	PollingEnabled  bool `mapstructure:"polling_enabled"`
	PollingInterval int  `mapstructure:"polling_interval"` // minutes
	ProgressPolling bool `mapstructure:"progress_polling"`

	ThermalRunawayMonitoring  bool    `mapstructure:"thermal_runaway_monitoring"`
	ThermalRunawayMaxBed      float64 `mapstructure:"thermal_runaway_max_bed"`
	ThermalRunawayMaxExtruder float64 `mapstructure:"thermal_runaway_max_extruder"`

	CostRate float64 `mapstructure:"cost_rate"`

	AbortTimeout        int     `mapstructure:"abort_timeout"` // seconds
	PowerOffWhenIdle    bool    `mapstructure:"power_off_when_idle"`
	IdleTimeout         int     `mapstructure:"idle_timeout"` // minutes
	IdleIgnoreCommands  string  `mapstructure:"idle_ignore_commands"`
	IdleIgnoreHeaters   string  `mapstructure:"idle_ignore_heaters"`
	IdleTimeoutWaitTemp float64 `mapstructure:"idle_timeout_wait_temp"`

	ConnectOnConnectRequest bool   `mapstructure:"connect_on_connect_request"`
	GcodeOnCommand          string `mapstructure:"gcode_on_command"`
	GcodeOffCommand         string `mapstructure:"gcode_off_command"`

	// Vendor cloud credentials, needed by KLAP firmware.
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	Transport TransportSettings `mapstructure:"transport"`
	MQTT      MQTTSettings      `mapstructure:"mqtt"`
	OctoPrint OctoPrintSettings `mapstructure:"octoprint"`
	Influx    InfluxSettings    `mapstructure:"influx"`
}

type DBSettings struct {
	Path string `mapstructure:"path"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
}

type AuthSettings struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type TransportSettings struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type MQTTSettings struct {
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	BaseTopic string `mapstructure:"base_topic"`
}

type OctoPrintSettings struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type InfluxSettings struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// Enabled reports whether an InfluxDB sink is configured.
func (i InfluxSettings) Enabled() bool { return i.URL != "" && i.Bucket != "" }

// IgnoredCommands returns the G-codes that do not count as printer activity.
func (s *Settings) IgnoredCommands() []string { return splitList(s.IdleIgnoreCommands) }

// IgnoredHeaters returns the heaters skipped during the idle cooldown.
func (s *Settings) IgnoredHeaters() []string { return splitList(s.IdleIgnoreHeaters) }

// Plug looks a configured plug up by trimmed IP.
func (s *Settings) Plug(ip string) (models.PlugConfig, bool) {
	return models.FindPlug(s.Plugs, ip)
}

// AnyPlug reports whether at least one plug matches pred.
func (s *Settings) AnyPlug(pred func(models.PlugConfig) bool) bool {
	for _, p := range s.Plugs {
		if pred(p) {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
