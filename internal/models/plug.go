package models

import "strings"

// PlugConfig is one configured smart plug. Lookups are by trimmed IP.
// IP may address a strip outlet as "host/N" (N is 1-based).
type PlugConfig struct {
	IP    string `json:"ip" mapstructure:"ip"`
	Label string `json:"label" mapstructure:"label"`
	Icon  string `json:"icon" mapstructure:"icon"`

	DisplayWarning bool `json:"displayWarning" mapstructure:"display_warning"`
	WarnPrinting   bool `json:"warnPrinting" mapstructure:"warn_printing"`

	GcodeEnabled  bool `json:"gcodeEnabled" mapstructure:"gcode_enabled"`
	GcodeOnDelay  int  `json:"gcodeOnDelay" mapstructure:"gcode_on_delay"`   // seconds
	GcodeOffDelay int  `json:"gcodeOffDelay" mapstructure:"gcode_off_delay"` // seconds

	AutoConnect         bool `json:"autoConnect" mapstructure:"auto_connect"`
	AutoConnectDelay    int  `json:"autoConnectDelay" mapstructure:"auto_connect_delay"`
	AutoDisconnect      bool `json:"autoDisconnect" mapstructure:"auto_disconnect"`
	AutoDisconnectDelay int  `json:"autoDisconnectDelay" mapstructure:"auto_disconnect_delay"`

	SysCmdOn       bool   `json:"sysCmdOn" mapstructure:"sys_cmd_on"`
	SysRunCmdOn    string `json:"sysRunCmdOn" mapstructure:"sys_run_cmd_on"`
	SysCmdOnDelay  int    `json:"sysCmdOnDelay" mapstructure:"sys_cmd_on_delay"`
	SysCmdOff      bool   `json:"sysCmdOff" mapstructure:"sys_cmd_off"`
	SysRunCmdOff   string `json:"sysRunCmdOff" mapstructure:"sys_run_cmd_off"`
	SysCmdOffDelay int    `json:"sysCmdOffDelay" mapstructure:"sys_cmd_off_delay"`

	UseCountdownRules bool `json:"useCountdownRules" mapstructure:"use_countdown_rules"`
	CountdownOnDelay  int  `json:"countdownOnDelay" mapstructure:"countdown_on_delay"`
	CountdownOffDelay int  `json:"countdownOffDelay" mapstructure:"countdown_off_delay"`

	Emeter bool `json:"emeter" mapstructure:"emeter"`

	ThermalRunaway           bool `json:"thermal_runaway" mapstructure:"thermal_runaway"`
	EventOnError             bool `json:"event_on_error" mapstructure:"event_on_error"`
	EventOnDisconnect        bool `json:"event_on_disconnect" mapstructure:"event_on_disconnect"`
	EventOnStartup           bool `json:"event_on_startup" mapstructure:"event_on_startup"`
	EventOnUpload            bool `json:"event_on_upload" mapstructure:"event_on_upload"`
	EventOnShutdown          bool `json:"event_on_shutdown" mapstructure:"event_on_shutdown"`
	AutomaticShutdownEnabled bool `json:"automaticShutdownEnabled" mapstructure:"automatic_shutdown_enabled"`
	ConnectOnConnect         bool `json:"connect_on_connect" mapstructure:"connect_on_connect"`
	ReceivesLEDCommands      bool `json:"receives_led_commands" mapstructure:"receives_led_commands"`

	GcodeCmdOn     bool   `json:"gcodeCmdOn" mapstructure:"gcode_cmd_on"`
	GcodeRunCmdOn  string `json:"gcodeRunCmdOn" mapstructure:"gcode_run_cmd_on"`
	GcodeCmdOff    bool   `json:"gcodeCmdOff" mapstructure:"gcode_cmd_off"`
	GcodeRunCmdOff string `json:"gcodeRunCmdOff" mapstructure:"gcode_run_cmd_off"`
}

// GcodeLinesOn splits the configured power-on G-code into lines.
func (p PlugConfig) GcodeLinesOn() []string { return splitLines(p.GcodeRunCmdOn) }

// GcodeLinesOff splits the configured power-off G-code into lines.
func (p PlugConfig) GcodeLinesOff() []string { return splitLines(p.GcodeRunCmdOff) }

func splitLines(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// FindPlug returns the plug whose IP equals ip after trimming.
func FindPlug(plugs []PlugConfig, ip string) (PlugConfig, bool) {
	ip = strings.TrimSpace(ip)
	for _, p := range plugs {
		if p.IP == ip {
			return p, true
		}
	}
	return PlugConfig{}, false
}
