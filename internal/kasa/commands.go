package kasa

import "encoding/json"

// Command is a JSON command payload in the legacy schema.
type Command map[string]any

// Response is a decoded device reply.
type Response map[string]any

// Lighting services used by set-light commands.
const (
	BulbLightingService  = "smartlife.iot.smartbulb.lightingservice"
	StripLightingService = "smartlife.iot.lightStrip"
)

// SysInfo builds {"system":{"get_sysinfo":{}}}.
func SysInfo() Command {
	return Command{"system": map[string]any{"get_sysinfo": map[string]any{}}}
}

// SetRelayState builds {"system":{"set_relay_state":{"state":1|0}}}.
func SetRelayState(on bool) Command {
	return Command{"system": map[string]any{"set_relay_state": map[string]any{"state": boolToInt(on)}}}
}

// Realtime builds {"emeter":{"get_realtime":{}}}.
func Realtime() Command {
	return Command{"emeter": map[string]any{"get_realtime": map[string]any{}}}
}

// DeleteCountdownRules builds {"count_down":{"delete_all_rules":null}}.
func DeleteCountdownRules() Command {
	return Command{"count_down": map[string]any{"delete_all_rules": nil}}
}

// AddCountdownRule schedules a relay change on the device after delay seconds.
func AddCountdownRule(delay int, on bool) Command {
	name := "turn off"
	if on {
		name = "turn on"
	}
	return Command{"count_down": map[string]any{"add_rule": map[string]any{
		"enable": 1,
		"delay":  delay,
		"act":    boolToInt(on),
		"name":   name,
	}}}
}

// LightState is the target of a set-light command. Nil fields are left unchanged.
type LightState struct {
	On         bool
	Hue        *int
	Saturation *int
	Brightness *int
}

// SetLightState builds a transition_light_state command for the given lighting service.
func SetLightState(service string, ls LightState) Command {
	state := map[string]any{"on_off": boolToInt(ls.On), "ignore_default": 1, "transition_period": 0}
	if ls.Hue != nil {
		state["hue"] = *ls.Hue
		state["color_temp"] = 0
	}
	if ls.Saturation != nil {
		state["saturation"] = *ls.Saturation
	}
	if ls.Brightness != nil {
		state["brightness"] = *ls.Brightness
	}
	return Command{service: map[string]any{"transition_light_state": state}}
}

// WithChild returns a copy of cmd addressed to one outlet of a strip.
func (c Command) WithChild(childID string) Command {
	out := make(Command, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out["context"] = map[string]any{"child_ids": []string{childID}}
	return out
}

// Merge combines several commands into one request.
func Merge(cmds ...Command) Command {
	out := Command{}
	for _, c := range cmds {
		for module, body := range c {
			existing, ok := out[module].(map[string]any)
			incoming, ok2 := body.(map[string]any)
			if ok && ok2 {
				for k, v := range incoming {
					existing[k] = v
				}
				continue
			}
			if ok2 {
				cp := make(map[string]any, len(incoming))
				for k, v := range incoming {
					cp[k] = v
				}
				out[module] = cp
				continue
			}
			out[module] = body
		}
	}
	return out
}

// Bytes marshals the command.
func (c Command) Bytes() ([]byte, error) {
	return json.Marshal(c)
}

// Unreachable is the sentinel reply used whenever a device cannot be reached.
// relay_state 3 means unknown.
func Unreachable() Response {
	return Response{
		"system": map[string]any{"get_sysinfo": map[string]any{"relay_state": float64(RelayUnknown)}},
		"emeter": map[string]any{"err_code": true},
	}
}

// Relay states found in get_sysinfo.
const (
	RelayOff     = 0
	RelayOn      = 1
	RelayUnknown = 3
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
