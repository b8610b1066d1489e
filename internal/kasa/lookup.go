package kasa

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"smartplug_control/internal/models"
)

// Lookup walks a decoded JSON value by keys and returns def when any step is missing.
// String keys index objects, int keys index arrays. An empty key path is a
// programming error and panics.
func Lookup(v any, def any, keys ...any) any {
	if len(keys) == 0 {
		panic("kasa: Lookup called with empty key path")
	}
	cur := v
	for _, k := range keys {
		switch key := k.(type) {
		case string:
			m, ok := asObject(cur)
			if !ok {
				return def
			}
			next, ok := m[key]
			if !ok || next == nil {
				return def
			}
			cur = next
		case int:
			arr, ok := cur.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return def
			}
			cur = arr[key]
		default:
			panic(fmt.Sprintf("kasa: unsupported key type %T in path", k))
		}
	}
	return cur
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Response:
		return m, true
	case Command:
		return m, true
	}
	return nil, false
}

// LookupFloat returns the number at keys, or def.
func LookupFloat(v any, def float64, keys ...any) float64 {
	f, ok := toFloat(Lookup(v, nil, keys...))
	if !ok {
		return def
	}
	return f
}

// LookupInt returns the integer at keys, or def.
func LookupInt(v any, def int, keys ...any) int {
	f, ok := toFloat(Lookup(v, nil, keys...))
	if !ok {
		return def
	}
	return int(f)
}

// LookupString returns the string at keys, or def.
func LookupString(v any, def string, keys ...any) string {
	s, ok := Lookup(v, nil, keys...).(string)
	if !ok {
		return def
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Succeeded reports whether resp carries an explicit err_code of 0 under module.method.
// A missing err_code is a failure.
func Succeeded(resp Response, module, method string) bool {
	code, ok := toFloat(Lookup(resp, nil, module, method, "err_code"))
	return ok && code == 0
}

// RelayState extracts the relay state of the device, or of outlet child (1-based)
// of a strip. RelayUnknown is returned when the field is absent.
func RelayState(resp Response, child int) int {
	if child > 0 {
		return LookupInt(resp, RelayUnknown, "system", "get_sysinfo", "children", child-1, "state")
	}
	return LookupInt(resp, RelayUnknown, "system", "get_sysinfo", "relay_state")
}

// StateString maps a relay state to on, off or unknown.
func StateString(relay int) string {
	switch relay {
	case RelayOn:
		return models.StateOn
	case RelayOff:
		return models.StateOff
	}
	return models.StateUnknown
}

// ParseRealtime normalizes an emeter get_realtime reply to volts, amps, watts and kWh.
// Newer firmware reports milli-units and watt-hours, older firmware the base units.
func ParseRealtime(resp Response) (models.EmeterReading, bool) {
	rt, ok := asObject(Lookup(resp, nil, "emeter", "get_realtime"))
	if !ok {
		return models.EmeterReading{}, false
	}
	if code, ok := toFloat(rt["err_code"]); ok && code != 0 {
		return models.EmeterReading{}, false
	}

	var r models.EmeterReading
	found := false
	pick := func(dst *float64, base, milli string, scale float64) {
		if v, ok := toFloat(rt[base]); ok {
			*dst = v
			found = true
			return
		}
		if v, ok := toFloat(rt[milli]); ok {
			*dst = v / scale
			found = true
		}
	}
	pick(&r.Voltage, "voltage", "voltage_mv", 1000)
	pick(&r.Current, "current", "current_ma", 1000)
	pick(&r.Power, "power", "power_mw", 1000)
	pick(&r.Total, "total", "total_wh", 1000)

	r.Voltage = Round6(r.Voltage)
	r.Current = Round6(r.Current)
	r.Power = Round6(r.Power)
	r.Total = Round6(r.Total)
	return r, found
}

// Round6 rounds to six decimals to suppress floating point drift.
func Round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
