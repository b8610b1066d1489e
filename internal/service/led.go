package service

import (
	"math"
	"strconv"
	"strings"
)

// LEDValues is the target of an M150/M355 LED command.
type LEDValues struct {
	Red        int  `json:"red"`
	Green      int  `json:"green"`
	Blue       int  `json:"blue"`
	White      int  `json:"white"`
	Brightness int  `json:"brightness"` // percent
	On         bool `json:"on"`
}

// DefaultLEDValues is white at full brightness.
func DefaultLEDValues() LEDValues {
	return LEDValues{Red: 255, Green: 255, Blue: 255, White: 255, Brightness: 100, On: true}
}

// ParseLED reads the parameters of an LED G-code line such as
// "M150 R255 U128 B0 P127 S1". It reports false when a parameter carries a
// non-numeric value, in which case the line is ignored.
func ParseLED(cmd string) (LEDValues, bool) {
	v := DefaultLEDValues()
	for _, tok := range strings.Fields(strings.ToUpper(cmd)) {
		code := tok[0]
		data := strings.TrimSpace(tok[1:])
		if !isDigits(data) && code != 'I' {
			return LEDValues{}, false
		}
		n, _ := strconv.Atoi(data)
		switch code {
		case 'M':
		case 'R':
			v.Red = n
		case 'B':
			v.Blue = n
		case 'G', 'U':
			v.Green = n
		case 'W':
			v.White = n
		case 'P':
			v.Brightness = int(float64(n) / 255 * 100)
		case 'S':
			v.On = n != 0
		}
	}
	return v, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RGBToHSV converts 0-255 channels to hue in degrees and saturation and
// value in percent.
func RGBToHSV(r, g, b int) (hue, saturation, value int) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	mx := math.Max(rf, math.Max(gf, bf))
	mn := math.Min(rf, math.Min(gf, bf))
	df := mx - mn

	var h float64
	switch {
	case mx == mn:
		h = 0
	case mx == rf:
		h = math.Mod(60*((gf-bf)/df)+360, 360)
	case mx == gf:
		h = math.Mod(60*((bf-rf)/df)+120, 360)
	default:
		h = math.Mod(60*((rf-gf)/df)+240, 360)
	}
	var s float64
	if mx != 0 {
		s = df / mx * 100
	}
	return int(h), int(s), int(math.Round(mx * 100))
}
