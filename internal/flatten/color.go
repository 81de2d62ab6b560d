package flatten

import (
	"strconv"
	"strings"
)

// RGB is a colour with components normalized to [0,1].
type RGB struct {
	R, G, B float64
}

var Black = RGB{}

// ParseColor decodes "#rgb", "#rrggbb" or the same without the hash. Anything
// else yields black and ok=false.
func ParseColor(value string) (RGB, bool) {
	hex := strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return Black, false
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return Black, false
	}
	return RGB{
		R: float64(n>>16&0xff) / 255,
		G: float64(n>>8&0xff) / 255,
		B: float64(n&0xff) / 255,
	}, true
}
