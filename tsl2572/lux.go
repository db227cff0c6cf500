package tsl2572

import (
	"errors"
	"math"
)

// ErrInvalidCPL is returned when gain or integration time would make
// counts-per-lux zero, negative or NaN.
var ErrInvalidCPL = errors.New("tsl2572: counts-per-lux must be positive")

// CalculateLux converts raw channel counts into lux using the two
// segment formula from the datasheet, normalised by gain and integration time.
func CalculateLux(ch0, ch1 uint16, gain, integrationTime float64) (float64, error) {
	cpl := (integrationTime * gain) / TSL2572_LUX_DF
	if !(cpl > 0) {
		return 0, ErrInvalidCPL
	}

	lux1 := (1.0*float64(ch0) - TSL2572_LUX_COEFB*float64(ch1)) / cpl
	lux2 := (TSL2572_LUX_COEFC*float64(ch0) - 1.0*float64(ch1)) / cpl
	return math.Max(0, math.Max(lux1, lux2)), nil
}

// Returns the normalized output for a given spectrum type
func NormalizedOutput(spectrumType byte, ch0, ch1 uint16) float64 {
	switch spectrumType {
	case TSL2572_VISIBLE:
		visible := float64(ch0) - float64(ch1)
		if visible < 0 {
			visible = 0
		}
		return visible / 0xFFFF
	case TSL2572_INFRARED:
		return float64(ch1) / 0xFFFF
	case TSL2572_FULLSPECTRUM:
		return float64(ch0) / 0xFFFF
	default:
		return 0
	}
}
