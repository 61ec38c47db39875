package zone

import "math"

// Map computes the target brightness (0-100) for lux within zone z.
//
// Negative lux is treated as zero. Lux is clamped to the zone's range before
// the curve is applied; a degenerate zone (max == min) yields BrightnessMin.
func Map(lux float64, z *Zone) int {
	if z == nil {
		return MapSimple(lux)
	}
	if lux < 0 {
		lux = 0
	}

	span := z.LuxMax - z.LuxMin
	if span <= 0 {
		return z.BrightnessMin
	}
	clamped := math.Max(z.LuxMin, math.Min(lux, z.LuxMax))
	offset := clamped - z.LuxMin

	var frac float64
	switch z.Curve {
	case CurveLogarithmic:
		frac = math.Log1p(offset) / math.Log1p(span)
	case CurveScript:
		frac = offset / span
		if z.Script != nil {
			// Errors and non-finite results keep the linear fraction.
			if v, err := z.Script.Eval(frac); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
				frac = math.Max(0, math.Min(1, v))
			}
		}
	default:
		frac = offset / span
	}

	brightness := z.BrightnessMin + int(frac*float64(z.BrightnessMax-z.BrightnessMin))
	return clampPercent(brightness)
}

// MapSimple is the zone-less mapping: 5% at 0 lux rising linearly to 100%
// at 1000 lux.
func MapSimple(lux float64) int {
	if lux < 0 {
		return 5
	}
	if lux >= 1000 {
		return 100
	}
	return 5 + int(lux/1000*95)
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
