// Package ramp computes smooth per-tick brightness transitions.
//
// The step taken each tick depends on how far the output is from its target
// and on direction: dimming uses smaller steps than brightening, because an
// abrupt drop in brightness is harder on the eyes than a rise.
package ramp

import "github.com/dokzlo13/alsd/internal/zone"

// Defaults used when no zone is configured.
const (
	DefaultThresholdLarge = 20
	DefaultThresholdSmall = 5

	DefaultStepLarge  = 5
	DefaultStepMedium = 2
	DefaultStepSmall  = 1
)

// CategoryNone is reported when the output is already at target.
const CategoryNone = "none"

// Diagnostics describes one ramp decision.
type Diagnostics struct {
	Error          int    `json:"error"`
	Category       string `json:"step_category"`
	StepSize       int    `json:"step_size"`
	ThresholdLarge int    `json:"step_threshold_large"`
	ThresholdSmall int    `json:"step_threshold_small"`
	Next           int    `json:"next_brightness"`
}

// Snapped reports whether the step landed directly on the target.
func (d Diagnostics) Snapped() bool {
	return d.Error != 0 && abs(d.Error) <= d.StepSize
}

// Step returns the brightness to apply this tick when moving from current
// toward target. z may be nil, in which case the built-in defaults apply.
func Step(target, current int, z *zone.Zone) (int, Diagnostics) {
	d := Diagnostics{Error: target - current}
	large, small := thresholds(z)
	d.ThresholdLarge, d.ThresholdSmall = large, small

	if d.Error == 0 {
		d.Category = CategoryNone
		d.Next = clamp(current)
		return d.Next, d
	}

	up := d.Error > 0
	stepLarge, stepMedium, stepSmall := steps(z, up)
	absErr := abs(d.Error)

	var band string
	switch {
	case absErr > large:
		d.StepSize, band = stepLarge, "large"
	case absErr > small:
		d.StepSize, band = stepMedium, "medium"
	default:
		d.StepSize, band = stepSmall, "small"
	}
	if up {
		d.Category = band + "_up"
	} else {
		d.Category = band + "_down"
	}

	next := target
	if absErr > d.StepSize {
		if up {
			next = current + d.StepSize
		} else {
			next = current - d.StepSize
		}
	}
	d.Next = clamp(next)
	return d.Next, d
}

func thresholds(z *zone.Zone) (large, small int) {
	if z == nil {
		return DefaultThresholdLarge, DefaultThresholdSmall
	}
	return z.Thresholds.Large, z.Thresholds.Small
}

func steps(z *zone.Zone, up bool) (large, medium, small int) {
	if z == nil {
		if up {
			return DefaultStepLarge, DefaultStepMedium, DefaultStepSmall
		}
		// Halved for dimming; the small step is already the minimum.
		return DefaultStepLarge / 2, DefaultStepMedium / 2, DefaultStepSmall
	}
	s := z.Steps
	if up {
		return s.LargeUp, s.MediumUp, s.SmallUp
	}
	return s.LargeDown, s.MediumDown, s.SmallDown
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
