// Package zone maps ambient light readings to brightness targets.
// A zone table is an ordered list of lux sub-ranges, each with its own curve
// and ramping profile. The table is immutable once loaded.
package zone

import (
	"fmt"
	"strings"
)

// CurveType selects how lux within a zone is mapped to brightness.
type CurveType string

const (
	CurveLinear      CurveType = "linear"
	CurveLogarithmic CurveType = "logarithmic"
	CurveScript      CurveType = "script"
)

// ParseCurveType parses a curve name. Empty means linear.
func ParseCurveType(s string) (CurveType, error) {
	switch CurveType(strings.ToLower(strings.TrimSpace(s))) {
	case "", CurveLinear:
		return CurveLinear, nil
	case CurveLogarithmic, "log":
		return CurveLogarithmic, nil
	case CurveScript, "lua":
		return CurveScript, nil
	default:
		return "", fmt.Errorf("unknown curve type %q", s)
	}
}

// StepSizes holds direction-asymmetric ramp steps.
// Dimming steps are expected to be smaller than brightening steps.
type StepSizes struct {
	LargeUp    int `yaml:"large_up" json:"large_up"`
	MediumUp   int `yaml:"medium_up" json:"medium_up"`
	SmallUp    int `yaml:"small_up" json:"small_up"`
	LargeDown  int `yaml:"large_down" json:"large_down"`
	MediumDown int `yaml:"medium_down" json:"medium_down"`
	SmallDown  int `yaml:"small_down" json:"small_down"`
}

// ErrorThresholds split |target-current| into large/medium/small bands.
type ErrorThresholds struct {
	Large int `yaml:"large" json:"large"`
	Small int `yaml:"small" json:"small"`
}

// Default ramp profile applied to zones that leave fields unset.
var (
	DefaultStepSizes = StepSizes{
		LargeUp: 10, MediumUp: 4, SmallUp: 2,
		LargeDown: 5, MediumDown: 2, SmallDown: 1,
	}
	DefaultErrorThresholds = ErrorThresholds{Large: 30, Small: 10}
)

// Zone is one entry of the zone table.
type Zone struct {
	Name          string
	LuxMin        float64
	LuxMax        float64
	BrightnessMin int
	BrightnessMax int
	Curve         CurveType
	Steps         StepSizes
	Thresholds    ErrorThresholds
	Script        *ScriptCurve // only for CurveScript
}

// Contains reports whether lux falls within [LuxMin, LuxMax).
func (z *Zone) Contains(lux float64) bool {
	return lux >= z.LuxMin && lux < z.LuxMax
}

// String implements fmt.Stringer.
func (z *Zone) String() string {
	return fmt.Sprintf("%s[%g-%g lux -> %d-%d%% %s]",
		z.Name, z.LuxMin, z.LuxMax, z.BrightnessMin, z.BrightnessMax, z.Curve)
}

// Table is the ordered, immutable zone list.
type Table []Zone

// Names returns zone names in table order.
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i := range t {
		names[i] = t[i].Name
	}
	return names
}

// Close releases script curve resources held by the table.
func (t Table) Close() {
	for i := range t {
		if t[i].Script != nil {
			t[i].Script.Close()
		}
	}
}
