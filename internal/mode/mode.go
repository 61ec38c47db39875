// Package mode owns the daemon's operating mode and persisted brightness state.
package mode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mode is the operating mode.
type Mode int

const (
	// Auto drives brightness from the sensor and zone table.
	Auto Mode = iota
	// Manual pins brightness to the manual value; survives restarts.
	Manual
	// ManualTemporary is a manual override that reverts to Auto after
	// inactivity and never survives a restart.
	ManualTemporary
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Manual:
		return "manual"
	case ManualTemporary:
		return "manual_temporary"
	default:
		return "unknown"
	}
}

// Parse parses a wire mode name.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return Auto, nil
	case "manual":
		return Manual, nil
	case "manual_temporary":
		return ManualTemporary, nil
	default:
		return Auto, fmt.Errorf("unknown mode %q", s)
	}
}

// MarshalJSON encodes the mode as its wire name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a wire name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// StateVersion is the current persisted state schema version.
const StateVersion = 1

// State is the persisted part of the daemon state.
type State struct {
	Version            int       `json:"version"`
	Mode               Mode      `json:"mode"`
	ManualBrightness   int       `json:"manual_brightness"`
	LastAutoBrightness int       `json:"last_auto_brightness"`
	BrightnessOffset   int       `json:"brightness_offset"`
	LastUpdated        time.Time `json:"last_updated"`
}

// DefaultState returns the state used on first run or after corruption.
func DefaultState() State {
	return State{
		Version:            StateVersion,
		Mode:               Auto,
		ManualBrightness:   50,
		LastAutoBrightness: 50,
	}
}
