package mode

import (
	"time"

	"github.com/rs/zerolog"
)

// Machine is the single source of truth for mode and persisted brightness
// values. It is not safe for concurrent use: only the control loop mutates
// it, client goroutines enqueue requests instead.
type Machine struct {
	state State
	dirty bool

	// tempSince is when the current MANUAL_TEMPORARY period was last
	// entered or refreshed.
	tempSince time.Time
	timeout   time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a machine from loaded state. A persisted
// MANUAL_TEMPORARY is coerced to AUTO: temporary overrides never survive
// a restart.
func NewMachine(st State, autoResumeTimeout time.Duration, opts ...Option) *Machine {
	m := &Machine{
		state:   st,
		timeout: autoResumeTimeout,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.state.Version == 0 {
		m.state.Version = StateVersion
	}
	m.state.ManualBrightness = clampPercent(m.state.ManualBrightness)
	m.state.LastAutoBrightness = clampPercent(m.state.LastAutoBrightness)

	if m.state.Mode == ManualTemporary {
		m.logger.Info().Msg("Temporary manual override does not persist, starting in auto mode")
		m.state.Mode = Auto
		m.dirty = true
	}
	return m
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	return m.state.Mode
}

// ManualBrightness returns the pinned manual brightness.
func (m *Machine) ManualBrightness() int {
	return m.state.ManualBrightness
}

// LastAutoBrightness returns the last brightness applied in auto mode.
func (m *Machine) LastAutoBrightness() int {
	return m.state.LastAutoBrightness
}

// Snapshot returns a copy of the persisted state.
func (m *Machine) Snapshot() State {
	return m.state
}

// SetMode handles an explicit mode request. It returns true if the mode
// changed.
func (m *Machine) SetMode(mode Mode) bool {
	if m.state.Mode == mode {
		return false
	}
	prev := m.state.Mode
	m.state.Mode = mode
	m.dirty = true
	if mode == ManualTemporary {
		m.tempSince = m.now()
	}
	m.logger.Info().Str("from", prev.String()).Str("to", mode.String()).Msg("Mode changed")
	return true
}

// Override sets the manual brightness from a client request. From AUTO it
// enters MANUAL_TEMPORARY; in MANUAL_TEMPORARY it restarts the auto-resume
// countdown; MANUAL is left as is. It returns the applied brightness.
func (m *Machine) Override(brightness int) int {
	brightness = clampPercent(brightness)
	m.SetManualBrightness(brightness)

	switch m.state.Mode {
	case Auto:
		m.SetMode(ManualTemporary)
	case ManualTemporary:
		m.tempSince = m.now()
	}
	return brightness
}

// Adjust shifts the manual brightness by delta with the same mode effects
// as Override, and returns the resulting brightness.
func (m *Machine) Adjust(delta int) int {
	return m.Override(m.state.ManualBrightness + delta)
}

// CheckAutoResume reverts MANUAL_TEMPORARY to AUTO once the timeout has
// elapsed since the last override. It returns true if it did.
func (m *Machine) CheckAutoResume() bool {
	if m.state.Mode != ManualTemporary {
		return false
	}
	if m.now().Sub(m.tempSince) < m.timeout {
		return false
	}
	m.logger.Info().Dur("timeout", m.timeout).Msg("Auto-resuming auto mode (timeout expired)")
	return m.SetMode(Auto)
}

// ResumeIn returns the time left until auto-resume, or 0 outside
// MANUAL_TEMPORARY.
func (m *Machine) ResumeIn() time.Duration {
	if m.state.Mode != ManualTemporary {
		return 0
	}
	left := m.timeout - m.now().Sub(m.tempSince)
	if left < 0 {
		return 0
	}
	return left
}

// SetManualBrightness updates the manual value, marking dirty only on change.
func (m *Machine) SetManualBrightness(v int) {
	v = clampPercent(v)
	if m.state.ManualBrightness != v {
		m.state.ManualBrightness = v
		m.dirty = true
	}
}

// SetLastAutoBrightness updates the last auto value, marking dirty only on change.
func (m *Machine) SetLastAutoBrightness(v int) {
	v = clampPercent(v)
	if m.state.LastAutoBrightness != v {
		m.state.LastAutoBrightness = v
		m.dirty = true
	}
}

// IsDirty reports whether state changed since the last MarkClean.
func (m *Machine) IsDirty() bool {
	return m.dirty
}

// MarkClean clears the dirty flag after a successful save.
func (m *Machine) MarkClean() {
	m.dirty = false
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
