// Package device defines the sensor and output collaborators of the control
// loop and provides the file, script and ddcutil implementations.
package device

// Sensor is an ambient light sensor.
type Sensor interface {
	// Init prepares the sensor. A failure is fatal at startup.
	Init() error
	// ReadLux returns the current reading. Negative means no reading.
	ReadLux() float64
	// Healthy reports whether the last read succeeded.
	Healthy() bool
	Type() string
}

// Output is a brightness sink.
type Output interface {
	// Init prepares the output. A failure is fatal at startup.
	Init() error
	// SetBrightness applies a brightness percentage in [0,100].
	SetBrightness(brightness int) error
	// CurrentBrightness returns the applied percentage, negative if unknown.
	CurrentBrightness() int
	Type() string
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
