package device

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// FileSensor reads a lux value from the first line of a text file. It is
// used for simulation and for sensors exposed through sysfs.
type FileSensor struct {
	path    string
	healthy bool
	logger  zerolog.Logger
	warn    rate.Sometimes
}

// NewFileSensor creates a sensor reading from path.
func NewFileSensor(path string, logger zerolog.Logger) *FileSensor {
	return &FileSensor{
		path:   path,
		logger: logger,
		warn:   rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Init checks the file. A missing file is only a warning: it may be
// created after the daemon starts.
func (s *FileSensor) Init() error {
	if s.path == "" {
		return fmt.Errorf("file sensor: path is required")
	}
	if _, err := os.Stat(s.path); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Sensor file not accessible yet, will retry on read")
	}
	s.healthy = true
	return nil
}

// ReadLux implements Sensor. Negative values in the file are clamped to 0.
func (s *FileSensor) ReadLux() float64 {
	lux, err := s.read()
	if err != nil {
		s.healthy = false
		s.warn.Do(func() {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to read sensor file")
		})
		return -1
	}
	s.healthy = true
	if lux < 0 {
		return 0
	}
	return lux
}

func (s *FileSensor) read() (float64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("empty sensor file")
	}
	lux, err := strconv.ParseFloat(strings.TrimSpace(sc.Text()), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid lux value: %w", err)
	}
	return lux, nil
}

func (s *FileSensor) Healthy() bool { return s.healthy }
func (s *FileSensor) Type() string  { return "file" }

// ValueRange is a device's native brightness range.
type ValueRange struct {
	Min int
	Max int
}

// DefaultValueRange maps percentages one to one.
var DefaultValueRange = ValueRange{Min: 0, Max: 100}

func (r ValueRange) toNative(percent int) int {
	return r.Min + percent*(r.Max-r.Min)/100
}

func (r ValueRange) toPercent(native int) int {
	if r.Max == r.Min {
		return 0
	}
	return clampPercent((native - r.Min) * 100 / (r.Max - r.Min))
}

// FileOutput writes the brightness as an integer to a text file, scaled
// into the configured native value range.
type FileOutput struct {
	path    string
	vr      ValueRange
	current int
	logger  zerolog.Logger
}

// NewFileOutput creates an output writing to path.
func NewFileOutput(path string, vr ValueRange, logger zerolog.Logger) *FileOutput {
	if vr.Max <= vr.Min {
		vr = DefaultValueRange
	}
	return &FileOutput{path: path, vr: vr, current: -1, logger: logger}
}

// Init verifies the file is writable and picks up an existing value as the
// current brightness, so a restart does not jump.
func (o *FileOutput) Init() error {
	if o.path == "" {
		return fmt.Errorf("file output: path is required")
	}
	if data, err := os.ReadFile(o.path); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			o.current = o.vr.toPercent(v)
		}
	}

	f, err := os.OpenFile(o.path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("file output: %w", err)
	}
	f.Close()

	o.logger.Debug().Str("path", o.path).Int("current", o.current).Msg("File output initialized")
	return nil
}

// SetBrightness implements Output.
func (o *FileOutput) SetBrightness(brightness int) error {
	brightness = clampPercent(brightness)
	native := o.vr.toNative(brightness)
	if err := os.WriteFile(o.path, []byte(strconv.Itoa(native)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write brightness: %w", err)
	}
	o.current = brightness
	return nil
}

func (o *FileOutput) CurrentBrightness() int { return o.current }
func (o *FileOutput) Type() string           { return "file" }
