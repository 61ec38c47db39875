// Package csvlog writes one diagnostic CSV row per control loop tick.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Header is the column layout of the diagnostic file.
var Header = []string{
	"timestamp", "seq", "lux", "zone", "zone_changed", "curve",
	"target_brightness", "current_brightness", "previous_brightness",
	"error", "step_category", "step_size",
	"step_threshold_large", "step_threshold_small",
	"brightness_change", "mode", "sensor_healthy",
}

const (
	DefaultFlushRows     = 10
	DefaultFlushInterval = 5 * time.Second
)

// Row is one tick's diagnostics.
type Row struct {
	Lux                float64
	Zone               string
	ZoneChanged        bool
	Curve              string
	TargetBrightness   int
	CurrentBrightness  int
	PreviousBrightness int
	Error              int
	StepCategory       string
	StepSize           int
	ThresholdLarge     int
	ThresholdSmall     int
	Mode               string
	SensorHealthy      bool
}

// Logger buffers rows and flushes them after a number of rows or an
// interval, whichever comes first.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	w         *csv.Writer
	seq       uint64
	pending   int
	lastFlush time.Time
	started   time.Time

	flushRows     int
	flushInterval time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// Open truncates path and writes the header.
func Open(path string, logger zerolog.Logger) (*Logger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv log: %w", err)
	}

	l := &Logger{
		file:          f,
		w:             csv.NewWriter(f),
		flushRows:     DefaultFlushRows,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
		logger:        logger,
	}
	l.started = l.now()
	l.lastFlush = l.started

	if err := l.w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := l.flushLocked(); err != nil {
		f.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("CSV diagnostics enabled")
	return l, nil
}

// Log appends a row.
func (l *Logger) Log(r Row) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	now := l.now()
	l.seq++
	record := []string{
		strconv.FormatFloat(now.Sub(l.started).Seconds(), 'f', 3, 64),
		strconv.FormatUint(l.seq, 10),
		strconv.FormatFloat(r.Lux, 'f', 1, 64),
		r.Zone,
		boolField(r.ZoneChanged),
		r.Curve,
		strconv.Itoa(r.TargetBrightness),
		strconv.Itoa(r.CurrentBrightness),
		strconv.Itoa(r.PreviousBrightness),
		strconv.Itoa(r.Error),
		r.StepCategory,
		strconv.Itoa(r.StepSize),
		strconv.Itoa(r.ThresholdLarge),
		strconv.Itoa(r.ThresholdSmall),
		strconv.Itoa(r.CurrentBrightness - r.PreviousBrightness),
		r.Mode,
		boolField(r.SensorHealthy),
	}
	if err := l.w.Write(record); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to write csv row")
		return
	}
	l.pending++

	if l.pending >= l.flushRows || now.Sub(l.lastFlush) >= l.flushInterval {
		if err := l.flushLocked(); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to flush csv log")
		}
	}
}

func (l *Logger) flushLocked() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv log: %w", err)
	}
	l.pending = 0
	l.lastFlush = l.now()
	return nil
}

// Flush writes buffered rows.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.flushLocked()
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	flushErr := l.flushLocked()
	closeErr := l.file.Close()
	l.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
