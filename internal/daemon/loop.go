// Package daemon runs the control loop: it drains client commands, reads the
// sensor, maps and ramps brightness and drives the output, one tick at a
// time on a single goroutine.
package daemon

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/alsd/internal/control"
	"github.com/dokzlo13/alsd/internal/csvlog"
	"github.com/dokzlo13/alsd/internal/device"
	"github.com/dokzlo13/alsd/internal/eventbus"
	"github.com/dokzlo13/alsd/internal/mode"
	"github.com/dokzlo13/alsd/internal/protocol"
	"github.com/dokzlo13/alsd/internal/ramp"
	"github.com/dokzlo13/alsd/internal/status"
	"github.com/dokzlo13/alsd/internal/zone"
)

// Defaults for Config fields left zero.
const (
	DefaultUpdateInterval     = 500 * time.Millisecond
	DefaultPersistInterval    = 60 * time.Second
	DefaultFallbackBrightness = 50
)

// ErrShuttingDown answers commands still queued when the loop stops.
var ErrShuttingDown = errors.New("daemon is shutting down")

// CommandSource yields queued client commands.
type CommandSource interface {
	Drain() []control.Command
}

// Responder delivers a response to the client that sent a command.
type Responder interface {
	Respond(connID string, resp protocol.Response)
}

// StateStore persists mode state.
type StateStore interface {
	Save(st mode.State) (mode.State, error)
}

// Publisher receives observable events.
type Publisher interface {
	Publish(e eventbus.Event)
}

// RowLogger receives one diagnostic row per tick.
type RowLogger interface {
	Log(r csvlog.Row)
}

// Config tunes the loop.
type Config struct {
	UpdateInterval  time.Duration
	PersistInterval time.Duration
	// SensorErrorTimeout is how long the sensor may report no reading
	// before the output ramps toward FallbackBrightness. Zero disables it.
	SensorErrorTimeout time.Duration
	FallbackBrightness int
	// AutoResumeTimeout is reported by get_config; the machine enforces it.
	AutoResumeTimeout time.Duration
}

// Deps are the loop's collaborators. Events and CSV are optional.
type Deps struct {
	Sensor    device.Sensor
	Output    device.Output
	Selector  *zone.Selector
	Machine   *mode.Machine
	Store     StateStore
	Commands  CommandSource
	Responder Responder
	Status    *status.Store
	Events    Publisher
	CSV       RowLogger
}

// Loop is the control loop. All of its state is owned by the goroutine
// running Run; other goroutines only see the published status.Store.
type Loop struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	logger zerolog.Logger

	started      time.Time
	current      int
	target       int
	lux          float64
	zoneName     string
	invalidSince time.Time
	lastPersist  time.Time
	lastMode     mode.Mode
	prepared     bool

	sensorWarn rate.Sometimes
	outputWarn rate.Sometimes
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates a loop. Sensor and output must already be initialized.
func New(cfg Config, deps Deps, logger zerolog.Logger, opts ...Option) *Loop {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	if deps.Status == nil {
		deps.Status = status.NewStore()
	}

	l := &Loop{
		cfg:        cfg,
		deps:       deps,
		now:        time.Now,
		logger:     logger,
		sensorWarn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
		outputWarn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Prepare establishes the starting brightness and publishes the first
// status. Run calls it; tests that drive Tick directly call it first.
func (l *Loop) Prepare() {
	if l.prepared {
		return
	}
	l.prepared = true

	now := l.now()
	l.started = now
	l.lastPersist = now
	l.lastMode = l.deps.Machine.Mode()

	l.current = l.deps.Output.CurrentBrightness()
	if l.current < 0 {
		l.current = l.cfg.FallbackBrightness
	}
	l.target = l.current

	if l.deps.Machine.Mode() != mode.Auto {
		l.applyManual()
	}

	l.logger.Info().
		Str("mode", l.deps.Machine.Mode().String()).
		Int("brightness", l.current).
		Str("sensor", l.deps.Sensor.Type()).
		Str("output", l.deps.Output.Type()).
		Dur("interval", l.cfg.UpdateInterval).
		Msg("Control loop starting")
	l.publishStatus(now)
}

// Run ticks until ctx is cancelled, then saves dirty state.
func (l *Loop) Run(ctx context.Context) error {
	l.Prepare()

	ticker := time.NewTicker(l.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Shutdown()
			return nil
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Shutdown answers every command still queued with ErrShuttingDown, then
// flushes state if dirty.
func (l *Loop) Shutdown() {
	for _, cmd := range l.deps.Commands.Drain() {
		l.deps.Responder.Respond(cmd.ConnID, protocol.InternalError(ErrShuttingDown))
	}
	if l.deps.Machine.IsDirty() {
		l.persist()
	}
	l.logger.Info().Msg("Control loop stopped")
}

// Tick runs one control iteration.
func (l *Loop) Tick() {
	for _, cmd := range l.deps.Commands.Drain() {
		l.handle(cmd)
	}

	if l.deps.Machine.CheckAutoResume() {
		l.noteModeChange("auto_resume", "")
	}

	previous := l.current
	row := csvlog.Row{PreviousBrightness: previous}

	if l.deps.Machine.Mode() == mode.Auto {
		l.tickAuto(&row)
	} else {
		l.applyManual()
		row.Lux = l.lux
		row.Zone = l.zoneName
		row.StepCategory = "manual"
		row.SensorHealthy = l.deps.Sensor.Healthy()
	}

	now := l.now()
	if now.Sub(l.lastPersist) >= l.cfg.PersistInterval {
		if l.deps.Machine.IsDirty() {
			l.persist()
		}
		l.lastPersist = now
	}

	l.publishStatus(now)

	if l.deps.CSV != nil {
		row.TargetBrightness = l.target
		row.CurrentBrightness = l.current
		row.Mode = l.deps.Machine.Mode().String()
		l.deps.CSV.Log(row)
	}
}

func (l *Loop) tickAuto(row *csvlog.Row) {
	lux := l.deps.Sensor.ReadLux()
	now := l.now()

	if lux < 0 {
		l.sensorInvalid(now, row)
		return
	}
	l.sensorRecovered(now)
	l.lux = lux

	z, changed := l.deps.Selector.Select(lux)
	name := zoneName(z)
	if changed {
		l.logger.Info().
			Str("from", l.zoneName).
			Str("to", name).
			Float64("lux", lux).
			Msg("Zone changed")
		l.publish(eventbus.EventTypeZoneChanged, map[string]interface{}{
			"from": l.zoneName,
			"to":   name,
			"lux":  lux,
		})
	}
	l.zoneName = name

	l.target = zone.Map(lux, z)
	next, d := ramp.Step(l.target, l.current, z)
	l.write(next)
	l.deps.Machine.SetLastAutoBrightness(l.current)

	row.Lux = lux
	row.Zone = name
	row.ZoneChanged = changed
	row.Curve = curveName(z)
	row.Error = d.Error
	row.StepCategory = d.Category
	row.StepSize = d.StepSize
	row.ThresholdLarge = d.ThresholdLarge
	row.ThresholdSmall = d.ThresholdSmall
	row.SensorHealthy = l.deps.Sensor.Healthy()

	if d.Error != 0 {
		l.logger.Debug().
			Float64("lux", lux).
			Str("zone", name).
			Int("target", l.target).
			Int("brightness", l.current).
			Str("step", d.Category).
			Msg("Ramping")
	}
}

// sensorInvalid holds the output, unless the sensor has been silent longer
// than SensorErrorTimeout, in which case it ramps toward the fallback.
func (l *Loop) sensorInvalid(now time.Time, row *csvlog.Row) {
	if l.invalidSince.IsZero() {
		l.invalidSince = now
		l.publish(eventbus.EventTypeSensorHealth, map[string]interface{}{"healthy": false})
	}
	row.Lux = -1
	row.Zone = l.zoneName
	row.StepCategory = ramp.CategoryNone

	down := now.Sub(l.invalidSince)
	l.sensorWarn.Do(func() {
		l.logger.Warn().
			Dur("for", down).
			Int("holding", l.current).
			Msg("No valid sensor reading, holding brightness")
	})

	if l.cfg.SensorErrorTimeout <= 0 || down < l.cfg.SensorErrorTimeout {
		return
	}

	l.target = l.cfg.FallbackBrightness
	next, d := ramp.Step(l.target, l.current, nil)
	l.write(next)
	row.Error = d.Error
	row.StepCategory = d.Category
	row.StepSize = d.StepSize
	row.ThresholdLarge = d.ThresholdLarge
	row.ThresholdSmall = d.ThresholdSmall
}

func (l *Loop) sensorRecovered(now time.Time) {
	if !l.invalidSince.IsZero() {
		l.logger.Info().Dur("after", now.Sub(l.invalidSince)).Msg("Sensor readings recovered")
		l.publish(eventbus.EventTypeSensorHealth, map[string]interface{}{"healthy": true})
		l.invalidSince = time.Time{}
	}
}

func (l *Loop) applyManual() {
	l.target = l.deps.Machine.ManualBrightness()
	l.write(l.target)
}

// write applies brightness to the output. On failure the previous value is
// kept as current and the next tick retries.
func (l *Loop) write(brightness int) {
	if err := l.deps.Output.SetBrightness(brightness); err != nil {
		l.outputWarn.Do(func() {
			l.logger.Warn().Err(err).Int("brightness", brightness).Msg("Failed to set brightness")
		})
		return
	}
	l.current = brightness
}

func (l *Loop) persist() {
	st, err := l.deps.Store.Save(l.deps.Machine.Snapshot())
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to save state")
		return
	}
	l.deps.Machine.MarkClean()
	l.logger.Debug().
		Str("mode", st.Mode.String()).
		Int("manual_brightness", st.ManualBrightness).
		Int("last_auto_brightness", st.LastAutoBrightness).
		Msg("State saved")
}

func (l *Loop) snapshot(now time.Time) status.Status {
	return status.Status{
		Mode:              l.deps.Machine.Mode().String(),
		Lux:               l.lux,
		TargetBrightness:  l.target,
		CurrentBrightness: l.current,
		Zone:              l.zoneName,
		SensorHealthy:     l.deps.Sensor.Healthy(),
		SensorType:        l.deps.Sensor.Type(),
		OutputType:        l.deps.Output.Type(),
		ManualResumeInSec: int(math.Ceil(l.deps.Machine.ResumeIn().Seconds())),
		UptimeSec:         int64(now.Sub(l.started).Seconds()),
		UpdatedAt:         now,
	}
}

func (l *Loop) publishStatus(now time.Time) {
	st := l.snapshot(now)
	l.deps.Status.Set(st)
	if l.deps.Events != nil {
		l.deps.Events.Publish(eventbus.Event{
			Type: eventbus.EventTypeStatus,
			Time: now,
			Data: statusData(st),
		})
	}
}

func (l *Loop) publish(t eventbus.EventType, data map[string]interface{}) {
	if l.deps.Events == nil {
		return
	}
	l.deps.Events.Publish(eventbus.Event{Type: t, Time: l.now(), Data: data})
}

// noteModeChange publishes a mode_changed event if the mode differs from
// the last one seen.
func (l *Loop) noteModeChange(reason, connID string) {
	m := l.deps.Machine.Mode()
	if m == l.lastMode {
		return
	}
	data := map[string]interface{}{
		"from":   l.lastMode.String(),
		"to":     m.String(),
		"reason": reason,
	}
	if connID != "" {
		data["conn_id"] = connID
	}
	l.publish(eventbus.EventTypeModeChanged, data)
	l.lastMode = m
}

func zoneName(z *zone.Zone) string {
	if z == nil {
		return "simple"
	}
	return z.Name
}

func curveName(z *zone.Zone) string {
	if z == nil {
		return "simple"
	}
	return string(z.Curve)
}

func statusData(st status.Status) map[string]interface{} {
	return map[string]interface{}{
		"mode":                 st.Mode,
		"brightness":           st.CurrentBrightness,
		"target_brightness":    st.TargetBrightness,
		"lux":                  st.Lux,
		"zone":                 st.Zone,
		"sensor_healthy":       st.SensorHealthy,
		"sensor_type":          st.SensorType,
		"output_type":          st.OutputType,
		"manual_resume_in_sec": st.ManualResumeInSec,
		"uptime_sec":           st.UptimeSec,
	}
}
