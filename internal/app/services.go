package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/alsd/internal/config"
	"github.com/dokzlo13/alsd/internal/control"
	"github.com/dokzlo13/alsd/internal/csvlog"
	"github.com/dokzlo13/alsd/internal/daemon"
	"github.com/dokzlo13/alsd/internal/db"
	"github.com/dokzlo13/alsd/internal/device"
	"github.com/dokzlo13/alsd/internal/eventbus"
	"github.com/dokzlo13/alsd/internal/ledger"
	"github.com/dokzlo13/alsd/internal/mode"
	"github.com/dokzlo13/alsd/internal/status"
	"github.com/dokzlo13/alsd/internal/zone"
)

// Options are startup switches that do not belong in the config file.
type Options struct {
	// ResetState discards the persisted mode state before loading it.
	ResetState bool
}

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus
	Status *status.Store
	CSV    *csvlog.Logger

	// Devices
	Sensor device.Sensor
	Output device.Output

	// Brightness control
	Zones    zone.Table
	Selector *zone.Selector
	States   *mode.FileStore
	Machine  *mode.Machine
	Control  *control.Server
	Loop     *daemon.Loop

	// High-level services
	Recorder *LedgerService
	Feed     *StatusFeed
	Health   *HealthService

	stopLoop context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
// Nothing is started and no device is opened yet.
func NewServices(cfg *config.Config, opts Options, logger zerolog.Logger) (*Services, error) {
	s := &Services{cfg: cfg, logger: logger}

	zones, err := buildZones(cfg.Zones)
	if err != nil {
		return nil, err
	}
	s.Zones = zones
	s.Selector = zone.NewSelector(zones, cfg.Control.HysteresisPercent)
	if len(zones) == 0 {
		logger.Warn().Msg("No zones configured, using simple lux mapping")
	}

	s.Sensor, err = buildSensor(cfg.Sensor, logger.With().Str("component", "sensor").Logger())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Output, err = buildOutput(cfg.Output, logger.With().Str("component", "output").Logger())
	if err != nil {
		s.Close()
		return nil, err
	}

	// Persisted mode state
	s.States = mode.NewFileStore(cfg.Control.StateFile)
	if opts.ResetState {
		logger.Info().Str("path", s.States.Path()).Msg("Clearing stored mode state (--reset-state)")
		if err := os.Remove(s.States.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Msg("Failed to clear stored mode state")
		}
	}
	st, err := s.States.Load()
	if err != nil {
		// Corrupt or unreadable state is never fatal
		logger.Warn().Err(err).Str("path", s.States.Path()).Msg("Failed to load state, using defaults")
	}
	s.Machine = mode.NewMachine(st, cfg.Control.AutoResumeTimeout(),
		mode.WithLogger(logger.With().Str("component", "mode").Logger()))

	// Event history
	if *cfg.Ledger.Enabled {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
	}

	if cfg.CSV.Path != "" {
		s.CSV, err = csvlog.Open(cfg.CSV.Path, logger.With().Str("component", "csvlog").Logger())
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize(),
		logger.With().Str("component", "eventbus").Logger())
	s.Status = status.NewStore()

	if s.Ledger != nil {
		s.Recorder = NewLedgerService(cfg, s.Ledger, logger.With().Str("component", "ledger").Logger())
		s.Recorder.Subscribe(s.Bus)
	}

	s.Feed = NewStatusFeed(s.Status, logger.With().Str("component", "feed").Logger())
	s.Feed.Subscribe(s.Bus)
	s.Health = NewHealthService(cfg, s.Status, s.Feed, s.Ledger, logger.With().Str("component", "health").Logger())

	s.Control = control.NewServer(controlConfig(cfg.Control), control.NewQueue(),
		logger.With().Str("component", "control").Logger())

	deps := daemon.Deps{
		Sensor:    s.Sensor,
		Output:    s.Output,
		Selector:  s.Selector,
		Machine:   s.Machine,
		Store:     s.States,
		Commands:  s.Control.Queue(),
		Responder: s.Control,
		Status:    s.Status,
		Events:    s.Bus,
	}
	if s.CSV != nil {
		deps.CSV = s.CSV
	}
	s.Loop = daemon.New(daemon.Config{
		UpdateInterval:     cfg.Control.UpdateInterval(),
		PersistInterval:    cfg.Control.PersistInterval.Duration(),
		SensorErrorTimeout: cfg.Control.SensorErrorTimeout.Duration(),
		FallbackBrightness: *cfg.Control.FallbackBrightness,
		AutoResumeTimeout:  cfg.Control.AutoResumeTimeout(),
	}, deps, logger.With().Str("component", "loop").Logger())

	return s, nil
}

// Start opens devices and sockets, then starts all background services.
// Any error here is a startup failure.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Sensor.Init(); err != nil {
		return fmt.Errorf("failed to initialize %s sensor: %w", s.Sensor.Type(), err)
	}
	if err := s.Output.Init(); err != nil {
		return fmt.Errorf("failed to initialize %s output: %w", s.Output.Type(), err)
	}

	if err := s.Control.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Feed.Run(ctx)
	}()

	if s.Recorder != nil {
		s.Recorder.Start(ctx)
	}
	s.Health.Start(ctx)

	// The loop outlives ctx until Stop has quiesced the control server.
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoop = stopLoop
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		if err := s.Loop.Run(loopCtx); err != nil {
			s.logger.Error().Err(err).Msg("Control loop error")
		}
	}()

	return nil
}

// Stop gracefully stops all services. ctx must already be cancelled.
func (s *Services) Stop() error {
	// No new commands after this; open connections can still be answered.
	if s.Control != nil {
		s.Control.Quiesce()
	}
	// The loop answers what is left in the queue, saves dirty state and is
	// the only publisher, so it must finish before the bus closes.
	if s.loopDone != nil {
		s.stopLoop()
		<-s.loopDone
	}
	if s.Control != nil {
		s.Control.Stop()
	}
	if s.Health != nil {
		s.Health.Stop()
	}
	if s.Recorder != nil {
		s.Recorder.Wait()
	}
	s.wg.Wait()

	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.CSV != nil {
		if err := s.CSV.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close csv log")
		}
	}
	if closer, ok := s.Sensor.(interface{ Close() }); ok {
		closer.Close()
	}
	s.Zones.Close()
	if s.DB != nil {
		s.DB.Close()
	}
}

func controlConfig(c config.ControlConfig) control.Config {
	return control.Config{
		TCP: control.TCPConfig{
			Enabled: *c.TCP.Enabled,
			Address: c.TCP.Address,
			Port:    c.TCP.Port,
		},
		Unix: control.UnixConfig{
			Enabled:     *c.Unix.Enabled,
			Path:        c.Unix.Path,
			Permissions: c.Unix.Permissions,
			Owner:       c.Unix.Owner,
			Group:       c.Unix.Group,
		},
		Routing: control.Routing(c.ResponseRouting),
	}
}

func buildSensor(c config.SensorConfig, logger zerolog.Logger) (device.Sensor, error) {
	switch c.Type {
	case "file":
		return device.NewFileSensor(c.Path, logger), nil
	case "script":
		return device.NewScriptSensor(c.Script, c.Path, logger), nil
	default:
		return nil, fmt.Errorf("unsupported sensor type: %s", c.Type)
	}
}

func buildOutput(c config.OutputConfig, logger zerolog.Logger) (device.Output, error) {
	switch c.Type {
	case "file":
		vr := device.ValueRange{Min: c.ValueRange.Min, Max: c.ValueRange.Max}
		return device.NewFileOutput(c.Path, vr, logger), nil
	case "ddcutil":
		return device.NewDDCUtilOutput(c.Display, logger), nil
	default:
		return nil, fmt.Errorf("unsupported output type: %s", c.Type)
	}
}

// buildZones converts zone config into the immutable zone table, filling
// ramp defaults and compiling script curves.
func buildZones(cfgs []config.ZoneConfig) (zone.Table, error) {
	table := make(zone.Table, 0, len(cfgs))
	for _, zc := range cfgs {
		curve, err := zone.ParseCurveType(zc.Curve)
		if err != nil {
			table.Close()
			return nil, fmt.Errorf("zone %q: %w", zc.Name, err)
		}

		z := zone.Zone{
			Name:          zc.Name,
			LuxMin:        zc.LuxRange[0],
			LuxMax:        zc.LuxRange[1],
			BrightnessMin: zc.BrightnessRange[0],
			BrightnessMax: zc.BrightnessRange[1],
			Curve:         curve,
			Steps:         zone.DefaultStepSizes,
			Thresholds:    zone.DefaultErrorThresholds,
		}
		if s := zc.StepSizes; s != nil {
			override(&z.Steps.LargeUp, s.LargeUp)
			override(&z.Steps.MediumUp, s.MediumUp)
			override(&z.Steps.SmallUp, s.SmallUp)
			override(&z.Steps.LargeDown, s.LargeDown)
			override(&z.Steps.MediumDown, s.MediumDown)
			override(&z.Steps.SmallDown, s.SmallDown)
		}
		if t := zc.ErrorThresholds; t != nil {
			override(&z.Thresholds.Large, t.Large)
			override(&z.Thresholds.Small, t.Small)
			if z.Thresholds.Small > z.Thresholds.Large {
				table.Close()
				return nil, fmt.Errorf("zone %q: error_thresholds small (%d) exceeds large (%d)",
					zc.Name, z.Thresholds.Small, z.Thresholds.Large)
			}
		}
		if curve == zone.CurveScript {
			z.Script, err = zone.CompileScript(zc.Script)
			if err != nil {
				table.Close()
				return nil, fmt.Errorf("zone %q: %w", zc.Name, err)
			}
		}
		table = append(table, z)
	}
	return table, nil
}

// override replaces dst with v when v is set.
func override(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
