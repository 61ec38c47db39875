package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/alsd/internal/config"
	"github.com/dokzlo13/alsd/internal/eventbus"
	"github.com/dokzlo13/alsd/internal/ledger"
)

// recordedEvents maps bus events onto ledger event types. Per-tick status
// events are not recorded.
var recordedEvents = map[eventbus.EventType]ledger.EventType{
	eventbus.EventTypeZoneChanged:    ledger.EventZoneChanged,
	eventbus.EventTypeModeChanged:    ledger.EventModeChanged,
	eventbus.EventTypeCommandApplied: ledger.EventCommandApplied,
	eventbus.EventTypeSensorHealth:   ledger.EventSensorHealth,
}

// LedgerService records observable events in the ledger and periodically
// deletes entries past the retention period.
type LedgerService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger, logger zerolog.Logger) *LedgerService {
	return &LedgerService{cfg: cfg, ledger: l, logger: logger}
}

// Subscribe registers the recorder on the bus.
func (s *LedgerService) Subscribe(bus *eventbus.Bus) {
	for busType, ledgerType := range recordedEvents {
		lt := ledgerType
		bus.Subscribe(busType, func(e eventbus.Event) {
			s.record(lt, e)
		})
	}
}

func (s *LedgerService) record(t ledger.EventType, e eventbus.Event) {
	source := "daemon"
	if id, ok := e.Data["conn_id"].(string); ok && id != "" {
		source = id
	}
	if err := s.ledger.AppendWithSource(t, source, e.Data); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(t)).Msg("Failed to record event")
	}
}

// Start runs the retention cleanup until ctx is cancelled.
func (s *LedgerService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCleanup(ctx)
	}()
}

// Wait blocks until the cleanup goroutine has exited.
func (s *LedgerService) Wait() {
	s.wg.Wait()
}

// runCleanup periodically cleans up old ledger entries.
func (s *LedgerService) runCleanup(ctx context.Context) {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *LedgerService) cleanup(retention time.Duration) {
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
