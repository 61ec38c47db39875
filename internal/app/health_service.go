package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/alsd/internal/config"
	"github.com/dokzlo13/alsd/internal/ledger"
	"github.com/dokzlo13/alsd/internal/status"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
)

// HealthService provides HTTP health check endpoints, JSON status and
// event history endpoints, and the WebSocket status feed.
type HealthService struct {
	cfg    *config.Config
	status *status.Store
	feed   *StatusFeed
	ledger *ledger.Ledger
	logger zerolog.Logger
	server *http.Server
	done   chan struct{}
}

// NewHealthService creates a new HealthService. feed and led may be nil,
// in which case /ws and /events are not served.
func NewHealthService(cfg *config.Config, st *status.Store, feed *StatusFeed, led *ledger.Ledger, logger zerolog.Logger) *HealthService {
	return &HealthService{
		cfg:    cfg,
		status: st,
		feed:   feed,
		ledger: led,
		logger: logger,
	}
}

// Handler returns the HTTP routes.
func (s *HealthService) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Ready once the control loop has published a status
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.status.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.status.Get())
	})

	if s.ledger != nil {
		mux.HandleFunc("/events", s.handleEvents)
	}
	if s.feed != nil {
		mux.Handle("/ws", s.feed)
	}
	return mux
}

// handleEvents serves ledger history, newest first.
//
//	/events?type=zone_changed&limit=20
//	/events?since=2025-01-01T00:00:00Z&until=2025-01-02T00:00:00Z
func (s *HealthService) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultEventsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventsLimit)
	}

	var (
		entries []*ledger.Entry
		err     error
	)
	switch {
	case q.Get("type") != "":
		entries, err = s.ledger.GetByType(ledger.EventType(q.Get("type")), limit)
	case q.Get("since") != "" || q.Get("until") != "":
		since, until := time.Unix(0, 0), time.Now()
		if since, err = parseTimeParam(q.Get("since"), since); err == nil {
			until, err = parseTimeParam(q.Get("until"), until)
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		entries, err = s.ledger.GetByTimeRange(since, until, limit)
	default:
		entries, err = s.ledger.Recent(limit)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query ledger")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger query failed"})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseTimeParam(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339", v)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})

	s.logger.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		defer close(s.done)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Health check server error")
		}
	}()
}

// Stop shuts the server down, waiting up to the configured shutdown timeout.
func (s *HealthService) Stop() {
	if s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Health check server shutdown error")
	}
	<-s.done
}
