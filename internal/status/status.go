// Package status holds the snapshot the control loop publishes for readers
// on other goroutines.
package status

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the daemon.
type Status struct {
	Mode              string    `json:"mode"`
	Lux               float64   `json:"lux"`
	TargetBrightness  int       `json:"target_brightness"`
	CurrentBrightness int       `json:"brightness"`
	Zone              string    `json:"zone"`
	SensorHealthy     bool      `json:"sensor_healthy"`
	SensorType        string    `json:"sensor_type"`
	OutputType        string    `json:"output_type"`
	ManualResumeInSec int       `json:"manual_resume_in_sec"`
	UptimeSec         int64     `json:"uptime_sec"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store is a mutex-guarded Status. Reads and writes copy the whole struct.
type Store struct {
	mu     sync.RWMutex
	status Status
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the stored snapshot.
func (s *Store) Set(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Get returns a copy of the latest snapshot.
func (s *Store) Get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Ready reports whether the loop has published at least once.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.status.UpdatedAt.IsZero()
}
