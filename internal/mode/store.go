package mode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrCorruptState is returned by Load alongside default state when the
// state file exists but cannot be decoded.
var ErrCorruptState = errors.New("corrupt state file")

// FileStore persists State as a JSON document.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore creates a store for the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file is not an error and yields
// DefaultState. An undecodable file yields DefaultState and an error
// wrapping ErrCorruptState.
func (s *FileStore) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultState(), nil
	}
	if err != nil {
		return DefaultState(), fmt.Errorf("failed to read state file: %w", err)
	}

	st := DefaultState()
	if err := json.Unmarshal(data, &st); err != nil {
		return DefaultState(), fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if st.ManualBrightness < 0 || st.ManualBrightness > 100 ||
		st.LastAutoBrightness < 0 || st.LastAutoBrightness > 100 {
		return DefaultState(), fmt.Errorf("%w: brightness out of range", ErrCorruptState)
	}
	return st, nil
}

// Save stamps LastUpdated and atomically writes st, creating parent
// directories as needed. It returns the state as written.
func (s *FileStore) Save(st State) (State, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return st, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	st.LastUpdated = s.now().UTC().Truncate(time.Second)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return st, fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return st, fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return st, fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return st, fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return st, fmt.Errorf("failed to replace state file: %w", err)
	}
	return st, nil
}
