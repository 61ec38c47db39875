package mode

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time           { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(st State, timeout time.Duration) (*Machine, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewMachine(st, timeout, WithClock(clk.Now)), clk
}

func TestMachine_OverrideFromAutoEntersTemporary(t *testing.T) {
	m, _ := newTestMachine(DefaultState(), time.Minute)

	got := m.Override(40)
	if got != 40 {
		t.Errorf("Override returned %d, want 40", got)
	}
	if m.Mode() != ManualTemporary {
		t.Errorf("mode = %s, want manual_temporary", m.Mode())
	}
	if m.ManualBrightness() != 40 {
		t.Errorf("manual brightness = %d, want 40", m.ManualBrightness())
	}
	if !m.IsDirty() {
		t.Error("override should mark state dirty")
	}
	if m.ResumeIn() != time.Minute {
		t.Errorf("ResumeIn = %v, want fresh timer of 1m", m.ResumeIn())
	}
}

func TestMachine_AutoResumeAfterTimeout(t *testing.T) {
	m, clk := newTestMachine(DefaultState(), 60*time.Second)
	m.Override(40)

	clk.Advance(59 * time.Second)
	if m.CheckAutoResume() {
		t.Fatal("resumed before timeout")
	}
	if m.Mode() != ManualTemporary {
		t.Fatalf("mode = %s, want manual_temporary", m.Mode())
	}

	clk.Advance(time.Second)
	if !m.CheckAutoResume() {
		t.Fatal("did not resume at timeout")
	}
	if m.Mode() != Auto {
		t.Errorf("mode = %s, want auto", m.Mode())
	}
	if m.ResumeIn() != 0 {
		t.Errorf("ResumeIn = %v outside manual_temporary, want 0", m.ResumeIn())
	}
}

func TestMachine_FurtherOverrideRefreshesTimer(t *testing.T) {
	m, clk := newTestMachine(DefaultState(), 60*time.Second)
	m.Override(40)

	clk.Advance(45 * time.Second)
	m.Adjust(5)
	if m.ManualBrightness() != 45 {
		t.Errorf("manual brightness = %d, want 45", m.ManualBrightness())
	}

	clk.Advance(45 * time.Second)
	if m.CheckAutoResume() {
		t.Fatal("timer was not refreshed by second override")
	}
	if got := m.ResumeIn(); got != 15*time.Second {
		t.Errorf("ResumeIn = %v, want 15s", got)
	}

	clk.Advance(15 * time.Second)
	if !m.CheckAutoResume() {
		t.Error("expected resume after refreshed timeout")
	}
}

func TestMachine_OverrideInManualStaysManual(t *testing.T) {
	st := DefaultState()
	st.Mode = Manual
	m, clk := newTestMachine(st, time.Second)

	m.Override(70)
	if m.Mode() != Manual {
		t.Errorf("mode = %s, want manual", m.Mode())
	}
	clk.Advance(time.Hour)
	if m.CheckAutoResume() {
		t.Error("manual mode must not auto-resume")
	}
}

func TestMachine_AdjustClamps(t *testing.T) {
	m, _ := newTestMachine(DefaultState(), time.Minute)
	if got := m.Adjust(100); got != 100 {
		t.Errorf("Adjust(+100) from 50 = %d, want 100", got)
	}
	if got := m.Adjust(-250); got != 0 {
		t.Errorf("Adjust(-250) = %d, want 0", got)
	}
}

func TestMachine_SetMode(t *testing.T) {
	m, _ := newTestMachine(DefaultState(), time.Minute)

	if m.SetMode(Auto) {
		t.Error("SetMode to current mode should report no change")
	}
	if m.IsDirty() {
		t.Error("no-op SetMode should not dirty state")
	}
	if !m.SetMode(Manual) {
		t.Error("SetMode(manual) should change mode")
	}
	if !m.IsDirty() {
		t.Error("mode change should dirty state")
	}
	m.MarkClean()
	if m.IsDirty() {
		t.Error("MarkClean should clear dirty")
	}

	m.Override(30)
	m.SetMode(Auto)
	if m.Mode() != Auto {
		t.Errorf("mode = %s, want auto", m.Mode())
	}
}

func TestMachine_SettersOnlyDirtyOnChange(t *testing.T) {
	m, _ := newTestMachine(DefaultState(), time.Minute)

	m.SetManualBrightness(50)
	m.SetLastAutoBrightness(50)
	if m.IsDirty() {
		t.Error("unchanged values should not dirty state")
	}

	m.SetLastAutoBrightness(51)
	if !m.IsDirty() || m.LastAutoBrightness() != 51 {
		t.Error("changed last auto brightness should dirty state")
	}
}

func TestMachine_RestartRecovery(t *testing.T) {
	tests := []struct {
		name      string
		persisted Mode
		want      Mode
		dirty     bool
	}{
		{"temporary_loads_as_auto", ManualTemporary, Auto, true},
		{"manual_persists", Manual, Manual, false},
		{"auto_persists", Auto, Auto, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := DefaultState()
			st.Mode = tt.persisted
			m, _ := newTestMachine(st, time.Minute)
			if m.Mode() != tt.want {
				t.Errorf("mode = %s, want %s", m.Mode(), tt.want)
			}
			if m.IsDirty() != tt.dirty {
				t.Errorf("dirty = %v, want %v", m.IsDirty(), tt.dirty)
			}
		})
	}
}

func TestFileStore_MissingFileUsesDefaults(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope", "state.json"))
	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if st != DefaultState() {
		t.Errorf("state = %+v, want defaults", st)
	}
}

func TestFileStore_SaveCreatesDirectoriesAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "state.json")
	s := NewFileStore(path)

	st := DefaultState()
	st.Mode = Manual
	st.ManualBrightness = 33
	st.LastAutoBrightness = 71
	st.BrightnessOffset = -4

	written, err := s.Save(st)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if written.LastUpdated.IsZero() {
		t.Error("Save should stamp last_updated")
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.LastUpdated.Equal(written.LastUpdated) {
		t.Errorf("last_updated = %v, want %v", loaded.LastUpdated, written.LastUpdated)
	}
	loaded.LastUpdated = written.LastUpdated
	if loaded != written {
		t.Errorf("loaded = %+v, want %+v", loaded, written)
	}

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"mode": "manual"`) {
		t.Errorf("state file should carry mode by name, got:\n%s", raw)
	}
}

func TestFileStore_CorruptFileFallsBackToDefaults(t *testing.T) {
	for name, content := range map[string]string{
		"bad_json":     `{"mode":`,
		"unknown_mode": `{"version":1,"mode":"party"}`,
		"out_of_range": `{"version":1,"mode":"manual","manual_brightness":400}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			st, err := NewFileStore(path).Load()
			if !errors.Is(err, ErrCorruptState) {
				t.Errorf("err = %v, want ErrCorruptState", err)
			}
			if st != DefaultState() {
				t.Errorf("state = %+v, want defaults", st)
			}
		})
	}
}

func TestParse(t *testing.T) {
	for _, m := range []Mode{Auto, Manual, ManualTemporary} {
		got, err := Parse(m.String())
		if err != nil || got != m {
			t.Errorf("Parse(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := Parse("disco"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
