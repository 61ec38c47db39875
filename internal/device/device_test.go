package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var (
	_ Sensor = (*FileSensor)(nil)
	_ Sensor = (*ScriptSensor)(nil)
	_ Output = (*FileOutput)(nil)
	_ Output = (*DDCUtilOutput)(nil)
)

func TestFileSensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lux")
	s := NewFileSensor(path, zerolog.Nop())
	if err := s.Init(); err != nil {
		t.Fatalf("Init with missing file: %v", err)
	}

	if got := s.ReadLux(); got >= 0 || s.Healthy() {
		t.Errorf("missing file: lux=%v healthy=%v, want negative and unhealthy", got, s.Healthy())
	}

	tests := []struct {
		content string
		want    float64
		healthy bool
	}{
		{"250.5\n", 250.5, true},
		{"  42  \nignored\n", 42, true},
		{"-3", 0, true},
		{"bright", -1, false},
		{"", -1, false},
	}
	for _, tt := range tests {
		if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
			t.Fatal(err)
		}
		got := s.ReadLux()
		if got != tt.want || s.Healthy() != tt.healthy {
			t.Errorf("content %q: lux=%v healthy=%v, want %v %v", tt.content, got, s.Healthy(), tt.want, tt.healthy)
		}
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brightness")
	o := NewFileOutput(path, DefaultValueRange, zerolog.Nop())
	if err := o.Init(); err != nil {
		t.Fatal(err)
	}
	if o.CurrentBrightness() != -1 {
		t.Errorf("fresh output should report unknown brightness, got %d", o.CurrentBrightness())
	}

	if err := o.SetBrightness(140); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != "100" || o.CurrentBrightness() != 100 {
		t.Errorf("file=%q current=%d, want clamped 100", data, o.CurrentBrightness())
	}

	// A restarted output picks up the existing value.
	again := NewFileOutput(path, DefaultValueRange, zerolog.Nop())
	if err := again.Init(); err != nil {
		t.Fatal(err)
	}
	if again.CurrentBrightness() != 100 {
		t.Errorf("reopened current = %d, want 100", again.CurrentBrightness())
	}
}

func TestFileOutput_ValueRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pwm")
	o := NewFileOutput(path, ValueRange{Min: 0, Max: 255}, zerolog.Nop())
	if err := o.Init(); err != nil {
		t.Fatal(err)
	}
	if err := o.SetBrightness(50); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if got := strings.TrimSpace(string(data)); got != "127" {
		t.Errorf("native value = %s, want 127", got)
	}
	if o.CurrentBrightness() != 50 {
		t.Errorf("current = %d, want 50", o.CurrentBrightness())
	}
}

func TestScriptSensor(t *testing.T) {
	clk := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := NewScriptSensor(`
		function lux(t)
			if t >= 10 then return -1 end
			return 100 + t * 5
		end`, "", zerolog.Nop())
	s.now = func() time.Time { return clk }
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := s.ReadLux(); got != 100 || !s.Healthy() {
		t.Errorf("t=0: lux=%v healthy=%v", got, s.Healthy())
	}
	clk = clk.Add(4 * time.Second)
	if got := s.ReadLux(); got != 120 {
		t.Errorf("t=4: lux=%v, want 120", got)
	}
	clk = clk.Add(6 * time.Second)
	if got := s.ReadLux(); got >= 0 || s.Healthy() {
		t.Errorf("t=10: lux=%v healthy=%v, want no reading", got, s.Healthy())
	}
}

func TestScriptSensor_InitErrors(t *testing.T) {
	for name, src := range map[string]string{
		"syntax":     `function lux(t`,
		"missing_fn": `x = 1`,
	} {
		t.Run(name, func(t *testing.T) {
			if err := NewScriptSensor(src, "", zerolog.Nop()).Init(); err == nil {
				t.Error("expected init error")
			}
		})
	}
	if err := NewScriptSensor("", "", zerolog.Nop()).Init(); err == nil {
		t.Error("expected error without source or path")
	}
}

func TestScriptSensor_RuntimeErrorIsNoReading(t *testing.T) {
	s := NewScriptSensor(`function lux(t) error("boom") end`, "", zerolog.Nop())
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got := s.ReadLux(); got >= 0 || s.Healthy() {
		t.Errorf("lux=%v healthy=%v", got, s.Healthy())
	}
}

type fakeRunner struct {
	calls  [][]string
	output string
	err    error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return []byte(f.output), f.err
}

func TestDDCUtilOutput(t *testing.T) {
	r := &fakeRunner{output: "VCP 10 C 60 100\n"}
	o := NewDDCUtilOutput(2, zerolog.Nop()).WithRunner(r.run)

	if err := o.Init(); err != nil {
		t.Fatal(err)
	}
	if o.CurrentBrightness() != 60 {
		t.Errorf("current = %d, want 60", o.CurrentBrightness())
	}
	if got := strings.Join(r.calls[0], " "); got != "ddcutil --display 2 --brief getvcp 10" {
		t.Errorf("query call = %q", got)
	}

	if err := o.SetBrightness(75); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(r.calls[1], " "); got != "ddcutil --display 2 setvcp 10 75" {
		t.Errorf("set call = %q", got)
	}

	// Unchanged value does not shell out again.
	if err := o.SetBrightness(75); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(r.calls))
	}

	r.err = errors.New("i2c timeout")
	if err := o.SetBrightness(10); err == nil {
		t.Error("expected setvcp failure")
	}
	if o.CurrentBrightness() != 75 {
		t.Errorf("failed write must keep current, got %d", o.CurrentBrightness())
	}
}

func TestParseBriefVCP(t *testing.T) {
	tests := []struct {
		out     string
		want    int
		wantErr bool
	}{
		{"VCP 10 C 50 100", 50, false},
		{"VCP 10 C 128 255", 50, false},
		{"VCP 10 ERR", -1, true},
		{"", -1, true},
	}
	for _, tt := range tests {
		got, err := parseBriefVCP(tt.out)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseBriefVCP(%q) = %d, %v", tt.out, got, err)
		}
	}
}
