package device

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/time/rate"
)

// ScriptSensor produces lux readings from a Lua function lux(t), where t is
// the number of seconds since Init. It is meant for simulating daylight
// cycles and sensor faults; returning a negative value or nil reports no
// reading.
type ScriptSensor struct {
	source string
	path   string

	L       *lua.LState
	fn      *lua.LFunction
	started time.Time
	now     func() time.Time

	healthy bool
	logger  zerolog.Logger
	warn    rate.Sometimes
}

// NewScriptSensor creates a sensor from inline Lua source, or from the file
// at path when source is empty.
func NewScriptSensor(source, path string, logger zerolog.Logger) *ScriptSensor {
	return &ScriptSensor{
		source: source,
		path:   path,
		now:    time.Now,
		logger: logger,
		warn:   rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Init compiles the script and checks that it defines lux.
func (s *ScriptSensor) Init() error {
	src := s.source
	if src == "" {
		if s.path == "" {
			return fmt.Errorf("script sensor: script or path is required")
		}
		data, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("script sensor: %w", err)
		}
		src = string(data)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.MathLibName, lua.OpenMath},
		{lua.StringLibName, lua.OpenString},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}

	if err := L.DoString(src); err != nil {
		L.Close()
		return fmt.Errorf("script sensor: %w", err)
	}
	fn, ok := L.GetGlobal("lux").(*lua.LFunction)
	if !ok {
		L.Close()
		return fmt.Errorf("script sensor: script must define a global function lux(t)")
	}

	s.L, s.fn = L, fn
	s.started = s.now()
	s.healthy = true
	return nil
}

// ReadLux implements Sensor.
func (s *ScriptSensor) ReadLux() float64 {
	if s.L == nil {
		s.healthy = false
		return -1
	}

	t := s.now().Sub(s.started).Seconds()
	err := s.L.CallByParam(lua.P{Fn: s.fn, NRet: 1, Protect: true}, lua.LNumber(t))
	if err != nil {
		s.healthy = false
		s.warn.Do(func() {
			s.logger.Warn().Err(err).Msg("Sensor script failed")
		})
		return -1
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok || float64(n) < 0 {
		s.healthy = false
		return -1
	}
	s.healthy = true
	return float64(n)
}

func (s *ScriptSensor) Healthy() bool { return s.healthy }
func (s *ScriptSensor) Type() string  { return "script" }

// Close releases the Lua state.
func (s *ScriptSensor) Close() {
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}
