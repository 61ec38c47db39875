package zone

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ScriptCurve is a user-defined curve written in Lua.
//
// The chunk must define a global function curve(x) that receives the linear
// position of lux inside the zone (0..1) and returns the brightness fraction
// (0..1). Example:
//
//	function curve(x) return math.sqrt(x) end
type ScriptCurve struct {
	mu sync.Mutex
	L  *lua.LState
	fn *lua.LFunction
}

// CompileScript loads a curve chunk and resolves its curve function.
func CompileScript(src string) (*ScriptCurve, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load curve script: %w", err)
	}

	fn, ok := L.GetGlobal("curve").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("curve script must define function curve(x)")
	}

	return &ScriptCurve{L: L, fn: fn}, nil
}

// Eval calls curve(x) and returns its numeric result.
func (c *ScriptCurve) Eval(x float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.L == nil {
		return 0, fmt.Errorf("curve script closed")
	}

	if err := c.L.CallByParam(lua.P{Fn: c.fn, NRet: 1, Protect: true}, lua.LNumber(x)); err != nil {
		return 0, err
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("curve returned %s, want number", ret.Type())
	}
	return float64(n), nil
}

// Close releases the Lua state.
func (c *ScriptCurve) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.L != nil {
		c.L.Close()
		c.L = nil
	}
}
