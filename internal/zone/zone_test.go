package zone

import (
	"math"
	"testing"
)

func testTable() Table {
	return Table{
		{Name: "night", LuxMin: 0, LuxMax: 10, BrightnessMin: 5, BrightnessMax: 20, Curve: CurveLinear,
			Steps: DefaultStepSizes, Thresholds: DefaultErrorThresholds},
		{Name: "indoor", LuxMin: 10, LuxMax: 500, BrightnessMin: 20, BrightnessMax: 60, Curve: CurveLogarithmic,
			Steps: DefaultStepSizes, Thresholds: DefaultErrorThresholds},
		{Name: "daylight", LuxMin: 500, LuxMax: 10000, BrightnessMin: 60, BrightnessMax: 100, Curve: CurveLinear,
			Steps: DefaultStepSizes, Thresholds: DefaultErrorThresholds},
	}
}

func TestLookup(t *testing.T) {
	zones := testTable()
	tests := []struct {
		name string
		lux  float64
		want string
	}{
		{"lower_bound_inclusive", 0, "night"},
		{"inside_first", 5, "night"},
		{"upper_bound_exclusive", 10, "indoor"},
		{"inside_middle", 250, "indoor"},
		{"last_zone", 900, "daylight"},
		{"beyond_all_falls_back_to_last", 50000, "daylight"},
		{"negative_falls_back_to_last", -1, "daylight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := zones[Lookup(zones, tt.lux)].Name
			if got != tt.want {
				t.Errorf("Lookup(%g) = %q, want %q", tt.lux, got, tt.want)
			}
		})
	}
}

func TestSelector_NoHysteresisIsStateless(t *testing.T) {
	zones := testTable()
	sel := NewSelector(zones, 0)
	fresh := NewSelector(zones, 0)

	// Feed a history, then check each reading matches a selector without history.
	for _, lux := range []float64{5, 600, 9.9, 10.1, 499, 501, 0, 20000} {
		got, _ := sel.Select(lux)
		fresh.Reset()
		want, _ := fresh.Select(lux)
		if got.Name != want.Name {
			t.Errorf("Select(%g) = %q after history, want %q", lux, got.Name, want.Name)
		}
	}
}

func TestSelector_ReportsChange(t *testing.T) {
	sel := NewSelector(testTable(), 0)

	if _, changed := sel.Select(5); !changed {
		t.Error("first selection should report a change")
	}
	if _, changed := sel.Select(6); changed {
		t.Error("same zone should not report a change")
	}
	if z, changed := sel.Select(50); !changed || z.Name != "indoor" {
		t.Errorf("expected change to indoor, got %q changed=%v", z.Name, changed)
	}
}

func TestSelector_HysteresisHoldsZoneInsideBand(t *testing.T) {
	// indoor band with 10%: [9, 550)
	sel := NewSelector(testTable(), 10)

	z, _ := sel.Select(100)
	if z.Name != "indoor" {
		t.Fatalf("initial zone = %q, want indoor", z.Name)
	}

	for _, lux := range []float64{505, 495, 540, 9.5, 12, 549.9, 9} {
		z, changed := sel.Select(lux)
		if z.Name != "indoor" || changed {
			t.Errorf("Select(%g) = %q changed=%v, want indoor unchanged", lux, z.Name, changed)
		}
	}

	z, changed := sel.Select(550)
	if z.Name != "daylight" || !changed {
		t.Errorf("Select(550) = %q changed=%v, want switch to daylight", z.Name, changed)
	}

	// Now in daylight, band [450, 11000): dipping to 480 keeps daylight.
	z, _ = sel.Select(480)
	if z.Name != "daylight" {
		t.Errorf("Select(480) = %q, want daylight held by hysteresis", z.Name)
	}
	z, _ = sel.Select(449)
	if z.Name != "indoor" {
		t.Errorf("Select(449) = %q, want indoor", z.Name)
	}
}

func TestSelector_EmptyTable(t *testing.T) {
	sel := NewSelector(nil, 5)
	if z, changed := sel.Select(100); z != nil || changed {
		t.Errorf("empty table should select nothing, got %v changed=%v", z, changed)
	}
}

func TestMap_BoundariesRoundTrip(t *testing.T) {
	for _, curve := range []CurveType{CurveLinear, CurveLogarithmic} {
		z := &Zone{Name: "z", LuxMin: 10, LuxMax: 500, BrightnessMin: 20, BrightnessMax: 60, Curve: curve}
		if got := Map(z.LuxMin, z); got != z.BrightnessMin {
			t.Errorf("%s: Map(min) = %d, want %d", curve, got, z.BrightnessMin)
		}
		if got := Map(z.LuxMax, z); got != z.BrightnessMax {
			t.Errorf("%s: Map(max) = %d, want %d", curve, got, z.BrightnessMax)
		}
	}
}

func TestMap_Linear(t *testing.T) {
	z := &Zone{LuxMin: 0, LuxMax: 100, BrightnessMin: 5, BrightnessMax: 30, Curve: CurveLinear}
	tests := []struct {
		lux  float64
		want int
	}{
		{50, 17}, // 5 + 12.5 truncated
		{-20, 5}, // negative treated as zero
		{0, 5},
		{100, 30},
		{1000, 30}, // clamped to lux max
	}
	for _, tt := range tests {
		if got := Map(tt.lux, z); got != tt.want {
			t.Errorf("Map(%g) = %d, want %d", tt.lux, got, tt.want)
		}
	}
}

func TestMap_Logarithmic(t *testing.T) {
	z := &Zone{LuxMin: 0, LuxMax: 1000, BrightnessMin: 0, BrightnessMax: 100, Curve: CurveLogarithmic}
	lux := 30.0
	want := int(math.Log(1+lux) / math.Log(1+1000) * 100)
	if got := Map(lux, z); got != want {
		t.Errorf("Map(%g) = %d, want %d", lux, got, want)
	}
	// Log curve rises faster than linear at the low end.
	lin := &Zone{LuxMin: 0, LuxMax: 1000, BrightnessMin: 0, BrightnessMax: 100, Curve: CurveLinear}
	if Map(lux, z) <= Map(lux, lin) {
		t.Error("logarithmic curve should exceed linear at low lux")
	}
}

func TestMap_DegenerateZone(t *testing.T) {
	z := &Zone{LuxMin: 50, LuxMax: 50, BrightnessMin: 42, BrightnessMax: 90}
	if got := Map(50, z); got != 42 {
		t.Errorf("degenerate zone Map = %d, want 42", got)
	}
}

func TestMap_ClampsToPercent(t *testing.T) {
	z := &Zone{LuxMin: 0, LuxMax: 10, BrightnessMin: 90, BrightnessMax: 150}
	if got := Map(10, z); got != 100 {
		t.Errorf("Map = %d, want clamp to 100", got)
	}
}

func TestMapSimple(t *testing.T) {
	tests := []struct {
		lux  float64
		want int
	}{
		{-1, 5},
		{0, 5},
		{500, 52},
		{1000, 100},
		{5000, 100},
	}
	for _, tt := range tests {
		if got := MapSimple(tt.lux); got != tt.want {
			t.Errorf("MapSimple(%g) = %d, want %d", tt.lux, got, tt.want)
		}
	}
}

func TestScriptCurve(t *testing.T) {
	sc, err := CompileScript(`function curve(x) return x * x end`)
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	defer sc.Close()

	z := &Zone{LuxMin: 0, LuxMax: 100, BrightnessMin: 0, BrightnessMax: 100, Curve: CurveScript, Script: sc}
	if got := Map(50, z); got != 25 {
		t.Errorf("Map(50) with x^2 = %d, want 25", got)
	}
	if got := Map(100, z); got != 100 {
		t.Errorf("Map(100) = %d, want 100", got)
	}
}

func TestScriptCurve_ResultClamped(t *testing.T) {
	sc, err := CompileScript(`function curve(x) return 3 end`)
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	defer sc.Close()

	z := &Zone{LuxMin: 0, LuxMax: 100, BrightnessMin: 10, BrightnessMax: 50, Curve: CurveScript, Script: sc}
	if got := Map(10, z); got != 50 {
		t.Errorf("Map = %d, want 50 (fraction clamped to 1)", got)
	}
}

func TestScriptCurve_RuntimeErrorFallsBackToLinear(t *testing.T) {
	sc, err := CompileScript(`function curve(x) error("boom") end`)
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	defer sc.Close()

	z := &Zone{LuxMin: 0, LuxMax: 100, BrightnessMin: 0, BrightnessMax: 100, Curve: CurveScript, Script: sc}
	if got := Map(40, z); got != 40 {
		t.Errorf("Map = %d, want linear fallback 40", got)
	}
}

func TestScriptCurve_NonFiniteFallsBackToLinear(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"nan", `function curve(x) return 0/0 end`},
		{"+inf", `function curve(x) return 1/0 end`},
		{"-inf", `function curve(x) return -1/0 end`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := CompileScript(tt.src)
			if err != nil {
				t.Fatalf("CompileScript: %v", err)
			}
			defer sc.Close()

			z := &Zone{LuxMin: 0, LuxMax: 100, BrightnessMin: 40, BrightnessMax: 80, Curve: CurveScript, Script: sc}
			if got := Map(50, z); got != 60 {
				t.Errorf("Map = %d, want linear fallback 60", got)
			}
		})
	}
}

func TestCompileScript_Errors(t *testing.T) {
	if _, err := CompileScript(`this is not lua`); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := CompileScript(`x = 1`); err == nil {
		t.Error("expected error for missing curve function")
	}
}

func TestParseCurveType(t *testing.T) {
	tests := []struct {
		in      string
		want    CurveType
		wantErr bool
	}{
		{"", CurveLinear, false},
		{"linear", CurveLinear, false},
		{"Logarithmic", CurveLogarithmic, false},
		{"lua", CurveScript, false},
		{"cubic", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCurveType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCurveType(%q) = %q, %v", tt.in, got, err)
		}
	}
}
