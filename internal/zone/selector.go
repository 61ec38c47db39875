package zone

// Selector picks the active zone for a lux reading.
//
// With a positive hysteresis percentage the selector remembers the last
// selected zone and keeps it while lux stays inside that zone's widened band
// [min - min*h/100, max + max*h/100). The remembered zone is an index into the
// immutable table. Not safe for concurrent use; the control loop owns it.
type Selector struct {
	zones      Table
	hysteresis float64
	active     int // -1 when nothing selected yet
}

// NewSelector creates a selector over zones with the given hysteresis percent.
func NewSelector(zones Table, hysteresisPercent float64) *Selector {
	if hysteresisPercent < 0 {
		hysteresisPercent = 0
	}
	return &Selector{
		zones:      zones,
		hysteresis: hysteresisPercent,
		active:     -1,
	}
}

// Zones returns the zone table.
func (s *Selector) Zones() Table {
	return s.zones
}

// Hysteresis returns the configured hysteresis percent.
func (s *Selector) Hysteresis() float64 {
	return s.hysteresis
}

// Active returns the last selected zone, or nil.
func (s *Selector) Active() *Zone {
	if s.active < 0 {
		return nil
	}
	return &s.zones[s.active]
}

// Select returns the zone for lux and whether the selection changed.
// It returns nil when the table is empty.
func (s *Selector) Select(lux float64) (*Zone, bool) {
	if len(s.zones) == 0 {
		return nil, false
	}

	if s.hysteresis > 0 && s.active >= 0 && s.withinBand(&s.zones[s.active], lux) {
		return &s.zones[s.active], false
	}

	idx := Lookup(s.zones, lux)
	changed := idx != s.active
	// Without hysteresis active only feeds change detection; the
	// result above never depends on it.
	s.active = idx
	return &s.zones[idx], changed
}

// Reset forgets the remembered zone.
func (s *Selector) Reset() {
	s.active = -1
}

func (s *Selector) withinBand(z *Zone, lux float64) bool {
	lo := z.LuxMin - z.LuxMin*s.hysteresis/100
	hi := z.LuxMax + z.LuxMax*s.hysteresis/100
	return lux >= lo && lux < hi
}

// Lookup is the pure range match: the first zone whose [min,max) contains
// lux, or the last zone when none does. zones must not be empty.
func Lookup(zones Table, lux float64) int {
	for i := range zones {
		if zones[i].Contains(lux) {
			return i
		}
	}
	return len(zones) - 1
}
